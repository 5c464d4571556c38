package runs

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// BeginPrompt starts tracking a new run for the session and returns the
// channel its terminal Outcome will arrive on. If the session already has an
// active run it is cancelled first; one live run per session, last request
// wins, no queuing.
//
// The returned channel is buffered and receives exactly one Outcome, whatever
// happens (completion, cancel, error, disconnect).
//
// Cancelling the prior run and installing the new one happen under a single
// lock hold, so two concurrent prompts for one session serialize: one of them
// owns the session, the other's waiter is resolved as cancelled. The prior
// run's cancellation handle fires after the new run is installed. sink may be
// nil.
func (r *Registry) BeginPrompt(sessionID, runID string, cancel func(), sink DeltaSink) <-chan Outcome {
	ch := make(chan Outcome, 1)

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		// Session torn down between calls. Resolve immediately rather than
		// strand the caller.
		ch <- Outcome{Status: StatusErrored, StopReason: "error", Error: "unknown session"}
		return ch
	}
	var prevCancel func()
	if s.activeRunID != "" {
		prevCancel = s.cancel
		r.finishLocked(s, Outcome{Status: StatusCancelled, StopReason: "cancelled"})
	}
	s.pending = ch
	s.sink = sink
	s.buffer = ""
	s.activeRunID = runID
	s.cancel = cancel
	r.runIndex[runID] = sessionID
	r.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	return ch
}

// HandleGatewayEvent applies a decoded gateway event to the run it belongs
// to. Events for unknown runs are dropped; deltas whose cumulative content
// has not grown are ignored so replays and reorderings cannot rewind output.
func (r *Registry) HandleGatewayEvent(ev *protocol.GatewayEvent) {
	r.mu.Lock()
	sessionID, ok := r.runIndex[ev.RunID]
	if !ok && ev.SessionKey != "" {
		sessionID, ok = r.byKey[ev.SessionKey]
	}
	if !ok {
		r.mu.Unlock()
		return
	}
	s, ok := r.sessions[sessionID]
	if !ok || (ev.RunID != "" && s.activeRunID != "" && s.activeRunID != ev.RunID) {
		r.mu.Unlock()
		return
	}

	switch ev.Kind {
	case protocol.KindChatDelta:
		content := ev.Delta.Content
		if len(content) <= len(s.buffer) {
			r.mu.Unlock()
			return
		}
		suffix := content[len(s.buffer):]
		s.buffer = content
		sink := s.sink
		r.mu.Unlock()
		if sink != nil {
			sink(suffix)
		}
		return
	case protocol.KindChatFinal:
		out := Outcome{Status: StatusCompleted, StopReason: ev.Final.StopReason, Content: ev.Final.Content}
		if out.StopReason == "" {
			out.StopReason = "stop"
		}
		r.finishLocked(s, out)
	case protocol.KindChatAborted:
		r.finishLocked(s, Outcome{Status: StatusCancelled, StopReason: "cancelled"})
	case protocol.KindChatError:
		r.finishLocked(s, Outcome{Status: StatusErrored, StopReason: "error", Error: ev.ChatErr.Message})
	case protocol.KindToolStart, protocol.KindToolResult:
		// Tool progress is informational at this layer.
		slog.Debug("run: tool event", "run", ev.RunID, "kind", ev.Kind.String())
	}
	r.mu.Unlock()
}

// Wait blocks until the run's outcome arrives or the context expires. On
// context expiry it returns a cancelled outcome and aborts the run, keeping
// the never-reject contract.
func (r *Registry) Wait(ctx context.Context, sessionID string, ch <-chan Outcome) Outcome {
	select {
	case out := <-ch:
		return out
	case <-ctx.Done():
		r.CancelActiveRun(sessionID)
		// The cancel path resolves the pending channel; drain it so the
		// outcome reflects any completion that raced the deadline.
		select {
		case out := <-ch:
			return out
		default:
			return Outcome{Status: StatusCancelled, StopReason: "cancelled"}
		}
	}
}
