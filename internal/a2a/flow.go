package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrelay/internal/routing"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// exchange carries the state of one A2A send through its detached
// continuation: the optional ping-pong turns and the final announce.
type exchange struct {
	requesterKey string
	targetKey    string
	message      string
	firstReply   string
	runID        string
	timeout      time.Duration
	maxTurns     int
}

// runBackgroundFlow is the detached continuation of a send. All failures are
// logged and swallowed; nothing here reaches the caller.
func (o *Orchestrator) runBackgroundFlow(ctx context.Context, st *exchange, awaitFirst bool) {
	if awaitFirst {
		if w := o.waitRun(ctx, st.runID, capTimeout(st.timeout)); w.status != StatusOK {
			slog.Warn("a2a: fire-and-forget run did not complete",
				"run_id", st.runID, "status", w.status, "error", w.errMsg)
			return
		}
		st.firstReply = o.latestReply(ctx, st.targetKey)
	}

	latest := st.firstReply
	if o.shouldPingPong(st, latest) {
		latest = o.runPingPong(ctx, st, latest)
	}
	o.announce(ctx, st, latest)
}

func (o *Orchestrator) shouldPingPong(st *exchange, reply string) bool {
	return st.maxTurns > 0 &&
		st.requesterKey != st.targetKey &&
		reply != "" &&
		!IsReplySkip(reply)
}

// runPingPong relays replies between the two sessions, alternating parties,
// for at most maxTurns steps. A skip sentinel or an empty reply ends the
// exchange early. Returns the last substantive reply.
func (o *Orchestrator) runPingPong(ctx context.Context, st *exchange, latest string) string {
	cur, other := st.requesterKey, st.targetKey
	for turn := 0; turn < st.maxTurns; turn++ {
		reply, err := o.runAgentStep(ctx, cur, latest, relayPrompt(other), capTimeout(st.timeout))
		if err != nil {
			slog.Warn("a2a: ping-pong step failed", "session", cur, "turn", turn, "error", err)
			return latest
		}
		if reply == "" || IsReplySkip(reply) {
			return latest
		}
		latest = reply
		cur, other = other, cur
	}
	return latest
}

// announce asks the target to summarize the exchange and delivers the
// summary to the target's last known channel route. Skipped when the summary
// is empty, the announce-skip sentinel, or no route is known.
func (o *Orchestrator) announce(ctx context.Context, st *exchange, latest string) {
	summary, err := o.runAgentStep(ctx, st.targetKey,
		announcePrompt(st.message, st.firstReply, latest), "", capTimeout(st.timeout))
	if err != nil {
		slog.Warn("a2a: announce step failed", "target", st.targetKey, "error", err)
		return
	}
	if summary == "" || IsAnnounceSkip(summary) {
		slog.Debug("a2a: announce skipped", "target", st.targetKey)
		return
	}

	route, ok := o.dir.LastRoute(st.targetKey)
	if !ok {
		agentID, _ := routing.ParseSessionKey(st.targetKey)
		route, ok = o.dir.LastUsedRoute(agentID)
	}
	if !ok {
		slog.Info("a2a: no delivery route for announce", "target", st.targetKey)
		return
	}

	idem := uuid.NewString()
	out, err := o.invoker.Invoke(ctx, protocol.MethodSend, protocol.SendParams{
		To:             route.ChatID,
		Message:        summary,
		Provider:       route.Channel,
		AccountID:      route.AccountID,
		IdempotencyKey: idem,
	}, idem)
	if err != nil || !out.OK {
		slog.Warn("a2a: announce delivery failed",
			"target", st.targetKey, "channel", route.Channel, "error", errText(out.Err, err))
	}
}

// runAgentStep submits a message into a session, waits for the run to settle,
// and returns the session's newest assistant text.
func (o *Orchestrator) runAgentStep(ctx context.Context, sessionKey, message, extraPrompt string, timeout time.Duration) (string, error) {
	idem := uuid.NewString()
	out, err := o.invoker.Invoke(ctx, protocol.MethodAgent, protocol.AgentParams{
		SessionKey:        sessionKey,
		Message:           message,
		IdempotencyKey:    idem,
		Lane:              protocol.LaneA2A,
		ExtraSystemPrompt: extraPrompt,
	}, idem)
	if err != nil {
		return "", err
	}
	if !out.OK {
		return "", fmt.Errorf("agent submit: %s", out.Err)
	}
	runID := idem
	var res protocol.AgentResult
	if json.Unmarshal(out.Payload, &res) == nil && res.RunID != "" {
		runID = res.RunID
	}

	if w := o.waitRun(ctx, runID, timeout); w.status != StatusOK {
		return "", fmt.Errorf("agent wait: %s: %s", w.status, w.errMsg)
	}
	return o.latestReply(ctx, sessionKey), nil
}

type waitOutcome struct {
	status string
	errMsg string
}

// waitRun blocks on agent.wait for the run. The RPC deadline sits above the
// application timeout so a gateway-side timeout answer is distinguishable
// from the transport giving up.
func (o *Orchestrator) waitRun(ctx context.Context, runID string, timeout time.Duration) waitOutcome {
	callCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	out, err := o.invoker.Invoke(callCtx, protocol.MethodAgentWait, protocol.AgentWaitParams{
		RunID:     runID,
		TimeoutMs: int(timeout / time.Millisecond),
	}, "")
	if err != nil {
		return waitOutcome{status: StatusCancelled, errMsg: err.Error()}
	}
	if !out.OK {
		return waitOutcome{status: StatusTransportError, errMsg: out.Err}
	}

	var res protocol.AgentWaitResult
	if err := json.Unmarshal(out.Payload, &res); err != nil {
		return waitOutcome{status: StatusTransportError, errMsg: "malformed wait result"}
	}
	switch res.Status {
	case protocol.WaitOK:
		return waitOutcome{status: StatusOK}
	case protocol.WaitTimeout:
		return waitOutcome{status: StatusTimeout, errMsg: res.Error}
	default:
		return waitOutcome{status: StatusError, errMsg: res.Error}
	}
}

// latestReply fetches the tail of the session's history and returns the last
// assistant message that carries plain text, skipping tool traffic. Empty on
// any failure.
func (o *Orchestrator) latestReply(ctx context.Context, sessionKey string) string {
	out, err := o.invoker.Invoke(ctx, protocol.MethodChatHistory, protocol.ChatHistoryParams{
		SessionKey: sessionKey,
		Limit:      20,
	}, "")
	if err != nil || !out.OK {
		return ""
	}
	var res protocol.ChatHistoryResult
	if err := json.Unmarshal(out.Payload, &res); err != nil {
		return ""
	}
	for i := len(res.Messages) - 1; i >= 0; i-- {
		m := res.Messages[i]
		if m.Role != "assistant" || m.ToolCallID != "" || m.HasTools {
			continue
		}
		if m.Content != "" {
			return m.Content
		}
	}
	return ""
}

// capTimeout bounds a background wait. Caller timeouts do not stretch
// detached work past maxBackgroundWait.
func capTimeout(d time.Duration) time.Duration {
	if d <= 0 || d > maxBackgroundWait {
		return maxBackgroundWait
	}
	return d
}

func relayPrompt(otherKey string) string {
	return "You are in a relayed conversation with agent session " + otherKey + ". " +
		"Continue the exchange, or reply exactly " + ReplySkipToken + " to end it."
}

func announcePrompt(original, firstReply, latest string) string {
	p := "Summarize the exchange you just had for the humans in your channel.\n" +
		"Original request: " + original + "\n"
	if firstReply != "" {
		p += "Your first reply: " + firstReply + "\n"
	}
	if latest != "" && latest != firstReply {
		p += "Latest reply: " + latest + "\n"
	}
	return p + "Answer with a short summary, or exactly " + AnnounceSkipToken + " if no announcement is needed."
}

func errText(outErr string, err error) string {
	if err != nil {
		return err.Error()
	}
	return outErr
}
