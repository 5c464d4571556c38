// Package runs tracks in-flight agent invocations: which run owns a session,
// how to cancel it, and who is waiting on its result.
package runs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Terminal run statuses.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusErrored   = "errored"
)

// Outcome is the terminal result of one run. Waiters always receive an
// Outcome; no path surfaces a Go error to a pending caller.
type Outcome struct {
	Status     string
	StopReason string
	Content    string
	Error      string
}

// Session is one tracked conversation thread.
type Session struct {
	SessionID  string
	SessionKey string
	Cwd        string
	CreatedAt  time.Time

	activeRunID string
	cancel      func()

	// prompt state for the active run
	buffer  string
	pending chan Outcome
	sink    DeltaSink
}

// DeltaSink receives the new text suffix each time a cumulative delta grows.
type DeltaSink func(suffix string)

// Registry owns all session and run state. All operations are safe for
// concurrent use and never fail on unknown ids; races between async event
// delivery and session teardown degrade to no-ops.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session // sessionID → session
	byKey    map[string]string   // sessionKey → sessionID
	runIndex map[string]string   // runID → sessionID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byKey:    make(map[string]string),
		runIndex: make(map[string]string),
	}
}

// CreateSessionOpts configure ResetSession and GetOrCreateSession.
type CreateSessionOpts struct {
	SessionKey string
	Cwd        string
	SessionID  string // generated when empty
}

// ResetSession installs a fresh session for the key, overwriting any prior
// entry with the same session id. This is a reset, not a merge: a pending
// waiter on the replaced entry is resolved as cancelled first.
func (r *Registry) ResetSession(opts CreateSessionOpts) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if prev, ok := r.sessions[id]; ok {
		r.finishLocked(prev, Outcome{Status: StatusCancelled, StopReason: "reset"})
	}
	if prevID, ok := r.byKey[opts.SessionKey]; ok && prevID != id {
		if prev, ok := r.sessions[prevID]; ok {
			r.finishLocked(prev, Outcome{Status: StatusCancelled, StopReason: "reset"})
			delete(r.sessions, prevID)
		}
	}

	s := &Session{
		SessionID:  id,
		SessionKey: opts.SessionKey,
		Cwd:        opts.Cwd,
		CreatedAt:  time.Now(),
	}
	r.sessions[id] = s
	r.byKey[opts.SessionKey] = id
	return s
}

// GetOrCreateSession returns the live session for the key, creating one on
// first use. Unlike ResetSession it never discards existing state.
func (r *Registry) GetOrCreateSession(opts CreateSessionOpts) *Session {
	r.mu.Lock()
	if id, ok := r.byKey[opts.SessionKey]; ok {
		if s, ok := r.sessions[id]; ok {
			r.mu.Unlock()
			return s
		}
	}
	r.mu.Unlock()
	return r.ResetSession(opts)
}

// Session returns the session with the given id, or nil.
func (r *Registry) Session(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// SessionByKey returns the session for a session key, or nil.
func (r *Registry) SessionByKey(sessionKey string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey[sessionKey]; ok {
		return r.sessions[id]
	}
	return nil
}

// ActiveRunID returns the run currently owning the session, or "". Reads go
// through the registry lock so they are safe against concurrent event
// delivery.
func (r *Registry) ActiveRunID(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s.activeRunID
	}
	return ""
}

// SessionByRunID reverse-looks-up the session owning a run. Used when an
// async event arrives keyed by runId rather than sessionId.
func (r *Registry) SessionByRunID(runID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.runIndex[runID]; ok {
		return r.sessions[id]
	}
	return nil
}

// SetActiveRun records the run owning a session and indexes it for reverse
// lookup. No-op on unknown session ids. A prior active run is overwritten;
// callers cancel it first (BeginPrompt does this for them).
func (r *Registry) SetActiveRun(sessionID, runID string, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if s.activeRunID != "" {
		delete(r.runIndex, s.activeRunID)
	}
	s.activeRunID = runID
	s.cancel = cancel
	r.runIndex[runID] = sessionID
}

// ClearActiveRun drops the session's run index entry and nulls its active
// run. Idempotent; no-op on unknown ids.
func (r *Registry) ClearActiveRun(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	r.clearActiveRunLocked(s)
}

func (r *Registry) clearActiveRunLocked(s *Session) {
	if s.activeRunID != "" {
		delete(r.runIndex, s.activeRunID)
	}
	s.activeRunID = ""
	s.cancel = nil
}

// CancelActiveRun invokes the cancellation handle of the session's active
// run, resolves any pending waiter as cancelled, and clears run state.
// Returns false when there was nothing to cancel. Safe against a concurrent
// completion: whichever side resolves first wins, the other is a no-op.
func (r *Registry) CancelActiveRun(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok || s.activeRunID == "" {
		r.mu.Unlock()
		return false
	}
	cancel := s.cancel
	r.finishLocked(s, Outcome{Status: StatusCancelled, StopReason: "cancelled"})
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// finishLocked resolves the pending waiter (if any) exactly once and clears
// run state. Callers hold r.mu.
func (r *Registry) finishLocked(s *Session, out Outcome) {
	if s.pending != nil {
		if out.Content == "" {
			out.Content = s.buffer
		}
		s.pending <- out
		s.pending = nil
	}
	s.sink = nil
	s.buffer = ""
	r.clearActiveRunLocked(s)
}

// Reset force-resolves every pending run with the given error and clears all
// registry state. Used on gateway disconnect and shutdown so no waiter is
// left dangling past a transport loss.
func (r *Registry) Reset(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		r.finishLocked(s, Outcome{Status: StatusErrored, StopReason: "error", Error: reason})
	}
	r.sessions = make(map[string]*Session)
	r.byKey = make(map[string]string)
	r.runIndex = make(map[string]string)
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
