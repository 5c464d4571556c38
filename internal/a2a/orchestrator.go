// Package a2a implements agent-to-agent messaging: one session sending into
// another, bounded ping-pong continuation, and a best-effort announce back to
// the human-facing channel that started the exchange.
package a2a

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/internal/gateway"
	"github.com/nextlevelbuilder/agentrelay/internal/routing"
	"github.com/nextlevelbuilder/agentrelay/internal/store"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// Statuses of an A2A send, surfaced to the calling tool as structured
// results, never as Go errors.
const (
	StatusOK             = "ok"
	StatusAccepted       = "accepted"
	StatusInvalidRequest = "invalid-request"
	StatusForbidden      = "forbidden"
	StatusNotFound       = "not-found"
	StatusTimeout        = "timeout"
	StatusError          = "error"
	StatusTransportError = "transport-error"
	StatusCancelled      = "cancelled"
)

// maxBackgroundWait caps every wait a detached continuation performs,
// independent of the caller-visible timeout.
const maxBackgroundWait = 60 * time.Second

// Invoker is the dispatch surface the orchestrator issues gateway calls
// through. *gateway.Dispatcher satisfies it; tests substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, method string, params any, idemKey string) (gateway.Outcome, error)
}

// Directory is the slice of the session directory A2A needs: label lookup,
// sandbox lineage, and announce routes.
type Directory interface {
	ResolveLabel(label, agentID string) (string, bool)
	Get(key string) (store.SessionEntry, bool)
	LastRoute(key string) (store.RouteInfo, bool)
	LastUsedRoute(agentID string) (store.RouteInfo, bool)
}

// SendRequest asks for a message to be delivered into another session.
// Exactly one of SessionKey or Label identifies the target.
type SendRequest struct {
	SessionKey          string
	Label               string
	AgentID             string // optional label scope
	Message             string
	TimeoutSeconds      int // 0 = fire-and-forget
	RequesterSessionKey string
}

// SendResult is the structured outcome of a send.
type SendResult struct {
	Status string `json:"status"`
	RunID  string `json:"runId,omitempty"`
	Reply  string `json:"reply,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Orchestrator coordinates A2A exchanges on top of the idempotent dispatcher
// and the session directory. Background continuations run in a task group
// scoped to the orchestrator's lifetime; Shutdown drains them.
type Orchestrator struct {
	invoker Invoker
	dir     Directory
	policy  func() config.A2AConfig
	tracer  trace.Tracer

	baseCtx context.Context
	cancel  context.CancelFunc
	tasks   *errgroup.Group
}

// NewOrchestrator builds an orchestrator. policy is re-read per send so
// config hot-reloads take effect without restarting.
func NewOrchestrator(invoker Invoker, dir Directory, policy func() config.A2AConfig) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		invoker: invoker,
		dir:     dir,
		policy:  policy,
		tracer:  otel.Tracer("agentrelay/a2a"),
		baseCtx: ctx,
		cancel:  cancel,
		tasks:   &errgroup.Group{},
	}
}

// Shutdown waits for detached continuations to finish, up to the context
// deadline, then cancels whatever remains.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	o.cancel()
}

// Send delivers a message into the target session and, unless fire-and-
// forget, waits for the reply. Every taxonomy kind is returned as a
// structured result; Send never panics or returns a Go error to the tool
// boundary. The ping-pong and announce continuation always runs detached and
// never delays or fails the returned result.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) SendResult {
	ctx, span := o.tracer.Start(ctx, "a2a.send")
	defer span.End()

	if strings.TrimSpace(req.Message) == "" {
		return SendResult{Status: StatusInvalidRequest, Error: "message is required"}
	}
	if req.SessionKey != "" && req.Label != "" {
		return SendResult{Status: StatusInvalidRequest, Error: "provide session key or label, not both"}
	}
	if req.SessionKey == "" && req.Label == "" {
		return SendResult{Status: StatusInvalidRequest, Error: "session key or label is required"}
	}
	if req.RequesterSessionKey == "" {
		return SendResult{Status: StatusInvalidRequest, Error: "requester session key is required"}
	}

	policy := o.policy()
	requesterKey := strings.ToLower(req.RequesterSessionKey)

	targetKey, res := o.resolveTarget(ctx, req, policy, requesterKey)
	if res != nil {
		return *res
	}
	span.SetAttributes(
		attribute.String("a2a.requester", requesterKey),
		attribute.String("a2a.target", targetKey),
	)

	requesterAgent, _ := routing.ParseSessionKey(requesterKey)
	targetAgent, _ := routing.ParseSessionKey(targetKey)
	if targetAgent == "" {
		return SendResult{Status: StatusInvalidRequest, Error: "malformed target session key"}
	}
	if reason := authorizeCrossAgent(policy, requesterAgent, targetAgent); reason != "" {
		slog.Info("a2a: send denied", "requester", requesterKey, "target", targetKey, "reason", reason)
		return SendResult{Status: StatusForbidden, Error: reason}
	}

	idemKey := uuid.NewString()
	out, err := o.invoker.Invoke(ctx, protocol.MethodAgent, protocol.AgentParams{
		SessionKey:        targetKey,
		Message:           req.Message,
		IdempotencyKey:    idemKey,
		Lane:              protocol.LaneA2A,
		ExtraSystemPrompt: requesterPrompt(requesterKey),
	}, idemKey)
	if err != nil {
		return SendResult{Status: StatusCancelled, Error: err.Error()}
	}
	if !out.OK {
		return transportResult(out)
	}
	runID := idemKey
	var submitted protocol.AgentResult
	if json.Unmarshal(out.Payload, &submitted) == nil && submitted.RunID != "" {
		runID = submitted.RunID
	}

	st := &exchange{
		requesterKey: requesterKey,
		targetKey:    targetKey,
		message:      req.Message,
		runID:        runID,
		timeout:      time.Duration(req.TimeoutSeconds) * time.Second,
		maxTurns:     policy.MaxPingPongTurns,
	}

	if req.TimeoutSeconds == 0 {
		o.detach(func(bg context.Context) { o.runBackgroundFlow(bg, st, true) })
		return SendResult{Status: StatusAccepted, RunID: runID}
	}

	wait := o.waitRun(ctx, runID, st.timeout)
	if wait.status != StatusOK {
		return SendResult{Status: wait.status, RunID: runID, Error: wait.errMsg}
	}

	st.firstReply = o.latestReply(ctx, targetKey)
	o.detach(func(bg context.Context) { o.runBackgroundFlow(bg, st, false) })
	return SendResult{Status: StatusOK, RunID: runID, Reply: st.firstReply}
}

// resolveTarget turns the request's key or label into a session key, applying
// sandboxed visibility. A non-nil SendResult is the early denial to return.
// Labels unknown to the local directory fall back to the gateway's resolver,
// except under sandboxed visibility where only local lineage counts.
func (o *Orchestrator) resolveTarget(ctx context.Context, req SendRequest, policy config.A2AConfig, requesterKey string) (string, *SendResult) {
	targetKey := strings.ToLower(req.SessionKey)
	if req.Label != "" {
		key, ok := o.dir.ResolveLabel(req.Label, req.AgentID)
		if !ok && !policy.SandboxedVisibility {
			key, ok = o.resolveLabelRemote(ctx, req.Label, req.AgentID)
		}
		if !ok {
			return "", &SendResult{Status: StatusNotFound, Error: "no session with label " + req.Label}
		}
		targetKey = strings.ToLower(key)
	}

	if policy.SandboxedVisibility && targetKey != requesterKey {
		entry, ok := o.dir.Get(targetKey)
		if !ok || !strings.EqualFold(entry.SpawnedBy, requesterKey) {
			return "", &SendResult{Status: StatusForbidden, Error: "target session is outside the requester's sandbox"}
		}
	}
	return targetKey, nil
}

func (o *Orchestrator) resolveLabelRemote(ctx context.Context, label, agentID string) (string, bool) {
	out, err := o.invoker.Invoke(ctx, protocol.MethodSessionsResolve, protocol.SessionsResolveParams{
		Label:   label,
		AgentID: agentID,
	}, "")
	if err != nil || !out.OK {
		return "", false
	}
	var res protocol.SessionsResolveResult
	if json.Unmarshal(out.Payload, &res) != nil || res.Key == "" {
		return "", false
	}
	return res.Key, true
}

// detach runs fn in the orchestrator's task group. Panics are captured and
// logged; nothing a detached flow does can surface on a caller's result.
func (o *Orchestrator) detach(fn func(context.Context)) {
	o.tasks.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("a2a: background flow panicked", "panic", r)
			}
		}()
		fn(o.baseCtx)
		return nil
	})
}

func transportResult(out gateway.Outcome) SendResult {
	return SendResult{Status: StatusTransportError, Error: out.Err}
}

func requesterPrompt(requesterKey string) string {
	return "This message was relayed from another agent session (" + requesterKey + "). " +
		"Reply with your answer, or exactly " + ReplySkipToken + " if you have nothing to add."
}
