package a2a

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/internal/gateway"
	"github.com/nextlevelbuilder/agentrelay/internal/store"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

type fakeCall struct {
	method string
	params any
}

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []fakeCall
	handler func(method string, params any) (gateway.Outcome, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, method string, params any, idemKey string) (gateway.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{method: method, params: params})
	f.mu.Unlock()
	return f.handler(method, params)
}

func (f *fakeInvoker) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (f *fakeInvoker) agentCallsFor(sessionKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.method != protocol.MethodAgent {
			continue
		}
		if p, ok := c.params.(protocol.AgentParams); ok && p.SessionKey == sessionKey {
			n++
		}
	}
	return n
}

func (f *fakeInvoker) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeDir struct {
	labels   map[string]string
	entries  map[string]store.SessionEntry
	routes   map[string]store.RouteInfo
	lastUsed map[string]store.RouteInfo
}

func (d *fakeDir) ResolveLabel(label, agentID string) (string, bool) {
	key, ok := d.labels[label]
	return key, ok
}

func (d *fakeDir) Get(key string) (store.SessionEntry, bool) {
	e, ok := d.entries[key]
	return e, ok
}

func (d *fakeDir) LastRoute(key string) (store.RouteInfo, bool) {
	r, ok := d.routes[key]
	return r, ok
}

func (d *fakeDir) LastUsedRoute(agentID string) (store.RouteInfo, bool) {
	r, ok := d.lastUsed[agentID]
	return r, ok
}

func okOutcome(t *testing.T, v any) gateway.Outcome {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal outcome: %v", err)
	}
	return gateway.Outcome{OK: true, Payload: b}
}

// scriptedInvoker answers agent submits with a fixed run id, waits with ok,
// and history with the text registered per session key.
func scriptedInvoker(t *testing.T, history map[string]string) *fakeInvoker {
	t.Helper()
	f := &fakeInvoker{}
	f.handler = func(method string, params any) (gateway.Outcome, error) {
		switch method {
		case protocol.MethodAgent:
			return okOutcome(t, protocol.AgentResult{RunID: "run-1"}), nil
		case protocol.MethodAgentWait:
			return okOutcome(t, protocol.AgentWaitResult{Status: protocol.WaitOK}), nil
		case protocol.MethodChatHistory:
			p := params.(protocol.ChatHistoryParams)
			return okOutcome(t, protocol.ChatHistoryResult{
				Messages: []protocol.ChatMessage{{Role: "assistant", Content: history[p.SessionKey]}},
			}), nil
		case protocol.MethodSend:
			return okOutcome(t, map[string]bool{"ok": true}), nil
		}
		return gateway.Outcome{Err: "unexpected method " + method, ErrKind: gateway.ErrKindRPC}, nil
	}
	return f
}

func policyOf(cfg config.A2AConfig) func() config.A2AConfig {
	return func() config.A2AConfig { return cfg }
}

const (
	requesterKey = "agent:main:direct:alice"
	targetKey    = "agent:ops:direct:alice"
)

func TestSendValidation(t *testing.T) {
	f := scriptedInvoker(t, nil)
	o := NewOrchestrator(f, &fakeDir{}, policyOf(config.A2AConfig{Enabled: true, AllowAgents: []string{"*"}}))
	defer o.Shutdown(context.Background())

	cases := []struct {
		name string
		req  SendRequest
	}{
		{"empty message", SendRequest{SessionKey: targetKey, RequesterSessionKey: requesterKey}},
		{"both key and label", SendRequest{SessionKey: targetKey, Label: "ops", Message: "hi", RequesterSessionKey: requesterKey}},
		{"neither key nor label", SendRequest{Message: "hi", RequesterSessionKey: requesterKey}},
		{"missing requester", SendRequest{SessionKey: targetKey, Message: "hi"}},
		{"malformed target key", SendRequest{SessionKey: "bogus", Message: "hi", RequesterSessionKey: requesterKey}},
	}
	for _, tc := range cases {
		res := o.Send(context.Background(), tc.req)
		if res.Status != StatusInvalidRequest {
			t.Errorf("%s: status = %q, want %q (%s)", tc.name, res.Status, StatusInvalidRequest, res.Error)
		}
	}
	if n := f.total(); n != 0 {
		t.Errorf("invalid requests reached the gateway: %d calls", n)
	}
}

func TestSendForbiddenCostsNoRPC(t *testing.T) {
	f := scriptedInvoker(t, nil)
	o := NewOrchestrator(f, &fakeDir{}, policyOf(config.A2AConfig{Enabled: false}))
	defer o.Shutdown(context.Background())

	res := o.Send(context.Background(), SendRequest{
		SessionKey:          targetKey,
		Message:             "hi",
		RequesterSessionKey: requesterKey,
		TimeoutSeconds:      5,
	})
	if res.Status != StatusForbidden {
		t.Fatalf("status = %q, want %q", res.Status, StatusForbidden)
	}
	if n := f.total(); n != 0 {
		t.Errorf("denied send reached the gateway: %d calls", n)
	}
}

func TestSendSameAgentBypassesPolicy(t *testing.T) {
	f := scriptedInvoker(t, map[string]string{
		"agent:main:direct:bob": "NO_REPLY",
	})
	o := NewOrchestrator(f, &fakeDir{}, policyOf(config.A2AConfig{Enabled: false}))

	res := o.Send(context.Background(), SendRequest{
		SessionKey:          "agent:main:direct:bob",
		Message:             "hi",
		RequesterSessionKey: requesterKey,
		TimeoutSeconds:      5,
	})
	o.Shutdown(context.Background())
	if res.Status != StatusOK {
		t.Fatalf("same-agent send: status = %q (%s), want ok", res.Status, res.Error)
	}
}

func TestSendWaitsAndReturnsReply(t *testing.T) {
	f := scriptedInvoker(t, map[string]string{targetKey: "deploy is green"})
	dir := &fakeDir{
		routes: map[string]store.RouteInfo{
			targetKey: {Channel: "discord", AccountID: "default", ChatID: "c-1", PeerKind: "direct"},
		},
	}
	o := NewOrchestrator(f, dir, policyOf(config.A2AConfig{
		Enabled:     true,
		AllowAgents: []string{"main", "ops"},
	}))

	res := o.Send(context.Background(), SendRequest{
		SessionKey:          targetKey,
		Message:             "status?",
		RequesterSessionKey: requesterKey,
		TimeoutSeconds:      5,
	})
	o.Shutdown(context.Background())

	if res.Status != StatusOK {
		t.Fatalf("status = %q (%s), want ok", res.Status, res.Error)
	}
	if res.RunID != "run-1" {
		t.Errorf("run id = %q, want run-1", res.RunID)
	}
	if res.Reply != "deploy is green" {
		t.Errorf("reply = %q, want latest assistant text", res.Reply)
	}
}

func TestSendFireAndForgetAccepted(t *testing.T) {
	f := scriptedInvoker(t, map[string]string{targetKey: "on it"})
	dir := &fakeDir{
		routes: map[string]store.RouteInfo{
			targetKey: {Channel: "discord", ChatID: "c-1"},
		},
	}
	o := NewOrchestrator(f, dir, policyOf(config.A2AConfig{Enabled: true, AllowAgents: []string{"*"}}))

	res := o.Send(context.Background(), SendRequest{
		SessionKey:          targetKey,
		Message:             "go",
		RequesterSessionKey: requesterKey,
	})
	if res.Status != StatusAccepted {
		t.Fatalf("status = %q, want %q", res.Status, StatusAccepted)
	}
	if res.RunID == "" {
		t.Error("accepted result carries no run id")
	}
	if res.Reply != "" {
		t.Errorf("fire-and-forget returned a reply: %q", res.Reply)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.Shutdown(ctx)
	if f.callCount(protocol.MethodAgentWait) == 0 {
		t.Error("background flow never waited on the run")
	}
}

func TestSendTimeoutStatusMapsThrough(t *testing.T) {
	f := &fakeInvoker{}
	f.handler = func(method string, params any) (gateway.Outcome, error) {
		switch method {
		case protocol.MethodAgent:
			return okOutcome(t, protocol.AgentResult{RunID: "run-9"}), nil
		case protocol.MethodAgentWait:
			return okOutcome(t, protocol.AgentWaitResult{Status: protocol.WaitTimeout, Error: "run still active"}), nil
		}
		return gateway.Outcome{Err: "unexpected", ErrKind: gateway.ErrKindRPC}, nil
	}
	o := NewOrchestrator(f, &fakeDir{}, policyOf(config.A2AConfig{Enabled: true, AllowAgents: []string{"*"}}))
	defer o.Shutdown(context.Background())

	res := o.Send(context.Background(), SendRequest{
		SessionKey:          targetKey,
		Message:             "slow thing",
		RequesterSessionKey: requesterKey,
		TimeoutSeconds:      1,
	})
	if res.Status != StatusTimeout {
		t.Fatalf("status = %q, want %q", res.Status, StatusTimeout)
	}
	if res.RunID != "run-9" {
		t.Errorf("timeout result should still name the run, got %q", res.RunID)
	}
}

func TestSendTransportErrorDistinctFromTimeout(t *testing.T) {
	f := &fakeInvoker{}
	f.handler = func(method string, params any) (gateway.Outcome, error) {
		return gateway.Outcome{Err: "call timed out", ErrKind: gateway.ErrKindTransportTimeout}, nil
	}
	o := NewOrchestrator(f, &fakeDir{}, policyOf(config.A2AConfig{Enabled: true, AllowAgents: []string{"*"}}))
	defer o.Shutdown(context.Background())

	res := o.Send(context.Background(), SendRequest{
		SessionKey:          targetKey,
		Message:             "hi",
		RequesterSessionKey: requesterKey,
		TimeoutSeconds:      1,
	})
	if res.Status != StatusTransportError {
		t.Fatalf("status = %q, want %q", res.Status, StatusTransportError)
	}
}

func TestSendLabelNotFound(t *testing.T) {
	f := scriptedInvoker(t, nil)
	o := NewOrchestrator(f, &fakeDir{labels: map[string]string{}}, policyOf(config.A2AConfig{Enabled: true, AllowAgents: []string{"*"}}))
	defer o.Shutdown(context.Background())

	res := o.Send(context.Background(), SendRequest{
		Label:               "deploy-bot",
		Message:             "hi",
		RequesterSessionKey: requesterKey,
		TimeoutSeconds:      5,
	})
	if res.Status != StatusNotFound {
		t.Fatalf("status = %q, want %q", res.Status, StatusNotFound)
	}
	// The directory miss falls back to one gateway resolve; nothing else runs.
	if n := f.callCount(protocol.MethodSessionsResolve); n != 1 {
		t.Errorf("remote resolve attempts = %d, want 1", n)
	}
	if n := f.callCount(protocol.MethodAgent); n != 0 {
		t.Errorf("unresolvable label submitted a run: %d calls", n)
	}
}

func TestSendLabelResolvesViaGateway(t *testing.T) {
	f := &fakeInvoker{}
	f.handler = func(method string, params any) (gateway.Outcome, error) {
		switch method {
		case protocol.MethodSessionsResolve:
			return okOutcome(t, protocol.SessionsResolveResult{Key: targetKey}), nil
		case protocol.MethodAgent:
			return okOutcome(t, protocol.AgentResult{RunID: "run-3"}), nil
		case protocol.MethodAgentWait:
			return okOutcome(t, protocol.AgentWaitResult{Status: protocol.WaitOK}), nil
		case protocol.MethodChatHistory:
			return okOutcome(t, protocol.ChatHistoryResult{
				Messages: []protocol.ChatMessage{{Role: "assistant", Content: "NO_REPLY"}},
			}), nil
		}
		return gateway.Outcome{Err: "unexpected " + method, ErrKind: gateway.ErrKindRPC}, nil
	}
	o := NewOrchestrator(f, &fakeDir{labels: map[string]string{}}, policyOf(config.A2AConfig{Enabled: true, AllowAgents: []string{"*"}}))

	res := o.Send(context.Background(), SendRequest{
		Label:               "deploy-bot",
		Message:             "hi",
		RequesterSessionKey: requesterKey,
		TimeoutSeconds:      5,
	})
	o.Shutdown(context.Background())
	if res.Status != StatusOK {
		t.Fatalf("status = %q (%s), want ok", res.Status, res.Error)
	}
	if res.RunID != "run-3" {
		t.Errorf("run id = %q, want run-3", res.RunID)
	}
}

func TestSandboxedVisibilityBlocksForeignSessions(t *testing.T) {
	f := scriptedInvoker(t, nil)
	dir := &fakeDir{
		entries: map[string]store.SessionEntry{
			targetKey: {Key: targetKey, SpawnedBy: "agent:other:direct:carol"},
		},
	}
	o := NewOrchestrator(f, dir, policyOf(config.A2AConfig{
		Enabled:             true,
		AllowAgents:         []string{"*"},
		SandboxedVisibility: true,
	}))
	defer o.Shutdown(context.Background())

	res := o.Send(context.Background(), SendRequest{
		SessionKey:          targetKey,
		Message:             "hi",
		RequesterSessionKey: requesterKey,
		TimeoutSeconds:      5,
	})
	if res.Status != StatusForbidden {
		t.Fatalf("status = %q, want %q", res.Status, StatusForbidden)
	}
	if n := f.total(); n != 0 {
		t.Errorf("sandbox denial reached the gateway: %d calls", n)
	}
}

func TestSandboxedVisibilityAllowsSpawnedChild(t *testing.T) {
	f := scriptedInvoker(t, map[string]string{targetKey: "NO_REPLY"})
	dir := &fakeDir{
		entries: map[string]store.SessionEntry{
			targetKey: {Key: targetKey, SpawnedBy: requesterKey},
		},
	}
	o := NewOrchestrator(f, dir, policyOf(config.A2AConfig{
		Enabled:             true,
		AllowAgents:         []string{"*"},
		SandboxedVisibility: true,
	}))

	res := o.Send(context.Background(), SendRequest{
		SessionKey:          targetKey,
		Message:             "hi",
		RequesterSessionKey: requesterKey,
		TimeoutSeconds:      5,
	})
	o.Shutdown(context.Background())
	if res.Status != StatusOK {
		t.Fatalf("status = %q (%s), want ok", res.Status, res.Error)
	}
}

func TestPingPongStopsOnReplySkip(t *testing.T) {
	// Target answers substantively; requester answers with the skip token, so
	// the relay loop performs exactly one step before the announce.
	f := scriptedInvoker(t, map[string]string{
		targetKey:    "here is the report",
		requesterKey: "NO_REPLY",
	})
	dir := &fakeDir{
		routes: map[string]store.RouteInfo{
			targetKey: {Channel: "telegram", ChatID: "t-1"},
		},
	}
	o := NewOrchestrator(f, dir, policyOf(config.A2AConfig{
		Enabled:          true,
		AllowAgents:      []string{"*"},
		MaxPingPongTurns: 3,
	}))

	res := o.Send(context.Background(), SendRequest{
		SessionKey:          targetKey,
		Message:             "report please",
		RequesterSessionKey: requesterKey,
		TimeoutSeconds:      5,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.Shutdown(ctx)

	if res.Status != StatusOK {
		t.Fatalf("status = %q (%s), want ok", res.Status, res.Error)
	}
	if n := f.agentCallsFor(requesterKey); n != 1 {
		t.Errorf("relay steps into requester = %d, want exactly 1", n)
	}
	if f.callCount(protocol.MethodSend) != 1 {
		t.Errorf("announce deliveries = %d, want 1", f.callCount(protocol.MethodSend))
	}
}

func TestAnnounceFallsBackToLastUsedRoute(t *testing.T) {
	f := scriptedInvoker(t, map[string]string{targetKey: "summary text"})
	dir := &fakeDir{
		lastUsed: map[string]store.RouteInfo{
			"ops": {Channel: "slack", ChatID: "C123"},
		},
	}
	o := NewOrchestrator(f, dir, policyOf(config.A2AConfig{Enabled: true, AllowAgents: []string{"*"}}))

	res := o.Send(context.Background(), SendRequest{
		SessionKey:          targetKey,
		Message:             "hi",
		RequesterSessionKey: requesterKey,
		TimeoutSeconds:      5,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.Shutdown(ctx)

	if res.Status != StatusOK {
		t.Fatalf("status = %q (%s), want ok", res.Status, res.Error)
	}
	if f.callCount(protocol.MethodSend) != 1 {
		t.Fatalf("announce deliveries = %d, want 1", f.callCount(protocol.MethodSend))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.method != protocol.MethodSend {
			continue
		}
		p := c.params.(protocol.SendParams)
		if p.Provider != "slack" || p.To != "C123" {
			t.Errorf("announce routed to %s/%s, want slack/C123", p.Provider, p.To)
		}
	}
}

func TestAnnounceSkipSuppressesDelivery(t *testing.T) {
	f := scriptedInvoker(t, map[string]string{targetKey: "NO_ANNOUNCE"})
	dir := &fakeDir{
		routes: map[string]store.RouteInfo{
			targetKey: {Channel: "discord", ChatID: "c-1"},
		},
	}
	o := NewOrchestrator(f, dir, policyOf(config.A2AConfig{Enabled: true, AllowAgents: []string{"*"}}))

	o.Send(context.Background(), SendRequest{
		SessionKey:          targetKey,
		Message:             "hi",
		RequesterSessionKey: requesterKey,
		TimeoutSeconds:      5,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.Shutdown(ctx)

	if n := f.callCount(protocol.MethodSend); n != 0 {
		t.Errorf("announce delivered despite skip token: %d sends", n)
	}
}
