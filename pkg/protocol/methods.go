package protocol

// RPC method name constants for the gateway methods this control plane consumes.
const (
	// Agent runs
	MethodAgent     = "agent"      // submit a run (sessionKey, message, idempotencyKey, deliver, lane, extraSystemPrompt)
	MethodAgentWait = "agent.wait" // block until a run finishes (runId, timeoutMs → {status, error?})

	// Chat
	MethodChatAbort   = "chat.abort"   // cancel the active run for a session (sessionKey)
	MethodChatHistory = "chat.history" // read recent messages (sessionKey, limit → {messages[]})

	// Session directory
	MethodSessionsResolve = "sessions.resolve" // resolve key or label (key|label, agentId? → {key})
	MethodSessionsList    = "sessions.list"    // list sessions with filters

	// Outbound delivery
	MethodSend = "send" // deliver a payload to a channel (to, message, provider, accountId, idempotencyKey)

	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)

// Agent submit lanes. The gateway schedules lanes independently so relayed
// traffic cannot starve interactive chat.
const (
	LaneMain = "main"
	LaneA2A  = "a2a"
)

// AgentParams are the parameters of a MethodAgent request.
type AgentParams struct {
	SessionKey        string `json:"sessionKey"`
	Message           string `json:"message"`
	IdempotencyKey    string `json:"idempotencyKey"`
	Deliver           bool   `json:"deliver"`
	Lane              string `json:"lane,omitempty"`
	ExtraSystemPrompt string `json:"extraSystemPrompt,omitempty"`
}

// AgentResult is the payload of a MethodAgent response.
type AgentResult struct {
	RunID string `json:"runId"`
}

// AgentWaitParams are the parameters of a MethodAgentWait request.
type AgentWaitParams struct {
	RunID     string `json:"runId"`
	TimeoutMs int    `json:"timeoutMs"`
}

// Wait statuses returned by MethodAgentWait.
const (
	WaitOK      = "ok"
	WaitTimeout = "timeout"
	WaitError   = "error"
)

// AgentWaitResult is the payload of a MethodAgentWait response.
type AgentWaitResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ChatAbortParams are the parameters of a MethodChatAbort request.
type ChatAbortParams struct {
	SessionKey string `json:"sessionKey"`
}

// ChatHistoryParams are the parameters of a MethodChatHistory request.
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// ChatMessage is one entry of a chat.history result.
type ChatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"toolCallId,omitempty"`
	HasTools   bool   `json:"hasTools,omitempty"`
}

// ChatHistoryResult is the payload of a MethodChatHistory response.
type ChatHistoryResult struct {
	Messages []ChatMessage `json:"messages"`
}

// SessionsResolveParams are the parameters of a MethodSessionsResolve request.
// Exactly one of Key or Label must be set.
type SessionsResolveParams struct {
	Key     string `json:"key,omitempty"`
	Label   string `json:"label,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

// SessionsResolveResult is the payload of a MethodSessionsResolve response.
type SessionsResolveResult struct {
	Key string `json:"key"`
}

// SessionsListParams are the parameters of a MethodSessionsList request.
type SessionsListParams struct {
	AgentID string `json:"agentId,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// SessionSummary is one entry of a sessions.list result.
type SessionSummary struct {
	Key     string `json:"key"`
	Label   string `json:"label,omitempty"`
	Updated string `json:"updated,omitempty"`
}

// SessionsListResult is the payload of a MethodSessionsList response.
type SessionsListResult struct {
	Sessions []SessionSummary `json:"sessions"`
	Total    int              `json:"total"`
}

// SendParams are the parameters of a MethodSend outbound delivery.
type SendParams struct {
	To             string `json:"to"`
	Message        string `json:"message"`
	Provider       string `json:"provider"`
	AccountID      string `json:"accountId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}
