package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names pushed by the gateway.
const (
	EventChat      = "chat"
	EventAgent     = "agent"
	EventConnected = "connected"
	EventShutdown  = "shutdown"
)

// Chat event states (the "state" field of a chat event payload).
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateAborted = "aborted"
	ChatStateError   = "error"
)

// Tool phases (the "phase" field of an agent event payload).
const (
	ToolPhaseStart  = "start"
	ToolPhaseResult = "result"
)

// GatewayEvent is the decoded form of a gateway push event. Exactly one of
// the pointer fields is non-nil, selected by Kind.
type GatewayEvent struct {
	Kind       EventKind
	RunID      string
	SessionKey string

	Delta      *ChatDelta
	Final      *ChatFinal
	Aborted    *ChatAborted
	ChatErr    *ChatError
	ToolStart  *ToolStart
	ToolResult *ToolResult
}

// EventKind discriminates GatewayEvent.
type EventKind int

const (
	KindChatDelta EventKind = iota + 1
	KindChatFinal
	KindChatAborted
	KindChatError
	KindToolStart
	KindToolResult
)

func (k EventKind) String() string {
	switch k {
	case KindChatDelta:
		return "chat.delta"
	case KindChatFinal:
		return "chat.final"
	case KindChatAborted:
		return "chat.aborted"
	case KindChatError:
		return "chat.error"
	case KindToolStart:
		return "tool.start"
	case KindToolResult:
		return "tool.result"
	}
	return "unknown"
}

// ChatDelta is an incremental snapshot of the assistant text so far. Content
// is cumulative, not a fragment.
type ChatDelta struct {
	Content string
	Seq     int
}

// ChatFinal is the terminal successful state of a run.
type ChatFinal struct {
	Content    string
	StopReason string
}

// ChatAborted marks a run cancelled on the gateway side.
type ChatAborted struct {
	Reason string
}

// ChatError marks a run failed on the gateway side.
type ChatError struct {
	Message string
}

// ToolStart reports a tool invocation beginning inside a run.
type ToolStart struct {
	Tool   string
	CallID string
}

// ToolResult reports a tool invocation finishing inside a run.
type ToolResult struct {
	Tool   string
	CallID string
	IsErr  bool
}

// chatEventWire is the chat event payload:
// {sessionKey, state, runId?, message?}. The message field carries the
// cumulative text for deltas and finals, the reason for aborts, and the error
// text for errors.
type chatEventWire struct {
	State      string `json:"state"`
	RunID      string `json:"runId,omitempty"`
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message,omitempty"`
	Seq        int    `json:"seq,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
}

// agentEventWire is the agent event payload:
// {stream:"tool", data:{phase, toolCallId, name?, isError?}}.
type agentEventWire struct {
	RunID      string        `json:"runId,omitempty"`
	SessionKey string        `json:"sessionKey,omitempty"`
	Stream     string        `json:"stream"`
	Data       agentToolWire `json:"data"`
}

type agentToolWire struct {
	Phase      string `json:"phase"`
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// AgentStreamTool is the only agent event stream this layer consumes.
const AgentStreamTool = "tool"

// DecodeGatewayEvent decodes a raw event frame into a GatewayEvent. Unknown
// event names and unknown states return an error; callers log and drop them
// rather than guessing at payload shape.
func DecodeGatewayEvent(frame *EventFrame) (*GatewayEvent, error) {
	switch frame.Event {
	case EventChat:
		var w chatEventWire
		if err := json.Unmarshal(frame.Payload, &w); err != nil {
			return nil, fmt.Errorf("decode chat event: %w", err)
		}
		ev := &GatewayEvent{RunID: w.RunID, SessionKey: w.SessionKey}
		switch w.State {
		case ChatStateDelta:
			ev.Kind = KindChatDelta
			ev.Delta = &ChatDelta{Content: w.Message, Seq: w.Seq}
		case ChatStateFinal:
			ev.Kind = KindChatFinal
			ev.Final = &ChatFinal{Content: w.Message, StopReason: w.StopReason}
		case ChatStateAborted:
			ev.Kind = KindChatAborted
			ev.Aborted = &ChatAborted{Reason: w.Message}
		case ChatStateError:
			ev.Kind = KindChatError
			ev.ChatErr = &ChatError{Message: w.Message}
		default:
			return nil, fmt.Errorf("decode chat event: unknown state %q", w.State)
		}
		return ev, nil
	case EventAgent:
		var w agentEventWire
		if err := json.Unmarshal(frame.Payload, &w); err != nil {
			return nil, fmt.Errorf("decode agent event: %w", err)
		}
		if w.Stream != AgentStreamTool {
			return nil, fmt.Errorf("decode agent event: unsupported stream %q", w.Stream)
		}
		ev := &GatewayEvent{RunID: w.RunID, SessionKey: w.SessionKey}
		switch w.Data.Phase {
		case ToolPhaseStart:
			ev.Kind = KindToolStart
			ev.ToolStart = &ToolStart{Tool: w.Data.Name, CallID: w.Data.ToolCallID}
		case ToolPhaseResult:
			ev.Kind = KindToolResult
			ev.ToolResult = &ToolResult{Tool: w.Data.Name, CallID: w.Data.ToolCallID, IsErr: w.Data.IsError}
		default:
			return nil, fmt.Errorf("decode agent event: unknown phase %q", w.Data.Phase)
		}
		return ev, nil
	}
	return nil, fmt.Errorf("decode event: unknown event %q", frame.Event)
}
