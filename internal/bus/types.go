package bus

import "context"

// InboundMessage represents a message received from a channel adapter
// (Telegram, Discord, Slack, etc.)
type InboundMessage struct {
	Channel       string            `json:"channel"`
	AccountID     string            `json:"account_id,omitempty"`
	SenderID      string            `json:"sender_id"`
	ChatID        string            `json:"chat_id"`
	MessageID     string            `json:"message_id,omitempty"` // platform message id, used for retry dedupe
	Content       string            `json:"content"`
	PeerKind      string            `json:"peer_kind,omitempty"` // "direct", "group" or "channel"
	ParentChatID  string            `json:"parent_chat_id,omitempty"` // thread parent, if any
	GuildID       string            `json:"guild_id,omitempty"`
	TeamID        string            `json:"team_id,omitempty"`
	MemberRoleIDs []string          `json:"member_role_ids,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a reply to be delivered back to a channel.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id,omitempty"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Event represents a broadcast notification for in-process subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channel
// adapters and the control plane.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
