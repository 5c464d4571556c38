// Package store is the session directory: durable metadata about every
// session key the relay has routed, including the last channel route used to
// reach it and the spawn lineage that scopes agent-to-agent visibility.
package store

import "time"

// RouteInfo is the last known delivery route for a session.
type RouteInfo struct {
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
	PeerKind  string `json:"peerKind,omitempty"`
}

// Empty reports whether no route has been recorded.
func (r RouteInfo) Empty() bool {
	return r.Channel == "" && r.ChatID == ""
}

// SessionEntry is one directory record.
type SessionEntry struct {
	Key        string    `json:"key"`
	SessionID  string    `json:"sessionId,omitempty"`
	Label      string    `json:"label,omitempty"`
	LastRoute  RouteInfo `json:"lastRoute,omitempty"`
	SpawnedBy  string    `json:"spawnedBy,omitempty"` // session key that spawned this one
	SpawnDepth int       `json:"spawnDepth,omitempty"`
	Created    time.Time `json:"created"`
	Updated    time.Time `json:"updated"`
}

// SessionInfo is lightweight session metadata for listing.
type SessionInfo struct {
	Key     string    `json:"key"`
	Label   string    `json:"label,omitempty"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// SessionListOpts holds pagination options for ListPaged.
type SessionListOpts struct {
	AgentID string
	Limit   int
	Offset  int
}

// SessionListResult is the paginated result of ListPaged.
type SessionListResult struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// SessionStore manages the session directory. Mutators are silent no-ops on
// unknown keys; readers return zero values. Implementations are safe for
// concurrent use.
type SessionStore interface {
	GetOrCreate(key string) SessionEntry
	Get(key string) (SessionEntry, bool)
	SetSessionID(key, sessionID string)
	SetLabel(key, label string)
	SetLastRoute(key string, route RouteInfo)
	SetSpawnInfo(key, spawnedBy string, depth int)

	// ResolveLabel finds the session key carrying a label, case-insensitively,
	// optionally restricted to one agent's sessions.
	ResolveLabel(label, agentID string) (string, bool)
	// LastRoute returns the recorded delivery route for a key.
	LastRoute(key string) (RouteInfo, bool)
	// LastUsedRoute returns the most recently updated route across all of an
	// agent's sessions, for best-effort announce delivery.
	LastUsedRoute(agentID string) (RouteInfo, bool)

	Delete(key string) error
	List(agentID string) []SessionInfo
	ListPaged(opts SessionListOpts) SessionListResult
	Save(key string) error
}
