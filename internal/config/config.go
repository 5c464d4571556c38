package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultAgentID is the agent used when no binding matches and no agent is
// marked default.
const DefaultAgentID = "main"

// DefaultAccountID is the account a binding matches when it names none.
const DefaultAccountID = "default"

// Config is the root configuration for the relay.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	A2A       A2AConfig       `json:"a2a,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	mu        sync.RWMutex
}

// AgentBinding maps a channel/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to. A dimension
// the match does not name is unconstrained.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"` // exact id, "" (= default account), or "*"
	Peer      *BindingPeer `json:"peer,omitempty"`
	GuildID   string       `json:"guildId,omitempty"`
	TeamID    string       `json:"teamId,omitempty"`
	Roles     []string     `json:"roles,omitempty"` // any-overlap against member roles
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct", "group" or "channel"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace string `json:"workspace"`
}

// AgentSpec is the per-agent configuration override.
type AgentSpec struct {
	DisplayName string `json:"displayName,omitempty"`
	Workspace   string `json:"workspace,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// GatewayConfig configures the upstream gateway connection.
// Token is NEVER read from the config file — only from env AGENTRELAY_GATEWAY_TOKEN.
type GatewayConfig struct {
	URL             string `json:"url"` // ws:// or wss:// endpoint
	Token           string `json:"-"`   // from env only
	RateLimitRPM    int    `json:"rate_limit_rpm,omitempty"` // outbound RPC budget per minute
	CallTimeoutSec  int    `json:"call_timeout_sec,omitempty"`
	DedupeTTLMin    int    `json:"dedupe_ttl_min,omitempty"`  // idempotency cache retention
	DedupeMaxSize   int    `json:"dedupe_max_size,omitempty"` // idempotency cache entry cap
	MaxMessageChars int    `json:"max_message_chars,omitempty"`
}

// SessionsConfig configures session key scoping and the session directory.
type SessionsConfig struct {
	Storage       string              `json:"storage"`                 // directory for the file backend
	DMScope       string              `json:"dm_scope,omitempty"`      // "main" (default), "per-peer", "per-channel-peer", "per-account-channel-peer"
	MainKey       string              `json:"main_key,omitempty"`      // collapsed direct-chat key segment (default "main")
	IdentityLinks map[string][]string `json:"identityLinks,omitempty"` // canonical id → raw peer ids folded into it
}

// A2AConfig gates agent-to-agent messaging.
type A2AConfig struct {
	Enabled             bool     `json:"enabled,omitempty"`
	AllowAgents         []string `json:"allowAgents,omitempty"` // exact or "*"-glob patterns, case-insensitive
	MaxPingPongTurns    int      `json:"maxPingPongTurns,omitempty"`
	SandboxedVisibility bool     `json:"sandboxedVisibility,omitempty"` // restrict targets to sessions the requester spawned
}

// DatabaseConfig configures Postgres for managed mode.
// PostgresDSN is NEVER read from the config file — only from env AGENTRELAY_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true if the relay keeps its session directory in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "agentrelay"
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// The binding table is replaced wholesale, never merged.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.A2A = src.A2A
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Bindings = src.Bindings
}

// RoutingSnapshot is the immutable view handed to the route resolver.
type RoutingSnapshot struct {
	Bindings       []AgentBinding
	DefaultAgentID string
	DMScope        string
	MainKey        string
	IdentityLinks  map[string][]string
}

// Snapshot returns a point-in-time copy of the routing-relevant fields, so
// resolvers never observe a half-replaced config.
func (c *Config) Snapshot() RoutingSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bindings := make([]AgentBinding, len(c.Bindings))
	copy(bindings, c.Bindings)
	return RoutingSnapshot{
		Bindings:       bindings,
		DefaultAgentID: c.resolveDefaultAgentIDLocked(),
		DMScope:        c.Sessions.DMScope,
		MainKey:        c.Sessions.MainKey,
		IdentityLinks:  c.Sessions.IdentityLinks,
	}
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or DefaultAgentID if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolveDefaultAgentIDLocked()
}

func (c *Config) resolveDefaultAgentIDLocked() string {
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// A2APolicy returns a copy of the A2A section.
func (c *Config) A2APolicy() A2AConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.A2A
	p.AllowAgents = append([]string(nil), c.A2A.AllowAgents...)
	return p
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
