// Package routing maps inbound channel events to an agent identity and a
// stable session key.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the session type:
//
//	DM:    {channel}:direct:{peerId}
//	Group: {channel}:group:{groupId}
//
// Examples:
//
//	agent:main:telegram:direct:386246614
//	agent:ops:discord:group:-100123456
//
// Keys are always lower-cased so equality is case-insensitive everywhere.
package routing

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes the conversational counterpart.
type PeerKind string

const (
	PeerDirect  PeerKind = "direct"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// Peer identifies the conversational counterpart within a channel.
type Peer struct {
	Kind PeerKind
	ID   string
}

// BuildSessionKey builds the canonical agent session key for a conversation.
//
//	agent:{agentId}:{channel}:{kind}:{peerID}
func BuildSessionKey(agentID, channel string, kind PeerKind, peerID string) string {
	return strings.ToLower(fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, peerID))
}

// BuildAgentMainSessionKey builds the shared "main" session key for an agent.
// Used when dm_scope="main" so all DMs share one session per agent.
//
//	agent:{agentId}:{mainKey}
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return strings.ToLower(fmt.Sprintf("agent:%s:%s", agentID, mainKey))
}

// BuildScopedSessionKey builds the session key under the configured DM scope.
// Groups and channels always use the full key; the scope only collapses DMs.
//
//	"main"                     → agent:{agentId}:{mainKey}
//	"per-peer"                 → agent:{agentId}:direct:{peerId}
//	"per-channel-peer"         → agent:{agentId}:{channel}:direct:{peerId}
//	"per-account-channel-peer" → agent:{agentId}:{channel}:{accountId}:direct:{peerId}
func BuildScopedSessionKey(agentID, channel, accountID string, kind PeerKind, peerID, dmScope, mainKey string) string {
	if kind != PeerDirect {
		return BuildSessionKey(agentID, channel, kind, peerID)
	}
	switch dmScope {
	case "main", "":
		return BuildAgentMainSessionKey(agentID, mainKey)
	case "per-peer":
		return strings.ToLower(fmt.Sprintf("agent:%s:direct:%s", agentID, peerID))
	case "per-account-channel-peer":
		if accountID == "" {
			accountID = "default"
		}
		return strings.ToLower(fmt.Sprintf("agent:%s:%s:%s:direct:%s", agentID, channel, accountID, peerID))
	default: // "per-channel-peer"
		return BuildSessionKey(agentID, channel, kind, peerID)
	}
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// CanonicalPeerID folds a raw peer id into its canonical identity when an
// identity link names it. Links map canonical id → raw ids; matching is
// case-insensitive. Applied before any DM-scope collapse.
func CanonicalPeerID(links map[string][]string, rawID string) string {
	if len(links) == 0 || rawID == "" {
		return rawID
	}
	lowered := strings.ToLower(rawID)
	for canonical, raws := range links {
		for _, r := range raws {
			if strings.ToLower(r) == lowered {
				return canonical
			}
		}
	}
	return rawID
}
