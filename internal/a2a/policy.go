package a2a

import (
	"strings"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
)

// authorizeCrossAgent decides whether requester may message a session of a
// different agent. Returns "" when allowed, otherwise a denial reason. Called
// before any gateway traffic so a denial costs no RPC.
func authorizeCrossAgent(policy config.A2AConfig, requesterAgent, targetAgent string) string {
	if strings.EqualFold(requesterAgent, targetAgent) {
		return ""
	}
	if !policy.Enabled {
		return "cross-agent messaging is disabled"
	}
	if !agentAllowed(policy.AllowAgents, requesterAgent) {
		return "requester agent " + requesterAgent + " is not in the allow list"
	}
	if !agentAllowed(policy.AllowAgents, targetAgent) {
		return "target agent " + targetAgent + " is not in the allow list"
	}
	return ""
}

// agentAllowed matches an agent id against the allow patterns: exact or
// "*"-glob, case-insensitive. An empty pattern list allows nothing.
func agentAllowed(patterns []string, agentID string) bool {
	id := strings.ToLower(agentID)
	for _, p := range patterns {
		if globMatch(strings.ToLower(strings.TrimSpace(p)), id) {
			return true
		}
	}
	return false
}

// globMatch matches s against a pattern where '*' spans any run of
// characters, including none.
func globMatch(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
