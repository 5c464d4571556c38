package routing

import (
	"strings"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
)

// MatchedBy values report which binding tier produced a route.
const (
	MatchedByPeer       = "binding.peer"
	MatchedByPeerParent = "binding.peer.parent"
	MatchedByGuildRoles = "binding.guild+roles"
	MatchedByGuild      = "binding.guild"
	MatchedByTeam       = "binding.team"
	MatchedByAccount    = "binding.account"
	MatchedByChannel    = "binding.channel"
	MatchedByDefault    = "default"
)

// Input carries everything known about an inbound event that routing can
// discriminate on. Optional fields left zero are treated as absent.
type Input struct {
	Channel       string
	AccountID     string
	Peer          *Peer
	ParentPeer    *Peer // thread-to-parent inheritance
	GuildID       string
	TeamID        string
	MemberRoleIDs []string
}

// Route is the resolved outcome of binding matching.
type Route struct {
	AgentID        string
	Channel        string
	AccountID      string
	SessionKey     string
	MainSessionKey string
	MatchedBy      string
}

// ResolveRoute maps an inbound event to an agent and session key. Pure and
// total: it always returns a route, falling back to the default agent when
// nothing matches, and never fails on malformed optional inputs.
//
// Binding tiers are tried in fixed precedence: peer, thread parent peer,
// guild+roles, guild, team, exact account, channel wildcard, default. Within
// a tier every constraint a rule declares must be satisfied by the input; a
// rule silent on a dimension is satisfied on it automatically, so list order
// within a tier never matters.
func ResolveRoute(snap config.RoutingSnapshot, in Input) Route {
	channel := strings.ToLower(strings.TrimSpace(in.Channel))
	accountID := strings.ToLower(strings.TrimSpace(in.AccountID))
	if accountID == "" {
		accountID = config.DefaultAccountID
	}

	agentID, matchedBy := matchBindings(snap.Bindings, channel, accountID, in)
	if agentID == "" {
		agentID = snap.DefaultAgentID
		matchedBy = MatchedByDefault
	}

	route := Route{
		AgentID:        agentID,
		Channel:        channel,
		AccountID:      accountID,
		MainSessionKey: BuildAgentMainSessionKey(agentID, snap.MainKey),
		MatchedBy:      matchedBy,
	}

	if in.Peer == nil || in.Peer.ID == "" {
		route.SessionKey = route.MainSessionKey
		return route
	}

	peerID := CanonicalPeerID(snap.IdentityLinks, in.Peer.ID)
	route.SessionKey = BuildScopedSessionKey(agentID, channel, accountID, in.Peer.Kind, peerID, snap.DMScope, snap.MainKey)
	return route
}

func matchBindings(bindings []config.AgentBinding, channel, accountID string, in Input) (agentID, matchedBy string) {
	// Candidate filter: channel must match, account must match exactly, by
	// the default-account convention, or via the "*" wildcard.
	var exact, wildcard []config.AgentBinding
	for _, b := range bindings {
		if !strings.EqualFold(b.Match.Channel, channel) || b.AgentID == "" {
			continue
		}
		switch ruleAccount(b.Match) {
		case accountID:
			exact = append(exact, b)
		case "*":
			wildcard = append(wildcard, b)
		}
	}
	if len(exact) == 0 && len(wildcard) == 0 {
		return "", ""
	}

	// Exact-account rules always beat wildcard-account rules within a tier.
	pick := func(accept func(config.BindingMatch) bool, peer *Peer) string {
		for _, pool := range [][]config.AgentBinding{exact, wildcard} {
			for _, b := range pool {
				if accept(b.Match) && constraintsSatisfied(b.Match, in, peer) {
					return b.AgentID
				}
			}
		}
		return ""
	}

	if in.Peer != nil && in.Peer.ID != "" {
		if id := pick(func(m config.BindingMatch) bool { return m.Peer != nil }, in.Peer); id != "" {
			return id, MatchedByPeer
		}
	}
	if in.ParentPeer != nil && in.ParentPeer.ID != "" {
		if id := pick(func(m config.BindingMatch) bool { return m.Peer != nil }, in.ParentPeer); id != "" {
			return id, MatchedByPeerParent
		}
	}
	if in.GuildID != "" && len(in.MemberRoleIDs) > 0 {
		if id := pick(func(m config.BindingMatch) bool { return m.GuildID != "" && len(m.Roles) > 0 }, in.Peer); id != "" {
			return id, MatchedByGuildRoles
		}
	}
	if in.GuildID != "" {
		if id := pick(func(m config.BindingMatch) bool { return m.GuildID != "" && len(m.Roles) == 0 }, in.Peer); id != "" {
			return id, MatchedByGuild
		}
	}
	if in.TeamID != "" {
		if id := pick(func(m config.BindingMatch) bool { return m.TeamID != "" }, in.Peer); id != "" {
			return id, MatchedByTeam
		}
	}
	for _, b := range exact {
		if constraintsSatisfied(b.Match, in, in.Peer) {
			return b.AgentID, MatchedByAccount
		}
	}
	for _, b := range wildcard {
		if constraintsSatisfied(b.Match, in, in.Peer) {
			return b.AgentID, MatchedByChannel
		}
	}
	return "", ""
}

// ruleAccount normalizes a rule's account constraint. A rule that names no
// account matches the default account, not every account.
func ruleAccount(m config.BindingMatch) string {
	acct := strings.ToLower(strings.TrimSpace(m.AccountID))
	if acct == "" {
		return config.DefaultAccountID
	}
	return acct
}

// constraintsSatisfied reports whether every constraint the rule declares is
// met by the input. Undeclared dimensions are open and always satisfied. The
// peer argument is the peer being compared at the current tier (input peer or
// thread parent).
func constraintsSatisfied(m config.BindingMatch, in Input, peer *Peer) bool {
	if m.Peer != nil {
		if peer == nil || peer.ID == "" {
			return false
		}
		if !strings.EqualFold(m.Peer.Kind, string(peer.Kind)) || !strings.EqualFold(m.Peer.ID, peer.ID) {
			return false
		}
	}
	if m.GuildID != "" && !strings.EqualFold(m.GuildID, in.GuildID) {
		return false
	}
	if len(m.Roles) > 0 && !rolesOverlap(m.Roles, in.MemberRoleIDs) {
		return false
	}
	if m.TeamID != "" && !strings.EqualFold(m.TeamID, in.TeamID) {
		return false
	}
	return true
}

func rolesOverlap(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}
