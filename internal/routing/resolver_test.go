package routing

import (
	"testing"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
)

func snapWith(bindings ...config.AgentBinding) config.RoutingSnapshot {
	return config.RoutingSnapshot{
		Bindings:       bindings,
		DefaultAgentID: "main",
		DMScope:        "per-channel-peer",
	}
}

func TestResolveRouteBasicPeerMatch(t *testing.T) {
	snap := snapWith(config.AgentBinding{
		AgentID: "ops",
		Match: config.BindingMatch{
			Channel: "discord",
			Peer:    &config.BindingPeer{Kind: "group", ID: "g1"},
		},
	})

	route := ResolveRoute(snap, Input{
		Channel: "discord",
		Peer:    &Peer{Kind: PeerGroup, ID: "g1"},
	})

	if route.AgentID != "ops" {
		t.Fatalf("AgentID = %q, want ops", route.AgentID)
	}
	if route.MatchedBy != MatchedByPeer {
		t.Errorf("MatchedBy = %q, want %q", route.MatchedBy, MatchedByPeer)
	}
	if route.SessionKey != "agent:ops:discord:group:g1" {
		t.Errorf("SessionKey = %q", route.SessionKey)
	}
}

func TestResolveRoutePeerBeatsGuild(t *testing.T) {
	snap := snapWith(
		config.AgentBinding{
			AgentID: "guild-agent",
			Match:   config.BindingMatch{Channel: "discord", GuildID: "guild1"},
		},
		config.AgentBinding{
			AgentID: "peer-agent",
			Match: config.BindingMatch{
				Channel: "discord",
				Peer:    &config.BindingPeer{Kind: "group", ID: "g1"},
			},
		},
	)

	route := ResolveRoute(snap, Input{
		Channel: "discord",
		GuildID: "guild1",
		Peer:    &Peer{Kind: PeerGroup, ID: "g1"},
	})

	if route.AgentID != "peer-agent" || route.MatchedBy != MatchedByPeer {
		t.Fatalf("got (%q, %q), want peer rule to win", route.AgentID, route.MatchedBy)
	}
}

func TestResolveRouteTiers(t *testing.T) {
	tests := []struct {
		name      string
		bindings  []config.AgentBinding
		in        Input
		wantAgent string
		wantBy    string
	}{
		{
			name: "thread parent inherits peer binding",
			bindings: []config.AgentBinding{{
				AgentID: "ops",
				Match: config.BindingMatch{
					Channel: "slack",
					Peer:    &config.BindingPeer{Kind: "channel", ID: "c9"},
				},
			}},
			in: Input{
				Channel:    "slack",
				Peer:       &Peer{Kind: PeerChannel, ID: "thread-77"},
				ParentPeer: &Peer{Kind: PeerChannel, ID: "c9"},
			},
			wantAgent: "ops",
			wantBy:    MatchedByPeerParent,
		},
		{
			name: "guild with roles beats plain guild",
			bindings: []config.AgentBinding{
				{AgentID: "plain", Match: config.BindingMatch{Channel: "discord", GuildID: "g"}},
				{AgentID: "mods", Match: config.BindingMatch{Channel: "discord", GuildID: "g", Roles: []string{"mod"}}},
			},
			in: Input{
				Channel:       "discord",
				GuildID:       "g",
				MemberRoleIDs: []string{"member", "mod"},
			},
			wantAgent: "mods",
			wantBy:    MatchedByGuildRoles,
		},
		{
			name: "guild tier when roles do not overlap",
			bindings: []config.AgentBinding{
				{AgentID: "mods", Match: config.BindingMatch{Channel: "discord", GuildID: "g", Roles: []string{"mod"}}},
				{AgentID: "plain", Match: config.BindingMatch{Channel: "discord", GuildID: "g"}},
			},
			in: Input{
				Channel:       "discord",
				GuildID:       "g",
				MemberRoleIDs: []string{"member"},
			},
			wantAgent: "plain",
			wantBy:    MatchedByGuild,
		},
		{
			name: "team binding",
			bindings: []config.AgentBinding{{
				AgentID: "teambot",
				Match:   config.BindingMatch{Channel: "msteams", TeamID: "t1"},
			}},
			in:        Input{Channel: "msteams", TeamID: "t1"},
			wantAgent: "teambot",
			wantBy:    MatchedByTeam,
		},
		{
			name: "exact account catch-all",
			bindings: []config.AgentBinding{{
				AgentID: "acct",
				Match:   config.BindingMatch{Channel: "telegram", AccountID: "bot2"},
			}},
			in:        Input{Channel: "telegram", AccountID: "bot2", Peer: &Peer{Kind: PeerDirect, ID: "u1"}},
			wantAgent: "acct",
			wantBy:    MatchedByAccount,
		},
		{
			name: "wildcard account is last binding resort",
			bindings: []config.AgentBinding{{
				AgentID: "anyacct",
				Match:   config.BindingMatch{Channel: "telegram", AccountID: "*"},
			}},
			in:        Input{Channel: "telegram", AccountID: "bot7"},
			wantAgent: "anyacct",
			wantBy:    MatchedByChannel,
		},
		{
			name: "exact account beats wildcard at same tier",
			bindings: []config.AgentBinding{
				{AgentID: "anyacct", Match: config.BindingMatch{Channel: "telegram", AccountID: "*"}},
				{AgentID: "acct", Match: config.BindingMatch{Channel: "telegram", AccountID: "bot2"}},
			},
			in:        Input{Channel: "telegram", AccountID: "bot2"},
			wantAgent: "acct",
			wantBy:    MatchedByAccount,
		},
		{
			name: "unsatisfied declared constraint rejects the rule",
			bindings: []config.AgentBinding{{
				AgentID: "acct",
				Match:   config.BindingMatch{Channel: "discord", AccountID: "bot1", GuildID: "other-guild"},
			}},
			in:        Input{Channel: "discord", AccountID: "bot1", GuildID: "g"},
			wantAgent: "main",
			wantBy:    MatchedByDefault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := ResolveRoute(snapWith(tt.bindings...), tt.in)
			if route.AgentID != tt.wantAgent {
				t.Errorf("AgentID = %q, want %q", route.AgentID, tt.wantAgent)
			}
			if route.MatchedBy != tt.wantBy {
				t.Errorf("MatchedBy = %q, want %q", route.MatchedBy, tt.wantBy)
			}
		})
	}
}

func TestResolveRouteTotality(t *testing.T) {
	inputs := []Input{
		{},
		{Channel: "Discord"},
		{Channel: "telegram", Peer: &Peer{Kind: PeerDirect, ID: "u1"}},
		{Channel: "slack", GuildID: "", TeamID: "", MemberRoleIDs: nil},
		{Channel: "x", Peer: &Peer{}, ParentPeer: &Peer{}},
	}
	for i, in := range inputs {
		route := ResolveRoute(snapWith(), in)
		if route.MatchedBy != MatchedByDefault {
			t.Errorf("input %d: MatchedBy = %q, want default", i, route.MatchedBy)
		}
		if route.AgentID != "main" {
			t.Errorf("input %d: AgentID = %q, want main", i, route.AgentID)
		}
		if route.SessionKey == "" {
			t.Errorf("input %d: empty session key", i)
		}
	}
}

func TestSessionKeyDeterminismAndCase(t *testing.T) {
	snap := snapWith()
	a := ResolveRoute(snap, Input{Channel: "Telegram", AccountID: "Bot1", Peer: &Peer{Kind: PeerGroup, ID: "Chat42"}})
	b := ResolveRoute(snap, Input{Channel: "telegram", AccountID: "bot1", Peer: &Peer{Kind: PeerGroup, ID: "chat42"}})
	if a.SessionKey != b.SessionKey {
		t.Fatalf("keys differ: %q vs %q", a.SessionKey, b.SessionKey)
	}
	if a.SessionKey != "agent:main:telegram:group:chat42" {
		t.Errorf("SessionKey = %q", a.SessionKey)
	}
}

func TestDMScopeModes(t *testing.T) {
	tests := []struct {
		scope string
		want  string
	}{
		{"main", "agent:main:main"},
		{"per-peer", "agent:main:direct:u1"},
		{"per-channel-peer", "agent:main:telegram:direct:u1"},
		{"per-account-channel-peer", "agent:main:telegram:bot1:direct:u1"},
	}
	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			snap := snapWith()
			snap.DMScope = tt.scope
			route := ResolveRoute(snap, Input{
				Channel:   "telegram",
				AccountID: "bot1",
				Peer:      &Peer{Kind: PeerDirect, ID: "u1"},
			})
			if route.SessionKey != tt.want {
				t.Errorf("scope %s: SessionKey = %q, want %q", tt.scope, route.SessionKey, tt.want)
			}
		})
	}
}

func TestIdentityLinkFoldsBeforeDMScope(t *testing.T) {
	snap := snapWith()
	snap.DMScope = "per-peer"
	snap.IdentityLinks = map[string][]string{
		"alice": {"TG-12345", "discord-999"},
	}

	tg := ResolveRoute(snap, Input{Channel: "telegram", Peer: &Peer{Kind: PeerDirect, ID: "tg-12345"}})
	dc := ResolveRoute(snap, Input{Channel: "discord", Peer: &Peer{Kind: PeerDirect, ID: "discord-999"}})

	if tg.SessionKey != "agent:main:direct:alice" {
		t.Errorf("telegram key = %q", tg.SessionKey)
	}
	if tg.SessionKey != dc.SessionKey {
		t.Errorf("linked identities did not collapse: %q vs %q", tg.SessionKey, dc.SessionKey)
	}
}

func TestParseSessionKey(t *testing.T) {
	agentID, rest := ParseSessionKey("agent:ops:discord:group:g1")
	if agentID != "ops" || rest != "discord:group:g1" {
		t.Errorf("got (%q, %q)", agentID, rest)
	}
	if a, r := ParseSessionKey("not-a-key"); a != "" || r != "" {
		t.Errorf("malformed key parsed as (%q, %q)", a, r)
	}
}
