package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "ws://127.0.0.1:18790/ws" {
		t.Errorf("gateway url = %q", cfg.Gateway.URL)
	}
	if cfg.Sessions.DMScope != "main" || cfg.Sessions.MainKey != "main" {
		t.Errorf("session defaults = %q/%q", cfg.Sessions.DMScope, cfg.Sessions.MainKey)
	}
	if cfg.A2A.MaxPingPongTurns != 3 {
		t.Errorf("max ping-pong turns = %d", cfg.A2A.MaxPingPongTurns)
	}
}

func TestLoadJSON5WithBindings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		// routing table
		gateway: { url: "ws://gw:9000/ws" },
		bindings: [
			{ agentId: "ops", match: { channel: "discord", peer: { kind: "group", id: "g1" } } },
		],
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "ws://gw:9000/ws" {
		t.Errorf("gateway url = %q", cfg.Gateway.URL)
	}
	if len(cfg.Bindings) != 1 || cfg.Bindings[0].AgentID != "ops" {
		t.Fatalf("bindings = %+v", cfg.Bindings)
	}
	if p := cfg.Bindings[0].Match.Peer; p == nil || p.Kind != "group" || p.ID != "g1" {
		t.Errorf("binding peer = %+v", cfg.Bindings[0].Match.Peer)
	}
}

func TestEnvOverridesWinAndCarrySecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{ gateway: { url: "ws://file:1/ws" } }`), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENTRELAY_GATEWAY_URL", "ws://env:2/ws")
	t.Setenv("AGENTRELAY_GATEWAY_TOKEN", "sekrit")
	t.Setenv("AGENTRELAY_A2A_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "ws://env:2/ws" {
		t.Errorf("env did not override file: %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.Token != "sekrit" {
		t.Errorf("token = %q", cfg.Gateway.Token)
	}
	if !cfg.A2A.Enabled {
		t.Error("a2a enable flag not read from env")
	}
}

func TestTokenNeverSerialized(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "sekrit"
	cfg.Database.PostgresDSN = "postgres://u:p@h/db"

	before := cfg.Hash()
	cfg.Gateway.Token = "other"
	cfg.Database.PostgresDSN = ""
	if cfg.Hash() != before {
		t.Error("secret fields leaked into the serialized config")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	cfg := Default()
	cfg.Bindings = []AgentBinding{{AgentID: "ops", Match: BindingMatch{Channel: "discord"}}}

	snap := cfg.Snapshot()
	cfg.ReplaceFrom(&Config{Sessions: SessionsConfig{DMScope: "per-peer"}})

	if len(snap.Bindings) != 1 || snap.Bindings[0].AgentID != "ops" {
		t.Errorf("snapshot mutated by reload: %+v", snap.Bindings)
	}
	if snap.DMScope != "main" {
		t.Errorf("snapshot dm scope = %q", snap.DMScope)
	}
	if cfg.Snapshot().DMScope != "per-peer" {
		t.Error("reload not visible in fresh snapshot")
	}
}

func TestReloadRacesSnapshotReaders(t *testing.T) {
	cfg := Default()
	cfg.Bindings = []AgentBinding{{AgentID: "a", Match: BindingMatch{Channel: "discord"}}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			next := Default()
			next.A2A.Enabled = i%2 == 0
			next.Gateway.Token = "from-env"
			next.Bindings = []AgentBinding{{AgentID: "b", Match: BindingMatch{Channel: "telegram"}}}
			cfg.ReplaceFrom(next)
		}
	}()
	for i := 0; i < 500; i++ {
		snap := cfg.Snapshot()
		if n := len(snap.Bindings); n != 1 {
			t.Fatalf("snapshot saw %d bindings mid-swap", n)
		}
		_ = cfg.A2APolicy()
		_ = cfg.Hash()
	}
	<-done
}

func TestResolveDefaultAgentID(t *testing.T) {
	cfg := Default()
	if got := cfg.ResolveDefaultAgentID(); got != DefaultAgentID {
		t.Errorf("default agent = %q", got)
	}
	cfg.Agents.List = map[string]AgentSpec{
		"ops":  {Default: true},
		"main": {},
	}
	if got := cfg.ResolveDefaultAgentID(); got != "ops" {
		t.Errorf("marked default agent = %q", got)
	}
}
