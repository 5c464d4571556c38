package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace: "~/.agentrelay/workspace",
			},
		},
		Gateway: GatewayConfig{
			URL:             "ws://127.0.0.1:18790/ws",
			RateLimitRPM:    60,
			CallTimeoutSec:  30,
			DedupeTTLMin:    20,
			DedupeMaxSize:   5000,
			MaxMessageChars: 32000,
		},
		Sessions: SessionsConfig{
			Storage: "~/.agentrelay/sessions",
			DMScope: "main",
			MainKey: "main",
		},
		A2A: A2AConfig{
			MaxPingPongTurns: 3,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets live in env only
	envStr("AGENTRELAY_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("AGENTRELAY_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("AGENTRELAY_GATEWAY_URL", &c.Gateway.URL)
	envStr("AGENTRELAY_MODE", &c.Database.Mode)
	envStr("AGENTRELAY_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("AGENTRELAY_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("AGENTRELAY_DM_SCOPE", &c.Sessions.DMScope)

	if v := os.Getenv("AGENTRELAY_RATE_LIMIT_RPM"); v != "" {
		if rpm, err := strconv.Atoi(v); err == nil && rpm > 0 {
			c.Gateway.RateLimitRPM = rpm
		}
	}

	// A2A
	if v := os.Getenv("AGENTRELAY_A2A_ENABLED"); v != "" {
		c.A2A.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENTRELAY_A2A_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.A2A.MaxPingPongTurns = n
		}
	}

	// Telemetry
	envStr("AGENTRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENTRELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("AGENTRELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("AGENTRELAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENTRELAY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
