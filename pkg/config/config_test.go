package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/swarmchat/pkg/config"
	"github.com/odvcencio/swarmchat/pkg/errors"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	cfgDir := filepath.Join(dir, ".swarmchat")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	path := filepath.Join(cfgDir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.Poll.WaitingInterval != 3*time.Second || cfg.Poll.ActiveInterval != 10*time.Second {
		t.Fatalf("unexpected poll cadence: %+v", cfg.Poll)
	}
	if cfg.Channel.TypingTTL != 5*time.Second {
		t.Fatalf("unexpected typing ttl: %s", cfg.Channel.TypingTTL)
	}
	if cfg.Channel.Reconnect.Enabled {
		t.Fatal("reconnect should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadHierarchy(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)

	writeConfig(t, home, `
api:
  base_url: https://user.example.com
poll:
  waiting_interval: 4s
  active_interval: 12s
`)
	writeConfig(t, project, `
poll:
  waiting_interval: 2s
channel:
  reconnect:
    enabled: true
`)

	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(oldWD)
	})
	if err := os.Chdir(project); err != nil {
		t.Fatalf("chdir project: %v", err)
	}

	t.Setenv("SWARMCHAT_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}

	if cfg.API.BaseURL != "https://user.example.com" {
		t.Fatalf("expected user base url, got %s", cfg.API.BaseURL)
	}
	if cfg.Poll.WaitingInterval != 2*time.Second {
		t.Fatalf("expected project waiting interval, got %s", cfg.Poll.WaitingInterval)
	}
	if cfg.Poll.ActiveInterval != 12*time.Second {
		t.Fatalf("expected user active interval, got %s", cfg.Poll.ActiveInterval)
	}
	if !cfg.Channel.Reconnect.Enabled {
		t.Fatal("expected project config to enable reconnect")
	}
	if cfg.Channel.Reconnect.MaxBackoff != config.DefaultMaxBackoff {
		t.Fatalf("unset nested fields should keep defaults, got %s", cfg.Channel.Reconnect.MaxBackoff)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env log level, got %s", cfg.Logging.Level)
	}
	if cfg.API.WebsocketURL() != "wss://user.example.com" {
		t.Fatalf("ws url should derive from base url, got %s", cfg.API.WebsocketURL())
	}
}

func TestLoadFromPathParseError(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "poll: [not, a, map")
	_, err := config.LoadFromPath(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !errors.IsCode(err, errors.ErrCodeConfigLoad) {
		t.Fatalf("expected CONFIG_LOAD, got %v", err)
	}
}

func TestEnvOverrideReconnect(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")
	t.Setenv("SWARMCHAT_RECONNECT", "yes")
	t.Setenv("SWARMCHAT_WS_URL", "ws://push.example.com:9000/")

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if !cfg.Channel.Reconnect.Enabled {
		t.Fatal("expected SWARMCHAT_RECONNECT to enable reconnect")
	}
	if cfg.API.WebsocketURL() != "ws://push.example.com:9000" {
		t.Fatalf("unexpected ws url %s", cfg.API.WebsocketURL())
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero waiting interval", func(c *config.Config) { c.Poll.WaitingInterval = 0 }},
		{"negative typing ttl", func(c *config.Config) { c.Channel.TypingTTL = -time.Second }},
		{"relative base url", func(c *config.Config) { c.API.BaseURL = "/api" }},
		{"ws scheme for rest", func(c *config.Config) { c.API.BaseURL = "ws://localhost:8000" }},
		{"unknown log level", func(c *config.Config) { c.Logging.Level = "chatty" }},
		{"remote debug bind", func(c *config.Config) {
			c.Debug.Enabled = true
			c.Debug.Bind = "0.0.0.0:4590"
		}},
		{"inverted backoff", func(c *config.Config) {
			c.Channel.Reconnect.Enabled = true
			c.Channel.Reconnect.MaxBackoff = time.Millisecond
		}},
		{"state without path", func(c *config.Config) { c.State.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.IsCode(err, errors.ErrCodeConfigInvalid) {
				t.Fatalf("expected CONFIG_INVALID, got %v", err)
			}
		})
	}
}

func TestDebugBindAllowsLoopback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Debug.Enabled = true
	for _, bind := range []string{"127.0.0.1:4590", "localhost:9000", "[::1]:4590"} {
		cfg.Debug.Bind = bind
		if err := cfg.Validate(); err != nil {
			t.Fatalf("bind %s should validate: %v", bind, err)
		}
	}
}
