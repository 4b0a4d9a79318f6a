package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "auth:\n  secret: s3cret\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.Fees.MarketplacePct != 0.05 || cfg.Fees.BiomePct != 0.02 {
		t.Errorf("fees = %+v, want 5%%/2%%", cfg.Fees)
	}
	if cfg.Market.CycleInterval != 500*time.Millisecond {
		t.Errorf("cycle_interval = %v, want 500ms", cfg.Market.CycleInterval)
	}
	if cfg.Market.RedistribFraction != 0.25 || cfg.Market.MaxPriceMove != 0.05 {
		t.Errorf("market = %+v, want 0.25/0.05", cfg.Market)
	}
	if cfg.Hub.OutboundQueueDepth != 256 {
		t.Errorf("queue depth = %d, want 256", cfg.Hub.OutboundQueueDepth)
	}
	if cfg.Hub.HeartbeatInterval != 60*time.Second {
		t.Errorf("heartbeat = %v, want 60s", cfg.Hub.HeartbeatInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9999"
auth:
  secret: s3cret
fees:
  marketplace_pct: 0.10
market:
  cycle_interval: 250ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("listen_addr = %q, want :9999", cfg.ListenAddr)
	}
	if cfg.Fees.MarketplacePct != 0.10 {
		t.Errorf("marketplace_pct = %v, want 0.10", cfg.Fees.MarketplacePct)
	}
	if cfg.Market.CycleInterval != 250*time.Millisecond {
		t.Errorf("cycle_interval = %v, want 250ms", cfg.Market.CycleInterval)
	}
}

func TestEnvOverride(t *testing.T) {
	path := writeConfig(t, "auth:\n  secret: from-file\n")
	t.Setenv("WORLD_AUTH_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Errorf("secret = %q, want env override", cfg.Auth.Secret)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no auth", func(c *Config) { c.Auth.Secret = ""; c.Auth.VerifierEndpoint = "" }},
		{"fee out of range", func(c *Config) { c.Fees.MarketplacePct = 1.5 }},
		{"negative fee", func(c *Config) { c.Fees.BiomePct = -0.01 }},
		{"zero redistrib", func(c *Config) { c.Market.RedistribFraction = 0 }},
		{"zero clamp", func(c *Config) { c.Market.MaxPriceMove = 0 }},
		{"bad safeguard", func(c *Config) { c.Market.MaxSingleTxFrac = 2 }},
		{"zero queue", func(c *Config) { c.Hub.OutboundQueueDepth = 0 }},
		{"history over cap", func(c *Config) { c.Chat.MaxHistoryLimit = 500 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "auth:\n  secret: s3cret\n")
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing config file should fail")
	}
}
