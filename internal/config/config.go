// Package config defines all configuration for the virtual-world realtime
// core. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields and common overrides available via WORLD_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	ListenAddr string          `mapstructure:"listen_addr"`
	Auth       AuthConfig      `mapstructure:"auth"`
	Store      StoreConfig     `mapstructure:"store"`
	Cache      CacheConfig     `mapstructure:"cache"`
	Fees       FeesConfig      `mapstructure:"fees"`
	Market     MarketConfig    `mapstructure:"market"`
	Hub        HubConfig       `mapstructure:"hub"`
	Chat       ChatConfig      `mapstructure:"chat"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Logging    LoggingConfig   `mapstructure:"logging"`
}

// AuthConfig controls bearer-token verification. Either a shared secret
// (local HKDF/HMAC verification) or a remote introspection endpoint must
// be configured; token issuance itself lives in the external auth service.
type AuthConfig struct {
	Secret           string        `mapstructure:"secret"`
	VerifierEndpoint string        `mapstructure:"verifier_endpoint"`
	VerifyTimeout    time.Duration `mapstructure:"verify_timeout"`
}

// StoreConfig points at the embedded durable store.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// CacheConfig points at the Redis instance backing presence and pub/sub.
type CacheConfig struct {
	URL string `mapstructure:"url"`
}

// FeesConfig sets platform fee percentages.
type FeesConfig struct {
	MarketplacePct float64 `mapstructure:"marketplace_pct"`
	BiomePct       float64 `mapstructure:"biome_pct"`
}

// MarketConfig tunes the attention-driven redistribution loop.
type MarketConfig struct {
	CycleInterval     time.Duration `mapstructure:"cycle_interval"`
	RedistribFraction float64       `mapstructure:"redistrib_fraction"`
	MaxPriceMove      float64       `mapstructure:"max_price_move"`
	MaxSingleTxFrac   float64       `mapstructure:"max_single_tx_frac"`
	InitialCashPool   float64       `mapstructure:"initial_cash_pool"`
	InitialSharePrice float64       `mapstructure:"initial_share_price"`
}

// HubConfig tunes connection-hub resource limits.
type HubConfig struct {
	OutboundQueueDepth     int           `mapstructure:"outbound_queue_depth"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	PresenceGracePeriod    time.Duration `mapstructure:"presence_grace_period"`
	BackpressureCloseAfter time.Duration `mapstructure:"backpressure_close_after"`
	NearbyRadius           int           `mapstructure:"nearby_radius"`
}

// ChatConfig tunes chat retention and pagination.
type ChatConfig struct {
	DefaultRetentionTTL time.Duration `mapstructure:"default_retention_ttl"`
	MaxHistoryLimit     int           `mapstructure:"max_history_limit"`
}

// RateLimitConfig tunes the per-caller token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("WORLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if secret := os.Getenv("WORLD_AUTH_SECRET"); secret != "" {
		cfg.Auth.Secret = secret
	}
	if addr := os.Getenv("WORLD_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("auth.verify_timeout", 5*time.Second)
	v.SetDefault("store.data_dir", "./data/store")
	v.SetDefault("cache.url", "redis://127.0.0.1:6379/0")
	v.SetDefault("fees.marketplace_pct", 0.05)
	v.SetDefault("fees.biome_pct", 0.02)
	v.SetDefault("market.cycle_interval", 500*time.Millisecond)
	v.SetDefault("market.redistrib_fraction", 0.25)
	v.SetDefault("market.max_price_move", 0.05)
	v.SetDefault("market.max_single_tx_frac", 0.10)
	v.SetDefault("market.initial_cash_pool", 1000000.0)
	v.SetDefault("market.initial_share_price", 100.0)
	v.SetDefault("hub.outbound_queue_depth", 256)
	v.SetDefault("hub.heartbeat_interval", 60*time.Second)
	v.SetDefault("hub.presence_grace_period", 5*time.Second)
	v.SetDefault("hub.backpressure_close_after", 2*time.Second)
	v.SetDefault("hub.nearby_radius", 5)
	v.SetDefault("chat.default_retention_ttl", 30*24*time.Hour)
	v.SetDefault("chat.max_history_limit", 100)
	v.SetDefault("rate_limit.requests_per_second", 5.0)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges. Fails rather than
// silently defaulting anything security- or money-relevant.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" && c.Auth.VerifierEndpoint == "" {
		return fmt.Errorf("auth.secret or auth.verifier_endpoint is required")
	}
	if c.Fees.MarketplacePct < 0 || c.Fees.MarketplacePct >= 1 {
		return fmt.Errorf("fees.marketplace_pct must be in [0,1)")
	}
	if c.Fees.BiomePct < 0 || c.Fees.BiomePct >= 1 {
		return fmt.Errorf("fees.biome_pct must be in [0,1)")
	}
	if c.Market.RedistribFraction <= 0 || c.Market.RedistribFraction > 1 {
		return fmt.Errorf("market.redistrib_fraction must be in (0,1]")
	}
	if c.Market.MaxPriceMove <= 0 {
		return fmt.Errorf("market.max_price_move must be > 0")
	}
	if c.Market.MaxSingleTxFrac <= 0 || c.Market.MaxSingleTxFrac > 1 {
		return fmt.Errorf("market.max_single_tx_frac must be in (0,1]")
	}
	if c.Hub.OutboundQueueDepth <= 0 {
		return fmt.Errorf("hub.outbound_queue_depth must be > 0")
	}
	if c.Chat.MaxHistoryLimit <= 0 || c.Chat.MaxHistoryLimit > 100 {
		return fmt.Errorf("chat.max_history_limit must be in (0,100]")
	}
	return nil
}
