// Package config loads the cache's policy inputs: provider priority,
// freshness policy overrides, memory-tier capacity, and durable-tier
// storage path. It follows the TOML-plus-UnmarshalText-Duration idiom
// this codebase already uses for agent configuration
// (internal/agent/config.go), via github.com/BurntSushi/toml.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/thobiasn/barcache/internal/bar"
	"github.com/thobiasn/barcache/internal/freshness"
)

// Duration wraps time.Duration for TOML string parsing ("10s", "1m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

// ConfigError reports a malformed or incomplete configuration.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %s", e.Reason) }

// ProviderPriority is an ordered list of provider names, highest trust
// first. Any provider not in the list ranks below every listed provider;
// ties among unlisted providers are broken by the caller comparing
// provider names directly (Rank alone cannot distinguish them, by
// design — see spec.md §3).
type ProviderPriority []string

// Rank returns provider's trust rank: lower is more trusted. Unlisted
// providers all receive the same out-of-band rank, one past the last
// listed index.
func (p ProviderPriority) Rank(provider string) int {
	for i, name := range p {
		if name == provider {
			return i
		}
	}
	return len(p)
}

// FreshnessConfig is the TOML shape for overriding the default freshness
// policy table; keys are timeframe strings ("1m", "5m", "1h", "1D").
type FreshnessConfig struct {
	Policies map[string]Duration `toml:"policies"`
}

// MemoryConfig bounds the in-process hot tier.
type MemoryConfig struct {
	Capacity int `toml:"capacity"`
}

// StorageConfig locates the durable tier's SQLite file.
type StorageConfig struct {
	Path string `toml:"path"`
}

// Config is the complete set of policy inputs recognized by the cache
// service (spec.md §6, "Configuration").
type Config struct {
	ProviderPriority ProviderPriority `toml:"provider_priority"`
	Freshness        FreshnessConfig  `toml:"freshness"`
	Memory           MemoryConfig     `toml:"memory"`
	Storage          StorageConfig    `toml:"storage"`
}

// Load reads and parses a TOML config file at path and validates it.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration is complete enough to construct a
// cache service: a non-empty provider priority list, a positive memory
// capacity, and a freshness table that only names known timeframes.
func (c *Config) Validate() error {
	if len(c.ProviderPriority) == 0 {
		return &ConfigError{Reason: "provider_priority must not be empty"}
	}
	seen := make(map[string]bool, len(c.ProviderPriority))
	for _, p := range c.ProviderPriority {
		if p == "" {
			return &ConfigError{Reason: "provider_priority entries must not be empty"}
		}
		if seen[p] {
			return &ConfigError{Reason: fmt.Sprintf("provider_priority lists %q more than once", p)}
		}
		seen[p] = true
	}
	if c.Memory.Capacity <= 0 {
		return &ConfigError{Reason: "memory.capacity must be positive"}
	}
	for tf := range c.Freshness.Policies {
		if !bar.ValidTimeframes[bar.Timeframe(tf)] {
			return &ConfigError{Reason: fmt.Sprintf("freshness.policies names unknown timeframe %q", tf)}
		}
	}
	return nil
}

// FreshnessPolicy builds a freshness.Policy from the configured
// overrides layered on top of freshness.DefaultPolicy.
func (c *Config) FreshnessPolicy() freshness.Policy {
	p := make(freshness.Policy, len(freshness.DefaultPolicy))
	for tf, ttl := range freshness.DefaultPolicy {
		p[tf] = ttl
	}
	for tf, ttl := range c.Freshness.Policies {
		p[bar.Timeframe(tf)] = ttl.Duration
	}
	return p
}

// SortedPriority returns a defensive copy of the provider priority list,
// preserved in its configured order.
func (p ProviderPriority) SortedPriority() []string {
	out := make([]string, len(p))
	copy(out, p)
	return out
}
