package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/thobiasn/barcache/internal/bar"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
provider_priority = ["polygon", "yahoo"]

[freshness.policies]
"1m" = "1m"

[memory]
capacity = 500

[storage]
path = "/tmp/bars.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProviderPriority.Rank("polygon") != 0 || cfg.ProviderPriority.Rank("yahoo") != 1 {
		t.Fatalf("unexpected ranks: %+v", cfg.ProviderPriority)
	}
	if cfg.Memory.Capacity != 500 {
		t.Fatalf("got capacity %d, want 500", cfg.Memory.Capacity)
	}
}

func TestRankUnlistedProviderBelowAllListed(t *testing.T) {
	p := ProviderPriority{"polygon", "yahoo"}
	if got := p.Rank("unknown"); got <= p.Rank("yahoo") {
		t.Fatalf("unlisted provider rank %d should exceed yahoo's %d", got, p.Rank("yahoo"))
	}
}

func TestValidateRejectsEmptyPriority(t *testing.T) {
	c := &Config{Memory: MemoryConfig{Capacity: 1}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for empty provider_priority")
	}
}

func TestValidateRejectsDuplicateProvider(t *testing.T) {
	c := &Config{ProviderPriority: ProviderPriority{"polygon", "polygon"}, Memory: MemoryConfig{Capacity: 1}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for duplicate provider")
	}
}

func TestValidateRejectsNonPositiveCapacity(t *testing.T) {
	c := &Config{ProviderPriority: ProviderPriority{"polygon"}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero capacity")
	}
}

func TestValidateRejectsUnknownTimeframeInPolicy(t *testing.T) {
	c := &Config{
		ProviderPriority: ProviderPriority{"polygon"},
		Memory:           MemoryConfig{Capacity: 1},
		Freshness:        FreshnessConfig{Policies: map[string]Duration{"3m": {}}},
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown timeframe in freshness policy")
	}
}

func TestFreshnessPolicyLayersOverDefault(t *testing.T) {
	c := &Config{
		ProviderPriority: ProviderPriority{"polygon"},
		Memory:           MemoryConfig{Capacity: 1},
	}
	d := Duration{}
	_ = d.UnmarshalText([]byte("1h"))
	c.Freshness.Policies = map[string]Duration{"1m": d}

	p := c.FreshnessPolicy()
	if p.TTL(bar.OneMinute) != d.Duration {
		t.Fatalf("expected override for 1m, got %v", p.TTL(bar.OneMinute))
	}
	if p.TTL(bar.OneHour) == 0 {
		t.Fatal("expected default to remain for 1h")
	}
}
