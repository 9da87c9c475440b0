package freshness

import (
	"testing"
	"time"

	"github.com/thobiasn/barcache/internal/bar"
)

func TestIsStaleRecentBarPastTTL(t *testing.T) {
	now := time.Now().UTC()
	b := bar.Bar{
		Timeframe: bar.OneMinute,
		Timestamp: now.Add(-2 * time.Minute).UnixMilli(),
		FetchedAt: now.Add(-10 * time.Minute).UnixMilli(),
	}
	if !IsStale(b, DefaultPolicy, now) {
		t.Fatal("expected 1m bar fetched 10m ago to be stale")
	}
}

func TestIsStaleSameBarFreshUnderLongerTimeframe(t *testing.T) {
	now := time.Now().UTC()
	b := bar.Bar{
		Timeframe: bar.OneHour,
		Timestamp: now.Add(-2 * time.Minute).UnixMilli(),
		FetchedAt: now.Add(-10 * time.Minute).UnixMilli(),
	}
	if IsStale(b, DefaultPolicy, now) {
		t.Fatal("expected 1h bar fetched 10m ago to be fresh")
	}
}

func TestIsStaleHistoricalBarAlwaysFresh(t *testing.T) {
	now := time.Now().UTC()
	b := bar.Bar{
		Timeframe: bar.OneMinute,
		Timestamp: now.Add(-30 * 24 * time.Hour).UnixMilli(),
		FetchedAt: now.Add(-365 * 24 * time.Hour).UnixMilli(),
	}
	if IsStale(b, DefaultPolicy, now) {
		t.Fatal("expected historical bar to be fresh regardless of fetchedAt")
	}
}

func TestTTLFallsBackToDefault(t *testing.T) {
	p := Policy{}
	if got := p.TTL(bar.OneMinute); got != DefaultTTL {
		t.Fatalf("got %v, want default %v", got, DefaultTTL)
	}
}

func TestStaleOfFilters(t *testing.T) {
	now := time.Now().UTC()
	fresh := bar.Bar{Timeframe: bar.OneHour, Timestamp: now.UnixMilli(), FetchedAt: now.UnixMilli()}
	stale := bar.Bar{Timeframe: bar.OneMinute, Timestamp: now.UnixMilli(), FetchedAt: now.Add(-time.Hour).UnixMilli()}
	got := StaleOf([]bar.Bar{fresh, stale}, DefaultPolicy, now)
	if len(got) != 1 || got[0].Timeframe != bar.OneMinute {
		t.Fatalf("expected only the stale bar, got %+v", got)
	}
}

func TestStaleAt(t *testing.T) {
	b := bar.Bar{Timeframe: bar.OneMinute, FetchedAt: 1000}
	want := int64(1000) + DefaultPolicy.TTL(bar.OneMinute).Milliseconds()
	if got := StaleAt(b, DefaultPolicy); got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}
