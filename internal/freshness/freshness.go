// Package freshness classifies bars as stale or fresh for refetch
// decisions made by callers. It is advisory only: the cache never
// deletes or expires data because of staleness.
//
// Freshness TTLs are organized per timeframe, in the spirit of the
// tiered TTL tables used elsewhere for market data: fast timeframes get
// short TTLs (re-fetch soon), slow timeframes get long TTLs.
package freshness

import (
	"time"

	"github.com/thobiasn/barcache/internal/bar"
)

// historicalWindow is the age beyond which a bar's own timestamp makes it
// "historical" and therefore always fresh, regardless of fetchedAt.
const historicalWindow = 7 * 24 * time.Hour

// DefaultTTL is used for any timeframe absent from a Policy's table.
const DefaultTTL = 10 * time.Minute

// DefaultPolicy is the out-of-the-box freshness table.
var DefaultPolicy = Policy{
	bar.OneMinute:  5 * time.Minute,
	bar.FiveMinute: 15 * time.Minute,
	bar.OneHour:    2 * time.Hour,
	bar.OneDay:     24 * time.Hour,
}

// Policy maps a timeframe to its freshness TTL. It carries no behavior of
// its own; the functions below are pure over (bar, timeframe, now) plus
// a Policy.
type Policy map[bar.Timeframe]time.Duration

// TTL looks up the ttl for a timeframe, falling back to DefaultTTL for
// timeframes the policy doesn't mention.
func (p Policy) TTL(tf bar.Timeframe) time.Duration {
	if ttl, ok := p[tf]; ok {
		return ttl
	}
	return DefaultTTL
}

// IsStale reports whether b should be considered stale at time now under
// policy p. A bar is stale iff its own timestamp is within the last 7
// days AND now - fetchedAt exceeds the timeframe's ttl. Bars whose
// timestamp is older than 7 days ("historical") are always fresh.
func IsStale(b bar.Bar, p Policy, now time.Time) bool {
	ts := time.UnixMilli(b.Timestamp)
	if now.Sub(ts) > historicalWindow {
		return false
	}
	fetched := time.UnixMilli(b.FetchedAt)
	return now.Sub(fetched) > p.TTL(b.Timeframe)
}

// StaleOf filters bars to those IsStale reports stale at now.
func StaleOf(bars []bar.Bar, p Policy, now time.Time) []bar.Bar {
	out := make([]bar.Bar, 0, len(bars))
	for _, b := range bars {
		if IsStale(b, p, now) {
			out = append(out, b)
		}
	}
	return out
}

// StaleAt returns the epoch-ms instant at which b becomes stale under
// policy p, i.e. fetchedAt + ttl(timeframe).
func StaleAt(b bar.Bar, p Policy) int64 {
	return b.FetchedAt + p.TTL(b.Timeframe).Milliseconds()
}
