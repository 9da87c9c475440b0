// Package bar defines the canonical OHLCV bar value and the composite
// identity used by the memory and durable tiers.
package bar

import (
	"fmt"
	"math"
)

// Timeframe is a closed enumeration of the bar granularities the cache
// understands.
type Timeframe string

const (
	OneMinute  Timeframe = "1m"
	FiveMinute Timeframe = "5m"
	OneHour    Timeframe = "1h"
	OneDay     Timeframe = "1D"
)

// ValidTimeframes are the only supported timeframe values.
var ValidTimeframes = map[Timeframe]bool{
	OneMinute:  true,
	FiveMinute: true,
	OneHour:    true,
	OneDay:     true,
}

// Key is the composite identity of a logical bar: the (symbol, timeframe,
// timestamp) triple. Timestamp is epoch milliseconds, UTC.
type Key struct {
	Symbol    string
	Timeframe Timeframe
	Timestamp int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%d", k.Symbol, k.Timeframe, k.Timestamp)
}

// Bar is one OHLCV observation for a symbol at a timeframe-aligned
// timestamp, as reported by a single provider. Bar is an immutable value;
// equality is on content.
type Bar struct {
	Symbol    string
	Timeframe Timeframe
	Timestamp int64 // epoch ms, UTC, open boundary

	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64

	Provider  string
	Revision  int64
	FetchedAt int64 // epoch ms, UTC
}

// Key returns the bar's composite identity.
func (b Bar) Key() Key {
	return Key{Symbol: b.Symbol, Timeframe: b.Timeframe, Timestamp: b.Timestamp}
}

// Equal reports whether two bars carry the same content. Symbol, timeframe,
// and timestamp are assumed equal by the caller (they form the identity);
// Equal compares everything that can legitimately differ between
// observations of the same identity.
func (b Bar) Equal(o Bar) bool {
	return b.Open == o.Open &&
		b.High == o.High &&
		b.Low == o.Low &&
		b.Close == o.Close &&
		b.Volume == o.Volume &&
		b.Provider == o.Provider &&
		b.Revision == o.Revision &&
		b.FetchedAt == o.FetchedAt
}

// InvalidBarError reports a bar that fails the validity invariants in
// spec.md §4.1.
type InvalidBarError struct {
	Reason string
}

func (e *InvalidBarError) Error() string {
	return fmt.Sprintf("invalid bar: %s", e.Reason)
}

// Validate checks a Bar against the field invariants required at the
// service boundary: non-negative timestamp, positive revision, finite
// prices with low <= min(open,close) <= max(open,close) <= high,
// non-negative volume, and non-empty provider/symbol.
func Validate(b Bar) error {
	if b.Symbol == "" {
		return &InvalidBarError{Reason: "symbol must not be empty"}
	}
	if !ValidTimeframes[b.Timeframe] {
		return &InvalidBarError{Reason: fmt.Sprintf("unknown timeframe %q", b.Timeframe)}
	}
	if b.Timestamp < 0 {
		return &InvalidBarError{Reason: "timestamp must be non-negative"}
	}
	if b.Revision <= 0 {
		return &InvalidBarError{Reason: "revision must be strictly positive"}
	}
	if b.Provider == "" {
		return &InvalidBarError{Reason: "provider must not be empty"}
	}
	for name, v := range map[string]float64{"open": b.Open, "high": b.High, "low": b.Low, "close": b.Close} {
		if !isFinite(v) {
			return &InvalidBarError{Reason: fmt.Sprintf("%s must be finite", name)}
		}
	}
	if b.Volume < 0 {
		return &InvalidBarError{Reason: "volume must be non-negative"}
	}
	if b.Low > b.High {
		return &InvalidBarError{Reason: "low must not exceed high"}
	}
	lo := math.Min(b.Open, b.Close)
	hi := math.Max(b.Open, b.Close)
	if b.Low > lo || hi > b.High {
		return &InvalidBarError{Reason: "open/close must lie within [low, high]"}
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
