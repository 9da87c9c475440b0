// Package cacheservice is the coordinator that composes the memory tier,
// the durable tier, the event bus, and the freshness policy into the
// public cache contract: upsertBars (write-through with correction
// detection), getBars (read-through with memory promotion), warmCache,
// clearMemoryCache, stats, and subscribe.
//
// The wiring style — a single constructor assembling injected
// collaborators, fmt.Errorf-wrapped construction failures, a *slog.Logger
// carried on the struct — is adapted from this codebase's Agent
// (internal/agent/agent.go). Unlike Agent, Service holds no background
// goroutines: spec.md §5 rules those out for the core.
package cacheservice

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/thobiasn/barcache/internal/bar"
	"github.com/thobiasn/barcache/internal/eventbus"
	"github.com/thobiasn/barcache/internal/freshness"
	"github.com/thobiasn/barcache/internal/memtier"
)

// EventKind classifies a CorrectionEvent. Initial is never emitted; it is
// named here only for completeness, since UpsertBars emits no event at
// all for an identity's first winner.
type EventKind string

const (
	Initial          EventKind = "initial"
	Revision         EventKind = "revision"
	ProviderOverride EventKind = "provider_override"
)

// CorrectionEvent notifies subscribers that the winner for an identity
// changed from a prior non-null winner to a new one.
type CorrectionEvent struct {
	Symbol     string
	Timeframe  bar.Timeframe
	Timestamp  int64
	OldBar     *bar.Bar
	NewBar     bar.Bar
	Kind       EventKind
	DetectedAt time.Time
}

// Query is a range request over one (symbol, timeframe) series.
type Query struct {
	Symbol    string
	Timeframe bar.Timeframe
	Start     int64 // inclusive
	End       int64 // exclusive
}

// InvalidInputError reports a malformed upsertBars request (symbol,
// timeframe, or bar list shape) that is not itself a bar-content defect.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string { return fmt.Sprintf("invalid input: %s", e.Reason) }

// InvalidQueryError reports a malformed range query.
type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string { return fmt.Sprintf("invalid query: %s", e.Reason) }

// Clock abstracts time.Now so CorrectionEvent.DetectedAt is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Stats is a snapshot of service-level counters.
type Stats struct {
	MemCacheSize     int
	MemCacheCapacity int
	ListenerCount    int
	TrackedSeries    int
}

type seriesKey struct {
	Symbol    string
	Timeframe bar.Timeframe
}

// span is a half-open [start, end) interval of epoch-ms timestamps known
// to be fully backfilled into the memory tier from the durable tier.
type span struct {
	start, end int64
}

// durableStore is the durable tier's contract as seen by Service: keyed
// winner lookup, the merge-rule upsert, and a winners-per-timestamp range
// scan (spec.md §9, "tiers are injected" behind a common interface).
// *durable.Store satisfies it; tests may supply a fake.
type durableStore interface {
	Get(ctx context.Context, key bar.Key) (bar.Bar, bool, error)
	PutWithKey(ctx context.Context, b bar.Bar) error
	GetRange(ctx context.Context, symbol string, tf bar.Timeframe, start, end int64) ([]bar.Bar, error)
}

// Service is the cache façade. All exported methods are safe for
// concurrent use.
type Service struct {
	mem       *memtier.Tier
	durable   durableStore
	bus       *eventbus.Bus
	freshness freshness.Policy
	clock     Clock
	log       *slog.Logger

	// writeMu serializes upsertBars per spec.md §9 ("per-identity
	// serialization... the simplest adequate implementation holds a
	// coarse mutex"). A single lock across the whole service is the
	// coarse-grained option the design notes call out as valid.
	writeMu sync.Mutex

	// coverage records, per series, the ranges already known to be
	// fully present in the memory tier (spec.md §4.6's "per-range
	// coverage hint" option). getBars consults it to decide whether the
	// memory tier alone can answer a query.
	coverageMu sync.Mutex
	coverage   map[seriesKey][]span
}

// New builds a Service from its injected collaborators. clock may be nil,
// in which case DetectedAt uses time.Now. logger may be nil.
func New(mem *memtier.Tier, store durableStore, bus *eventbus.Bus, policy freshness.Policy, clock Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		mem:       mem,
		durable:   store,
		bus:       bus,
		freshness: policy,
		clock:     clock,
		log:       logger,
		coverage:  make(map[seriesKey][]span),
	}
}

// UpsertBars validates and merges bars into the cache, per bar: reading
// the prior winner, applying the durable tier's upsert rule, reading the
// new winner, and — if the winner changed — writing through to the
// memory tier and classifying a correction event. Every bar's Symbol and
// Timeframe must match the call's symbol/tf, so the event/coverage
// bookkeeping below (keyed on the call's symbol, not the bar's) is never
// attributed to the wrong series. Events are published to the bus in
// input order once every bar has been processed, or immediately before
// returning an error partway through the batch so that bars already
// committed ahead of the failing one still have their correction events
// delivered (durability-first ordering, spec.md §5/§7).
func (s *Service) UpsertBars(ctx context.Context, symbol string, tf bar.Timeframe, bars []bar.Bar) ([]CorrectionEvent, error) {
	if symbol == "" {
		return nil, &InvalidInputError{Reason: "symbol must not be empty"}
	}
	if !bar.ValidTimeframes[tf] {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("unknown timeframe %q", tf)}
	}
	if len(bars) == 0 {
		return nil, nil
	}
	for _, b := range bars {
		if b.Symbol != symbol {
			return nil, &InvalidInputError{Reason: fmt.Sprintf("bar symbol %q does not match requested %q", b.Symbol, symbol)}
		}
		if b.Timeframe != tf {
			return nil, &InvalidInputError{Reason: fmt.Sprintf("bar timeframe %q does not match requested %q", b.Timeframe, tf)}
		}
		if err := bar.Validate(b); err != nil {
			return nil, err
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var events []CorrectionEvent
	for _, b := range bars {
		key := b.Key()

		oldWinner, hadOld, err := s.durable.Get(ctx, key)
		if err != nil {
			s.log.Error("upsert: read prior winner failed", "key", key, "error", err)
			s.publish(events)
			return events, err
		}
		if err := s.durable.PutWithKey(ctx, b); err != nil {
			s.log.Error("upsert: durable write failed", "key", key, "error", err)
			s.publish(events)
			return events, err
		}
		newWinner, hasNew, err := s.durable.Get(ctx, key)
		if err != nil {
			s.log.Error("upsert: read new winner failed", "key", key, "error", err)
			s.publish(events)
			return events, err
		}
		if !hasNew {
			continue
		}
		if hadOld && oldWinner.Equal(newWinner) {
			continue
		}

		s.mem.Put(key, newWinner)
		s.markCovered(seriesKey{Symbol: symbol, Timeframe: tf}, key.Timestamp, key.Timestamp+1)

		if !hadOld {
			continue // INITIAL: no event
		}
		kind := Revision
		if oldWinner.Provider != newWinner.Provider {
			kind = ProviderOverride
		}
		old := oldWinner
		events = append(events, CorrectionEvent{
			Symbol:     symbol,
			Timeframe:  tf,
			Timestamp:  key.Timestamp,
			OldBar:     &old,
			NewBar:     newWinner,
			Kind:       kind,
			DetectedAt: s.clock.Now(),
		})
	}

	s.publish(events)
	return events, nil
}

// publish delivers events to the bus in input order. It is the common tail
// of both the successful path and every error return in the loop above, so
// that bars already committed to the durable tier before a later bar's
// durable-tier error still have their correction events delivered — the
// durability-first ordering of spec.md §5/§7 guarantees the durable write
// precedes the event, not that a later failure erases it.
func (s *Service) publish(events []CorrectionEvent) {
	for _, ev := range events {
		s.bus.Publish(ev)
	}
}

// GetBars serves a range query. If the memory tier is already known to
// fully cover [q.Start, q.End) for this series, it is served entirely
// from memory; otherwise the durable tier's range scan is consulted, its
// results are written through to the memory tier, and the covered range
// is recorded so subsequent identical queries can skip the durable tier.
func (s *Service) GetBars(ctx context.Context, q Query) ([]bar.Bar, error) {
	if !bar.ValidTimeframes[q.Timeframe] {
		return nil, &InvalidQueryError{Reason: fmt.Sprintf("unknown timeframe %q", q.Timeframe)}
	}
	if q.Symbol == "" {
		return nil, &InvalidQueryError{Reason: "symbol must not be empty"}
	}
	if q.Start > q.End {
		return nil, &InvalidQueryError{Reason: "start must not exceed end"}
	}
	if q.Start == q.End {
		return []bar.Bar{}, nil
	}

	sk := seriesKey{Symbol: q.Symbol, Timeframe: q.Timeframe}
	if s.isCovered(sk, q.Start, q.End) {
		return s.mem.GetRange(q.Symbol, q.Timeframe, q.Start, q.End), nil
	}

	bars, err := s.durable.GetRange(ctx, q.Symbol, q.Timeframe, q.Start, q.End)
	if err != nil {
		return nil, err
	}
	for _, b := range bars {
		s.mem.Put(b.Key(), b)
	}
	s.markCovered(sk, q.Start, q.End)
	return bars, nil
}

// WarmCache backfills the memory tier with the durable tier's winners for
// [now-lookbackMs, now) and marks that range as covered.
func (s *Service) WarmCache(ctx context.Context, symbol string, tf bar.Timeframe, lookbackMs int64, now time.Time) error {
	end := now.UnixMilli()
	start := end - lookbackMs
	if start < 0 {
		start = 0
	}
	bars, err := s.durable.GetRange(ctx, symbol, tf, start, end)
	if err != nil {
		return err
	}
	for _, b := range bars {
		s.mem.Put(b.Key(), b)
	}
	s.markCovered(seriesKey{Symbol: symbol, Timeframe: tf}, start, end)
	return nil
}

// ClearMemoryCache evicts every memory-tier entry and forgets all
// coverage hints, since they describe memory-tier state that no longer
// exists.
func (s *Service) ClearMemoryCache() {
	s.mem.Clear()
	s.coverageMu.Lock()
	s.coverage = make(map[seriesKey][]span)
	s.coverageMu.Unlock()
}

// Subscribe registers handler for correction events, in subscription
// order, isolated from other subscribers' panics (eventbus.Bus).
func (s *Service) Subscribe(handler func(CorrectionEvent)) eventbus.Unsubscribe {
	return s.bus.Subscribe(func(event any) {
		if ev, ok := event.(CorrectionEvent); ok {
			handler(ev)
		}
	})
}

// Stats reports point-in-time counters for observability callers.
func (s *Service) Stats() Stats {
	s.coverageMu.Lock()
	tracked := len(s.coverage)
	s.coverageMu.Unlock()
	return Stats{
		MemCacheSize:     s.mem.Size(),
		MemCacheCapacity: s.mem.Capacity(),
		ListenerCount:    s.bus.ListenerCount(),
		TrackedSeries:    tracked,
	}
}

// IsStale reports whether b is stale under the service's freshness
// policy at now. A thin pass-through (spec.md §4.2 is pure and
// stateless); exposed here so callers don't need to carry the policy
// value themselves.
func (s *Service) IsStale(b bar.Bar, now time.Time) bool {
	return freshness.IsStale(b, s.freshness, now)
}

func (s *Service) isCovered(sk seriesKey, start, end int64) bool {
	s.coverageMu.Lock()
	defer s.coverageMu.Unlock()
	for _, sp := range s.coverage[sk] {
		if sp.start <= start && end <= sp.end {
			return true
		}
	}
	return false
}

func (s *Service) markCovered(sk seriesKey, start, end int64) {
	if start >= end {
		return
	}
	s.coverageMu.Lock()
	defer s.coverageMu.Unlock()
	spans := append(s.coverage[sk], span{start, end})
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	merged := spans[:0]
	for _, sp := range spans {
		if len(merged) > 0 && sp.start <= merged[len(merged)-1].end {
			if sp.end > merged[len(merged)-1].end {
				merged[len(merged)-1].end = sp.end
			}
		} else {
			merged = append(merged, sp)
		}
	}
	s.coverage[sk] = merged
}
