// Package memtier is the bounded in-memory hot tier: an LRU keyed by bar
// identity, plus a per-(symbol,timeframe) ordered index that makes range
// scans over the LRU's contents cheap without walking the whole cache.
//
// The LRU itself is github.com/hashicorp/golang-lru/v2, the idiomatic Go
// choice for this (see the retrieval pack's GrokNexus-QuantatomAI tiered
// cache, which wraps the same library as its L1). Eviction order and
// move-to-front-on-access are delegated to it; this package only adds
// the range index spec.md §4.4 calls for.
package memtier

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/thobiasn/barcache/internal/bar"
)

type seriesKey struct {
	Symbol    string
	Timeframe bar.Timeframe
}

// Tier is a bounded LRU cache of winning bars, with range-scan support.
// All operations are safe for concurrent use.
type Tier struct {
	mu       sync.Mutex
	cache    *lru.Cache[bar.Key, bar.Bar]
	capacity int
	// index holds, per (symbol,timeframe), the ascending-sorted
	// timestamps of entries currently resident in cache. It is kept in
	// sync with cache via the eviction callback below.
	index map[seriesKey][]int64
}

// New builds a Tier with the given capacity (must be > 0).
func New(capacity int) (*Tier, error) {
	t := &Tier{
		capacity: capacity,
		index:    make(map[seriesKey][]int64),
	}
	c, err := lru.NewWithEvict[bar.Key, bar.Bar](capacity, t.onEvict)
	if err != nil {
		return nil, err
	}
	t.cache = c
	return t, nil
}

func (t *Tier) onEvict(key bar.Key, _ bar.Bar) {
	// Called synchronously from within cache.Add while t.mu is already
	// held by the caller (Put), so it must not re-lock.
	t.removeFromIndexLocked(key)
}

func (t *Tier) seriesOf(key bar.Key) seriesKey {
	return seriesKey{Symbol: key.Symbol, Timeframe: key.Timeframe}
}

func (t *Tier) removeFromIndexLocked(key bar.Key) {
	sk := t.seriesOf(key)
	ts := t.index[sk]
	i := sort.Search(len(ts), func(i int) bool { return ts[i] >= key.Timestamp })
	if i < len(ts) && ts[i] == key.Timestamp {
		ts = append(ts[:i], ts[i+1:]...)
	}
	if len(ts) == 0 {
		delete(t.index, sk)
	} else {
		t.index[sk] = ts
	}
}

func (t *Tier) addToIndexLocked(key bar.Key) {
	sk := t.seriesOf(key)
	ts := t.index[sk]
	i := sort.Search(len(ts), func(i int) bool { return ts[i] >= key.Timestamp })
	if i < len(ts) && ts[i] == key.Timestamp {
		return // already indexed; Put is replacing, not growing
	}
	ts = append(ts, 0)
	copy(ts[i+1:], ts[i:])
	ts[i] = key.Timestamp
	t.index[sk] = ts
}

// Get returns the bar for key if resident, promoting it to
// most-recently-used. The second return is false if absent.
func (t *Tier) Get(key bar.Key) (bar.Bar, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Get(key)
}

// Put inserts or replaces the entry for key. On overflow the
// least-recently-used entry is evicted; replacing an existing key never
// grows the cache's size.
func (t *Tier) Put(key bar.Key, b bar.Bar) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Add(key, b)
	t.addToIndexLocked(key)
}

// GetRange returns the entries for (symbol, timeframe) with
// start <= timestamp < end, ascending by timestamp. Every returned entry
// is touched as most-recently-used. GetRange makes no completeness
// guarantee: entries evicted by LRU pressure are simply absent from the
// result (see spec.md §4.4/§4.6).
func (t *Tier) GetRange(symbol string, tf bar.Timeframe, start, end int64) []bar.Bar {
	t.mu.Lock()
	defer t.mu.Unlock()

	sk := seriesKey{Symbol: symbol, Timeframe: tf}
	ts := t.index[sk]
	lo := sort.Search(len(ts), func(i int) bool { return ts[i] >= start })
	hi := sort.Search(len(ts), func(i int) bool { return ts[i] >= end })

	out := make([]bar.Bar, 0, hi-lo)
	for _, stamp := range ts[lo:hi] {
		key := bar.Key{Symbol: symbol, Timeframe: tf, Timestamp: stamp}
		if b, ok := t.cache.Get(key); ok {
			out = append(out, b)
		}
	}
	return out
}

// Size returns the number of entries currently resident.
func (t *Tier) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}

// Capacity returns the configured bound.
func (t *Tier) Capacity() int {
	return t.capacity
}

// Clear evicts every entry.
func (t *Tier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Purge()
	t.index = make(map[seriesKey][]int64)
}
