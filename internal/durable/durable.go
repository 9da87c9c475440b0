// Package durable is the SQLite-backed durable tier: keyed upsert with
// revision/provider-priority merge rules, range scan returning the
// winning bar per timestamp, and idempotent schema creation.
//
// It is adapted from this codebase's Store (internal/agent/store.go):
// the same modernc.org/sqlite + database/sql pairing, WAL journal mode,
// db.SetMaxOpenConns(1) to get single-writer serialization without a
// second layer of locking, restrictive file permissions, and a
// PRAGMA user_version migration guard. The schema and merge SQL are new
// (this tier has one table, not a metrics/logs/alerts set), grounded in
// the retrieval pack's OHLCV repositories (mandeep1729-algomatic-state's
// ON CONFLICT DO NOTHING/UPDATE idiom, Andrew50-peripheral's
// ON CONFLICT ... DO UPDATE SET ... pattern) but adapted to encode the
// revision/priority merge rule instead of a blind greatest-wins merge.
package durable

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/thobiasn/barcache/internal/bar"
)

const currentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS bars_cache (
	symbol    TEXT    NOT NULL,
	timeframe TEXT    NOT NULL,
	timestamp INTEGER NOT NULL,
	provider  TEXT    NOT NULL,
	open      REAL    NOT NULL,
	high      REAL    NOT NULL,
	low       REAL    NOT NULL,
	close     REAL    NOT NULL,
	volume    REAL    NOT NULL,
	revision  INTEGER NOT NULL,
	fetchedAt INTEGER NOT NULL,
	PRIMARY KEY (symbol, timeframe, timestamp, provider)
);
CREATE INDEX IF NOT EXISTS idx_bars_cache_identity ON bars_cache(symbol, timeframe, timestamp);
`

// IOError wraps a durable-tier failure. Callers distinguish it from
// validation errors via errors.As.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("durable tier: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}

// PriorityRanker ranks a provider for winner selection: lower is more
// trusted. A provider absent from the ranking scheme returns a rank
// below (numerically greater than) every listed provider.
type PriorityRanker interface {
	Rank(provider string) int
}

// Store is the durable tier. All methods are safe for concurrent use;
// the single-connection SQLite handle serializes access (see OpenStore).
type Store struct {
	db       *sql.DB
	path     string
	priority PriorityRanker
	log      *slog.Logger
}

// OpenStore opens or creates a SQLite database at path with WAL mode and
// runs schema initialization. priority ranks providers for winner
// selection (see PriorityRanker).
func OpenStore(path string, priority PriorityRanker, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes individual statements. It does not
	// serialize a caller's separate Get / PutWithKey / Get sequence; a
	// caller that needs that window to be atomic per identity must hold
	// its own lock across it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA cache_size = -2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache_size: %w", err)
	}

	s := &Store{db: db, path: path, priority: priority, log: logger}
	if err := s.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0o600); err != nil {
			logger.Warn("failed to set database file permissions", "error", err)
		}
	}
	return s, nil
}

// Init idempotently creates the schema. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return ioErr("init schema", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return ioErr("read user_version", err)
	}
	if version < currentSchemaVersion {
		s.log.Debug("bumping durable tier schema version", "from", version, "to", currentSchemaVersion)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return ioErr("set user_version", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutWithKey applies the UPSERT RULE (spec.md §4.5) to b's (key, provider)
// row: insert if absent; replace if the incoming revision is higher, or
// equal with differing content; discard silently if the incoming
// revision is lower.
func (s *Store) PutWithKey(ctx context.Context, b bar.Bar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bars_cache (symbol, timeframe, timestamp, provider, open, high, low, close, volume, revision, fetchedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, timestamp, provider) DO UPDATE SET
			open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close,
			volume=excluded.volume, revision=excluded.revision, fetchedAt=excluded.fetchedAt
		WHERE excluded.revision > bars_cache.revision
		   OR (excluded.revision = bars_cache.revision AND (
		         excluded.open <> bars_cache.open OR excluded.high <> bars_cache.high OR
		         excluded.low <> bars_cache.low OR excluded.close <> bars_cache.close OR
		         excluded.volume <> bars_cache.volume OR excluded.fetchedAt <> bars_cache.fetchedAt))
	`, b.Symbol, b.Timeframe, b.Timestamp, b.Provider, b.Open, b.High, b.Low, b.Close, b.Volume, b.Revision, b.FetchedAt)
	if err != nil {
		return ioErr("put bar", err)
	}
	return nil
}

// SeedRow inserts b directly, bypassing the merge rule entirely (last
// write wins on the row's primary key). Reserved for test fixture setup
// per spec.md §9's resolution of the set/setWithKey open question: it is
// never reachable from the cache service and never emits events.
func (s *Store) SeedRow(ctx context.Context, b bar.Bar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bars_cache (symbol, timeframe, timestamp, provider, open, high, low, close, volume, revision, fetchedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, timestamp, provider) DO UPDATE SET
			open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close,
			volume=excluded.volume, revision=excluded.revision, fetchedAt=excluded.fetchedAt
	`, b.Symbol, b.Timeframe, b.Timestamp, b.Provider, b.Open, b.High, b.Low, b.Close, b.Volume, b.Revision, b.FetchedAt)
	if err != nil {
		return ioErr("seed row", err)
	}
	return nil
}

// Get returns the winning bar for (symbol, timeframe, timestamp), per the
// WINNER SELECTION rule (spec.md §4.5): across providers the
// highest-priority provider wins regardless of revision; ties among
// equal-priority providers break by provider name ascending.
func (s *Store) Get(ctx context.Context, key bar.Key) (bar.Bar, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, open, high, low, close, volume, revision, fetchedAt
		FROM bars_cache WHERE symbol=? AND timeframe=? AND timestamp=?
	`, key.Symbol, key.Timeframe, key.Timestamp)
	if err != nil {
		return bar.Bar{}, false, ioErr("get bar", err)
	}
	defer rows.Close()

	var candidates []bar.Bar
	for rows.Next() {
		b := bar.Bar{Symbol: key.Symbol, Timeframe: key.Timeframe, Timestamp: key.Timestamp}
		if err := rows.Scan(&b.Provider, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Revision, &b.FetchedAt); err != nil {
			return bar.Bar{}, false, ioErr("scan bar", err)
		}
		candidates = append(candidates, b)
	}
	if err := rows.Err(); err != nil {
		return bar.Bar{}, false, ioErr("iterate bars", err)
	}

	winner, ok := s.selectWinner(candidates)
	return winner, ok, nil
}

// GetRange returns, for each distinct timestamp in [start, end), its
// winning bar, ascending by timestamp.
func (s *Store) GetRange(ctx context.Context, symbol string, tf bar.Timeframe, start, end int64) ([]bar.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, provider, open, high, low, close, volume, revision, fetchedAt
		FROM bars_cache
		WHERE symbol=? AND timeframe=? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`, symbol, tf, start, end)
	if err != nil {
		return nil, ioErr("range scan", err)
	}
	defer rows.Close()

	byTimestamp := make(map[int64][]bar.Bar)
	var order []int64
	for rows.Next() {
		var ts int64
		b := bar.Bar{Symbol: symbol, Timeframe: tf}
		if err := rows.Scan(&ts, &b.Provider, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Revision, &b.FetchedAt); err != nil {
			return nil, ioErr("scan range row", err)
		}
		b.Timestamp = ts
		if _, seen := byTimestamp[ts]; !seen {
			order = append(order, ts)
		}
		byTimestamp[ts] = append(byTimestamp[ts], b)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("iterate range", err)
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]bar.Bar, 0, len(order))
	for _, ts := range order {
		if winner, ok := s.selectWinner(byTimestamp[ts]); ok {
			out = append(out, winner)
		}
	}
	return out, nil
}

func (s *Store) selectWinner(candidates []bar.Bar) (bar.Bar, bool) {
	if len(candidates) == 0 {
		return bar.Bar{}, false
	}
	best := candidates[0]
	bestRank := s.priority.Rank(best.Provider)
	for _, c := range candidates[1:] {
		rank := s.priority.Rank(c.Provider)
		switch {
		case rank < bestRank:
			best, bestRank = c, rank
		case rank == bestRank && c.Provider < best.Provider:
			best, bestRank = c, rank
		case rank == bestRank && c.Provider == best.Provider && c.Revision > best.Revision:
			best = c
		}
	}
	return best, true
}
