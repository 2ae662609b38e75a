// Package sqlitestore implements the place cache on a single SQLite
// file, for deployments that do not want to run Redis. The hit counter
// bump and row fetch ride one UPDATE ... RETURNING statement so hits are
// never lost under concurrent lookups.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"placecache/internal/cache"
	"placecache/internal/core/config"
	"placecache/internal/core/observability"
)

func init() {
	cache.Register("sqlite", func(ctx context.Context, cfg config.Config, logger *slog.Logger) (cache.Interface, error) {
		return New(ctx, cfg.SQLitePath, logger)
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS place_cache (
	key         TEXT PRIMARY KEY,
	lat         REAL NOT NULL,
	lng         REAL NOT NULL,
	location    TEXT NOT NULL,
	raw         BLOB,
	hits        INTEGER NOT NULL DEFAULT 1,
	created_ms  INTEGER NOT NULL,
	accessed_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_place_cache_accessed ON place_cache (accessed_ms);
`

type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open %q: %w", path, err)
	}

	// WAL keeps readers running alongside the writer; busy_timeout rides
	// out short lock contention instead of failing the request.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	return &Store{db: db, log: logger, now: time.Now}, nil
}

func (s *Store) GetAndTouch(ctx context.Context, key string) (*cache.Record, error) {
	start := time.Now()
	nowMS := s.now().UnixMilli()

	const q = `
UPDATE place_cache
SET hits = hits + 1, accessed_ms = ?
WHERE key = ?
RETURNING lat, lng, location, raw, hits, created_ms, accessed_ms`

	rec := &cache.Record{Key: key}
	var locJSON string
	var createdMS, accessedMS int64
	err := s.db.QueryRowContext(ctx, q, nowMS, key).Scan(
		&rec.Latitude, &rec.Longitude, &locJSON, &rec.RawResponse,
		&rec.HitCount, &createdMS, &accessedMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		observability.ObserveStoreOp("get_and_touch", nil, time.Since(start).Seconds())
		return nil, nil
	}
	observability.ObserveStoreOp("get_and_touch", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("sqlite getAndTouch %q: %w", key, err)
	}

	if err := json.Unmarshal([]byte(locJSON), &rec.Location); err != nil {
		return nil, fmt.Errorf("sqlite record %q location: %w", key, err)
	}
	rec.CreatedAt = time.UnixMilli(createdMS)
	rec.LastAccessedAt = time.UnixMilli(accessedMS)
	return rec, nil
}

func (s *Store) Upsert(ctx context.Context, rec *cache.Record) error {
	loc, err := json.Marshal(rec.Location)
	if err != nil {
		return fmt.Errorf("marshal location for %q: %w", rec.Key, err)
	}

	start := time.Now()
	nowMS := s.now().UnixMilli()

	// hits and created_ms belong to the existing record; a refresh must
	// not reset accounting.
	const q = `
INSERT INTO place_cache (key, lat, lng, location, raw, hits, created_ms, accessed_ms)
VALUES (?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	lat = excluded.lat,
	lng = excluded.lng,
	location = excluded.location,
	raw = excluded.raw,
	accessed_ms = excluded.accessed_ms`

	_, err = s.db.ExecContext(ctx, q,
		rec.Key, rec.Latitude, rec.Longitude, string(loc), rec.RawResponse,
		nowMS, nowMS,
	)
	observability.ObserveStoreOp("upsert", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("sqlite upsert %q: %w", rec.Key, err)
	}
	return nil
}

func (s *Store) CountAll(ctx context.Context) (int64, error) {
	start := time.Now()
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM place_cache").Scan(&n)
	observability.ObserveStoreOp("count", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}

func (s *Store) SumHitCounts(ctx context.Context) (int64, error) {
	start := time.Now()
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(hits), 0) FROM place_cache").Scan(&n)
	observability.ObserveStoreOp("sum_hits", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("sqlite sumHitCounts: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM place_cache WHERE accessed_ms < ?", cutoff.UnixMilli())
	observability.ObserveStoreOp("delete_older_than", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("sqlite deleteOlderThan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite deleteOlderThan rows: %w", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite close: %w", err)
	}
	return nil
}
