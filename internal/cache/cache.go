// Package cache defines the resolved-place cache contract and the backend
// driver registry.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"placecache/internal/core/config"
	"placecache/internal/core/model"
)

// Record is one cached resolution, keyed by the quantized coordinate key.
type Record struct {
	Key            string
	Latitude       float64 // raw latitude from the lookup that created the record
	Longitude      float64
	Location       model.Location
	RawResponse    []byte
	HitCount       int64     // >= 1 for every stored record
	CreatedAt      time.Time // immutable once written
	LastAccessedAt time.Time
}

// Interface is a place-cache backend. Implementations persist timestamps
// at millisecond precision.
type Interface interface {
	// GetAndTouch returns the record for key after atomically incrementing
	// its hit count and stamping LastAccessedAt. A miss is (nil, nil).
	GetAndTouch(ctx context.Context, key string) (*Record, error)

	// Upsert writes rec under rec.Key. An existing record keeps its
	// HitCount and CreatedAt; everything else is replaced. Concurrent
	// upserts of the same key must both succeed.
	Upsert(ctx context.Context, rec *Record) error

	CountAll(ctx context.Context) (int64, error)
	SumHitCounts(ctx context.Context) (int64, error)

	// DeleteOlderThan removes records whose LastAccessedAt is strictly
	// before cutoff and reports how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

type Factory func(ctx context.Context, cfg config.Config, logger *slog.Logger) (Interface, error)

var reg = map[string]Factory{}

// Register installs a backend factory under a driver name. Backends call
// this from init; binaries choose what they ship with blank imports.
func Register(name string, f Factory) {
	reg[name] = f
}

// Open constructs the backend named by cfg.StoreDriver. Unlike optional
// subsystems there is no fallback: a typo here must fail loudly.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Interface, error) {
	f, ok := reg[cfg.StoreDriver]
	if !ok {
		return nil, fmt.Errorf("no store driver registered as %q", cfg.StoreDriver)
	}
	return f(ctx, cfg, logger)
}
