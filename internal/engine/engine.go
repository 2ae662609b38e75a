// Package engine implements cache-aside coordinate resolution: check the
// place cache under a quantized key, fall back to the resolver on a miss,
// then repopulate the cache best-effort.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"placecache/internal/cache"
	"placecache/internal/cache/keys"
	"placecache/internal/core/model"
	"placecache/internal/core/observability"
	"placecache/internal/events"
	"placecache/internal/format"
	"placecache/internal/resolver"
)

// Sink receives lookup events. A nil sink disables publishing.
type Sink interface {
	Publish(ev events.Event)
}

type Engine struct {
	store        cache.Interface
	res          *resolver.Lazy
	log          *slog.Logger
	sink         Sink
	storeTimeout time.Duration
	startNow     func() time.Time // for tests
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithEvents(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithStoreTimeout bounds each cache call so a degraded store cannot
// stall the lookup path. Zero disables the bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) { e.storeTimeout = d }
}

func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.startNow = now
		}
	}
}

func New(store cache.Interface, res *resolver.Lazy, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		res:          res,
		log:          slog.Default(),
		storeTimeout: 250 * time.Millisecond,
		startNow:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Resolve turns a coordinate pair into a place, serving from the cache
// when the quantized key is already known. Store failures degrade to the
// resolver path; only resolver failures surface to the caller.
func (e *Engine) Resolve(ctx context.Context, lat, lng float64, skipCache bool) (*model.Result, error) {
	r, err := e.res.Get()
	if err != nil {
		return nil, err
	}

	p := model.Point{Latitude: lat, Longitude: lng}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	key := keys.ForCoordinates(lat, lng)

	if skipCache {
		observability.IncCacheResult("bypass")
	} else {
		rec, err := e.getAndTouch(ctx, key)
		switch {
		case err != nil:
			observability.IncCacheResult("error")
			e.log.Warn("cache read failed, continuing with resolver", "key", key, "err", err)
		case rec != nil:
			observability.IncCacheResult("hit")
			e.log.Debug("cache hit", "key", key, "hits", rec.HitCount)
			e.publish(key, lat, lng, model.SourceCache)
			return &model.Result{
				Location: rec.Location,
				Source:   model.SourceCache,
				Key:      key,
				HitCount: rec.HitCount,
			}, nil
		default:
			observability.IncCacheResult("miss")
		}
	}

	start := e.startNow()
	ranked, err := r.Lookup(ctx, []model.Point{p}, 1)
	observability.ObserveResolver(r.Name(), time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("resolver lookup: %w: %w", resolver.ErrResolver, err)
	}

	var raw *model.RawPlace
	if len(ranked) > 0 && len(ranked[0]) > 0 {
		raw = &ranked[0][0]
	}
	loc := format.FromRawPlace(raw)

	if loc.IsUnknown() {
		// caching an unresolved lookup would block retries once the
		// resolver's data improves
		e.publish(key, lat, lng, model.SourceLocal)
		return &model.Result{Location: loc, Source: model.SourceLocal, Key: key}, nil
	}

	rawJSON, _ := json.Marshal(raw)
	e.upsert(ctx, &cache.Record{
		Key:         key,
		Latitude:    lat,
		Longitude:   lng,
		Location:    loc,
		RawResponse: rawJSON,
	})

	e.publish(key, lat, lng, model.SourceLocal)
	return &model.Result{Location: loc, Source: model.SourceLocal, Key: key}, nil
}

// ResolveBatch resolves each point in input order. A failing entry
// carries its error and never aborts the rest.
func (e *Engine) ResolveBatch(ctx context.Context, points []model.Point) []model.BatchEntry {
	out := make([]model.BatchEntry, 0, len(points))
	for _, p := range points {
		entry := model.BatchEntry{Coordinates: p}
		res, err := e.Resolve(ctx, p.Latitude, p.Longitude, false)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Location = res
		}
		out = append(out, entry)
	}
	return out
}

// CacheStats reports aggregate cache accounting. Unlike the lookup path,
// store failures surface here: stats are diagnostic and a made-up zero
// would mislead.
func (e *Engine) CacheStats(ctx context.Context) (*model.CacheStats, error) {
	entries, err := e.store.CountAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("count cache entries: %w", err)
	}
	hits, err := e.store.SumHitCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum cache hits: %w", err)
	}

	stats := &model.CacheStats{TotalEntries: entries, TotalHits: hits}
	if entries > 0 {
		stats.AvgHitsPerEntry = math.Round(float64(hits)/float64(entries)*100) / 100
	}
	return stats, nil
}

// EvictOlderThan removes records whose last access is strictly before
// now minus daysOld days and returns the removed count.
func (e *Engine) EvictOlderThan(ctx context.Context, daysOld int) (int64, error) {
	if daysOld < 0 {
		return 0, fmt.Errorf("daysOld must be non-negative: %w", model.ErrInvalidInput)
	}
	cutoff := e.startNow().Add(-time.Duration(daysOld) * 24 * time.Hour)
	n, err := e.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict older than %dd: %w", daysOld, err)
	}
	observability.AddEvicted(n)
	e.log.Info("cache eviction", "days_old", daysOld, "evicted", n)
	return n, nil
}

func (e *Engine) getAndTouch(ctx context.Context, key string) (*cache.Record, error) {
	ctx, cancel := e.boundStoreCtx(ctx)
	defer cancel()
	return e.store.GetAndTouch(ctx, key)
}

// upsert is best-effort: failures are logged, never surfaced. The write
// context is detached so a caller hanging up cannot cancel the fill.
func (e *Engine) upsert(ctx context.Context, rec *cache.Record) {
	ctx, cancel := e.boundStoreCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := e.store.Upsert(ctx, rec); err != nil {
		e.log.Warn("cache write failed", "key", rec.Key, "err", err)
	}
}

func (e *Engine) boundStoreCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.storeTimeout)
}

func (e *Engine) publish(key string, lat, lng float64, source string) {
	if e.sink == nil {
		return
	}
	e.sink.Publish(events.Event{Key: key, Lat: lat, Lng: lng, Source: source, TS: e.startNow()})
}
