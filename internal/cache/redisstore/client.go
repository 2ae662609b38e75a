// Package redisstore implements the place cache on Redis. Each record is a
// hash; a companion sorted set tracks last access time for age-based
// eviction. The touch/create paths run as Lua scripts so they stay atomic
// under concurrent lookups.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"placecache/internal/cache"
	"placecache/internal/core/config"
	"placecache/internal/core/model"
	"placecache/internal/core/observability"
)

func init() {
	cache.Register("redis", func(ctx context.Context, cfg config.Config, logger *slog.Logger) (cache.Interface, error) {
		var opts []Option
		if cfg.RedisPoolSize > 0 {
			opts = append(opts, WithPoolSize(cfg.RedisPoolSize))
		}
		if cfg.RedisPassword != "" {
			opts = append(opts, WithPassword(cfg.RedisPassword))
		}
		if cfg.RedisDB != 0 {
			opts = append(opts, WithDB(cfg.RedisDB))
		}
		return New(ctx, cfg.RedisAddr, cfg.RedisKeyPrefix, logger, opts...)
	})
}

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

func WithPassword(pw string) Option {
	return func(o *redis.Options) { o.Password = pw }
}

func WithDB(db int) Option {
	return func(o *redis.Options) { o.DB = db }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

// getAndTouch bumps the hit counter and access stamp, then returns the
// whole hash. Returning false maps to redis.Nil on the Go side (a miss).
var getAndTouchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
redis.call('HINCRBY', KEYS[1], 'hits', 1)
redis.call('HSET', KEYS[1], 'accessed_ms', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return redis.call('HGETALL', KEYS[1])
`)

// upsert keeps hits and created_ms for existing records so concurrent
// lookups never reset accounting.
var upsertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'lat', ARGV[3], 'lng', ARGV[4], 'location', ARGV[5], 'raw', ARGV[6], 'accessed_ms', ARGV[1])
else
  redis.call('HSET', KEYS[1], 'lat', ARGV[3], 'lng', ARGV[4], 'location', ARGV[5], 'raw', ARGV[6], 'hits', 1, 'created_ms', ARGV[1], 'accessed_ms', ARGV[1])
end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

var deleteOlderThanScript = redis.NewScript(`
local cutoff = '(' .. ARGV[1]
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', cutoff)
for _, m in ipairs(members) do
  redis.call('DEL', ARGV[2] .. m)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
return #members
`)

var sumHitsScript = redis.NewScript(`
local total = 0
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, m in ipairs(members) do
  local h = redis.call('HGET', ARGV[1] .. m, 'hits')
  if h then total = total + tonumber(h) end
end
return total
`)

type Store struct {
	rdb       *redis.Client
	recPrefix string
	recency   string
	log       *slog.Logger
	now       func() time.Time
}

func New(ctx context.Context, addr, prefix string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveStoreOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{
		rdb:       rdb,
		recPrefix: prefix + "rec:",
		recency:   prefix + "recency",
		log:       logger,
		now:       time.Now,
	}, nil
}

func (s *Store) GetAndTouch(ctx context.Context, key string) (*cache.Record, error) {
	start := time.Now()
	nowMS := s.now().UnixMilli()
	res, err := getAndTouchScript.Run(ctx, s.rdb,
		[]string{s.recPrefix + key, s.recency},
		nowMS, key).Result()
	if errors.Is(err, redis.Nil) {
		observability.ObserveStoreOp("get_and_touch", nil, time.Since(start).Seconds())
		return nil, nil
	}
	observability.ObserveStoreOp("get_and_touch", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis getAndTouch %q: %w", key, err)
	}

	pairs, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("redis getAndTouch %q: unexpected reply %T", key, res)
	}
	return recordFromPairs(key, pairs)
}

func (s *Store) Upsert(ctx context.Context, rec *cache.Record) error {
	loc, err := json.Marshal(rec.Location)
	if err != nil {
		return fmt.Errorf("marshal location for %q: %w", rec.Key, err)
	}

	start := time.Now()
	nowMS := s.now().UnixMilli()
	err = upsertScript.Run(ctx, s.rdb,
		[]string{s.recPrefix + rec.Key, s.recency},
		nowMS, rec.Key,
		formatFloat(rec.Latitude), formatFloat(rec.Longitude),
		string(loc), string(rec.RawResponse)).Err()
	observability.ObserveStoreOp("upsert", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis upsert %q: %w", rec.Key, err)
	}
	return nil
}

func (s *Store) CountAll(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.rdb.ZCard(ctx, s.recency).Result()
	observability.ObserveStoreOp("count", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis ZCARD %q: %w", s.recency, err)
	}
	return n, nil
}

func (s *Store) SumHitCounts(ctx context.Context) (int64, error) {
	start := time.Now()
	res, err := sumHitsScript.Run(ctx, s.rdb, []string{s.recency}, s.recPrefix).Int64()
	observability.ObserveStoreOp("sum_hits", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis sumHitCounts: %w", err)
	}
	return res, nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	n, err := deleteOlderThanScript.Run(ctx, s.rdb,
		[]string{s.recency},
		cutoff.UnixMilli(), s.recPrefix).Int64()
	observability.ObserveStoreOp("delete_older_than", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis deleteOlderThan: %w", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func recordFromPairs(key string, pairs []interface{}) (*cache.Record, error) {
	rec := &cache.Record{Key: key}
	for i := 0; i+1 < len(pairs); i += 2 {
		f, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		var err error
		switch f {
		case "lat":
			rec.Latitude, err = strconv.ParseFloat(v, 64)
		case "lng":
			rec.Longitude, err = strconv.ParseFloat(v, 64)
		case "location":
			err = json.Unmarshal([]byte(v), &rec.Location)
		case "raw":
			rec.RawResponse = []byte(v)
		case "hits":
			rec.HitCount, err = strconv.ParseInt(v, 10, 64)
		case "created_ms":
			var ms int64
			if ms, err = strconv.ParseInt(v, 10, 64); err == nil {
				rec.CreatedAt = time.UnixMilli(ms)
			}
		case "accessed_ms":
			var ms int64
			if ms, err = strconv.ParseInt(v, 10, 64); err == nil {
				rec.LastAccessedAt = time.UnixMilli(ms)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("redis record %q field %q: %w", key, f, err)
		}
	}
	return rec, nil
}
