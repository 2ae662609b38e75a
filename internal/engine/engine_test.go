package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"placecache/internal/cache/redisstore"
	"placecache/internal/core/model"
	"placecache/internal/events"
	"placecache/internal/resolver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubResolver struct {
	mu    sync.Mutex
	calls int
	fn    func(p model.Point) ([]model.RawPlace, error)
}

func (s *stubResolver) Lookup(_ context.Context, points []model.Point, _ int) ([][]model.RawPlace, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	out := make([][]model.RawPlace, 0, len(points))
	for _, p := range points {
		ranked, err := s.fn(p)
		if err != nil {
			return nil, err
		}
		out = append(out, ranked)
	}
	return out, nil
}

func (s *stubResolver) Name() string { return "stub" }

func (s *stubResolver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func gorakhpur(model.Point) ([]model.RawPlace, error) {
	return []model.RawPlace{{
		GeonameID:   1270583,
		Name:        "Gorakhpur",
		Latitude:    26.76628,
		Longitude:   83.36889,
		FeatureCode: "PPLH",
		CountryCode: "IN",
		Admin1:      model.NamedArea("36", "Uttar Pradesh"),
		Admin2:      model.NamedArea("0155", "Gorakhpur"),
		Population:  674246,
	}}, nil
}

func nowhere(model.Point) ([]model.RawPlace, error) { return nil, nil }

func newTestEngine(t *testing.T, fn func(model.Point) ([]model.RawPlace, error), opts ...Option) (*Engine, *stubResolver, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	st, err := redisstore.New(context.Background(), mr.Addr(), "placecache:", testLogger())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	stub := &stubResolver{fn: fn}
	lz := resolver.NewLazy(context.Background(), func(context.Context) (resolver.Interface, error) {
		return stub, nil
	}, testLogger())
	if err := lz.Init(); err != nil {
		t.Fatalf("resolver init: %v", err)
	}

	opts = append([]Option{WithLogger(testLogger())}, opts...)
	return New(st, lz, opts...), stub, mr
}

func TestResolve_MissThenHit(t *testing.T) {
	eng, stub, _ := newTestEngine(t, gorakhpur)
	ctx := context.Background()

	first, err := eng.Resolve(ctx, 26.7606, 83.3732, false)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if first.Source != model.SourceLocal || first.Key != "26.761,83.373" {
		t.Fatalf("first = %+v want source local, key 26.761,83.373", first)
	}
	if first.DisplayName != "Gorakhpur, Uttar Pradesh, India" {
		t.Fatalf("displayName=%q want Gorakhpur, Uttar Pradesh, India", first.DisplayName)
	}

	second, err := eng.Resolve(ctx, 26.7606, 83.3732, false)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Source != model.SourceCache || second.HitCount != 2 {
		t.Fatalf("second = %+v want source cache, hitCount 2", second)
	}
	if second.DisplayName != first.DisplayName {
		t.Fatalf("cached displayName=%q want %q", second.DisplayName, first.DisplayName)
	}
	if got := stub.callCount(); got != 1 {
		t.Fatalf("resolver calls = %d, want 1", got)
	}
}

func TestResolve_NearbyPointsShareOneEntry(t *testing.T) {
	eng, stub, _ := newTestEngine(t, gorakhpur)
	ctx := context.Background()

	if _, err := eng.Resolve(ctx, 26.76061, 83.37321, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, err := eng.Resolve(ctx, 26.76064, 83.37324, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Source != model.SourceCache {
		t.Fatalf("source=%q want cache: same 3-decimal cell must share a key", res.Source)
	}
	if got := stub.callCount(); got != 1 {
		t.Fatalf("resolver calls = %d, want 1", got)
	}
}

func TestResolve_SkipCacheBypassesReadButRefreshes(t *testing.T) {
	eng, stub, _ := newTestEngine(t, gorakhpur)
	ctx := context.Background()

	if _, err := eng.Resolve(ctx, 26.7606, 83.3732, false); err != nil {
		t.Fatalf("warm resolve: %v", err)
	}

	bypass, err := eng.Resolve(ctx, 26.7606, 83.3732, true)
	if err != nil {
		t.Fatalf("skipCache resolve: %v", err)
	}
	if bypass.Source != model.SourceLocal {
		t.Fatalf("skipCache source=%q want local", bypass.Source)
	}
	if got := stub.callCount(); got != 2 {
		t.Fatalf("resolver calls = %d, want 2", got)
	}

	// the bypass upsert refreshed the record but kept its accounting
	after, err := eng.Resolve(ctx, 26.7606, 83.3732, false)
	if err != nil {
		t.Fatalf("resolve after bypass: %v", err)
	}
	if after.Source != model.SourceCache || after.HitCount != 2 {
		t.Fatalf("after = %+v want source cache, hitCount 2", after)
	}
}

func TestResolve_UnknownNeverCached(t *testing.T) {
	eng, stub, _ := newTestEngine(t, nowhere)
	ctx := context.Background()

	res, err := eng.Resolve(ctx, 0, -30, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Name != "Unknown" || res.DisplayName != "Unknown Location" || res.Source != model.SourceLocal {
		t.Fatalf("unknown = %+v", res)
	}

	if _, err := eng.Resolve(ctx, 0, -30, false); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if got := stub.callCount(); got != 2 {
		t.Fatalf("resolver calls = %d, want 2: unknown results must not be cached", got)
	}

	stats, err := eng.CacheStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEntries != 0 {
		t.Fatalf("entries=%d want 0", stats.TotalEntries)
	}
}

func TestResolve_StoreDownDegradesToResolver(t *testing.T) {
	eng, stub, mr := newTestEngine(t, gorakhpur)
	ctx := context.Background()

	if _, err := eng.Resolve(ctx, 26.7606, 83.3732, false); err != nil {
		t.Fatalf("warm resolve: %v", err)
	}

	mr.Close()

	res, err := eng.Resolve(ctx, 26.7606, 83.3732, false)
	if err != nil {
		t.Fatalf("resolve with store down: %v", err)
	}
	if res.Source != model.SourceLocal || res.DisplayName != "Gorakhpur, Uttar Pradesh, India" {
		t.Fatalf("degraded = %+v want local Gorakhpur", res)
	}
	if got := stub.callCount(); got != 2 {
		t.Fatalf("resolver calls = %d, want 2", got)
	}
}

func TestResolve_NotInitializedFailsFast(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := redisstore.New(context.Background(), mr.Addr(), "placecache:", testLogger())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	stub := &stubResolver{fn: gorakhpur}
	release := make(chan struct{})
	lz := resolver.NewLazy(context.Background(), func(context.Context) (resolver.Interface, error) {
		<-release
		return stub, nil
	}, testLogger())
	eng := New(st, lz, WithLogger(testLogger()))

	_, err = eng.Resolve(context.Background(), 26.7606, 83.3732, false)
	if !errors.Is(err, resolver.ErrNotInitialized) {
		t.Fatalf("cold resolve err = %v, want ErrNotInitialized", err)
	}
	if got := stub.callCount(); got != 0 {
		t.Fatalf("resolver calls = %d, want 0", got)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for !lz.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !lz.Ready() {
		t.Fatal("resolver never became ready")
	}
	if _, err := eng.Resolve(context.Background(), 26.7606, 83.3732, false); err != nil {
		t.Fatalf("resolve after init: %v", err)
	}
}

func TestResolve_ResolverFailureSurfaces(t *testing.T) {
	boom := errors.New("index corrupt")
	eng, _, _ := newTestEngine(t, func(model.Point) ([]model.RawPlace, error) {
		return nil, boom
	})

	_, err := eng.Resolve(context.Background(), 26.7606, 83.3732, false)
	if !errors.Is(err, resolver.ErrResolver) {
		t.Fatalf("err = %v, want ErrResolver", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped cause", err)
	}

	stats, err := eng.CacheStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEntries != 0 {
		t.Fatalf("entries=%d want 0 after failed resolve", stats.TotalEntries)
	}
}

func TestResolve_RejectsOutOfRange(t *testing.T) {
	eng, stub, _ := newTestEngine(t, gorakhpur)

	_, err := eng.Resolve(context.Background(), 91, 0, false)
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if got := stub.callCount(); got != 0 {
		t.Fatalf("resolver calls = %d, want 0", got)
	}
}

func TestResolveBatch_OrderAndPartialFailure(t *testing.T) {
	stockholm := model.RawPlace{
		Name: "Stockholm", CountryCode: "SE",
		Admin1: model.NamedArea("26", "Stockholm"), Population: 972647,
	}
	eng, _, _ := newTestEngine(t, func(p model.Point) ([]model.RawPlace, error) {
		switch {
		case p.Latitude > 50 && p.Latitude < 52:
			return nil, errors.New("shard offline")
		case p.Latitude > 59:
			return []model.RawPlace{stockholm}, nil
		default:
			ranked, _ := gorakhpur(p)
			return ranked, nil
		}
	})

	points := []model.Point{
		{Latitude: 26.7606, Longitude: 83.3732},
		{Latitude: 51.5074, Longitude: -0.1278},
		{Latitude: 59.32938, Longitude: 18.06871},
	}
	entries := eng.ResolveBatch(context.Background(), points)
	if len(entries) != 3 {
		t.Fatalf("entries=%d want 3", len(entries))
	}

	if entries[0].Error != "" || entries[0].Location == nil || entries[0].Location.Name != "Gorakhpur" {
		t.Fatalf("entry 0 = %+v", entries[0])
	}
	if entries[1].Error == "" || entries[1].Location != nil {
		t.Fatalf("entry 1 = %+v want captured error", entries[1])
	}
	if entries[2].Error != "" || entries[2].Location == nil || entries[2].Location.Name != "Stockholm" {
		t.Fatalf("entry 2 = %+v: one failure must not abort the rest", entries[2])
	}
	for i, p := range points {
		if entries[i].Coordinates != p {
			t.Fatalf("entry %d coordinates = %+v want %+v", i, entries[i].Coordinates, p)
		}
	}
}

func TestCacheStats(t *testing.T) {
	eng, _, _ := newTestEngine(t, gorakhpur)
	ctx := context.Background()

	stats, err := eng.CacheStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEntries != 0 || stats.TotalHits != 0 || stats.AvgHitsPerEntry != 0 {
		t.Fatalf("empty stats = %+v", stats)
	}

	if _, err := eng.Resolve(ctx, 26.7606, 83.3732, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := eng.Resolve(ctx, 59.32938, 18.06871, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := eng.Resolve(ctx, 26.7606, 83.3732, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	stats, err = eng.CacheStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEntries != 2 || stats.TotalHits != 3 {
		t.Fatalf("stats = %+v want 2 entries, 3 hits", stats)
	}
	if stats.AvgHitsPerEntry != 1.5 {
		t.Fatalf("avg=%v want 1.5", stats.AvgHitsPerEntry)
	}
	if stats.TotalHits < stats.TotalEntries {
		t.Fatalf("stats = %+v: every entry starts at one hit", stats)
	}
}

func TestEvictOlderThan(t *testing.T) {
	now := time.Now()
	eng, _, _ := newTestEngine(t, gorakhpur, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := eng.Resolve(ctx, 26.7606, 83.3732, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := eng.Resolve(ctx, 59.32938, 18.06871, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := eng.EvictOlderThan(ctx, -1); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("negative days err = %v, want ErrInvalidInput", err)
	}

	n, err := eng.EvictOlderThan(ctx, 90)
	if err != nil {
		t.Fatalf("evict 90d: %v", err)
	}
	if n != 0 {
		t.Fatalf("evicted %d fresh records, want 0", n)
	}

	// move the clock past the access stamps, then evict everything older
	// than the new instant
	now = now.Add(time.Minute)
	n, err = eng.EvictOlderThan(ctx, 0)
	if err != nil {
		t.Fatalf("evict 0d: %v", err)
	}
	if n != 2 {
		t.Fatalf("evicted %d, want 2", n)
	}

	stats, err := eng.CacheStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEntries != 0 {
		t.Fatalf("entries=%d want 0 after eviction", stats.TotalEntries)
	}
}

type fakeSink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (f *fakeSink) Publish(ev events.Event) {
	f.mu.Lock()
	f.evs = append(f.evs, ev)
	f.mu.Unlock()
}

func (f *fakeSink) all() []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Event, len(f.evs))
	copy(out, f.evs)
	return out
}

func TestResolve_PublishesLookupEvents(t *testing.T) {
	sink := &fakeSink{}
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, _, _ := newTestEngine(t, gorakhpur, WithEvents(sink), WithNow(func() time.Time { return ts }))
	ctx := context.Background()

	if _, err := eng.Resolve(ctx, 26.7606, 83.3732, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := eng.Resolve(ctx, 26.7606, 83.3732, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	evs := sink.all()
	if len(evs) != 2 {
		t.Fatalf("events=%d want 2", len(evs))
	}
	if evs[0].Source != model.SourceLocal || evs[1].Source != model.SourceCache {
		t.Fatalf("sources = %q,%q want local,cache", evs[0].Source, evs[1].Source)
	}
	if evs[0].Key != "26.761,83.373" || !evs[0].TS.Equal(ts) {
		t.Fatalf("event = %+v", evs[0])
	}
}
