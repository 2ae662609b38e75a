package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHelpers_NoopUntilInit(t *testing.T) {
	Init(nil, false)

	// must not panic with no registry installed
	ObserveHTTP("GET", "/geocode", 200, 0.01)
	ObserveStoreOp("upsert", nil, 0.001)
	ObserveResolver("geonames", 0.05)
	IncCacheResult("hit")
	AddEvicted(5)
	IncEventDropped()
}

func TestObserveStoreOp_StatusFollowsError(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)
	defer Init(nil, false)

	ObserveStoreOp("get_and_touch", nil, 0.002)
	ObserveStoreOp("get_and_touch", nil, 0.003)
	ObserveStoreOp("get_and_touch", errors.New("timeout"), 0.25)

	s := current.Load()
	if got := testutil.ToFloat64(s.storeOps.WithLabelValues("get_and_touch", "ok")); got != 2 {
		t.Fatalf("ok count = %v want 2", got)
	}
	if got := testutil.ToFloat64(s.storeOps.WithLabelValues("get_and_touch", "error")); got != 1 {
		t.Fatalf("error count = %v want 1", got)
	}
}

func TestCacheResultAndEvictionCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)
	defer Init(nil, false)

	IncCacheResult("hit")
	IncCacheResult("hit")
	IncCacheResult("miss")
	IncCacheResult("bypass")
	IncCacheResult("error")

	s := current.Load()
	for outcome, want := range map[string]float64{"hit": 2, "miss": 1, "bypass": 1, "error": 1} {
		if got := testutil.ToFloat64(s.cacheResults.WithLabelValues(outcome)); got != want {
			t.Fatalf("outcome %q = %v want %v", outcome, got, want)
		}
	}

	AddEvicted(0)
	AddEvicted(-3)
	AddEvicted(7)
	if got := testutil.ToFloat64(s.evicted); got != 7 {
		t.Fatalf("evicted = %v want 7 (non-positive adds ignored)", got)
	}
}

func TestObserveHTTP_LabelsStatusAsString(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)
	defer Init(nil, false)

	ObserveHTTP("GET", "/geocode", 200, 0.01)
	ObserveHTTP("GET", "/geocode", 200, 0.02)
	ObserveHTTP("POST", "/geocode/batch", 400, 0.005)

	s := current.Load()
	if got := testutil.ToFloat64(s.httpRequests.WithLabelValues("GET", "/geocode", "200")); got != 2 {
		t.Fatalf("GET 200 = %v want 2", got)
	}
	if got := testutil.ToFloat64(s.httpRequests.WithLabelValues("POST", "/geocode/batch", "400")); got != 1 {
		t.Fatalf("POST 400 = %v want 1", got)
	}
}
