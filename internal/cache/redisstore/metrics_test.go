package redisstore

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"placecache/internal/core/observability"
	"placecache/internal/metrics"
)

func TestStoreOps_AreInstrumented(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	p := metrics.Init(metrics.Config{})
	observability.Init(p.Registerer(), true)
	defer observability.Init(nil, false)

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := New(ctx, mr.Addr(), "placecache:", logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.Upsert(ctx, sampleRecord("26.761,83.373")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := st.GetAndTouch(ctx, "26.761,83.373"); err != nil {
		t.Fatalf("GetAndTouch hit: %v", err)
	}
	if _, err := st.GetAndTouch(ctx, "0.000,0.000"); err != nil {
		t.Fatalf("GetAndTouch miss: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	body := rr.Body.String()

	if !strings.Contains(body, `store_op_total{op="upsert",status="ok"} 1`) {
		t.Fatalf("missing upsert counter\n%s", body)
	}
	if !strings.Contains(body, `store_op_total{op="get_and_touch",status="ok"} 2`) {
		t.Fatalf("missing get_and_touch counter\n%s", body)
	}
	if !strings.Contains(body, `store_operation_duration_seconds_count{op="upsert"} 1`) {
		t.Fatalf("missing upsert duration\n%s", body)
	}
	if !strings.Contains(body, `store_op_total{op="ping",status="ok"} 1`) {
		t.Fatalf("missing ping counter from New\n%s", body)
	}
}
