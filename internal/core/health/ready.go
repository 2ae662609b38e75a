package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const pingTimeout = 2 * time.Second

// Checker probes the dependencies a running instance cares about. Store
// trouble is reported but never fails the check: lookups keep working
// against the resolver alone when the cache is down.
type Checker struct {
	ResolverReady func() bool
	StorePing     func(ctx context.Context) error
}

func Handler(c Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type status struct {
			Status   string `json:"status"`
			Resolver string `json:"resolver"`
			Store    string `json:"store"`
		}
		out := status{Status: "ok", Resolver: "ready", Store: "ok"}

		ready := c.ResolverReady == nil || c.ResolverReady()
		if !ready {
			out.Status = "initializing"
			out.Resolver = "initializing"
		}
		if c.StorePing != nil {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			defer cancel()
			if err := c.StorePing(ctx); err != nil {
				out.Store = "unavailable"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Success bool `json:"success"`
			Data    any  `json:"data"`
		}{Success: ready, Data: out})
	}
}

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
