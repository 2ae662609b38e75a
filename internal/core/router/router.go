// Package router implements the HTTP surface: query parsing, the
// response envelope, and the mapping from engine errors to status codes.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"placecache/internal/core/config"
	"placecache/internal/core/model"
	"placecache/internal/core/observability"
	"placecache/internal/resolver"
)

// Resolver is the engine surface the handlers call. *engine.Engine
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, lat, lng float64, skipCache bool) (*model.Result, error)
	ResolveBatch(ctx context.Context, points []model.Point) []model.BatchEntry
	CacheStats(ctx context.Context) (*model.CacheStats, error)
	EvictOlderThan(ctx context.Context, daysOld int) (int64, error)
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, resolver.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, resolver.ErrResolver):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleResolve serves GET /geocode?lat=..&lng=..&skipCache=..
func HandleResolve(logger *slog.Logger, eng Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/geocode", sw.code, time.Since(start).Seconds())
		}()

		p, skipCache, err := parseResolveQuery(r)
		if err != nil {
			writeError(sw, http.StatusBadRequest, err.Error())
			return
		}

		res, err := eng.Resolve(r.Context(), p.Latitude, p.Longitude, skipCache)
		if err != nil {
			code := statusFor(err)
			if code == http.StatusInternalServerError {
				logger.Error("resolve failed", "err", err)
			}
			writeError(sw, code, err.Error())
			return
		}
		writeData(sw, http.StatusOK, res)
	}
}

// HandleBatch serves POST /geocode/batch with body
// {"coordinates":[{"latitude":..,"longitude":..},...]}.
func HandleBatch(logger *slog.Logger, cfg config.Config, eng Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/geocode/batch", sw.code, time.Since(start).Seconds())
		}()

		var req struct {
			Coordinates []model.Point `json:"coordinates"`
		}
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		if err := dec.Decode(&req); err != nil {
			writeError(sw, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if len(req.Coordinates) > cfg.BatchMax {
			writeError(sw, http.StatusBadRequest,
				fmt.Sprintf("batch size %d exceeds limit %d", len(req.Coordinates), cfg.BatchMax))
			return
		}

		entries := eng.ResolveBatch(r.Context(), req.Coordinates)
		logger.Debug("batch resolved", "size", len(entries))
		writeData(sw, http.StatusOK, entries)
	}
}

// HandleStats serves GET /geocode/stats.
func HandleStats(logger *slog.Logger, eng Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/geocode/stats", sw.code, time.Since(start).Seconds())
		}()

		stats, err := eng.CacheStats(r.Context())
		if err != nil {
			logger.Error("cache stats failed", "err", err)
			writeError(sw, http.StatusInternalServerError, err.Error())
			return
		}
		writeData(sw, http.StatusOK, stats)
	}
}

type evictResponse struct {
	Evicted int64 `json:"evicted"`
	DaysOld int   `json:"daysOld"`
}

// HandleEvict serves DELETE /geocode/cache?daysOld=N. A non-numeric
// daysOld falls back to the configured default; a negative one is an
// error, not a fallback.
func HandleEvict(logger *slog.Logger, cfg config.Config, eng Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/geocode/cache", sw.code, time.Since(start).Seconds())
		}()

		days := cfg.EvictDefaultAge
		if raw := strings.TrimSpace(r.URL.Query().Get("daysOld")); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				days = v
			} else {
				logger.Warn("non-numeric daysOld, using default", "daysOld", raw, "default", days)
			}
		}
		if days < 0 {
			writeError(sw, http.StatusBadRequest,
				fmt.Sprintf("daysOld must be non-negative, got %d", days))
			return
		}

		n, err := eng.EvictOlderThan(r.Context(), days)
		if err != nil {
			code := statusFor(err)
			if code == http.StatusInternalServerError {
				logger.Error("eviction failed", "days_old", days, "err", err)
			}
			writeError(sw, code, err.Error())
			return
		}
		writeData(sw, http.StatusOK, evictResponse{Evicted: n, DaysOld: days})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func parseResolveQuery(r *http.Request) (model.Point, bool, error) {
	q := r.URL.Query()

	lat, err := parseFloat(q.Get("lat"))
	if err != nil {
		return model.Point{}, false, fmt.Errorf("lat: %w", err)
	}
	lng, err := parseFloat(q.Get("lng"))
	if err != nil {
		return model.Point{}, false, fmt.Errorf("lng: %w", err)
	}

	p := model.Point{Latitude: lat, Longitude: lng}
	if err := p.Validate(); err != nil {
		return model.Point{}, false, err
	}

	skip := false
	if raw := strings.TrimSpace(q.Get("skipCache")); raw != "" {
		skip, err = strconv.ParseBool(raw)
		if err != nil {
			return model.Point{}, false, fmt.Errorf("skipCache: %w", err)
		}
	}
	return p, skip, nil
}

func parseFloat(v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.New("missing required parameter")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return f, nil
}
