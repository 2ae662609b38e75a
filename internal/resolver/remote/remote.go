// Package remote resolves coordinates against an upstream reverse
// geocoding HTTP API.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"placecache/internal/core/model"
)

type Resolver struct {
	logger   *slog.Logger
	client   *http.Client
	baseURL  *url.URL
	startNow func() time.Time // for tests
}

func New(logger *slog.Logger, client *http.Client, base string) (*Resolver, error) {
	if base == "" {
		return nil, fmt.Errorf("remote resolver url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse resolver url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{
		logger:   logger,
		client:   client,
		baseURL:  u,
		startNow: time.Now,
	}, nil
}

func (r *Resolver) Name() string { return "remote" }

func (r *Resolver) Lookup(ctx context.Context, points []model.Point, maxResults int) ([][]model.RawPlace, error) {
	if maxResults <= 0 {
		maxResults = 1
	}
	out := make([][]model.RawPlace, len(points))
	for i, p := range points {
		places, err := r.fetchOne(ctx, p, maxResults)
		if err != nil {
			return nil, err
		}
		out[i] = places
	}
	return out, nil
}

func (r *Resolver) fetchOne(ctx context.Context, p model.Point, maxResults int) ([]model.RawPlace, error) {
	u := *r.baseURL
	q := u.Query()
	q.Set("lat", strconv.FormatFloat(p.Latitude, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(p.Longitude, 'f', -1, 64))
	q.Set("max", strconv.Itoa(maxResults))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := r.startNow()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reverse geocode request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	r.logger.Debug("reverse geocode done",
		"status", resp.StatusCode,
		"duration", time.Since(start).String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(b))
	}

	var body struct {
		Places []model.RawPlace `json:"places"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return body.Places, nil
}
