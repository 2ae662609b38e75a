// Package geonames resolves coordinates against local GeoNames dump
// files, so lookups need no network round-trip.
package geonames

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	h3 "github.com/uber/h3-go/v4"

	"placecache/internal/core/config"
	"placecache/internal/core/model"
)

// cities dump columns (tab separated): geonameid, name, asciiname,
// alternatenames, latitude, longitude, feature class, feature code,
// country code, cc2, admin1, admin2, admin3, admin4, population, ...
const (
	colGeonameID = 0
	colName      = 1
	colLat       = 4
	colLng       = 5
	colFeatClass = 6
	colFeatCode  = 7
	colCountry   = 8
	colAdmin1    = 10
	colAdmin2    = 11
	colPop       = 14
)

type place struct {
	id         int64
	name       string
	lat, lng   float64
	featClass  string
	featCode   string
	country    string
	admin1     string
	admin2     string
	population int64
}

type Resolver struct {
	log    *slog.Logger
	places []place
	cells  map[h3.Cell][]int32
	admin1 map[string]string // "IN.36" -> "Uttar Pradesh"
	admin2 map[string]string // "IN.36.0155" -> district name
	res    int
	rings  int
}

func New(cfg config.GeoNamesCfg, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		log:    logger,
		cells:  make(map[h3.Cell][]int32),
		admin1: map[string]string{},
		admin2: map[string]string{},
		res:    cfg.H3Res,
		rings:  cfg.MaxRings,
	}

	if cfg.LoadAdmin1 {
		if err := r.loadAdminCodes(filepath.Join(cfg.Dir, "admin1CodesASCII.txt"), r.admin1); err != nil {
			// names degrade to bare codes, which the formatter handles
			logger.Warn("admin1 names unavailable", "err", err)
		}
	}
	if cfg.LoadAdmin2 {
		if err := r.loadAdminCodes(filepath.Join(cfg.Dir, "admin2Codes.txt"), r.admin2); err != nil {
			logger.Warn("admin2 names unavailable", "err", err)
		}
	}

	if err := r.loadCities(filepath.Join(cfg.Dir, cfg.CitiesFile)); err != nil {
		return nil, err
	}
	if len(r.places) == 0 {
		return nil, fmt.Errorf("geonames: no places loaded from %s", filepath.Join(cfg.Dir, cfg.CitiesFile))
	}

	logger.Info("geonames loaded",
		"places", len(r.places),
		"cells", len(r.cells),
		"admin1", len(r.admin1),
		"admin2", len(r.admin2),
		"h3_res", r.res)
	return r, nil
}

func (r *Resolver) Name() string { return "geonames" }

func (r *Resolver) loadCities(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open cities dump: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	// alternatenames can make rows very long
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var skipped int
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) <= colPop {
			skipped++
			continue
		}
		lat, latErr := strconv.ParseFloat(fields[colLat], 64)
		lng, lngErr := strconv.ParseFloat(fields[colLng], 64)
		if latErr != nil || lngErr != nil || fields[colName] == "" {
			skipped++
			continue
		}
		id, _ := strconv.ParseInt(fields[colGeonameID], 10, 64)
		pop, _ := strconv.ParseInt(fields[colPop], 10, 64)

		cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), r.res)
		if err != nil {
			skipped++
			continue
		}

		idx := int32(len(r.places))
		r.places = append(r.places, place{
			id:         id,
			name:       fields[colName],
			lat:        lat,
			lng:        lng,
			featClass:  fields[colFeatClass],
			featCode:   fields[colFeatCode],
			country:    fields[colCountry],
			admin1:     fields[colAdmin1],
			admin2:     fields[colAdmin2],
			population: pop,
		})
		r.cells[cell] = append(r.cells[cell], idx)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read cities dump: %w", err)
	}
	if skipped > 0 {
		r.log.Warn("skipped malformed city rows", "count", skipped)
	}
	return nil
}

// admin code files: "CC.CODE<TAB>name<TAB>ascii name<TAB>geonameid"
func (r *Resolver) loadAdminCodes(path string, into map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open admin codes: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
			continue
		}
		into[fields[0]] = fields[1]
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read admin codes: %w", err)
	}
	return nil
}

func (r *Resolver) Lookup(ctx context.Context, points []model.Point, maxResults int) ([][]model.RawPlace, error) {
	if maxResults <= 0 {
		maxResults = 1
	}
	out := make([][]model.RawPlace, len(points))
	for i, p := range points {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("geonames lookup: %w", err)
		}
		cands, err := r.nearest(p, maxResults)
		if err != nil {
			return nil, err
		}
		out[i] = cands
	}
	return out, nil
}

func (r *Resolver) nearest(p model.Point, maxResults int) ([]model.RawPlace, error) {
	origin := h3.NewLatLng(p.Latitude, p.Longitude)
	cell, err := h3.LatLngToCell(origin, r.res)
	if err != nil {
		return nil, fmt.Errorf("h3 cell for point: %w", err)
	}

	// Expand the search disk until something turns up, then one ring
	// further: the nearest place can sit just across a cell boundary.
	var idxs []int32
	for k := 0; k <= r.rings; k++ {
		disk, err := h3.GridDisk(cell, k)
		if err != nil {
			return nil, fmt.Errorf("h3 grid disk k=%d: %w", k, err)
		}
		idxs = idxs[:0]
		for _, c := range disk {
			idxs = append(idxs, r.cells[c]...)
		}
		if len(idxs) > 0 {
			if k < r.rings {
				wider, err := h3.GridDisk(cell, k+1)
				if err == nil {
					idxs = idxs[:0]
					for _, c := range wider {
						idxs = append(idxs, r.cells[c]...)
					}
				}
			}
			break
		}
	}
	if len(idxs) == 0 {
		return nil, nil
	}

	type scored struct {
		idx  int32
		dist float64
	}
	ranked := make([]scored, 0, len(idxs))
	for _, idx := range idxs {
		pl := &r.places[idx]
		d := h3.GreatCircleDistanceKm(origin, h3.NewLatLng(pl.lat, pl.lng))
		ranked = append(ranked, scored{idx: idx, dist: d})
	}
	sort.Slice(ranked, func(a, b int) bool {
		da, db := ranked[a].dist, ranked[b].dist
		if diff := da - db; diff > 0.25 || diff < -0.25 {
			return da < db
		}
		// within a quarter km prefer the bigger place
		return r.places[ranked[a].idx].population > r.places[ranked[b].idx].population
	})

	if len(ranked) > maxResults {
		ranked = ranked[:maxResults]
	}
	out := make([]model.RawPlace, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, r.toRawPlace(&r.places[s.idx], s.dist))
	}
	return out, nil
}

func (r *Resolver) toRawPlace(pl *place, distKm float64) model.RawPlace {
	return model.RawPlace{
		GeonameID:    pl.id,
		Name:         pl.name,
		Latitude:     pl.lat,
		Longitude:    pl.lng,
		FeatureClass: pl.featClass,
		FeatureCode:  pl.featCode,
		CountryCode:  pl.country,
		Admin1:       r.adminArea(r.admin1, pl.country+"."+pl.admin1, pl.admin1),
		Admin2:       r.adminArea(r.admin2, pl.country+"."+pl.admin1+"."+pl.admin2, pl.admin2),
		Population:   pl.population,
		DistanceKm:   distKm,
	}
}

func (r *Resolver) adminArea(names map[string]string, key, code string) model.AdminArea {
	if code == "" {
		return model.AdminArea{}
	}
	if name, ok := names[key]; ok {
		return model.NamedArea(code, name)
	}
	return model.CodeOnlyArea(code)
}
