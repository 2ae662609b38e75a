// Package model defines core domain types shared across the service.
package model

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidInput = errors.New("invalid input")

// Point is a raw WGS84 coordinate pair as received from clients.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the point is finite and inside WGS84 bounds.
func (p Point) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) ||
		math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) {
		return fmt.Errorf("coordinates must be finite: %w", ErrInvalidInput)
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range [-90,90]: %w", p.Latitude, ErrInvalidInput)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range [-180,180]: %w", p.Longitude, ErrInvalidInput)
	}
	return nil
}

// Location is the display form of a resolved place.
type Location struct {
	Name            string `json:"name"`
	AdminLevel1Name string `json:"adminLevel1Name,omitempty"`
	AdminLevel2Name string `json:"adminLevel2Name,omitempty"`
	CountryCode     string `json:"countryCode,omitempty"`
	CountryName     string `json:"countryName,omitempty"`
	DisplayName     string `json:"displayName"`
	Population      int64  `json:"population,omitempty"`
	FeatureCode     string `json:"featureCode,omitempty"`
}

const unknownName = "Unknown"

// UnknownLocation is returned when no place can be resolved for a point.
// It is never cached.
func UnknownLocation() Location {
	return Location{Name: unknownName, DisplayName: "Unknown Location"}
}

func (l Location) IsUnknown() bool {
	return l.Name == unknownName || l.Name == ""
}

// Result is one resolved lookup, including where the answer came from.
type Result struct {
	Location
	Source   string `json:"source"` // "cache" or "local"
	Key      string `json:"key"`
	HitCount int64  `json:"hitCount,omitempty"`
}

const (
	SourceCache = "cache"
	SourceLocal = "local"
)

// BatchEntry pairs one input coordinate with its outcome. Exactly one of
// Location and Error is set.
type BatchEntry struct {
	Coordinates Point   `json:"coordinates"`
	Location    *Result `json:"location,omitempty"`
	Error       string  `json:"error,omitempty"`
}

type CacheStats struct {
	TotalEntries    int64   `json:"totalEntries"`
	TotalHits       int64   `json:"totalHits"`
	AvgHitsPerEntry float64 `json:"avgHitsPerEntry"`
}

// RawPlace is one candidate returned by a resolver, before display
// formatting. Admin areas keep their raw wire shape so all formatting
// decisions stay in one place.
type RawPlace struct {
	GeonameID    int64     `json:"geonameId,omitempty"`
	Name         string    `json:"name"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	FeatureClass string    `json:"featureClass,omitempty"`
	FeatureCode  string    `json:"featureCode,omitempty"`
	CountryCode  string    `json:"countryCode,omitempty"`
	Admin1       AdminArea `json:"admin1Code,omitzero"`
	Admin2       AdminArea `json:"admin2Code,omitzero"`
	Population   int64     `json:"population,omitempty"`
	DistanceKm   float64   `json:"distanceKm,omitempty"`
}
