// Package format turns raw resolver places into display locations.
package format

import (
	"strings"

	"placecache/internal/core/model"
)

// FromRawPlace builds the display location for one resolver candidate.
// A candidate without a usable name formats to the Unknown sentinel.
func FromRawPlace(p *model.RawPlace) model.Location {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return model.UnknownLocation()
	}
	loc := model.Location{
		Name:            strings.TrimSpace(p.Name),
		AdminLevel1Name: p.Admin1.Display(),
		AdminLevel2Name: p.Admin2.Display(),
		CountryCode:     strings.ToUpper(p.CountryCode),
		CountryName:     CountryName(p.CountryCode),
		Population:      p.Population,
		FeatureCode:     p.FeatureCode,
	}
	loc.DisplayName = displayName(loc)
	return loc
}

// displayName starts with the place name, appends admin2 unless it just
// repeats the name, then admin1 and country. Empty parts are dropped,
// never rendered as empty segments.
func displayName(l model.Location) string {
	parts := []string{l.Name}
	if l.AdminLevel2Name != "" && l.AdminLevel2Name != l.Name {
		parts = append(parts, l.AdminLevel2Name)
	}
	if l.AdminLevel1Name != "" {
		parts = append(parts, l.AdminLevel1Name)
	}
	if l.CountryName != "" {
		parts = append(parts, l.CountryName)
	}
	return strings.Join(parts, ", ")
}

// CountryName maps an ISO-3166 alpha-2 code to its English short name.
// Unmapped codes pass through unchanged.
func CountryName(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		return ""
	}
	if name, ok := countryNames[c]; ok {
		return name
	}
	return c
}
