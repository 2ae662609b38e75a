package geonames

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"placecache/internal/core/config"
	"placecache/internal/core/model"
)

// rows follow the 19-column cities dump layout
const citiesFixture = `1270583	Gorakhpur	Gorakhpur	Gorakhpur	26.7606	83.3732	P	PPLH	IN		36	0155			674246	0	84	Asia/Kolkata	2023-01-01
6930212	Pipraich	Pipraich		26.8291	83.5287	P	PPL	IN		36	0155			25899	0	80	Asia/Kolkata	2023-01-01
2673730	Stockholm	Stockholm	Estocolmo	59.32938	18.06871	P	PPLC	SE		26	0180			1515017	17	28	Europe/Stockholm	2023-01-01
`

const admin1Fixture = `IN.36	Uttar Pradesh	Uttar Pradesh	1253626
SE.26	Stockholm	Stockholm	2673722
`

const admin2Fixture = `IN.36.0155	Gorakhpur	Gorakhpur	1270582
`

func writeFixtures(t *testing.T, withAdmin bool) config.GeoNamesCfg {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cities1000.txt"), []byte(citiesFixture), 0o644); err != nil {
		t.Fatalf("write cities: %v", err)
	}
	if withAdmin {
		if err := os.WriteFile(filepath.Join(dir, "admin1CodesASCII.txt"), []byte(admin1Fixture), 0o644); err != nil {
			t.Fatalf("write admin1: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "admin2Codes.txt"), []byte(admin2Fixture), 0o644); err != nil {
			t.Fatalf("write admin2: %v", err)
		}
	}
	return config.GeoNamesCfg{
		Dir:        dir,
		CitiesFile: "cities1000.txt",
		LoadAdmin1: true,
		LoadAdmin2: true,
		H3Res:      5,
		MaxRings:   4,
	}
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLookup_NearestWithAdminNames(t *testing.T) {
	r, err := New(writeFixtures(t, true), silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := r.Lookup(context.Background(), []model.Point{{Latitude: 26.76, Longitude: 83.37}}, 1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(res) != 1 || len(res[0]) != 1 {
		t.Fatalf("unexpected shape: %+v", res)
	}
	p := res[0][0]
	if p.Name != "Gorakhpur" {
		t.Fatalf("got %q want Gorakhpur", p.Name)
	}
	if p.Admin1 != model.NamedArea("36", "Uttar Pradesh") {
		t.Fatalf("admin1 = %+v", p.Admin1)
	}
	if p.Admin2 != model.NamedArea("0155", "Gorakhpur") {
		t.Fatalf("admin2 = %+v", p.Admin2)
	}
	if p.CountryCode != "IN" || p.Population != 674246 || p.FeatureCode != "PPLH" {
		t.Fatalf("row fields not carried: %+v", p)
	}
	if p.DistanceKm > 5 {
		t.Fatalf("distance looks wrong: %v", p.DistanceKm)
	}
}

func TestLookup_OrdersByDistance(t *testing.T) {
	r, err := New(writeFixtures(t, true), silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// next to Pipraich, which must outrank the much larger Gorakhpur
	res, err := r.Lookup(context.Background(), []model.Point{{Latitude: 26.8301, Longitude: 83.5301}}, 3)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(res[0]) == 0 {
		t.Fatal("no candidates")
	}
	if res[0][0].Name != "Pipraich" {
		t.Fatalf("got %q want Pipraich first", res[0][0].Name)
	}
}

func TestLookup_EmptyWhereNothingIsNear(t *testing.T) {
	r, err := New(writeFixtures(t, true), silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// mid-Atlantic, far outside every search ring
	res, err := r.Lookup(context.Background(), []model.Point{{Latitude: 0, Longitude: -30}}, 1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(res[0]) != 0 {
		t.Fatalf("expected no candidates, got %+v", res[0])
	}
}

func TestNew_WithoutAdminFiles_DegradesToCodes(t *testing.T) {
	cfg := writeFixtures(t, false)
	r, err := New(cfg, silentLogger())
	if err != nil {
		t.Fatalf("New must tolerate missing admin files: %v", err)
	}

	res, err := r.Lookup(context.Background(), []model.Point{{Latitude: 59.33, Longitude: 18.07}}, 1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	p := res[0][0]
	if p.Name != "Stockholm" {
		t.Fatalf("got %q", p.Name)
	}
	if p.Admin1 != model.CodeOnlyArea("26") {
		t.Fatalf("admin1 should stay code-only, got %+v", p.Admin1)
	}
}

func TestNew_MissingCitiesFile(t *testing.T) {
	cfg := config.GeoNamesCfg{Dir: t.TempDir(), CitiesFile: "cities1000.txt", H3Res: 5, MaxRings: 4}
	if _, err := New(cfg, silentLogger()); err == nil {
		t.Fatal("expected error for missing cities dump")
	}
}

func TestLoadCities_SkipsMalformedRows(t *testing.T) {
	dir := t.TempDir()
	content := citiesFixture +
		"# comment line\n" +
		"bad row with too few fields\n" +
		"9	NoCoords	NoCoords		not-a-lat	83.0	P	PPL	IN		36				5	0	80	Asia/Kolkata	2023-01-01\n"
	if err := os.WriteFile(filepath.Join(dir, "cities1000.txt"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := New(config.GeoNamesCfg{Dir: dir, CitiesFile: "cities1000.txt", H3Res: 5, MaxRings: 4}, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(r.places) != strings.Count(citiesFixture, "\n") {
		t.Fatalf("loaded %d places, want %d", len(r.places), strings.Count(citiesFixture, "\n"))
	}
}

func TestLookup_CanceledContext(t *testing.T) {
	r, err := New(writeFixtures(t, true), silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Lookup(ctx, []model.Point{{Latitude: 1, Longitude: 1}}, 1); err == nil {
		t.Fatal("expected context error")
	}
}
