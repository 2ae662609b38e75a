package keys

import (
	"math"
	"strconv"
)

// The grid step is 0.001 degrees, roughly 100m at the equator. Coordinates
// that quantize to the same grid cell share one cache entry.

// Quantize rounds v to the nearest thousandth, half away from zero.
func Quantize(v float64) float64 {
	q := math.Round(v*1000) / 1000
	if q == 0 {
		// normalize negative zero so formatting never yields "-0.000"
		return 0
	}
	return q
}

// Format renders the quantized value with exactly three decimals, so the
// same numeric input always produces the same key text.
func Format(v float64) string {
	return strconv.FormatFloat(Quantize(v), 'f', 3, 64)
}

// ForCoordinates builds the canonical cache key for a coordinate pair,
// e.g. ForCoordinates(26.7606, 83.3732) == "26.761,83.373".
func ForCoordinates(lat, lng float64) string {
	return Format(lat) + "," + Format(lng)
}
