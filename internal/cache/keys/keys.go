// Package keys derives cache partition keys from query coordinates.
package keys

import (
	"strconv"
	"strings"
)

const (
	prefix = "restaurants"
	// 4 decimals is roughly 11 m at the equator
	precision = 4
)

// Bucket returns the cache bucket for a radius query around lat/lng.
// Coordinates that agree to 4 decimal places share a bucket.
func Bucket(lat, lng, radius float64) string {
	var b strings.Builder
	b.Grow(40)
	b.WriteString(prefix)
	b.WriteByte('_')
	b.WriteString(quantize(lat))
	b.WriteByte('_')
	b.WriteString(quantize(lng))
	b.WriteByte('_')
	b.WriteString(strconv.FormatFloat(radius, 'f', -1, 64))
	return b.String()
}

// Quantize rounds v to the bucket precision.
func Quantize(v float64) float64 {
	f, _ := strconv.ParseFloat(quantize(v), 64)
	return f
}

func quantize(v float64) string {
	s := strconv.FormatFloat(v, 'f', precision, 64)
	// -0.00001 rounds to "-0.0000"; keep one spelling for zero
	if s == "-0.0000" {
		return "0.0000"
	}
	return s
}
