// Package normalize turns raw Overpass elements into POI records.
package normalize

import (
	"math"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
)

// MaxPOIs caps the output after filtering.
const MaxPOIs = 1000

var addressTags = []string{"addr:housenumber", "addr:street", "addr:postcode", "addr:city"}

// Normalize keeps elements that carry a name and a usable coordinate, in
// input order, and maps them to records whose id is "<source>_<nativeID>".
// Direct coordinates win over a way/relation centre. The result is a pure
// function of its inputs.
func Normalize(source string, elements []model.RawElement) []model.POIRecord {
	out := make([]model.POIRecord, 0, min(len(elements), MaxPOIs))
	for _, el := range elements {
		if len(out) == MaxPOIs {
			break
		}
		p, ok := toPOI(source, el)
		if !ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

func toPOI(source string, el model.RawElement) (model.POIRecord, bool) {
	name := el.Tags["name"]
	if strings.TrimSpace(name) == "" {
		return model.POIRecord{}, false
	}
	lat, lng, ok := coords(el)
	if !ok {
		return model.POIRecord{}, false
	}
	return model.POIRecord{
		ID:           source + "_" + strconv.FormatInt(el.ID, 10),
		Name:         name,
		Lat:          lat,
		Lng:          lng,
		Cuisine:      tag(el.Tags, "cuisine"),
		Address:      address(el.Tags),
		Phone:        tag(el.Tags, "phone"),
		Website:      tag(el.Tags, "website"),
		OpeningHours: tag(el.Tags, "opening_hours"),
		Source:       source,
	}, true
}

func coords(el model.RawElement) (float64, float64, bool) {
	if el.Lat != nil && el.Lon != nil && valid(*el.Lat, *el.Lon) {
		return *el.Lat, *el.Lon, true
	}
	if el.Center != nil && valid(el.Center.Lat, el.Center.Lon) {
		return el.Center.Lat, el.Center.Lon, true
	}
	return 0, 0, false
}

func valid(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func tag(tags map[string]string, k string) *string {
	v, ok := tags[k]
	if !ok || v == "" {
		return nil
	}
	return &v
}

func address(tags map[string]string) *string {
	parts := make([]string, 0, len(addressTags))
	for _, k := range addressTags {
		if v := tags[k]; v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	s := strings.Join(parts, ", ")
	return &s
}
