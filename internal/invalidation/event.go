// Package invalidation applies cache invalidation events to the POI store.
package invalidation

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const OpInvalidate = "invalidate"

// Event drops cached buckets either by explicit key or by area. An area is a
// point whose surrounding H3 cells are cleared; with Radius set the exact
// bucket for that query is cleared as well.
type Event struct {
	Version    int       `json:"version"`
	ID         string    `json:"id"`
	Op         string    `json:"op"`
	TS         time.Time `json:"ts"`
	BucketKeys []string  `json:"bucket_keys,omitempty"`
	Lat        *float64  `json:"lat,omitempty"`
	Lng        *float64  `json:"lng,omitempty"`
	Radius     *float64  `json:"radius,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if e.Op != OpInvalidate {
		return fmt.Errorf("op must be %s", OpInvalidate)
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	hasKeys := len(e.BucketKeys) > 0
	hasPoint := e.Lat != nil || e.Lng != nil
	if hasKeys == hasPoint {
		return fmt.Errorf("exactly one of bucket_keys or lat/lng is required")
	}
	if hasKeys {
		for _, k := range e.BucketKeys {
			if strings.TrimSpace(k) == "" {
				return errors.New("bucket_keys must not contain empty keys")
			}
		}
		return nil
	}
	if e.Lat == nil || e.Lng == nil {
		return fmt.Errorf("lat and lng must be set together")
	}
	if lat := *e.Lat; math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("lat out of range")
	}
	if lng := *e.Lng; math.IsNaN(lng) || lng < -180 || lng > 180 {
		return fmt.Errorf("lng out of range")
	}
	if e.Radius != nil && !(*e.Radius > 0) {
		return fmt.Errorf("radius must be positive")
	}
	return nil
}
