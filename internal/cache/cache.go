// Package cache defines the TTL cache store contract for POI buckets and the
// locking strategies used around cache misses.
package cache

import (
	"context"
	"time"

	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
)

// DefaultTTL applies when a caller passes a non-positive ttl.
const DefaultTTL = 2 * time.Hour

// Bucket identifies one cached generation of POIs.
type Bucket struct {
	Key  string
	Cell string // H3 cell of the bucket centre, may be empty
}

type Stats struct {
	Valid   int64 `json:"valid"`
	Expired int64 `json:"expired"`
	Total   int64 `json:"total"`
}

// Store persists POI buckets with an expiry. Implementations must make Put
// atomic with respect to Lookup: a reader sees either the previous generation
// or the new one, never a mix.
type Store interface {
	Lookup(ctx context.Context, bucketKey string) ([]model.POIRecord, error)
	Put(ctx context.Context, b Bucket, pois []model.POIRecord, ttl time.Duration) error
	LookupByID(ctx context.Context, poiID string) (model.POIRecord, error)
	SweepExpired(ctx context.Context) (int64, error)
	DeleteBuckets(ctx context.Context, bucketKeys ...string) (int64, error)
	DeleteCells(ctx context.Context, cells ...string) (int64, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}
