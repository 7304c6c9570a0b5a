package invalidation

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mohammed-shakir/office-poi-cache/internal/cache"
	"github.com/mohammed-shakir/office-poi-cache/internal/cache/keys"
	obs "github.com/mohammed-shakir/office-poi-cache/internal/core/observability"
)

// AreaMapper lists the grid cells covering a point and its k-ring.
type AreaMapper interface {
	CellsAround(lat, lng float64, k int) ([]string, error)
}

type Result struct {
	Rows      int64
	Duplicate bool
}

type Invalidator struct {
	logger *slog.Logger
	store  cache.Store
	cells  AreaMapper
	ring   int
	seen   *seenSet
}

type Option func(*Invalidator)

// WithRing sets how many H3 rings around the event point are cleared.
func WithRing(k int) Option {
	return func(iv *Invalidator) {
		if k >= 0 {
			iv.ring = k
		}
	}
}

func WithDedupeSize(n int) Option {
	return func(iv *Invalidator) { iv.seen = newSeenSet(n) }
}

func New(log *slog.Logger, store cache.Store, cells AreaMapper, opts ...Option) *Invalidator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	iv := &Invalidator{
		logger: log,
		store:  store,
		cells:  cells,
		ring:   1,
		seen:   newSeenSet(8192),
	}
	for _, o := range opts {
		o(iv)
	}
	return iv
}

// Apply validates and executes ev. An id that was already applied is
// skipped; a failed event is not remembered so a redelivery retries it.
func (iv *Invalidator) Apply(ctx context.Context, ev Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		obs.ObserveInvalidation("error", 0)
		return Result{}, fmt.Errorf("invalid event: %w", err)
	}
	if iv.seen.seen(ev.ID) {
		obs.ObserveInvalidation("duplicate", 0)
		iv.logger.DebugContext(ctx, "duplicate invalidation skipped", "event_id", ev.ID)
		return Result{Duplicate: true}, nil
	}

	rows, err := iv.apply(ctx, ev)
	if err != nil {
		obs.ObserveInvalidation("error", rows)
		return Result{Rows: rows}, err
	}
	iv.seen.mark(ev.ID)
	obs.ObserveInvalidation("applied", rows)
	iv.logger.InfoContext(ctx, "cache invalidated", "event_id", ev.ID, "rows", rows)
	return Result{Rows: rows}, nil
}

func (iv *Invalidator) apply(ctx context.Context, ev Event) (int64, error) {
	if len(ev.BucketKeys) > 0 {
		n, err := iv.store.DeleteBuckets(ctx, ev.BucketKeys...)
		if err != nil {
			return n, fmt.Errorf("delete buckets: %w", err)
		}
		return n, nil
	}

	lat, lng := *ev.Lat, *ev.Lng
	var total int64
	if ev.Radius != nil {
		n, err := iv.store.DeleteBuckets(ctx, keys.Bucket(lat, lng, *ev.Radius))
		total += n
		if err != nil {
			return total, fmt.Errorf("delete bucket: %w", err)
		}
	}
	if iv.cells == nil {
		return total, nil
	}
	cells, err := iv.cells.CellsAround(keys.Quantize(lat), keys.Quantize(lng), iv.ring)
	if err != nil {
		return total, fmt.Errorf("cells around point: %w", err)
	}
	n, err := iv.store.DeleteCells(ctx, cells...)
	total += n
	if err != nil {
		return total, fmt.Errorf("delete cells: %w", err)
	}
	return total, nil
}
