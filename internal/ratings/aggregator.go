// Package ratings folds review rows into per-POI rating summaries.
package ratings

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
)

const DefaultTopLimit = 3

type Aggregator struct {
	logger *slog.Logger
	src    ReviewSource
}

func NewAggregator(log *slog.Logger, src ReviewSource) *Aggregator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Aggregator{logger: log, src: src}
}

type tally struct {
	name  string
	sum   int
	count int
}

func (a *Aggregator) fold(ctx context.Context, ids []string) (map[string]*tally, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return map[string]*tally{}, nil
	}
	reviews, err := a.src.ReviewsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make(map[string]*tally)
	for _, r := range reviews {
		if _, ok := want[r.RestaurantID]; !ok {
			continue
		}
		if r.Rating < 1 || r.Rating > 5 {
			a.logger.DebugContext(ctx, "skipping out of range rating",
				"poi_id", r.RestaurantID, "rating", r.Rating)
			continue
		}
		t := out[r.RestaurantID]
		if t == nil {
			t = &tally{}
			out[r.RestaurantID] = t
		}
		if t.name == "" {
			t.name = r.RestaurantName
		}
		t.sum += r.Rating
		t.count++
	}
	return out, nil
}

// Aggregate returns a summary per id that has at least one review. Ids
// without reviews are absent. Empty input never reaches the review source.
func (a *Aggregator) Aggregate(ctx context.Context, ids []string) (map[string]model.RatingSummary, error) {
	tallies, err := a.fold(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.RatingSummary, len(tallies))
	for id, t := range tallies {
		out[id] = model.RatingSummary{
			POIID:         id,
			AverageRating: float64(t.sum) / float64(t.count),
			ReviewCount:   t.count,
		}
	}
	return out, nil
}

// TopRated ranks reviewed ids by average rating, then review count, then id.
// limit <= 0 means DefaultTopLimit.
func (a *Aggregator) TopRated(ctx context.Context, ids []string, limit int) ([]model.RankedEntry, error) {
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	tallies, err := a.fold(ctx, ids)
	if err != nil {
		return nil, err
	}
	ranked := make([]model.RankedEntry, 0, len(tallies))
	for id, t := range tallies {
		ranked = append(ranked, model.RankedEntry{
			ID:            id,
			Name:          t.name,
			AverageRating: float64(t.sum) / float64(t.count),
			ReviewCount:   t.count,
		})
	}
	slices.SortFunc(ranked, func(x, y model.RankedEntry) int {
		if c := cmp.Compare(y.AverageRating, x.AverageRating); c != 0 {
			return c
		}
		if c := cmp.Compare(y.ReviewCount, x.ReviewCount); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
