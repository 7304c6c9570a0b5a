package ratings

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mohammed-shakir/office-poi-cache/internal/core/apperr"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
	"github.com/mohammed-shakir/office-poi-cache/internal/database/testdb"
)

type countingSource struct {
	calls   int
	reviews []model.Review
	err     error
}

func (s *countingSource) ReviewsFor(_ context.Context, ids []string) ([]model.Review, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Review
	for _, r := range s.reviews {
		if want[r.RestaurantID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func rv(id, name string, rating int) model.Review {
	return model.Review{RestaurantID: id, RestaurantName: name, Rating: rating}
}

func TestAggregate_EmptyInputSkipsSource(t *testing.T) {
	src := &countingSource{}
	a := NewAggregator(nil, src)

	got, err := a.Aggregate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)

	got, err = a.Aggregate(context.Background(), []string{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, src.calls)
}

func TestAggregate_MeanAndCount(t *testing.T) {
	src := &countingSource{reviews: []model.Review{
		rv("osm_1", "A", 5), rv("osm_1", "A", 4), rv("osm_1", "A", 4),
		rv("osm_2", "B", 2),
		rv("osm_9", "Z", 5),
	}}
	a := NewAggregator(nil, src)

	got, err := a.Aggregate(context.Background(), []string{"osm_1", "osm_2", "osm_3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 13.0/3.0, got["osm_1"].AverageRating, 1e-9)
	assert.Equal(t, 3, got["osm_1"].ReviewCount)
	assert.Equal(t, "osm_1", got["osm_1"].POIID)
	assert.Equal(t, model.RatingSummary{POIID: "osm_2", AverageRating: 2, ReviewCount: 1}, got["osm_2"])

	_, ok := got["osm_3"]
	assert.False(t, ok, "ids without reviews are absent")
	_, ok = got["osm_9"]
	assert.False(t, ok)
}

func TestAggregate_SkipsOutOfRangeRatings(t *testing.T) {
	src := &countingSource{reviews: []model.Review{rv("a", "A", 0), rv("a", "A", 6), rv("a", "A", 3)}}
	got, err := NewAggregator(nil, src).Aggregate(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, got["a"].ReviewCount)
	assert.Equal(t, 3.0, got["a"].AverageRating)
}

func TestAggregate_SourceErrorPropagates(t *testing.T) {
	boom := apperr.Store("reviews", errors.New("down"))
	_, err := NewAggregator(nil, &countingSource{err: boom}).Aggregate(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, boom)
}

func TestTopRated_OrderingTieBreakAndLimit(t *testing.T) {
	src := &countingSource{reviews: []model.Review{
		rv("c", "Cafe", 4), rv("c", "Cafe", 4),
		rv("b", "Bistro", 4),
		rv("a", "Annex", 4),
		rv("d", "Diner", 5),
		rv("e", "Eatery", 2),
	}}
	a := NewAggregator(nil, src)
	ids := []string{"e", "a", "b", "c", "d", "x"}

	got, err := a.TopRated(context.Background(), ids, 0)
	require.NoError(t, err)
	require.Len(t, got, DefaultTopLimit)
	assert.Equal(t, []string{"d", "c", "a"}, entryIDs(got))
	assert.Equal(t, "Diner", got[0].Name)
	assert.Equal(t, 2, got[1].ReviewCount)

	got, err = a.TopRated(context.Background(), ids, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "a", "b", "e"}, entryIDs(got))

	got, err = a.TopRated(context.Background(), ids, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, entryIDs(got))
}

func TestTopRated_IsIndependentOfInputOrder(t *testing.T) {
	src := &countingSource{reviews: []model.Review{rv("a", "A", 4), rv("b", "B", 4), rv("c", "C", 4)}}
	a := NewAggregator(nil, src)
	x, err := a.TopRated(context.Background(), []string{"c", "b", "a"}, 3)
	require.NoError(t, err)
	y, err := a.TopRated(context.Background(), []string{"a", "c", "b", "a"}, 3)
	require.NoError(t, err)
	assert.Equal(t, x, y)
}

func entryIDs(es []model.RankedEntry) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.ID)
	}
	return out
}

func seedReviews(t *testing.T, db *gorm.DB, rows ...ReviewRow) {
	t.Helper()
	require.NoError(t, db.Create(&rows).Error)
}

func TestGormSource_ReadsMatchingRows(t *testing.T) {
	db := testdb.MustOpen(t, &ReviewRow{})
	base := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	seedReviews(t, db,
		ReviewRow{RestaurantID: "osm_1", RestaurantName: "A", Rating: 5, CreatedAt: base},
		ReviewRow{RestaurantID: "osm_1", RestaurantName: "A", Rating: 3, CreatedAt: base.Add(time.Minute)},
		ReviewRow{RestaurantID: "osm_2", RestaurantName: "B", Rating: 4, CreatedAt: base},
	)

	got, err := NewGormSource(db).ReviewsFor(context.Background(), []string{"osm_1", "osm_3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 5, got[0].Rating)
	assert.Equal(t, "A", got[1].RestaurantName)

	sum, err := NewAggregator(nil, NewGormSource(db)).Aggregate(context.Background(), []string{"osm_1", "osm_2"})
	require.NoError(t, err)
	assert.Equal(t, 4.0, sum["osm_1"].AverageRating)
	assert.Equal(t, 1, sum["osm_2"].ReviewCount)
}

func TestGormSource_ChunksLargeIDLists(t *testing.T) {
	db := testdb.MustOpen(t, &ReviewRow{})
	ids := make([]string, 0, queryChunk*2+7)
	rows := make([]ReviewRow, 0, len(ids))
	for i := range queryChunk*2 + 7 {
		id := fmt.Sprintf("osm_%d", i)
		ids = append(ids, id)
		rows = append(rows, ReviewRow{RestaurantID: id, RestaurantName: id, Rating: 1 + i%5})
	}
	require.NoError(t, db.CreateInBatches(&rows, 200).Error)

	got, err := NewGormSource(db).ReviewsFor(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, got, len(ids))
}
