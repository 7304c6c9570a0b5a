package geocache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/office-poi-cache/internal/cache"
	"github.com/mohammed-shakir/office-poi-cache/internal/cache/sqlstore"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/apperr"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
	"github.com/mohammed-shakir/office-poi-cache/internal/database/testdb"
)

func fp(v float64) *float64 { return &v }

type fakeFetcher struct {
	calls    atomic.Int32
	elements []model.RawElement
	err      error
	delay    time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, _, _, _ float64) ([]model.RawElement, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.elements, nil
}

func twoPlaces() []model.RawElement {
	return []model.RawElement{
		{Type: "node", ID: 1, Lat: fp(48.857), Lon: fp(2.352), Tags: map[string]string{"name": "Le Petit"}},
		{Type: "node", ID: 2, Lat: fp(48.858), Lon: fp(2.353), Tags: map[string]string{"cuisine": "no name"}},
		{Type: "way", ID: 3, Center: &model.Center{Lat: 48.856, Lon: 2.351}, Tags: map[string]string{"name": "Big Way"}},
	}
}

func newSQLService(t *testing.T, f *fakeFetcher, opts ...Option) (*Service, *sqlstore.Store, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC))
	st := sqlstore.New(testdb.MustOpen(t, &sqlstore.Row{}), sqlstore.WithClock(clk))
	return New(nil, st, f, opts...), st, clk
}

func TestGetPOIs_MissFetchesAndCaches(t *testing.T) {
	f := &fakeFetcher{elements: twoPlaces()}
	svc, st, _ := newSQLService(t, f)
	ctx := context.Background()

	res, err := svc.Resolve(ctx, 48.8566, 2.3522, 800)
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, "restaurants_48.8566_2.3522_800", res.Bucket)
	require.Len(t, res.POIs, 2)
	assert.Equal(t, "osm_1", res.POIs[0].ID)
	assert.Equal(t, "osm_3", res.POIs[1].ID)

	cached, err := st.Lookup(ctx, res.Bucket)
	require.NoError(t, err)
	assert.Equal(t, res.POIs, cached)

	res, err = svc.Resolve(ctx, 48.85661, 2.35219, 800)
	require.NoError(t, err)
	assert.True(t, res.Hit, "jittered coordinates must share the bucket")
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestGetPOIs_TTLScenario(t *testing.T) {
	f := &fakeFetcher{elements: twoPlaces()}
	svc, _, clk := newSQLService(t, f, WithTTL(2*time.Hour))
	ctx := context.Background()

	first, err := svc.GetPOIs(ctx, 48.8566, 2.3522, 800)
	require.NoError(t, err)
	require.Equal(t, int32(1), f.calls.Load())

	clk.Advance(time.Hour)
	again, err := svc.GetPOIs(ctx, 48.8566, 2.3522, 800)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load(), "within ttl: no fetch")
	assert.Equal(t, first, again)

	clk.Advance(2 * time.Hour)
	_, err = svc.GetPOIs(ctx, 48.8566, 2.3522, 800)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load(), "after ttl: exactly one fetch")
}

func TestGetPOIs_EmptyResultIsNotCached(t *testing.T) {
	f := &fakeFetcher{elements: []model.RawElement{{Type: "node", ID: 9}}}
	svc, st, _ := newSQLService(t, f)
	ctx := context.Background()

	pois, err := svc.GetPOIs(ctx, 10, 10, 500)
	require.NoError(t, err)
	assert.Empty(t, pois)

	_, err = svc.GetPOIs(ctx, 10, 10, 500)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestGetPOIs_FetchErrorPropagatesUnchanged(t *testing.T) {
	upstream := &apperr.UpstreamError{Status: 503, Body: "busy"}
	f := &fakeFetcher{err: upstream}
	svc, st, _ := newSQLService(t, f)

	_, err := svc.GetPOIs(context.Background(), 1, 1, 100)
	require.Error(t, err)
	assert.Same(t, upstream, err)

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

type validatingFetcher struct{ fakeFetcher }

func (*validatingFetcher) Validate(_, _, radius float64) error {
	if radius < 10 {
		return &apperr.ValidationError{Field: "radius", Msg: "too small"}
	}
	return nil
}

func TestGetPOIs_ValidatesBeforeTouchingStore(t *testing.T) {
	st := &flakyStore{}
	f := &validatingFetcher{}
	svc := New(nil, st, f)

	_, err := svc.GetPOIs(context.Background(), 1, 1, 9)
	assert.True(t, apperr.IsValidation(err))
	assert.Zero(t, st.lookups.Load())
	assert.Zero(t, f.calls.Load())
}

// flakyStore fails every call.
type flakyStore struct {
	lookups atomic.Int32
	puts    atomic.Int32
	sweeps  atomic.Int32
}

var errDown = apperr.Store("op", errors.New("db down"))

func (s *flakyStore) Lookup(context.Context, string) ([]model.POIRecord, error) {
	s.lookups.Add(1)
	return nil, errDown
}

func (s *flakyStore) Put(context.Context, cache.Bucket, []model.POIRecord, time.Duration) error {
	s.puts.Add(1)
	return errDown
}

func (s *flakyStore) LookupByID(context.Context, string) (model.POIRecord, error) {
	return model.POIRecord{}, errDown
}

func (s *flakyStore) SweepExpired(context.Context) (int64, error) {
	s.sweeps.Add(1)
	return 0, errDown
}

func (s *flakyStore) DeleteBuckets(context.Context, ...string) (int64, error) { return 0, errDown }
func (s *flakyStore) DeleteCells(context.Context, ...string) (int64, error)   { return 0, errDown }
func (s *flakyStore) Stats(context.Context) (cache.Stats, error)              { return cache.Stats{}, errDown }
func (s *flakyStore) Ping(context.Context) error                              { return errDown }

func TestGetPOIs_StoreFailuresDoNotFailTheCall(t *testing.T) {
	st := &flakyStore{}
	f := &fakeFetcher{elements: twoPlaces()}
	svc := New(nil, st, f, WithSweepOnRequest(true))

	pois, err := svc.GetPOIs(context.Background(), 48.8566, 2.3522, 800)
	require.NoError(t, err)
	assert.Len(t, pois, 2)
	assert.Equal(t, int32(1), st.lookups.Load())
	assert.Equal(t, int32(1), st.puts.Load())
	assert.Equal(t, int32(1), st.sweeps.Load())
}

func TestGetPOIByID(t *testing.T) {
	f := &fakeFetcher{elements: twoPlaces()}
	svc, _, clk := newSQLService(t, f, WithTTL(time.Hour))
	ctx := context.Background()

	_, err := svc.GetPOIByID(ctx, "osm_3")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.GetPOIs(ctx, 48.8566, 2.3522, 800)
	require.NoError(t, err)

	p, err := svc.GetPOIByID(ctx, "osm_3")
	require.NoError(t, err)
	assert.Equal(t, "Big Way", p.Name)

	clk.Advance(time.Hour)
	_, err = svc.GetPOIByID(ctx, "osm_3")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, int32(1), f.calls.Load(), "lookup by id never fetches")

	_, err = svc.GetPOIByID(ctx, "")
	assert.True(t, apperr.IsValidation(err))
}

func TestGetPOIByID_StoreErrorIsWrapped(t *testing.T) {
	svc := New(nil, &flakyStore{}, &fakeFetcher{})
	_, err := svc.GetPOIByID(context.Background(), "osm_1")
	assert.True(t, apperr.IsStore(err))
	assert.False(t, errors.Is(err, apperr.ErrNotFound))
}

func TestGetPOIs_LazySweep(t *testing.T) {
	f := &fakeFetcher{elements: twoPlaces()}
	svc, st, clk := newSQLService(t, f, WithTTL(time.Hour), WithSweepOnRequest(true))
	ctx := context.Background()

	_, err := svc.GetPOIs(ctx, 1, 1, 100)
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	_, err = svc.GetPOIs(ctx, 2, 2, 100)
	require.NoError(t, err)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, cache.Stats{Valid: 2, Total: 2}, stats)
}

type fakeCells struct{}

func (fakeCells) CellFor(lat, lng float64) (string, error) {
	if lat > 0 {
		return "north", nil
	}
	return "south", nil
}

func TestGetPOIs_RecordsCellForInvalidation(t *testing.T) {
	f := &fakeFetcher{elements: twoPlaces()}
	svc, st, _ := newSQLService(t, f, WithCellMapper(fakeCells{}))
	ctx := context.Background()

	_, err := svc.GetPOIs(ctx, 48.8566, 2.3522, 800)
	require.NoError(t, err)

	n, err := st.DeleteCells(ctx, "south")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = st.DeleteCells(ctx, "north")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestGetPOIs_ConcurrentMisses(t *testing.T) {
	cases := []struct {
		name       string
		lock       cache.Locker
		wantFetchN func(n int32) bool
	}{
		{"none lets every miss fetch", cache.NoLock(), func(n int32) bool { return n >= 1 && n <= 6 }},
		{"local collapses to one fetch", cache.NewKeyedLock(), func(n int32) bool { return n == 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeFetcher{elements: twoPlaces(), delay: 20 * time.Millisecond}
			svc, st, _ := newSQLService(t, f, WithLocker(tc.lock))
			ctx := context.Background()

			var wg sync.WaitGroup
			for range 6 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					pois, err := svc.GetPOIs(ctx, 48.8566, 2.3522, 800)
					if err != nil || len(pois) != 2 {
						t.Errorf("GetPOIs: %d pois, err=%v", len(pois), err)
					}
				}()
			}
			wg.Wait()
			assert.True(t, tc.wantFetchN(f.calls.Load()), "fetches=%d", f.calls.Load())

			got, err := st.Lookup(ctx, "restaurants_48.8566_2.3522_800")
			require.NoError(t, err)
			assert.Len(t, got, 2, "every generation is complete")
		})
	}
}

type blockedLock struct{}

func (blockedLock) Lock(ctx context.Context, _ string) (func(), error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockedLock) Mode() cache.MissLock { return cache.MissLockRedis }

type brokenLock struct{}

func (brokenLock) Lock(context.Context, string) (func(), error) {
	return nil, errors.New("redis unreachable")
}

func (brokenLock) Mode() cache.MissLock { return cache.MissLockRedis }

func TestGetPOIs_LockFailureModes(t *testing.T) {
	f := &fakeFetcher{elements: twoPlaces()}
	svc, _, _ := newSQLService(t, f, WithLocker(brokenLock{}))
	pois, err := svc.GetPOIs(context.Background(), 1, 1, 100)
	require.NoError(t, err, "an unavailable lock degrades to unlocked fetch")
	assert.Len(t, pois, 2)

	svc, _, _ = newSQLService(t, f, WithLocker(blockedLock{}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = svc.GetPOIs(ctx, 3, 3, 100)
	assert.True(t, apperr.IsTimeout(err), "got %v", err)
}

func TestFingerprint(t *testing.T) {
	a := []model.POIRecord{{ID: "osm_1", Name: "A", Lat: 1, Lng: 2}}
	b := []model.POIRecord{{ID: "osm_1", Name: "A", Lat: 1, Lng: 2}}
	c := []model.POIRecord{{ID: "osm_1", Name: "B", Lat: 1, Lng: 2}}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.NotEmpty(t, Fingerprint(nil))
}
