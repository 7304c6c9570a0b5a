package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/office-poi-cache/internal/cache"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/apperr"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
	"github.com/mohammed-shakir/office-poi-cache/internal/geocache"
)

type fakePOIs struct {
	res     geocache.Result
	err     error
	byID    map[string]model.POIRecord
	gotArea model.Area
}

func (f *fakePOIs) Resolve(_ context.Context, lat, lng, radius float64) (geocache.Result, error) {
	f.gotArea = model.Area{Lat: lat, Lng: lng, Radius: radius}
	return f.res, f.err
}

func (f *fakePOIs) GetPOIByID(_ context.Context, id string) (model.POIRecord, error) {
	if p, ok := f.byID[id]; ok {
		return p, nil
	}
	return model.POIRecord{}, apperr.ErrNotFound
}

type fakeRatings struct {
	gotIDs   []string
	gotLimit int
	err      error
}

func (f *fakeRatings) Aggregate(_ context.Context, ids []string) (map[string]model.RatingSummary, error) {
	f.gotIDs = ids
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]model.RatingSummary{}
	for _, id := range ids {
		out[id] = model.RatingSummary{POIID: id, AverageRating: 4, ReviewCount: 2}
	}
	return out, nil
}

func (f *fakeRatings) TopRated(_ context.Context, ids []string, limit int) ([]model.RankedEntry, error) {
	f.gotIDs = ids
	f.gotLimit = limit
	return nil, f.err
}

type fakeAdmin struct {
	stats cache.Stats
	swept int64
	err   error
}

func (f *fakeAdmin) Stats(context.Context) (cache.Stats, error) { return f.stats, f.err }

func (f *fakeAdmin) RunOnce(context.Context) (int64, error) { return f.swept, f.err }

func name(s string) model.POIRecord {
	return model.POIRecord{ID: "osm_" + s, Name: s, Lat: 59.33, Lng: 18.06, Source: "osm"}
}

func serve(t *testing.T, h *Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Mount("/v1", h.Routes())
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestListPOIs_OKWithETagAndCacheHeader(t *testing.T) {
	pois := &fakePOIs{res: geocache.Result{Hit: true, POIs: []model.POIRecord{name("a"), name("b")}}}
	h := New(nil, pois, &fakeRatings{}, &fakeAdmin{}, &fakeAdmin{})

	rr := serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/pois?lat=59.3293&lng=18.0686&radius=500", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "HIT", rr.Header().Get("X-Cache"))
	assert.NotEmpty(t, rr.Header().Get("ETag"))
	assert.Equal(t, model.Area{Lat: 59.3293, Lng: 18.0686, Radius: 500}, pois.gotArea)

	var body poisResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.POIs, 2)
}

func TestListPOIs_DefaultRadius(t *testing.T) {
	pois := &fakePOIs{}
	h := New(nil, pois, &fakeRatings{}, &fakeAdmin{}, &fakeAdmin{})

	rr := serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/pois?lat=1&lng=2", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, DefaultRadius, pois.gotArea.Radius)
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"pois":[]}`, rr.Body.String())
}

func TestListPOIs_IfNoneMatch(t *testing.T) {
	pois := &fakePOIs{res: geocache.Result{POIs: []model.POIRecord{name("a")}}}
	h := New(nil, pois, &fakeRatings{}, &fakeAdmin{}, &fakeAdmin{})

	first := serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/pois?lat=1&lng=2", nil))
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/v1/pois?lat=1&lng=2", nil)
	req.Header.Set("If-None-Match", etag)
	rr := serve(t, h, req)

	assert.Equal(t, http.StatusNotModified, rr.Code)
	assert.Empty(t, rr.Body.String())
}

func TestListPOIs_BadQuery(t *testing.T) {
	h := New(nil, &fakePOIs{}, &fakeRatings{}, &fakeAdmin{}, &fakeAdmin{})

	for _, q := range []string{"lng=2", "lat=abc&lng=2", "lat=1&lng=2&radius=wide"} {
		rr := serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/pois?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestListPOIs_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"validation", &apperr.ValidationError{Field: "radius", Msg: "radius must be between 10 and 10000 metres"}, http.StatusBadRequest, "radius must be between 10 and 10000 metres"},
		{"upstream", &apperr.UpstreamError{Status: 503, Body: "rate limited by overpass"}, http.StatusBadGateway, msgUpstream},
		{"timeout", &apperr.TimeoutError{Op: "overpass fetch", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, msgTimeout},
		{"store", apperr.Store("lookup", errors.New("disk full")), http.StatusInternalServerError, msgInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(nil, &fakePOIs{err: tc.err}, &fakeRatings{}, &fakeAdmin{}, &fakeAdmin{})
			rr := serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/pois?lat=1&lng=2", nil))

			require.Equal(t, tc.code, rr.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tc.msg, body.Error)
			assert.NotContains(t, rr.Body.String(), "overpass")
		})
	}
}

func TestGetPOI(t *testing.T) {
	pois := &fakePOIs{byID: map[string]model.POIRecord{"osm_a": name("a")}}
	h := New(nil, pois, &fakeRatings{}, &fakeAdmin{}, &fakeAdmin{})

	rr := serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/pois/osm_a", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var got model.POIRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "a", got.Name)

	rr = serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/pois/osm_missing", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAggregateRatings(t *testing.T) {
	rs := &fakeRatings{}
	h := New(nil, &fakePOIs{}, rs, &fakeAdmin{}, &fakeAdmin{})

	req := httptest.NewRequest(http.MethodPost, "/v1/ratings", strings.NewReader(`{"ids":["osm_1","osm_2"]}`))
	rr := serve(t, h, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"osm_1", "osm_2"}, rs.gotIDs)
	var got map[string]model.RatingSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, 2, got["osm_2"].ReviewCount)
}

func TestAggregateRatings_BadBody(t *testing.T) {
	h := New(nil, &fakePOIs{}, &fakeRatings{}, &fakeAdmin{}, &fakeAdmin{})

	for _, body := range []string{`not json`, `{"ids":"osm_1"}`, `{"idz":[]}`} {
		rr := serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/ratings", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
}

func TestTopRated_Limit(t *testing.T) {
	rs := &fakeRatings{}
	h := New(nil, &fakePOIs{}, rs, &fakeAdmin{}, &fakeAdmin{})

	rr := serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/ratings/top", strings.NewReader(`{"ids":["a"]}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3, rs.gotLimit)
	assert.JSONEq(t, `[]`, rr.Body.String())

	rr = serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/ratings/top", strings.NewReader(`{"ids":["a"],"limit":5}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, rs.gotLimit)

	rr = serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/ratings/top", strings.NewReader(`{"ids":["a"],"limit":-1}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCacheAdmin(t *testing.T) {
	admin := &fakeAdmin{stats: cache.Stats{Valid: 3, Expired: 1, Total: 4}, swept: 1}
	h := New(nil, &fakePOIs{}, &fakeRatings{}, admin, admin)

	rr := serve(t, h, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"valid":3,"expired":1,"total":4}`, rr.Body.String())

	rr = serve(t, h, httptest.NewRequest(http.MethodPost, "/v1/cache/sweep", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"removed":1}`, rr.Body.String())
}

func TestMatchesETag(t *testing.T) {
	assert.True(t, matchesETag(`"x", "y"`, `"y"`))
	assert.True(t, matchesETag(`W/"y"`, `"y"`))
	assert.True(t, matchesETag(`*`, `"y"`))
	assert.False(t, matchesETag(``, `"y"`))
	assert.False(t, matchesETag(`"z"`, `"y"`))
}
