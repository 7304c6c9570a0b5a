package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mylog "github.com/mohammed-shakir/office-poi-cache/internal/logger"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestLogging_PropagatesRequestID(t *testing.T) {
	var seen string
	h := Logging(discard)(
		http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = mylog.RequestID(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/v1/pois", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rr.Header().Get("X-Request-ID"))
}

func TestLogging_GeneratesRequestID(t *testing.T) {
	var seen string
	h := Logging(discard)(
		http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = mylog.RequestID(r.Context())
		}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rr.Header().Get("X-Request-ID"))
}

func TestRecover_Returns500(t *testing.T) {
	h := Recover()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := CORS()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/v1/ratings", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestMetrics_CapturesStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics())
	r.Get("/v1/pois/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/pois/osm_1", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
