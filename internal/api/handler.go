// Package api exposes the POI cache and rating aggregation over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/office-poi-cache/internal/cache"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/apperr"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
	"github.com/mohammed-shakir/office-poi-cache/internal/geocache"
	"github.com/mohammed-shakir/office-poi-cache/internal/ratings"
)

const (
	DefaultRadius = 800.0
	maxBodyBytes  = 1 << 20
	maxRatingIDs  = 1000
)

type POIService interface {
	Resolve(ctx context.Context, lat, lng, radius float64) (geocache.Result, error)
	GetPOIByID(ctx context.Context, id string) (model.POIRecord, error)
}

type RatingService interface {
	Aggregate(ctx context.Context, ids []string) (map[string]model.RatingSummary, error)
	TopRated(ctx context.Context, ids []string, limit int) ([]model.RankedEntry, error)
}

type StatsReader interface {
	Stats(ctx context.Context) (cache.Stats, error)
}

// Sweeper removes expired cache rows on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (int64, error)
}

type Handler struct {
	logger  *slog.Logger
	pois    POIService
	ratings RatingService
	stats   StatsReader
	sweeper Sweeper

	defaultRadius float64
}

type Option func(*Handler)

func WithDefaultRadius(r float64) Option {
	return func(h *Handler) {
		if r > 0 {
			h.defaultRadius = r
		}
	}
}

func New(logger *slog.Logger, pois POIService, rs RatingService, stats StatsReader, sw Sweeper, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handler{
		logger:        logger,
		pois:          pois,
		ratings:       rs,
		stats:         stats,
		sweeper:       sw,
		defaultRadius: DefaultRadius,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes returns the versioned API, meant to be mounted under /v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/pois", h.listPOIs)
	r.Get("/pois/{id}", h.getPOI)
	r.Post("/ratings", h.aggregateRatings)
	r.Post("/ratings/top", h.topRated)
	r.Get("/cache/stats", h.cacheStats)
	r.Post("/cache/sweep", h.cacheSweep)
	return r
}

type poisResponse struct {
	POIs []model.POIRecord `json:"pois"`
}

func (h *Handler) listPOIs(w http.ResponseWriter, r *http.Request) {
	lat, lng, radius, err := h.parseArea(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.pois.Resolve(r.Context(), lat, lng, radius)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pois := res.POIs
	if pois == nil {
		pois = []model.POIRecord{}
	}

	etag := `"` + geocache.Fingerprint(pois) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Cache", cacheStatus(res.Hit))
	if matchesETag(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, poisResponse{POIs: pois})
}

func (h *Handler) getPOI(w http.ResponseWriter, r *http.Request) {
	p, err := h.pois.GetPOIByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type ratingsRequest struct {
	IDs   []string `json:"ids"`
	Limit *int     `json:"limit,omitempty"`
}

func (h *Handler) aggregateRatings(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRatings(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.ratings.Aggregate(r.Context(), req.IDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) topRated(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRatings(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit := ratings.DefaultTopLimit
	if req.Limit != nil {
		if *req.Limit < 0 {
			h.writeError(w, r, &apperr.ValidationError{Field: "limit", Msg: "limit must not be negative"})
			return
		}
		limit = *req.Limit
	}
	out, err := h.ratings.TopRated(r.Context(), req.IDs, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []model.RankedEntry{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.stats.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) cacheSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (h *Handler) parseArea(r *http.Request) (lat, lng, radius float64, err error) {
	q := r.URL.Query()
	if lat, err = requiredFloat(q.Get("lat"), "lat"); err != nil {
		return 0, 0, 0, err
	}
	if lng, err = requiredFloat(q.Get("lng"), "lng"); err != nil {
		return 0, 0, 0, err
	}
	radius = h.defaultRadius
	if raw := strings.TrimSpace(q.Get("radius")); raw != "" {
		if radius, err = requiredFloat(raw, "radius"); err != nil {
			return 0, 0, 0, err
		}
	}
	return lat, lng, radius, nil
}

func requiredFloat(raw, field string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, &apperr.ValidationError{Field: field, Msg: field + " is required"}
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &apperr.ValidationError{Field: field, Msg: field + " must be a number"}
	}
	return f, nil
}

func decodeRatings(w http.ResponseWriter, r *http.Request) (ratingsRequest, error) {
	var req ratingsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, &apperr.ValidationError{Field: "body", Msg: `body must be JSON like {"ids":["osm_1"]}`}
	}
	if len(req.IDs) > maxRatingIDs {
		return req, &apperr.ValidationError{Field: "ids", Msg: "at most " + strconv.Itoa(maxRatingIDs) + " ids per request"}
	}
	return req, nil
}

func cacheStatus(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

func matchesETag(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "*" || strings.TrimPrefix(part, "W/") == etag {
			return true
		}
	}
	return false
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

const (
	msgUpstream = "the restaurant service is unavailable, try again later"
	msgTimeout  = "the search timed out, try a smaller radius"
	msgInternal = "internal error"
)

// writeError maps the apperr taxonomy onto status codes. Upstream and store
// details are logged, never sent to the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Msg, Field: ve.Field})
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case apperr.IsTimeout(err):
		h.logger.WarnContext(r.Context(), "request timed out", "err", err)
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: msgTimeout})
	case apperr.IsUpstream(err):
		h.logger.WarnContext(r.Context(), "upstream failure", "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: msgUpstream})
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "err", err, "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: msgInternal})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
