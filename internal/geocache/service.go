// Package geocache answers "eating places near a point" from the TTL cache,
// falling back to the upstream fetcher on a miss.
package geocache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/office-poi-cache/internal/cache"
	"github.com/mohammed-shakir/office-poi-cache/internal/cache/keys"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/apperr"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/observability"
	"github.com/mohammed-shakir/office-poi-cache/internal/logger"
	"github.com/mohammed-shakir/office-poi-cache/internal/normalize"
	"github.com/mohammed-shakir/office-poi-cache/internal/upstream/overpass"
)

const (
	DefaultSource    = "osm"
	defaultOpTimeout = 2 * time.Second
)

// CellMapper places a bucket centre on a spatial grid.
type CellMapper interface {
	CellFor(lat, lng float64) (string, error)
}

type validator interface {
	Validate(lat, lng, radius float64) error
}

type Option func(*Service)

func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithSource(src string) Option {
	return func(s *Service) {
		if src != "" {
			s.source = src
		}
	}
}

// WithOpTimeout bounds every individual store call.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithSweepOnRequest runs SweepExpired before each GetPOIs.
func WithSweepOnRequest(on bool) Option {
	return func(s *Service) { s.sweepOnRequest = on }
}

func WithLocker(l cache.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.lock = l
		}
	}
}

func WithCellMapper(m CellMapper) Option {
	return func(s *Service) { s.cells = m }
}

type Service struct {
	logger  *slog.Logger
	store   cache.Store
	fetcher overpass.Fetcher
	cells   CellMapper
	lock    cache.Locker

	source         string
	ttl            time.Duration
	opTimeout      time.Duration
	sweepOnRequest bool
}

func New(log *slog.Logger, store cache.Store, fetcher overpass.Fetcher, opts ...Option) *Service {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Service{
		logger:    log,
		store:     store,
		fetcher:   fetcher,
		lock:      cache.NoLock(),
		source:    DefaultSource,
		ttl:       cache.DefaultTTL,
		opTimeout: defaultOpTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Result is one GetPOIs answer with how it was served.
type Result struct {
	Bucket string
	Hit    bool
	POIs   []model.POIRecord
}

// GetPOIs returns the POIs within radius metres of lat/lng.
func (s *Service) GetPOIs(ctx context.Context, lat, lng, radius float64) ([]model.POIRecord, error) {
	res, err := s.Resolve(ctx, lat, lng, radius)
	if err != nil {
		return nil, err
	}
	return res.POIs, nil
}

// Resolve is GetPOIs that also reports the bucket and whether the cache
// served it. Fetch errors are returned unchanged; store failures never fail
// the call.
func (s *Service) Resolve(ctx context.Context, lat, lng, radius float64) (Result, error) {
	if v, ok := s.fetcher.(validator); ok {
		if err := v.Validate(lat, lng, radius); err != nil {
			return Result{}, err
		}
	}
	if s.sweepOnRequest {
		s.sweep(ctx)
	}

	key := keys.Bucket(lat, lng, radius)
	ctx = logger.WithBucket(ctx, key)

	if pois, ok := s.lookup(ctx, key); ok {
		return s.hit(ctx, key, pois), nil
	}

	if s.lock.Mode() != cache.MissLockNone {
		start := time.Now()
		unlock, err := s.lock.Lock(ctx, key)
		observability.ObserveMissLockWait(string(s.lock.Mode()), time.Since(start).Seconds())
		switch {
		case err == nil:
			defer unlock()
			if pois, ok := s.lookup(ctx, key); ok {
				return s.hit(ctx, key, pois), nil
			}
		case ctx.Err() != nil:
			return Result{}, &apperr.TimeoutError{Op: "miss lock", Err: ctx.Err()}
		default:
			s.logger.WarnContext(ctx, "miss lock unavailable, fetching unlocked", "err", err)
		}
	}

	observability.IncCacheMiss()
	ctx = logger.WithCacheStatus(ctx, "miss")

	start := time.Now()
	elements, err := s.fetcher.Fetch(ctx, lat, lng, radius)
	if err != nil {
		s.logger.WarnContext(ctx, "upstream fetch failed", "err", err, "duration", time.Since(start).String())
		return Result{}, err
	}
	pois := normalize.Normalize(s.source, elements)
	s.logger.DebugContext(ctx, "fetched",
		"elements", len(elements),
		"pois", len(pois),
		"duration", time.Since(start).String())

	if len(pois) > 0 {
		s.put(ctx, cache.Bucket{Key: key, Cell: s.cellFor(ctx, lat, lng)}, pois)
	}
	return Result{Bucket: key, POIs: pois}, nil
}

func (s *Service) hit(ctx context.Context, key string, pois []model.POIRecord) Result {
	observability.IncCacheHit()
	s.logger.DebugContext(logger.WithCacheStatus(ctx, "hit"), "served from cache",
		"pois", len(pois),
		"fingerprint", Fingerprint(pois))
	return Result{Bucket: key, Hit: true, POIs: pois}
}

// lookup reports a usable cached generation. Store failures count as a miss.
func (s *Service) lookup(ctx context.Context, key string) ([]model.POIRecord, bool) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	pois, err := s.store.Lookup(opCtx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "cache lookup failed, treating as miss", "err", err)
		return nil, false
	}
	return pois, len(pois) > 0
}

// put survives caller cancellation so a completed fetch is not wasted.
func (s *Service) put(ctx context.Context, b cache.Bucket, pois []model.POIRecord) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
	defer cancel()
	if err := s.store.Put(opCtx, b, pois, s.ttl); err != nil {
		observability.IncStorePutFailure()
		s.logger.ErrorContext(ctx, "cache put failed", "err", err, "pois", len(pois))
	}
}

func (s *Service) cellFor(ctx context.Context, lat, lng float64) string {
	if s.cells == nil {
		return ""
	}
	cell, err := s.cells.CellFor(keys.Quantize(lat), keys.Quantize(lng))
	if err != nil {
		s.logger.WarnContext(ctx, "cell lookup failed", "err", err)
		return ""
	}
	return cell
}

func (s *Service) sweep(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	n, err := s.store.SweepExpired(opCtx)
	if err != nil {
		s.logger.WarnContext(ctx, "lazy sweep failed", "err", err)
		return
	}
	observability.AddSweptRows(n)
}

// GetPOIByID reads a single cached POI. It never goes upstream; an id that
// is not cached, or whose bucket expired, yields apperr.ErrNotFound.
func (s *Service) GetPOIByID(ctx context.Context, id string) (model.POIRecord, error) {
	if id == "" {
		return model.POIRecord{}, &apperr.ValidationError{Field: "id", Msg: "must not be empty"}
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	p, err := s.store.LookupByID(opCtx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return model.POIRecord{}, err
		}
		return model.POIRecord{}, fmt.Errorf("get poi %q: %w", id, err)
	}
	return p, nil
}
