// Package maintenance runs scheduled housekeeping against the POI cache.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mohammed-shakir/office-poi-cache/internal/core/observability"
)

const (
	DefaultSchedule = "@every 15m"
	defaultTimeout  = 30 * time.Second
)

// ExpirySweeper is the slice of cache.Store the sweeper needs.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

type Sweeper struct {
	store    ExpirySweeper
	cron     *cron.Cron
	log      *slog.Logger
	schedule string
	timeout  time.Duration
	started  bool
}

type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

func NewSweeper(store ExpirySweeper, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    store,
		schedule: DefaultSchedule,
		timeout:  defaultTimeout,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	}
	return s
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	if s.store == nil {
		return errors.New("maintenance: sweeper has no store")
	}
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.log.Warn("scheduled sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.started = true
	s.log.Info("expiry sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the scheduler; the returned context is done once a running
// sweep has finished. Without a running scheduler it is already done.
func (s *Sweeper) Stop() context.Context {
	if !s.started {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// RunOnce removes every expired entry and reports how many were removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.store.SweepExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	observability.AddSweptRows(n)
	s.log.Info("expired cache entries removed", "rows", n, "duration", time.Since(start).String())
	return n, nil
}
