package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/multierr"

	"github.com/mohammed-shakir/office-poi-cache/internal/api"
	"github.com/mohammed-shakir/office-poi-cache/internal/app"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/config"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/observability"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/server"
	"github.com/mohammed-shakir/office-poi-cache/internal/geocache"
	"github.com/mohammed-shakir/office-poi-cache/internal/invalidation"
	"github.com/mohammed-shakir/office-poi-cache/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/office-poi-cache/internal/logger"
	"github.com/mohammed-shakir/office-poi-cache/internal/maintenance"
	h3mapper "github.com/mohammed-shakir/office-poi-cache/internal/mapper/h3"
	"github.com/mohammed-shakir/office-poi-cache/internal/ratings"
	"github.com/mohammed-shakir/office-poi-cache/internal/upstream/overpass"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "poi-server",
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting poi-server",
		"addr", cfg.Addr,
		"version", Version,
		"store", cfg.Store.Driver,
		"miss_lock", cfg.MissLock,
		"overpass", cfg.Overpass.URL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("store setup failed", "err", err)
		return 1
	}

	locker, err := deps.Locker(ctx, cfg)
	if err != nil {
		appLog.Error("miss lock setup failed", "err", err)
		_ = deps.Close()
		return 1
	}

	cells, err := h3mapper.New(cfg.H3Res)
	if err != nil {
		appLog.Error("h3 mapper setup failed", "err", err)
		_ = deps.Close()
		return 1
	}

	fetcher, err := overpass.New(appLog, httpclient.NewOutbound(cfg.Overpass.Timeout), overpass.Config{
		Endpoint:     cfg.Overpass.URL,
		UserAgent:    cfg.Overpass.UserAgent,
		QueryTimeout: cfg.Overpass.QueryTimeout,
	})
	if err != nil {
		appLog.Error("overpass client setup failed", "err", err)
		_ = deps.Close()
		return 1
	}

	pois := geocache.New(appLog, deps.Store, fetcher,
		geocache.WithTTL(cfg.CacheTTL),
		geocache.WithSource(cfg.Overpass.Source),
		geocache.WithOpTimeout(cfg.CacheOpTimeout),
		geocache.WithSweepOnRequest(cfg.SweepOnRequest),
		geocache.WithLocker(locker),
		geocache.WithCellMapper(cells),
	)
	agg := ratings.NewAggregator(appLog, ratings.NewGormSource(deps.DB))

	sweeper := maintenance.NewSweeper(deps.Store,
		maintenance.WithSchedule(cfg.SweepSchedule),
		maintenance.WithTimeout(cfg.CacheOpTimeout*10),
		maintenance.WithLogger(appLog),
	)
	if err := sweeper.Start(); err != nil {
		appLog.Error("sweeper setup failed", "err", err)
		_ = deps.Close()
		return 1
	}

	var wg sync.WaitGroup
	if cfg.Invalidation.Enabled {
		inv := invalidation.New(appLog, deps.Store, cells)
		consumer := kafkaconsumer.New(kafkaconsumer.FromConfig(cfg.Invalidation), appLog, &zl, inv)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()
	}

	handler := api.New(appLog, pois, agg, deps.Store, sweeper, api.WithDefaultRadius(cfg.DefaultRadius))
	router := server.NewRouter(appLog, handler.Routes(), deps.Store)

	runErr := server.Run(ctx, cfg, appLog, router)
	stop()

	<-sweeper.Stop().Done()
	wg.Wait()

	if err := multierr.Append(runErr, deps.Close()); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
