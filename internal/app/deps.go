// Package app assembles the stores and services shared by the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/mohammed-shakir/office-poi-cache/internal/cache"
	"github.com/mohammed-shakir/office-poi-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/office-poi-cache/internal/cache/sqlstore"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/config"
	"github.com/mohammed-shakir/office-poi-cache/internal/database"
	"github.com/mohammed-shakir/office-poi-cache/internal/ratings"
)

// Deps holds the long-lived connections. DB is always open because reviews
// live in the relational store even when the cache runs on Redis.
type Deps struct {
	DB    *gorm.DB
	Store cache.Store
	Redis *redisstore.Client

	closers []func() error
}

// Open connects the relational store and the cache backend named by
// cfg.Store.Driver. Anything opened before a failure is closed again.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*Deps, error) {
	d := &Deps{}
	if err := d.open(ctx, cfg, log); err != nil {
		return nil, multierr.Append(err, d.Close())
	}
	return d, nil
}

func (d *Deps) open(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	dbDriver := driver
	if driver == "redis" {
		dbDriver = "sqlite"
		if cfg.Store.DatabaseDSN != "" {
			dbDriver = "postgres"
		}
	}

	db, err := database.Open(database.Config{
		Driver:       dbDriver,
		DSN:          cfg.Store.DatabaseDSN,
		Path:         cfg.Store.SQLitePath,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	d.DB = db
	d.closers = append(d.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	// reviews are owned elsewhere in production; sqlite gets a local table for development
	if dbDriver == "sqlite" {
		if err := database.Migrate(db, &ratings.ReviewRow{}); err != nil {
			return err
		}
	}

	switch driver {
	case "sqlite", "postgres", "postgresql":
		s := sqlstore.New(db)
		if err := s.Migrate(); err != nil {
			return err
		}
		d.Store = s
	case "redis":
		c, err := redisstore.New(ctx, cfg.Store.RedisAddr)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		d.Redis = c
		d.closers = append(d.closers, c.Close)
		d.Store = redisstore.NewStore(c)
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", cfg.Store.Driver)
	}

	log.Info("cache store ready", "driver", driver, "database", dbDriver)
	return nil
}

// Locker builds the miss lock named by cfg.MissLock.
func (d *Deps) Locker(ctx context.Context, cfg config.Config) (cache.Locker, error) {
	mode, err := cache.ParseMissLock(cfg.MissLock)
	if err != nil {
		return nil, err
	}
	switch mode {
	case cache.MissLockLocal:
		return cache.NewKeyedLock(), nil
	case cache.MissLockRedis:
		if d.Redis == nil {
			c, err := redisstore.New(ctx, cfg.Store.RedisAddr)
			if err != nil {
				return nil, fmt.Errorf("connect redis for miss lock: %w", err)
			}
			d.Redis = c
			d.closers = append(d.closers, c.Close)
		}
		return redisstore.NewLock(d.Redis, cfg.MissLockTTL), nil
	default:
		return cache.NoLock(), nil
	}
}

// Close releases everything Open acquired, in reverse order.
func (d *Deps) Close() error {
	if d == nil {
		return nil
	}
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.closers[i]())
	}
	d.closers = nil
	return err
}
