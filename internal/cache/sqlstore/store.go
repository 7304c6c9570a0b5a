// Package sqlstore keeps POI buckets in a relational table, one row per POI
// per bucket.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"github.com/mohammed-shakir/office-poi-cache/internal/cache"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/apperr"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/observability"
)

const insertBatch = 200

// Row is the persisted form of one cache entry.
type Row struct {
	RowID        uint64    `gorm:"column:row_id;primaryKey;autoIncrement"`
	ID           string    `gorm:"column:id;not null;index:idx_poi_cache_id"`
	BucketKey    string    `gorm:"column:cache_key;not null;index:idx_poi_cache_bucket"`
	Cell         string    `gorm:"column:cell;index:idx_poi_cache_cell"`
	Name         string    `gorm:"column:name;not null"`
	Lat          float64   `gorm:"column:lat;not null"`
	Lng          float64   `gorm:"column:lng;not null"`
	Cuisine      *string   `gorm:"column:cuisine"`
	Address      *string   `gorm:"column:address"`
	Phone        *string   `gorm:"column:phone"`
	Website      *string   `gorm:"column:website"`
	OpeningHours *string   `gorm:"column:opening_hours"`
	Source       string    `gorm:"column:source;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	ExpiresAt    time.Time `gorm:"column:expires_at;not null;index:idx_poi_cache_expires"`
}

func (Row) TableName() string { return "osm_restaurants_cache" }

func (r Row) poi() model.POIRecord {
	return model.POIRecord{
		ID:           r.ID,
		Name:         r.Name,
		Lat:          r.Lat,
		Lng:          r.Lng,
		Cuisine:      r.Cuisine,
		Address:      r.Address,
		Phone:        r.Phone,
		Website:      r.Website,
		OpeningHours: r.OpeningHours,
		Source:       r.Source,
	}
}

type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

type Store struct {
	db    *gorm.DB
	clock clockwork.Clock
}

var _ cache.Store = (*Store)(nil)

func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates the cache table and its indexes.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&Row{}); err != nil {
		return fmt.Errorf("migrate cache table: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

func (s *Store) Lookup(ctx context.Context, bucketKey string) ([]model.POIRecord, error) {
	start := time.Now()
	var rows []Row
	err := s.db.WithContext(ctx).
		Where("cache_key = ? AND expires_at > ?", bucketKey, s.now()).
		Order("row_id ASC").
		Find(&rows).Error
	observability.ObserveCacheOp("lookup", err, time.Since(start).Seconds())
	if err != nil {
		return nil, apperr.Store("lookup", fmt.Errorf("select bucket %q: %w", bucketKey, err))
	}
	out := make([]model.POIRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.poi())
	}
	return out, nil
}

// Put replaces the bucket inside one transaction. Writers of the same bucket
// are serialized so a replace never interleaves with another.
func (s *Store) Put(ctx context.Context, b cache.Bucket, pois []model.POIRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	created := s.now()
	expires := created.Add(ttl)

	rows := make([]Row, 0, len(pois))
	for _, p := range pois {
		rows = append(rows, Row{
			ID:           p.ID,
			BucketKey:    b.Key,
			Cell:         b.Cell,
			Name:         p.Name,
			Lat:          p.Lat,
			Lng:          p.Lng,
			Cuisine:      p.Cuisine,
			Address:      p.Address,
			Phone:        p.Phone,
			Website:      p.Website,
			OpeningHours: p.OpeningHours,
			Source:       p.Source,
			CreatedAt:    created,
			ExpiresAt:    expires,
		})
	}

	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockBucket(tx, b.Key); err != nil {
			return err
		}
		if err := tx.Where("cache_key = ?", b.Key).Delete(&Row{}).Error; err != nil {
			return fmt.Errorf("delete previous generation: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&rows, insertBatch).Error; err != nil {
			return fmt.Errorf("insert %d rows: %w", len(rows), err)
		}
		return nil
	})
	observability.ObserveCacheOp("put", err, time.Since(start).Seconds())
	if err != nil {
		return apperr.Store("put", fmt.Errorf("bucket %q: %w", b.Key, err))
	}
	return nil
}

// lockBucket takes a transaction-scoped lock on the bucket key. Postgres
// under READ COMMITTED lets two deletes of the same bucket run before either
// insert commits, which would leave both generations behind. SQLite already
// holds the database write lock for the whole transaction.
func lockBucket(tx *gorm.DB, bucketKey string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", bucketKey).Error; err != nil {
		return fmt.Errorf("lock bucket: %w", err)
	}
	return nil
}

func (s *Store) LookupByID(ctx context.Context, poiID string) (model.POIRecord, error) {
	start := time.Now()
	var row Row
	err := s.db.WithContext(ctx).
		Where("id = ? AND expires_at > ?", poiID, s.now()).
		Order("expires_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		observability.ObserveCacheOp("lookup_id", nil, time.Since(start).Seconds())
		return model.POIRecord{}, fmt.Errorf("poi %q: %w", poiID, apperr.ErrNotFound)
	}
	observability.ObserveCacheOp("lookup_id", err, time.Since(start).Seconds())
	if err != nil {
		return model.POIRecord{}, apperr.Store("lookup_id", fmt.Errorf("poi %q: %w", poiID, err))
	}
	return row.poi(), nil
}

func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&Row{})
	observability.ObserveCacheOp("sweep", res.Error, time.Since(start).Seconds())
	if res.Error != nil {
		return 0, apperr.Store("sweep", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) DeleteBuckets(ctx context.Context, bucketKeys ...string) (int64, error) {
	if len(bucketKeys) == 0 {
		return 0, nil
	}
	start := time.Now()
	res := s.db.WithContext(ctx).Where("cache_key IN ?", bucketKeys).Delete(&Row{})
	observability.ObserveCacheOp("delete_buckets", res.Error, time.Since(start).Seconds())
	if res.Error != nil {
		return 0, apperr.Store("delete_buckets", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) DeleteCells(ctx context.Context, cells ...string) (int64, error) {
	if len(cells) == 0 {
		return 0, nil
	}
	start := time.Now()
	res := s.db.WithContext(ctx).Where("cell IN ?", cells).Delete(&Row{})
	observability.ObserveCacheOp("delete_cells", res.Error, time.Since(start).Seconds())
	if res.Error != nil {
		return 0, apperr.Store("delete_cells", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) Stats(ctx context.Context) (cache.Stats, error) {
	now := s.now()
	var st cache.Stats
	q := s.db.WithContext(ctx).Model(&Row{})
	if err := q.Where("expires_at > ?", now).Count(&st.Valid).Error; err != nil {
		return cache.Stats{}, apperr.Store("stats", err)
	}
	q = s.db.WithContext(ctx).Model(&Row{})
	if err := q.Where("expires_at <= ?", now).Count(&st.Expired).Error; err != nil {
		return cache.Stats{}, apperr.Store("stats", err)
	}
	st.Total = st.Valid + st.Expired
	return st, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperr.Store("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return apperr.Store("ping", err)
	}
	return nil
}
