package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/office-poi-cache/internal/cache"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/apperr"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/observability"
)

const (
	DefaultPrefix = "poi:"

	// replaced generations stay readable this long so a reader that already
	// resolved the old pointer can finish.
	genGrace = 5 * time.Second
)

// Key layout under prefix:
//
//	bucket:<key>  -> current generation id          (PX ttl)
//	gen:<id>      -> JSON generation                 (PX ttl)
//	ids:<poiID>   -> ZSET bucket key -> expiresAt     (PX longest ttl)
//	cell:<cell>   -> SET of bucket keys
//	expiry        -> ZSET bucket key -> expiresAt (unix ms)
//	sizes         -> HASH bucket key -> row count
//	cells         -> HASH bucket key -> cell
type Store struct {
	rdb    *redis.Client
	prefix string
	clock  clockwork.Clock
}

var _ cache.Store = (*Store)(nil)

type StoreOption func(*Store)

func WithPrefix(p string) StoreOption {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

func WithClock(c clockwork.Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func NewStore(c *Client, opts ...StoreOption) *Store {
	s := &Store{rdb: c.rdb, prefix: DefaultPrefix, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}
	return s
}

type generation struct {
	Bucket    string            `json:"bucket"`
	Cell      string            `json:"cell,omitempty"`
	CreatedAt int64             `json:"created_at"`
	ExpiresAt int64             `json:"expires_at"`
	POIs      []model.POIRecord `json:"pois"`
}

func (s *Store) k(parts ...string) string {
	out := s.prefix
	for i, p := range parts {
		if i > 0 {
			out += ":"
		}
		out += p
	}
	return out
}

func (s *Store) nowMs() int64 { return s.clock.Now().UnixMilli() }

func (s *Store) Lookup(ctx context.Context, bucketKey string) ([]model.POIRecord, error) {
	start := time.Now()
	g, err := s.current(ctx, bucketKey)
	observability.ObserveCacheOp("lookup", err, time.Since(start).Seconds())
	if err != nil {
		return nil, apperr.Store("lookup", err)
	}
	if g == nil {
		return []model.POIRecord{}, nil
	}
	return g.POIs, nil
}

// current resolves the live generation of a bucket, or nil.
func (s *Store) current(ctx context.Context, bucketKey string) (*generation, error) {
	genID, err := s.rdb.Get(ctx, s.k("bucket", bucketKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET bucket %q: %w", bucketKey, err)
	}
	raw, err := s.rdb.Get(ctx, s.k("gen", genID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET generation %s: %w", genID, err)
	}
	var g generation
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode generation %s: %w", genID, err)
	}
	if g.ExpiresAt <= s.nowMs() {
		return nil, nil
	}
	return &g, nil
}

// Put writes the new generation under a fresh id, then swaps the bucket
// pointer and bookkeeping in one script run.
func (s *Store) Put(ctx context.Context, b cache.Bucket, pois []model.POIRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	if len(pois) == 0 {
		_, err := s.DeleteBuckets(ctx, b.Key)
		return err
	}
	start := time.Now()
	err := s.put(ctx, b, pois, ttl)
	observability.ObserveCacheOp("put", err, time.Since(start).Seconds())
	if err != nil {
		return apperr.Store("put", fmt.Errorf("bucket %q: %w", b.Key, err))
	}
	return nil
}

// swapGeneration points a bucket at a new generation. The previous pointer
// is read inside the script so concurrent writers each expire the
// generation they actually replaced. ARGV[9:] are the POI ids.
var swapGeneration = redis.NewScript(`
local prefix = ARGV[1]
local bucket = ARGV[2]
local gen = ARGV[3]
local ttl = ARGV[4]
local expiresAt = ARGV[5]
local size = ARGV[6]
local cell = ARGV[7]
local grace = ARGV[8]
local ptr = prefix .. 'bucket:' .. bucket
local prev = redis.call('GET', ptr)
redis.call('SET', ptr, gen, 'PX', ttl)
if prev and prev ~= gen then
  redis.call('PEXPIRE', prefix .. 'gen:' .. prev, grace)
end
redis.call('ZADD', prefix .. 'expiry', expiresAt, bucket)
redis.call('HSET', prefix .. 'sizes', bucket, size)
local prevCell = redis.call('HGET', prefix .. 'cells', bucket)
if prevCell and prevCell ~= cell then
  redis.call('SREM', prefix .. 'cell:' .. prevCell, bucket)
  redis.call('HDEL', prefix .. 'cells', bucket)
end
if cell ~= '' then
  redis.call('HSET', prefix .. 'cells', bucket, cell)
  redis.call('SADD', prefix .. 'cell:' .. cell, bucket)
end
for i = 9, #ARGV do
  local idKey = prefix .. 'ids:' .. ARGV[i]
  redis.call('ZADD', idKey, expiresAt, bucket)
  if redis.call('PTTL', idKey) < tonumber(ttl) then
    redis.call('PEXPIRE', idKey, ttl)
  end
end
return 1
`)

func (s *Store) put(ctx context.Context, b cache.Bucket, pois []model.POIRecord, ttl time.Duration) error {
	now := s.clock.Now()
	g := generation{
		Bucket:    b.Key,
		Cell:      b.Cell,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
		POIs:      pois,
	}
	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode generation: %w", err)
	}
	ttlMs := max(ttl.Milliseconds(), 1)
	genID := uuid.NewString()
	if err := s.rdb.Set(ctx, s.k("gen", genID), payload, time.Duration(ttlMs)*time.Millisecond).Err(); err != nil {
		return fmt.Errorf("redis SET generation: %w", err)
	}

	args := make([]any, 0, 8+len(pois))
	args = append(args, s.prefix, b.Key, genID, ttlMs, g.ExpiresAt, len(pois), b.Cell, genGrace.Milliseconds())
	for _, p := range pois {
		args = append(args, p.ID)
	}
	if err := swapGeneration.Run(ctx, s.rdb, nil, args...).Err(); err != nil {
		return fmt.Errorf("redis swap generation: %w", err)
	}
	return nil
}

// LookupByID walks the buckets that stored the id, latest expiry first, and
// returns the first live generation still holding it.
func (s *Store) LookupByID(ctx context.Context, poiID string) (model.POIRecord, error) {
	start := time.Now()
	p, found, err := s.lookupByID(ctx, poiID)
	observability.ObserveCacheOp("lookup_id", err, time.Since(start).Seconds())
	if err != nil {
		return model.POIRecord{}, apperr.Store("lookup_id", err)
	}
	if !found {
		return model.POIRecord{}, fmt.Errorf("poi %q: %w", poiID, apperr.ErrNotFound)
	}
	return p, nil
}

func (s *Store) lookupByID(ctx context.Context, poiID string) (model.POIRecord, bool, error) {
	key := s.k("ids", poiID)
	now := strconv.FormatInt(s.nowMs(), 10)
	if err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", now).Err(); err != nil {
		return model.POIRecord{}, false, fmt.Errorf("redis ZREMRANGEBYSCORE ids %q: %w", poiID, err)
	}
	buckets, err := s.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return model.POIRecord{}, false, fmt.Errorf("redis ZREVRANGEBYSCORE ids %q: %w", poiID, err)
	}
	for _, bk := range buckets {
		g, err := s.current(ctx, bk)
		if err != nil {
			return model.POIRecord{}, false, err
		}
		if g == nil {
			continue
		}
		for _, p := range g.POIs {
			if p.ID == poiID {
				return p, true, nil
			}
		}
	}
	return model.POIRecord{}, false, nil
}

// dropBucket removes a bucket and its bookkeeping when its expiry score is
// at most ARGV[3] ("+inf" drops unconditionally). Returns the row count.
var dropBucket = redis.NewScript(`
local prefix = ARGV[1]
local bucket = ARGV[2]
local maxScore = ARGV[3]
local score = redis.call('ZSCORE', prefix .. 'expiry', bucket)
if not score then
  return 0
end
if maxScore ~= '+inf' and tonumber(score) > tonumber(maxScore) then
  return 0
end
local n = tonumber(redis.call('HGET', prefix .. 'sizes', bucket) or '0')
local cell = redis.call('HGET', prefix .. 'cells', bucket)
local gen = redis.call('GET', prefix .. 'bucket:' .. bucket)
if gen then
  redis.call('DEL', prefix .. 'gen:' .. gen)
end
redis.call('DEL', prefix .. 'bucket:' .. bucket)
redis.call('ZREM', prefix .. 'expiry', bucket)
redis.call('HDEL', prefix .. 'sizes', bucket)
if cell then
  redis.call('HDEL', prefix .. 'cells', bucket)
  redis.call('SREM', prefix .. 'cell:' .. cell, bucket)
end
return n
`)

func (s *Store) drop(ctx context.Context, bucketKeys []string, maxScore string) (int64, error) {
	var total int64
	for _, bk := range bucketKeys {
		n, err := dropBucket.Run(ctx, s.rdb, nil, s.prefix, bk, maxScore).Int64()
		if err != nil {
			return total, fmt.Errorf("drop bucket %q: %w", bk, err)
		}
		total += n
	}
	return total, nil
}

func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	now := strconv.FormatInt(s.nowMs(), 10)
	expired, err := s.rdb.ZRangeByScore(ctx, s.k("expiry"), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	var n int64
	if err == nil {
		n, err = s.drop(ctx, expired, now)
	}
	observability.ObserveCacheOp("sweep", err, time.Since(start).Seconds())
	if err != nil {
		return n, apperr.Store("sweep", err)
	}
	return n, nil
}

func (s *Store) DeleteBuckets(ctx context.Context, bucketKeys ...string) (int64, error) {
	if len(bucketKeys) == 0 {
		return 0, nil
	}
	start := time.Now()
	n, err := s.drop(ctx, bucketKeys, "+inf")
	observability.ObserveCacheOp("delete_buckets", err, time.Since(start).Seconds())
	if err != nil {
		return n, apperr.Store("delete_buckets", err)
	}
	return n, nil
}

func (s *Store) DeleteCells(ctx context.Context, cells ...string) (int64, error) {
	if len(cells) == 0 {
		return 0, nil
	}
	start := time.Now()
	var total int64
	var err error
	for _, c := range cells {
		var members []string
		members, err = s.rdb.SMembers(ctx, s.k("cell", c)).Result()
		if err != nil {
			err = fmt.Errorf("redis SMEMBERS cell %q: %w", c, err)
			break
		}
		var n int64
		n, err = s.drop(ctx, members, "+inf")
		total += n
		if err != nil {
			break
		}
	}
	observability.ObserveCacheOp("delete_cells", err, time.Since(start).Seconds())
	if err != nil {
		return total, apperr.Store("delete_cells", err)
	}
	return total, nil
}

// Stats counts rows per bucket from the expiry index. Buckets whose keys
// Redis already evicted still count as expired until swept.
func (s *Store) Stats(ctx context.Context) (cache.Stats, error) {
	start := time.Now()
	st, err := s.stats(ctx)
	observability.ObserveCacheOp("stats", err, time.Since(start).Seconds())
	if err != nil {
		return cache.Stats{}, apperr.Store("stats", err)
	}
	return st, nil
}

func (s *Store) stats(ctx context.Context) (cache.Stats, error) {
	var st cache.Stats
	entries, err := s.rdb.ZRangeWithScores(ctx, s.k("expiry"), 0, -1).Result()
	if err != nil {
		return st, fmt.Errorf("redis ZRANGE expiry: %w", err)
	}
	if len(entries) == 0 {
		return st, nil
	}
	sizes, err := s.rdb.HGetAll(ctx, s.k("sizes")).Result()
	if err != nil {
		return st, fmt.Errorf("redis HGETALL sizes: %w", err)
	}
	now := float64(s.nowMs())
	for _, z := range entries {
		member, _ := z.Member.(string)
		n, _ := strconv.ParseInt(sizes[member], 10, 64)
		if z.Score > now {
			st.Valid += n
		} else {
			st.Expired += n
		}
	}
	st.Total = st.Valid + st.Expired
	return st, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return apperr.Store("ping", err)
	}
	return nil
}
