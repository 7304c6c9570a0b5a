// Package config loads service settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	GroupID string
}

type OverpassCfg struct {
	URL          string
	Timeout      time.Duration // HTTP round trip
	QueryTimeout time.Duration // server side evaluation, [timeout:N]
	UserAgent    string
	Source       string
}

type StoreCfg struct {
	Driver      string // sqlite | postgres | redis
	DatabaseDSN string
	SQLitePath  string
	RedisAddr   string
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogSampleN int

	Overpass OverpassCfg
	Store    StoreCfg

	CacheTTL        time.Duration
	CacheOpTimeout  time.Duration
	SweepOnRequest  bool
	SweepSchedule   string
	MissLock        string
	MissLockTTL     time.Duration
	H3Res           int
	DefaultRadius   float64
	ShutdownTimeout time.Duration
	Invalidation    InvalidationCfg
}

func FromEnv() Config {
	res := getint("H3_RES", 7)
	if res < 0 || res > 15 {
		res = 7
	}

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),

		Overpass: OverpassCfg{
			URL:          getenv("OVERPASS_URL", "https://overpass-api.de/api/interpreter"),
			Timeout:      getduration("OVERPASS_TIMEOUT", 30*time.Second),
			QueryTimeout: getduration("OVERPASS_QUERY_TIMEOUT", 15*time.Second),
			UserAgent:    getenv("OVERPASS_USER_AGENT", "Midi-Mealy/1.0"),
			Source:       getenv("POI_SOURCE", "osm"),
		},
		Store: StoreCfg{
			Driver:      strings.ToLower(getenv("STORE_DRIVER", "sqlite")),
			DatabaseDSN: getenv("DATABASE_DSN", ""),
			SQLitePath:  getenv("SQLITE_PATH", "data/poi-cache.db"),
			RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
		},

		CacheTTL:        getduration("CACHE_TTL", 2*time.Hour),
		CacheOpTimeout:  getduration("CACHE_OP_TIMEOUT", 2*time.Second),
		SweepOnRequest:  getbool("CACHE_SWEEP_ON_REQUEST", false),
		SweepSchedule:   getenv("CACHE_SWEEP_SCHEDULE", "@every 15m"),
		MissLock:        strings.ToLower(getenv("MISS_LOCK", "none")),
		MissLockTTL:     getduration("MISS_LOCK_TTL", 45*time.Second),
		H3Res:           res,
		DefaultRadius:   getfloat("DEFAULT_RADIUS", 800),
		ShutdownTimeout: getduration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Topic:   getenv("KAFKA_TOPIC", "poi-cache-invalidation"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "poi-cache-invalidator"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
