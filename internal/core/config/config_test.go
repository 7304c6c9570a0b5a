package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"ADDR", "CACHE_TTL", "H3_RES", "MISS_LOCK", "DEFAULT_RADIUS", "OVERPASS_TIMEOUT", "STORE_DRIVER"} {
		t.Setenv(k, "")
	}
	c := FromEnv()

	if c.Addr != ":8090" {
		t.Fatalf("Addr=%q", c.Addr)
	}
	if c.CacheTTL != 2*time.Hour {
		t.Fatalf("CacheTTL=%v want 2h", c.CacheTTL)
	}
	if c.H3Res != 7 {
		t.Fatalf("H3Res=%d want 7", c.H3Res)
	}
	if c.MissLock != "none" {
		t.Fatalf("MissLock=%q want none", c.MissLock)
	}
	if c.DefaultRadius != 800 {
		t.Fatalf("DefaultRadius=%v want 800", c.DefaultRadius)
	}
	if c.Overpass.Timeout != 30*time.Second || c.Overpass.QueryTimeout != 15*time.Second {
		t.Fatalf("overpass timeouts=%v/%v", c.Overpass.Timeout, c.Overpass.QueryTimeout)
	}
	if c.Store.Driver != "sqlite" {
		t.Fatalf("Store.Driver=%q", c.Store.Driver)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("CACHE_TTL", "90m")
	t.Setenv("H3_RES", "9")
	t.Setenv("MISS_LOCK", "Redis")
	t.Setenv("CACHE_SWEEP_ON_REQUEST", "yes")
	t.Setenv("INVALIDATION_ENABLED", "true")
	t.Setenv("STORE_DRIVER", "POSTGRES")

	c := FromEnv()
	if c.CacheTTL != 90*time.Minute {
		t.Fatalf("CacheTTL=%v", c.CacheTTL)
	}
	if c.H3Res != 9 {
		t.Fatalf("H3Res=%d", c.H3Res)
	}
	if c.MissLock != "redis" {
		t.Fatalf("MissLock=%q", c.MissLock)
	}
	if !c.SweepOnRequest || !c.Invalidation.Enabled {
		t.Fatalf("bool overrides not applied: %+v", c)
	}
	if c.Store.Driver != "postgres" {
		t.Fatalf("Store.Driver=%q", c.Store.Driver)
	}
}

func TestFromEnv_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("CACHE_TTL", "soon")
	t.Setenv("H3_RES", "22")
	c := FromEnv()
	if c.CacheTTL != 2*time.Hour {
		t.Fatalf("CacheTTL=%v want default", c.CacheTTL)
	}
	if c.H3Res != 7 {
		t.Fatalf("H3Res=%d want default", c.H3Res)
	}
}
