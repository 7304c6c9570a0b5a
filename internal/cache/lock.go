package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MissLock selects how concurrent misses on one bucket are coordinated.
type MissLock string

const (
	// MissLockNone lets every miss go upstream; the last Put wins.
	MissLockNone MissLock = "none"
	// MissLockLocal collapses misses inside one process.
	MissLockLocal MissLock = "local"
	// MissLockRedis collapses misses across processes sharing a Redis.
	MissLockRedis MissLock = "redis"
)

func ParseMissLock(s string) (MissLock, error) {
	switch m := MissLock(strings.ToLower(strings.TrimSpace(s))); m {
	case "", MissLockNone:
		return MissLockNone, nil
	case MissLockLocal, MissLockRedis:
		return m, nil
	default:
		return "", fmt.Errorf("unknown miss lock %q (want none|local|redis)", s)
	}
}

// Locker serializes work per bucket key. The returned unlock is safe to call
// more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
	Mode() MissLock
}

type noLock struct{}

// NoLock never blocks.
func NoLock() Locker { return noLock{} }

func (noLock) Lock(context.Context, string) (func(), error) { return func() {}, nil }

func (noLock) Mode() MissLock { return MissLockNone }

// KeyedLock is an in-process mutex per key. Idle keys are dropped.
type KeyedLock struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	sem  chan struct{}
	refs int
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{keys: make(map[string]*keyState)}
}

func (l *KeyedLock) Mode() MissLock { return MissLockLocal }

func (l *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	st := l.keys[key]
	if st == nil {
		st = &keyState{sem: make(chan struct{}, 1)}
		l.keys[key] = st
	}
	st.refs++
	l.mu.Unlock()

	select {
	case st.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, st)
		return nil, fmt.Errorf("lock %q: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-st.sem
			l.release(key, st)
		})
	}, nil
}

func (l *KeyedLock) release(key string, st *keyState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st.refs--
	if st.refs == 0 {
		delete(l.keys, key)
	}
}

// held reports how many keys currently have waiters or holders.
func (l *KeyedLock) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
