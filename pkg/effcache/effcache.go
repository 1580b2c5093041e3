// Package effcache implements a concurrent memoization cache for expensive,
// fallible computations.
//
// For every key the cache guarantees at most one in-flight computation at any
// instant; concurrent callers for the same key wait on that computation and
// all observe its result. Failed computations are remembered as negative
// entries for a short cooldown so a broken backend is not hammered. Entries
// nearing expiry are recomputed in the background (refresh-ahead) so hot keys
// never fall out of cache under load.
//
// A caller that gives up waiting does not cancel the computation; it keeps
// running on its own budget and populates the cache for later callers.
package effcache

import (
	"context"
	"sync"
	"time"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultNegativeTTL   = 5 * time.Second
	DefaultRefreshAhead  = 30 * time.Second
	DefaultFetchTimeout  = 10 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// FetchFunc computes the value for key. req is opaque payload supplied by the
// caller that triggered the computation; it is not part of the key's identity.
// The returned duration is the value's time to live. FetchFunc must be
// idempotent per key: the cache may re-run it at any time for refresh.
type FetchFunc[K comparable, R, V any] func(ctx context.Context, key K, req R) (V, time.Duration, error)

// Config tunes a Cache.
type Config[R any] struct {
	// NegativeTTL is how long a failed computation suppresses retries.
	NegativeTTL time.Duration
	// RefreshAhead is the window before expiry in which a background
	// recomputation is started. Zero takes the default; a negative value
	// disables refresh-ahead.
	RefreshAhead time.Duration
	// FetchTimeout bounds each computation. It is independent of any
	// caller's wait: callers may give up earlier without aborting the work.
	FetchTimeout time.Duration
	// SweepInterval is how often the janitor evicts expired entries and
	// fires refresh-ahead for ones about to expire.
	SweepInterval time.Duration
	// RequestEqual, when set, makes a fresh hit whose stored request payload
	// differs from the incoming one recompute instead of returning the
	// cached value. Leave nil for first-writer-wins (the default policy).
	RequestEqual func(stored, incoming R) bool
}

type entry[R, V any] struct {
	val     V
	ok      bool // false: negative entry
	req     R    // payload replayed on refresh
	expires time.Time
}

type flight[V any] struct {
	done chan struct{}
	val  V
	ok   bool
}

// Cache memoizes FetchFunc results per key. The zero value is not usable;
// construct with New. All methods are safe for concurrent use.
type Cache[K comparable, R, V any] struct {
	cfg   Config[R]
	fetch FetchFunc[K, R, V]

	mu      sync.Mutex
	entries map[K]*entry[R, V]
	flights map[K]*flight[V]

	stop      chan struct{}
	closeOnce sync.Once
}

// New builds a Cache and starts its janitor goroutine. Call Close when done.
func New[K comparable, R, V any](cfg Config[R], fetch FetchFunc[K, R, V]) *Cache[K, R, V] {
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	if cfg.RefreshAhead == 0 {
		cfg.RefreshAhead = DefaultRefreshAhead
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	c := &Cache[K, R, V]{
		cfg:     cfg,
		fetch:   fetch,
		entries: make(map[K]*entry[R, V]),
		flights: make(map[K]*flight[V]),
		stop:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Close stops the janitor. In-flight computations still complete and
// populate the cache; further Fetch calls remain valid.
func (c *Cache[K, R, V]) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}

// Fetch returns the cached value for key, computing it on a miss. The wait is
// bounded by ctx; a caller that times out gets (zero, false) while the
// computation keeps running for others. A failed computation is cached as a
// negative entry and also yields (zero, false).
func (c *Cache[K, R, V]) Fetch(ctx context.Context, key K, req R) (V, bool) {
	now := time.Now()
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		if !e.ok {
			c.mu.Unlock()
			var zero V
			return zero, false
		}
		if c.cfg.RequestEqual == nil || c.cfg.RequestEqual(e.req, req) {
			v := e.val
			if c.inRefreshWindow(e, now) {
				c.startFlightLocked(key, e.req)
			}
			c.mu.Unlock()
			return v, true
		}
		// payload invalidation requested: fall through to a recompute
	}
	f := c.startFlightLocked(key, req)
	c.mu.Unlock()
	return c.await(ctx, f)
}

// FetchCacheOnly is a non-populating lookup: it returns a fresh entry, or
// waits (bounded by ctx) on a computation some other caller already started,
// but never starts one itself.
func (c *Cache[K, R, V]) FetchCacheOnly(ctx context.Context, key K) (V, bool) {
	now := time.Now()
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		v, vok := e.val, e.ok
		c.mu.Unlock()
		if !vok {
			var zero V
			return zero, false
		}
		return v, true
	}
	f := c.flights[key]
	c.mu.Unlock()
	if f == nil {
		var zero V
		return zero, false
	}
	return c.await(ctx, f)
}

// Len reports the number of resident entries, negative ones included.
func (c *Cache[K, R, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[K, R, V]) inRefreshWindow(e *entry[R, V], now time.Time) bool {
	return c.cfg.RefreshAhead > 0 && now.After(e.expires.Add(-c.cfg.RefreshAhead))
}

// startFlightLocked registers (or joins) the single computation for key.
// Caller must hold c.mu.
func (c *Cache[K, R, V]) startFlightLocked(key K, req R) *flight[V] {
	if f, ok := c.flights[key]; ok {
		return f
	}
	f := &flight[V]{done: make(chan struct{})}
	c.flights[key] = f
	go c.run(key, req, f)
	return f
}

func (c *Cache[K, R, V]) run(key K, req R, f *flight[V]) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
	defer cancel()
	v, ttl, err := c.fetch(ctx, key, req)

	now := time.Now()
	c.mu.Lock()
	delete(c.flights, key)
	if err == nil {
		c.entries[key] = &entry[R, V]{val: v, ok: true, req: req, expires: now.Add(ttl)}
		f.val, f.ok = v, true
	} else if old, ok := c.entries[key]; ok && old.ok && now.Before(old.expires) {
		// failed refresh of a still-valid entry: keep serving the old value
		f.val, f.ok = old.val, true
	} else {
		c.entries[key] = &entry[R, V]{req: req, expires: now.Add(c.cfg.NegativeTTL)}
	}
	c.mu.Unlock()
	close(f.done)
}

func (c *Cache[K, R, V]) await(ctx context.Context, f *flight[V]) (V, bool) {
	select {
	case <-f.done:
		return f.val, f.ok
	case <-ctx.Done():
		var zero V
		return zero, false
	}
}

func (c *Cache[K, R, V]) janitor() {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.sweep(time.Now())
		}
	}
}

// sweep evicts expired entries and starts refresh-ahead for ones about to
// expire, so foreground requests near the TTL boundary still hit.
func (c *Cache[K, R, V]) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		switch {
		case now.After(e.expires):
			delete(c.entries, k)
		case e.ok && c.inRefreshWindow(e, now):
			c.startFlightLocked(k, e.req)
		}
	}
}
