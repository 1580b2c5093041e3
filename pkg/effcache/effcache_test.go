package effcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cfg Config[string], fetch FetchFunc[string, string, string]) *Cache[string, string, string] {
	t.Helper()
	c := New(cfg, fetch)
	t.Cleanup(c.Close)
	return c
}

// N concurrent fetches for one key must run the computation exactly once and
// all observe the same value.
func TestSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := newTestCache(t, Config[string]{RefreshAhead: -1}, func(ctx context.Context, key, req string) (string, time.Duration, error) {
		calls.Add(1)
		<-release
		return "value-" + key, time.Minute, nil
	})

	const n = 16
	results := make([]string, n)
	oks := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], oks[i] = c.Fetch(context.Background(), "host", "payload")
		}(i)
	}
	time.Sleep(50 * time.Millisecond) // let all callers pile onto the flight
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load(), "computation must run exactly once")
	for i := 0; i < n; i++ {
		assert.True(t, oks[i])
		assert.Equal(t, "value-host", results[i])
	}
}

// A failed fetch is remembered: retries inside the negative-TTL window do not
// reach the computation again.
func TestNegativeCaching(t *testing.T) {
	var calls atomic.Int32
	c := newTestCache(t, Config[string]{NegativeTTL: 200 * time.Millisecond, RefreshAhead: -1},
		func(ctx context.Context, key, req string) (string, time.Duration, error) {
			calls.Add(1)
			return "", 0, errors.New("backend down")
		})

	_, ok := c.Fetch(context.Background(), "bad", "")
	assert.False(t, ok)
	_, ok = c.Fetch(context.Background(), "bad", "")
	assert.False(t, ok)
	assert.EqualValues(t, 1, calls.Load(), "second fetch within negative TTL must not recompute")

	time.Sleep(250 * time.Millisecond)
	_, ok = c.Fetch(context.Background(), "bad", "")
	assert.False(t, ok)
	assert.EqualValues(t, 2, calls.Load(), "after negative TTL a new computation is allowed")
}

// A hit inside the soft-refresh window returns immediately and triggers a
// background recompute; once that completes, the refreshed value is served.
func TestRefreshAhead(t *testing.T) {
	var calls atomic.Int32
	refreshed := make(chan struct{}, 8)
	c := newTestCache(t, Config[string]{RefreshAhead: 900 * time.Millisecond, SweepInterval: time.Hour},
		func(ctx context.Context, key, req string) (string, time.Duration, error) {
			n := calls.Add(1)
			if n > 1 {
				refreshed <- struct{}{}
				return "v2", time.Second, nil
			}
			return "v1", time.Second, nil
		})

	v, ok := c.Fetch(context.Background(), "host", "")
	require.True(t, ok)
	require.Equal(t, "v1", v)

	time.Sleep(200 * time.Millisecond) // inside the refresh window, before expiry

	start := time.Now()
	v, ok = c.Fetch(context.Background(), "host", "")
	require.True(t, ok)
	assert.Equal(t, "v1", v, "hit in refresh window serves the current value")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "refresh must not block the hit")

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("background refresh did not run")
	}
	time.Sleep(50 * time.Millisecond) // let the refresh result land

	v, ok = c.Fetch(context.Background(), "host", "")
	require.True(t, ok)
	assert.Equal(t, "v2", v, "post-refresh fetch observes the refreshed value")
}

// The janitor sweep also fires refresh-ahead, without a foreground request.
func TestJanitorRefreshesSoonToExpire(t *testing.T) {
	var calls atomic.Int32
	c := newTestCache(t, Config[string]{RefreshAhead: 900 * time.Millisecond, SweepInterval: 50 * time.Millisecond},
		func(ctx context.Context, key, req string) (string, time.Duration, error) {
			calls.Add(1)
			return "v", time.Second, nil
		})

	_, ok := c.Fetch(context.Background(), "host", "")
	require.True(t, ok)

	require.Eventually(t, func() bool { return calls.Load() >= 2 },
		2*time.Second, 20*time.Millisecond, "janitor should recompute the entry in the refresh window")
}

func TestJanitorEvictsExpired(t *testing.T) {
	c := newTestCache(t, Config[string]{RefreshAhead: -1, SweepInterval: 30 * time.Millisecond},
		func(ctx context.Context, key, req string) (string, time.Duration, error) {
			return "v", 50 * time.Millisecond, nil
		})
	_, ok := c.Fetch(context.Background(), "host", "")
	require.True(t, ok)
	require.Eventually(t, func() bool { return c.Len() == 0 },
		2*time.Second, 20*time.Millisecond, "expired entry should be swept")
}

// A caller that times out does not abort the computation; a later caller
// benefits from the populated cache.
func TestTimeoutIndependence(t *testing.T) {
	var calls atomic.Int32
	c := newTestCache(t, Config[string]{RefreshAhead: -1},
		func(ctx context.Context, key, req string) (string, time.Duration, error) {
			calls.Add(1)
			time.Sleep(300 * time.Millisecond)
			return "slow", time.Minute, nil
		})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := c.Fetch(ctx, "host", "")
	assert.False(t, ok, "impatient caller gets nothing")

	time.Sleep(400 * time.Millisecond)
	v, ok := c.Fetch(context.Background(), "host", "")
	require.True(t, ok, "the abandoned computation still populated the cache")
	assert.Equal(t, "slow", v)
	assert.EqualValues(t, 1, calls.Load())
}

// FetchCacheOnly never starts a computation but may join one in flight.
func TestFetchCacheOnly(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := newTestCache(t, Config[string]{RefreshAhead: -1},
		func(ctx context.Context, key, req string) (string, time.Duration, error) {
			calls.Add(1)
			<-release
			return "v", time.Minute, nil
		})

	_, ok := c.FetchCacheOnly(context.Background(), "host")
	assert.False(t, ok, "cold cache-only lookup returns nothing")
	assert.EqualValues(t, 0, calls.Load(), "cache-only lookup must not compute")

	done := make(chan struct{})
	go func() {
		c.Fetch(context.Background(), "host", "")
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	joined := make(chan string, 1)
	go func() {
		v, ok := c.FetchCacheOnly(context.Background(), "host")
		if ok {
			joined <- v
		} else {
			joined <- ""
		}
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	<-done

	select {
	case v := <-joined:
		assert.Equal(t, "v", v, "cache-only waiter shares the in-flight result")
	case <-time.After(2 * time.Second):
		t.Fatal("cache-only waiter never returned")
	}
	assert.EqualValues(t, 1, calls.Load())
}

// Default policy: a fresh hit ignores a changed request payload
// (first-writer-wins). With RequestEqual set, the change forces a recompute.
func TestRequestPayloadPolicy(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context, key, req string) (string, time.Duration, error) {
		calls.Add(1)
		return "from-" + req, time.Minute, nil
	}

	c := newTestCache(t, Config[string]{RefreshAhead: -1}, fetch)
	v, _ := c.Fetch(context.Background(), "host", "a")
	assert.Equal(t, "from-a", v)
	v, _ = c.Fetch(context.Background(), "host", "b")
	assert.Equal(t, "from-a", v, "changed payload must not bypass the cache")
	assert.EqualValues(t, 1, calls.Load())

	calls.Store(0)
	c2 := newTestCache(t, Config[string]{
		RefreshAhead: -1,
		RequestEqual: func(a, b string) bool { return a == b },
	}, fetch)
	v, _ = c2.Fetch(context.Background(), "host", "a")
	assert.Equal(t, "from-a", v)
	v, _ = c2.Fetch(context.Background(), "host", "b")
	assert.Equal(t, "from-b", v, "with RequestEqual a payload change recomputes")
	assert.EqualValues(t, 2, calls.Load())
}

// All concurrent waiters of one failed round observe the failure.
func TestFailureSharedByWaiters(t *testing.T) {
	release := make(chan struct{})
	c := newTestCache(t, Config[string]{RefreshAhead: -1},
		func(ctx context.Context, key, req string) (string, time.Duration, error) {
			<-release
			return "", 0, errors.New("nope")
		})

	var wg sync.WaitGroup
	fails := make([]bool, 8)
	for i := range fails {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := c.Fetch(context.Background(), "host", "")
			fails[i] = !ok
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	for i, failed := range fails {
		assert.True(t, failed, "waiter %d should observe the failure", i)
	}
}
