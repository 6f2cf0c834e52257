package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/prismhq/prism/pkg/config"
	"github.com/prismhq/prism/pkg/engine"
	"github.com/prismhq/prism/pkg/errors"
	"github.com/prismhq/prism/pkg/logger"
	"github.com/prismhq/prism/pkg/metrics"
)

// entry is one cached result with its expiry and invalidation scope.
type entry struct {
	result       *engine.Result
	source       string
	credentialID string
	generatedAt  time.Time
	expiresAt    time.Time
	elem         *list.Element
}

// flight is one in-flight compute shared by every caller waiting on the
// same fingerprint. It runs detached from any single caller's cancellation
// and is aborted only when the last waiter walks away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// ResultCache stores executed result pages keyed by fingerprint. Concurrent
// requests for the same fingerprint share one in-flight compute through
// singleflight; only successful computes are stored.
type ResultCache struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recent
	flights map[string]*flight

	group  singleflight.Group
	logger *zap.Logger
}

// New creates a result cache from configuration.
func New(cfg config.CacheConfig) *ResultCache {
	return &ResultCache{
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		entries:    make(map[string]*entry),
		lru:        list.New(),
		flights:    make(map[string]*flight),
		logger:     logger.Get().With(zap.String("component", "result_cache")),
	}
}

// Get returns the cached result for a fingerprint, or an expired error.
// Expiry is checked on read; expired entries are evicted immediately.
func (c *ResultCache) Get(fingerprint string) (*engine.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok || time.Now().After(e.expiresAt) {
		if ok {
			c.removeLocked(fingerprint, e)
		}
		return nil, errors.New(errors.ErrorTypeExpired, "cached results are no longer available")
	}
	c.lru.MoveToFront(e.elem)
	return e.result, nil
}

// GetOrCompute returns the cached result for the fingerprint, or runs
// compute exactly once for all concurrent callers and stores the outcome.
// The compute runs on a flight context that carries the caller's deadline
// but not its cancellation, so cancelling one of several identical
// executions never fails the others; the flight itself is aborted only
// when its last waiter leaves. Each caller waits under its own context and
// a cancel or deadline is classified per caller. Failed computes are never
// stored, so the next caller retries.
func (c *ResultCache) GetOrCompute(ctx context.Context, fingerprint, source, credentialID string, compute func(context.Context) (*engine.Result, error)) (*engine.Result, bool, error) {
	if result, err := c.Get(fingerprint); err == nil {
		metrics.CacheHits.WithLabelValues(source).Inc()
		return result, true, nil
	}
	metrics.CacheMisses.WithLabelValues(source).Inc()

	fl := c.joinFlight(ctx, fingerprint)
	ch := c.group.DoChan(fingerprint, func() (interface{}, error) {
		defer c.endFlight(fingerprint, fl)
		// double-check: another caller may have stored while we queued
		if result, err := c.Get(fingerprint); err == nil {
			return result, nil
		}
		result, err := compute(fl.ctx)
		if err != nil {
			return nil, err
		}
		c.put(fingerprint, source, credentialID, result)
		return result, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		if res.Shared {
			metrics.CacheSharedComputes.WithLabelValues(source).Inc()
		}
		return res.Val.(*engine.Result), false, nil
	case <-ctx.Done():
		c.leaveFlight(fingerprint, fl)
		return nil, false, errors.Wrap(ctx.Err(), errors.ContextType(ctx), "interrupted while awaiting results")
	}
}

// joinFlight registers the caller as a waiter on the fingerprint's flight,
// starting one when none is live. The flight context keeps the caller's
// values and deadline but detaches from its cancellation.
func (c *ResultCache) joinFlight(ctx context.Context, fingerprint string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fl, ok := c.flights[fingerprint]; ok {
		fl.waiters++
		return fl
	}

	flightCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if deadline, ok := ctx.Deadline(); ok {
		flightCtx, cancel = context.WithDeadline(flightCtx, deadline)
	} else {
		flightCtx, cancel = context.WithCancel(flightCtx)
	}

	fl := &flight{ctx: flightCtx, cancel: cancel, waiters: 1}
	c.flights[fingerprint] = fl
	return fl
}

// leaveFlight removes one waiter. The last waiter to leave aborts the
// backend call and detaches the key so the next caller starts fresh.
func (c *ResultCache) leaveFlight(fingerprint string, fl *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fl.waiters--
	if fl.waiters > 0 || c.flights[fingerprint] != fl {
		return
	}
	c.group.Forget(fingerprint)
	fl.cancel()
	delete(c.flights, fingerprint)
}

// endFlight releases the flight once its compute has returned.
func (c *ResultCache) endFlight(fingerprint string, fl *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fl.cancel()
	if c.flights[fingerprint] == fl {
		delete(c.flights, fingerprint)
	}
}

// put stores one result, evicting the least recently used entry when the
// cache is full.
func (c *ResultCache) put(fingerprint, source, credentialID string, result *engine.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[fingerprint]; ok {
		c.removeLocked(fingerprint, old)
	}

	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		oldest := c.lru.Back()
		if oldest != nil {
			key := oldest.Value.(string)
			c.removeLocked(key, c.entries[key])
		}
	}

	now := time.Now()
	e := &entry{
		result:       result,
		source:       source,
		credentialID: credentialID,
		generatedAt:  now,
		expiresAt:    now.Add(c.ttl),
	}
	e.elem = c.lru.PushFront(fingerprint)
	c.entries[fingerprint] = e
}

// GeneratedAt reports when the live entry for a fingerprint was computed.
// A repeated identical request served from cache keeps the original
// generation time.
func (c *ResultCache) GeneratedAt(fingerprint string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok || time.Now().After(e.expiresAt) {
		return time.Time{}, false
	}
	return e.generatedAt, true
}

// Invalidate drops every entry for a (source, credential) scope. Used when
// a catalog refresh or credential rotation must take effect immediately
// rather than waiting for version-keyed misses.
func (c *ResultCache) Invalidate(source, credentialID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.source == source && (credentialID == "" || e.credentialID == credentialID) {
			c.removeLocked(key, e)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("cache invalidated",
			zap.String("source", source),
			zap.String("credential_id", credentialID),
			zap.Int("entries", removed))
	}
	return removed
}

// Len returns the number of live entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) removeLocked(key string, e *entry) {
	delete(c.entries, key)
	if e != nil && e.elem != nil {
		c.lru.Remove(e.elem)
	}
}
