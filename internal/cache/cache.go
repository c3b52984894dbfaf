// Package cache keeps the heuristic working set in memory for the routing
// hot path.
//
// The cache is read-through-free: the router only ever reads memory. Writers
// go to the store and announce mutations on the bus; the cache refreshes the
// single mutated entry on each message and does a full reload on a periodic
// backstop, so a mutated heuristic is never served more than one refresh
// interval stale.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflexd/internal/bus"
	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/store"
)

// Cache is the in-memory heuristic view used by the matcher.
//
// Entries are clones of store rows and are replaced wholesale, never mutated
// in place, so snapshots handed to readers stay coherent without copying.
type Cache struct {
	store  store.Store
	bus    *bus.Bus
	logger *logging.Logger

	interval time.Duration

	mu   sync.RWMutex
	byID map[string]*heuristic.Heuristic

	lifecycle sync.Mutex
	running   bool
	stopCh    chan struct{}
	done      chan struct{}
	sub       *nats.Subscription
}

// New creates a cache over the store. Call Start to load it.
func New(st store.Store, b *bus.Bus, cfg config.CacheConfig, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cache{
		store:    st,
		bus:      b,
		logger:   logger,
		interval: cfg.RefreshInterval.Duration(),
		byID:     map[string]*heuristic.Heuristic{},
	}
}

// Start loads the cache, subscribes to invalidations, and begins the
// periodic refresh backstop. Idempotent start is an error.
func (c *Cache) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.running {
		return errors.New("cache is already running")
	}

	if err := c.refresh(ctx); err != nil {
		return fmt.Errorf("initial cache load: %w", err)
	}

	if c.bus != nil {
		sub, err := c.bus.SubscribeInvalidations(c.invalidate)
		if err != nil {
			return fmt.Errorf("subscribe invalidations: %w", err)
		}
		c.sub = sub
	}

	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	c.running = true
	go c.run()

	c.logger.Info(ctx, "cache started",
		zap.Int("heuristics", c.Len()),
		zap.Duration("refresh_interval", c.interval))
	return nil
}

// Stop halts the refresh loop and unsubscribes. Idempotent.
func (c *Cache) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.running {
		return
	}
	c.running = false
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
		c.sub = nil
	}
	close(c.stopCh)
	<-c.done
}

func (c *Cache) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.interval)
			if err := c.refresh(ctx); err != nil {
				c.logger.Warn(ctx, "cache refresh failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// refresh reloads the whole working set from the store.
func (c *Cache) refresh(ctx context.Context) error {
	all, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]*heuristic.Heuristic, len(all))
	for _, h := range all {
		next[h.ID] = h
	}

	c.mu.Lock()
	c.byID = next
	c.mu.Unlock()
	return nil
}

// invalidate refreshes one entry after a bus message. Runs on the NATS
// delivery goroutine; the store read is an in-memory map lookup.
func (c *Cache) invalidate(heuristicID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h, err := c.store.Get(ctx, heuristicID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.mu.Lock()
			delete(c.byID, heuristicID)
			c.mu.Unlock()
			return
		}
		c.logger.Warn(ctx, "cache invalidation lookup failed",
			zap.String("heuristic_id", heuristicID), zap.Error(err))
		return
	}

	c.mu.Lock()
	c.byID[heuristicID] = h
	c.mu.Unlock()
}

// Get returns a clone of the cached heuristic, or store.ErrNotFound.
func (c *Cache) Get(id string) (*heuristic.Heuristic, error) {
	c.mu.RLock()
	h, ok := c.byID[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: heuristic %s", store.ErrNotFound, id)
	}
	return h.Clone(), nil
}

// Fireable returns the heuristics eligible for the match competition. The
// returned entries are shared snapshots and must be treated as read-only.
func (c *Cache) Fireable() []*heuristic.Heuristic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*heuristic.Heuristic, 0, len(c.byID))
	for _, h := range c.byID {
		if h.Fireable() {
			out = append(out, h)
		}
	}
	return out
}

// Frozen returns active frozen heuristics, the safety pack consulted on the
// emergency path. Shared snapshots, read-only.
func (c *Cache) Frozen() []*heuristic.Heuristic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*heuristic.Heuristic, 0, 4)
	for _, h := range c.byID {
		if h.Active && h.Frozen {
			out = append(out, h)
		}
	}
	return out
}

// Len reports the number of cached heuristics, active or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
