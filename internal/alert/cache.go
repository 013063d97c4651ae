package alert

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flareemissary/emissary/internal/model"
)

// Invalidator is the subset of storage.DB the cache's invalidation loop
// needs to listen for hysteresis_state changes made by other processes
// (or other goroutines bypassing the cache).
type Invalidator interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// StateCache is a short-TTL read-through cache for HysteresisState, keyed
// by "subscription_id:state_key". It exists so a busy subscription with a
// tight polling interval doesn't round-trip to Postgres on every matched
// event; the database remains source of truth and a LISTEN/NOTIFY feed
// keeps entries from going stale across process restarts of other
// indexer replicas.
type StateCache struct {
	mu      sync.RWMutex
	entries map[string]cachedState
	ttl     time.Duration
	done    chan struct{}
}

type cachedState struct {
	state     model.HysteresisState
	expiresAt time.Time
}

// NewStateCache creates a cache with the given TTL. Call Close to stop the
// background eviction goroutine.
func NewStateCache(ttl time.Duration) *StateCache {
	c := &StateCache{
		entries: make(map[string]cachedState),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

func cacheKey(subID uuid.UUID, stateKey string) string {
	return subID.String() + ":" + stateKey
}

// Get returns the cached state and true if a valid entry exists.
func (c *StateCache) Get(subID uuid.UUID, stateKey string) (model.HysteresisState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey(subID, stateKey)]
	if !ok || time.Now().After(entry.expiresAt) {
		return model.HysteresisState{}, false
	}
	return entry.state, true
}

// Set stores state with the configured TTL.
func (c *StateCache) Set(subID uuid.UUID, stateKey string, state model.HysteresisState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(subID, stateKey)] = cachedState{
		state:     state,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate drops the cached entry for (subID, stateKey) regardless of
// TTL, used when a NOTIFY payload tells us another writer changed it.
func (c *StateCache) Invalidate(subID uuid.UUID, stateKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(subID, stateKey))
}

// Close stops the background eviction goroutine.
func (c *StateCache) Close() {
	close(c.done)
}

func (c *StateCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *StateCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// RunInvalidationLoop listens on storage.ChannelHysteresis and drops the
// corresponding cache entry for every payload received, until ctx is
// canceled. Payloads are "subscription_id:state_key", matching the format
// written by storage.UpsertHysteresisState. Intended to run in its own
// goroutine for the lifetime of the process. A failed initial LISTEN is
// logged and ends the loop; errors while waiting for a notification are
// logged and the loop continues, since a stale cache entry self-heals
// after its TTL regardless.
func (c *StateCache) RunInvalidationLoop(ctx context.Context, db Invalidator, channel string, logger *slog.Logger) {
	if err := db.Listen(ctx, channel); err != nil {
		logger.Error("alert: hysteresis cache: listen failed", "error", err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		_, payload, err := db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("alert: hysteresis cache: wait for notification", "error", err)
			continue
		}
		subIDStr, stateKey, ok := strings.Cut(payload, ":")
		if !ok {
			continue
		}
		subID, err := uuid.Parse(subIDStr)
		if err != nil {
			continue
		}
		c.Invalidate(subID, stateKey)
	}
}
