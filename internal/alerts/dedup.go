package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quotawatch/quotawatch/internal/errors"
	"github.com/quotawatch/quotawatch/internal/logging"
	"github.com/quotawatch/quotawatch/internal/models"
)

// DefaultCacheThreshold is how long an unchanged exceedance stays quiet
// before a reminder goes out.
const DefaultCacheThreshold = 7 * 24 * time.Hour

// CacheBackend is the durable store behind a Cache.
type CacheBackend interface {
	LoadCache(ctx context.Context, name string) (map[string]models.CacheEntry, error)
	ReplaceCache(ctx context.Context, name string, entries map[string]models.CacheEntry) error
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock sets the clock used for entry timestamps.
func WithClock(clock clockwork.Clock) CacheOption {
	return func(c *Cache) {
		c.clock = clock
	}
}

// WithDryRun keeps the cache from persisting anything.
func WithDryRun(dryRun bool) CacheOption {
	return func(c *Cache) {
		c.dryRun = dryRun
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *logging.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

type priorEntry struct {
	entry  models.CacheEntry
	exists bool
}

// Cache is the notification dedup cache for one target on one filesystem.
// It is loaded once, updated for every exceeding item of a run and written
// back on Close if anything changed.
type Cache struct {
	mu      sync.Mutex
	name    string
	backend CacheBackend
	clock   clockwork.Clock
	logger  *logging.Logger
	dryRun  bool

	entries map[string]models.CacheEntry
	prior   map[string]priorEntry
	dirty   bool
	closed  bool
	loadErr error
}

// OpenCache loads the named cache. When the backend cannot be read the cache
// starts empty so every item is notified; the failure is kept in LoadErr.
func OpenCache(ctx context.Context, backend CacheBackend, name string, opts ...CacheOption) *Cache {
	c := &Cache{
		name:    name,
		backend: backend,
		clock:   clockwork.NewRealClock(),
		logger:  logging.Nop(),
		prior:   make(map[string]priorEntry),
	}
	for _, opt := range opts {
		opt(c)
	}

	entries, err := backend.LoadCache(ctx, name)
	if err != nil {
		c.loadErr = &errors.ErrCacheIO{Cache: name, Op: "load", Err: err}
		c.logger.ErrorWithContext(ctx, "cannot load notification cache, notifying all items", "cache", name, "error", err)
		entries = nil
	}
	if entries == nil {
		entries = make(map[string]models.CacheEntry)
	}
	c.entries = entries
	return c
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// LoadErr returns the error that occurred while loading, if any.
func (c *Cache) LoadErr() error {
	return c.loadErr
}

// Update stores value under key and reports whether the item must be
// notified: the key is new, its value changed, or the stored value is older
// than threshold. An unchanged value within threshold leaves the entry alone.
func (c *Cache) Update(key string, value interface{}, threshold time.Duration) (bool, error) {
	data, err := canonical(value)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	old, exists := c.entries[key]
	if exists && bytes.Equal(old.Value, data) && now.Sub(old.UpdatedAt) <= threshold {
		return false, nil
	}

	if _, seen := c.prior[key]; !seen {
		c.prior[key] = priorEntry{entry: old, exists: exists}
	}
	c.entries[key] = models.CacheEntry{Value: data, UpdatedAt: now}
	c.dirty = true
	return true, nil
}

// Revert restores the entry of key to what it was when the cache was
// opened. Used when the notification for an updated item could not be sent.
// The cache stays dirty only while other keys hold updates.
func (c *Cache) Revert(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.prior[key]
	if !ok {
		return
	}
	if p.exists {
		c.entries[key] = p.entry
	} else {
		delete(c.entries, key)
	}
	delete(c.prior, key)
	c.dirty = len(c.prior) > 0
}

// Get returns the current entry for key.
func (c *Cache) Get(key string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// Dirty reports whether any entry changed since the cache was opened.
func (c *Cache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Close writes the cache back when it changed and this is not a dry run.
// Calling Close more than once is a no-op.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.dryRun {
		if c.dirty {
			c.logger.InfoWithContext(ctx, "dry run, not saving notification cache", "cache", c.name)
		}
		return nil
	}
	if !c.dirty {
		return nil
	}
	if err := c.backend.ReplaceCache(ctx, c.name, c.entries); err != nil {
		return &errors.ErrCacheIO{Cache: c.name, Op: "save", Err: err}
	}
	return nil
}

// canonical encodes a cache value in compact JSON so stored and fresh
// values compare byte for byte.
func canonical(value interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
