// Package cache memoizes translation results so identical requests never
// hit a backend twice. It keeps a bounded in-process tier with
// usage-weighted LRU eviction and mirrors entries to a durable tier
// through the generic storage service on a debounce timer.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/storage"
)

const indexKey = "translation-cache-index"

// Entry is one cached translation. The same shape is stored in both tiers.
type Entry struct {
	Result     string    `json:"result"`
	SourceLang string    `json:"sourceLang"`
	TargetLang string    `json:"targetLang"`
	Timestamp  time.Time `json:"timestamp"`
	UseCount   int       `json:"useCount"`
	LastUsed   time.Time `json:"lastUsed"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Key derives the deterministic, provider-aware cache key for a request.
// Whitespace in the text is collapsed so trivially reformatted text hits
// the same entry.
func Key(sourceLang, targetLang, text, providerID string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	h := sha256.Sum256([]byte(sourceLang + "\x00" + targetLang + "\x00" + normalized + "\x00" + providerID))
	return hex.EncodeToString(h[:])
}

type Config struct {
	// MaxSize bounds the in-process tier. Defaults to 100.
	MaxSize int
	// TTL applies to new entries; zero disables expiry.
	TTL time.Duration
	// FlushDebounce coalesces durable writes. Defaults to 1s.
	FlushDebounce time.Duration
	// Store is the durable tier; nil disables persistence.
	Store storage.Service
}

// TranslationCache is the two-tier translation memo described above.
type TranslationCache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	// order tracks insertion order; eviction considers the oldest 10%.
	order []string

	maxSize  int
	ttl      time.Duration
	debounce time.Duration
	store    storage.Service

	dirty      map[string]*Entry
	removed    map[string]bool
	flushTimer *time.Timer
	closed     bool
}

// New builds a cache and, when a durable store is configured, loads the
// persisted tier back into memory before first use.
func New(cfg Config) *TranslationCache {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 100
	}
	debounce := cfg.FlushDebounce
	if debounce <= 0 {
		debounce = time.Second
	}

	c := &TranslationCache{
		entries:  make(map[string]*Entry),
		maxSize:  maxSize,
		ttl:      cfg.TTL,
		debounce: debounce,
		store:    cfg.Store,
		dirty:    make(map[string]*Entry),
		removed:  make(map[string]bool),
	}

	if c.store != nil {
		c.loadDurable()
	}

	return c
}

// Get returns the cached result for key, bumping recency and use count.
// An entry read past its expiry is treated as a miss and removed from
// both tiers.
func (c *TranslationCache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	now := time.Now()
	if entry.expired(now) {
		c.removeLocked(key)
		return nil, false
	}

	entry.UseCount++
	entry.LastUsed = now
	c.markDirtyLocked(key, entry)

	cp := *entry
	return &cp, true
}

// Set inserts or overwrites the entry for key and enforces capacity.
func (c *TranslationCache) Set(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	if entry.LastUsed.IsZero() {
		entry.LastUsed = now
	}
	if entry.ExpiresAt.IsZero() && c.ttl > 0 {
		entry.ExpiresAt = now.Add(c.ttl)
	}

	if _, exists := c.entries[key]; !exists {
		if len(c.entries) >= c.maxSize {
			c.evictLocked()
		}
		c.order = append(c.order, key)
	}

	stored := entry
	c.entries[key] = &stored
	c.markDirtyLocked(key, &stored)
}

// evictLocked drops, among the oldest 10% of entries by insertion order,
// the one with the lowest use count. Frequently reused short phrases
// survive bursts of one-off lookups this way.
func (c *TranslationCache) evictLocked() {
	if len(c.order) == 0 {
		return
	}

	window := len(c.order) / 10
	if window < 1 {
		window = 1
	}

	victim := c.order[0]
	lowest := c.entries[victim].UseCount
	for _, key := range c.order[1:window] {
		if e := c.entries[key]; e != nil && e.UseCount < lowest {
			victim = key
			lowest = e.UseCount
		}
	}

	c.removeLocked(victim)
}

func (c *TranslationCache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	delete(c.dirty, key)
	if c.store != nil {
		c.removed[key] = true
		c.scheduleFlushLocked()
	}
}

// Len reports the in-process tier size.
func (c *TranslationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear empties both tiers.
func (c *TranslationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if c.store != nil {
			c.removed[key] = true
		}
	}
	c.entries = make(map[string]*Entry)
	c.order = nil
	c.dirty = make(map[string]*Entry)
	if c.store != nil {
		c.scheduleFlushLocked()
	}
}

func (c *TranslationCache) markDirtyLocked(key string, entry *Entry) {
	if c.store == nil {
		return
	}
	c.dirty[key] = entry
	delete(c.removed, key)
	c.scheduleFlushLocked()
}

func (c *TranslationCache) scheduleFlushLocked() {
	if c.closed {
		return
	}
	if c.flushTimer != nil {
		c.flushTimer.Reset(c.debounce)
		return
	}
	c.flushTimer = time.AfterFunc(c.debounce, c.Flush)
}

// Flush writes pending mutations to the durable tier immediately.
// Storage failures skip persistence rather than surfacing; the pending
// set is retained for the next flush.
func (c *TranslationCache) Flush() {
	c.mu.Lock()
	if c.store == nil || (len(c.dirty) == 0 && len(c.removed) == 0) {
		c.mu.Unlock()
		return
	}

	pending := c.dirty
	pendingRemovals := c.removed
	c.dirty = make(map[string]*Entry)
	c.removed = make(map[string]bool)

	writes := make(map[string][]byte, len(pending)+1)
	for key, entry := range pending {
		if data, err := json.Marshal(entry); err == nil {
			writes[key] = data
		}
	}

	removals := make([]string, 0, len(pendingRemovals))
	for key := range pendingRemovals {
		removals = append(removals, key)
	}

	index := make([]string, len(c.order))
	copy(index, c.order)
	if data, err := json.Marshal(index); err == nil {
		writes[indexKey] = data
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.store.Set(ctx, writes)
	if err == nil && len(removals) > 0 {
		err = c.store.Remove(ctx, removals)
	}

	if err != nil {
		// Retain the pending set for the next flush, without clobbering
		// mutations recorded since the snapshot was taken.
		c.mu.Lock()
		for key, entry := range pending {
			if _, newer := c.dirty[key]; !newer && !c.removed[key] {
				c.dirty[key] = entry
			}
		}
		for key := range pendingRemovals {
			if _, newer := c.dirty[key]; !newer {
				c.removed[key] = true
			}
		}
		c.mu.Unlock()
	}
}

// Close stops the debounce timer and performs a final flush.
func (c *TranslationCache) Close() {
	c.mu.Lock()
	c.closed = true
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.mu.Unlock()

	c.Flush()
}

func (c *TranslationCache) loadDurable() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	indexData, err := c.store.Get(ctx, []string{indexKey})
	if err != nil {
		return
	}

	var keys []string
	if data, ok := indexData[indexKey]; ok {
		if err := json.Unmarshal(data, &keys); err != nil {
			return
		}
	}
	if len(keys) == 0 {
		return
	}

	values, err := c.store.Get(ctx, keys)
	if err != nil {
		return
	}

	now := time.Now()
	var stale []string
	for _, key := range keys {
		data, ok := values[key]
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			stale = append(stale, key)
			continue
		}
		if entry.expired(now) {
			stale = append(stale, key)
			continue
		}
		if len(c.entries) >= c.maxSize {
			break
		}
		c.entries[key] = &entry
		c.order = append(c.order, key)
	}

	if len(stale) > 0 {
		c.store.Remove(ctx, stale)
	}
}
