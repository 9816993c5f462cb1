package models

import (
	"context"
	"sync"
	"time"
)

// Handle is a loaded, ready-to-use inference model as exposed by the
// runtime adapter.
type Handle interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
	Close() error
}

// Pipeline wraps a handle with reference counting so cache eviction
// never tears down a model another request is still using. Release of
// the underlying resources happens once the last in-flight use finishes.
type Pipeline struct {
	ModelID string

	mu       sync.Mutex
	handle   Handle
	refs     int
	evicted  bool
	lastUsed time.Time
}

// Translate runs one text through the pipeline and drops the reference
// acquired at checkout.
func (p *Pipeline) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	defer p.release()
	return p.handle.Translate(ctx, text, sourceLang, targetLang)
}

func (p *Pipeline) acquire() {
	p.mu.Lock()
	p.refs++
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

func (p *Pipeline) release() {
	p.mu.Lock()
	p.refs--
	closeNow := p.evicted && p.refs == 0
	p.mu.Unlock()

	if closeNow {
		p.handle.Close()
	}
}

// markEvicted detaches the cache's reference. If nothing is in flight the
// handle closes immediately; otherwise the final release closes it.
func (p *Pipeline) markEvicted() {
	p.mu.Lock()
	p.evicted = true
	closeNow := p.refs == 0
	p.mu.Unlock()

	if closeNow {
		p.handle.Close()
	}
}

// PipelineCache holds ready pipelines with strict LRU eviction on
// insert-over-capacity.
type PipelineCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*Pipeline
	// recency is most-recent-last.
	recency []string
}

func NewPipelineCache(capacity int) *PipelineCache {
	if capacity <= 0 {
		capacity = 3
	}
	return &PipelineCache{
		capacity: capacity,
		entries:  make(map[string]*Pipeline),
	}
}

// Get checks out the pipeline for modelID, bumping recency and taking a
// reference the eventual Translate call releases.
func (c *PipelineCache) Get(modelID string) (*Pipeline, bool) {
	c.mu.Lock()
	p, ok := c.entries[modelID]
	if ok {
		c.bumpLocked(modelID)
	}
	c.mu.Unlock()

	if !ok {
		return nil, false
	}
	p.acquire()
	return p, true
}

// Put inserts a freshly loaded pipeline, evicting the least recently
// used entry when over capacity.
func (c *PipelineCache) Put(p *Pipeline) {
	c.mu.Lock()

	if old, ok := c.entries[p.ModelID]; ok && old != p {
		old.markEvicted()
		c.removeRecencyLocked(p.ModelID)
	}

	var victim *Pipeline
	if _, exists := c.entries[p.ModelID]; !exists && len(c.entries) >= c.capacity {
		lru := c.recency[0]
		victim = c.entries[lru]
		delete(c.entries, lru)
		c.recency = c.recency[1:]
	}

	c.entries[p.ModelID] = p
	c.recency = append(c.recency, p.ModelID)
	c.mu.Unlock()

	if victim != nil {
		victim.markEvicted()
	}
}

// Len reports the number of cached pipelines.
func (c *PipelineCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear evicts every cached pipeline.
func (c *PipelineCache) Clear() {
	c.mu.Lock()
	victims := make([]*Pipeline, 0, len(c.entries))
	for _, p := range c.entries {
		victims = append(victims, p)
	}
	c.entries = make(map[string]*Pipeline)
	c.recency = nil
	c.mu.Unlock()

	for _, p := range victims {
		p.markEvicted()
	}
}

func (c *PipelineCache) bumpLocked(modelID string) {
	c.removeRecencyLocked(modelID)
	c.recency = append(c.recency, modelID)
}

func (c *PipelineCache) removeRecencyLocked(modelID string) {
	for i, id := range c.recency {
		if id == modelID {
			c.recency = append(c.recency[:i], c.recency[i+1:]...)
			return
		}
	}
}
