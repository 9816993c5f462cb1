package cost

import (
	"context"
	"sync"
	"time"
)

// Projection estimates what a translation request will cost before any
// provider is invoked; the selector's cost subscore reads it.
func Projection(chars int, costPer1KChars float64) float64 {
	return float64(chars) / 1000 * costPer1KChars
}

// UsageRecord is one billed translation, successful or not.
type UsageRecord struct {
	RequestID  string
	Provider   string
	SourceLang string
	TargetLang string
	Characters int
	CostUSD    float64
	Cached     bool
	LatencyMs  int64
	Success    bool
	Timestamp  time.Time
}

// Tracker persists usage records and answers spend queries, backing the
// per-provider budget monitor.
type Tracker interface {
	Record(ctx context.Context, record UsageRecord) error
	GetProviderUsage(ctx context.Context, provider string, since time.Time) ([]UsageRecord, error)
	GetProviderTotalCost(ctx context.Context, provider string, since time.Time) (float64, error)
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []UsageRecord
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{
		records: make([]UsageRecord, 0),
	}
}

func (t *InMemoryTracker) Record(ctx context.Context, record UsageRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, record)
	return nil
}

func (t *InMemoryTracker) GetProviderUsage(ctx context.Context, provider string, since time.Time) ([]UsageRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []UsageRecord
	for _, r := range t.records {
		if r.Provider == provider && r.Timestamp.After(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (t *InMemoryTracker) GetProviderTotalCost(ctx context.Context, provider string, since time.Time) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, r := range t.records {
		if r.Provider == provider && r.Timestamp.After(since) {
			total += r.CostUSD
		}
	}
	return total, nil
}

func (t *InMemoryTracker) GetAllRecords() []UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]UsageRecord, len(t.records))
	copy(result, t.records)
	return result
}
