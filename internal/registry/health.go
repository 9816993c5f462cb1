package registry

import (
	"sync"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

const (
	// sampleCapacity bounds the per-provider sample ring.
	sampleCapacity = 100
	// healthWindow is how many trailing samples derive health.
	healthWindow = 20

	healthySuccessRate  = 0.8
	healthyResponseTime = 30 * time.Second
)

// HealthTracker keeps a bounded ring of performance samples and derives
// provider health from the trailing window after every recorded outcome.
type HealthTracker struct {
	mu      sync.Mutex
	samples []domain.PerformanceSample
	health  domain.ProviderHealth
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		// No evidence yet counts as healthy; the first failures will
		// flip it quickly.
		health: domain.ProviderHealth{Healthy: true, SuccessRate: 1},
	}
}

// Record appends a sample, dropping the oldest past capacity, and
// recomputes health from the last healthWindow samples.
func (t *HealthTracker) Record(sample domain.PerformanceSample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	t.samples = append(t.samples, sample)
	if len(t.samples) > sampleCapacity {
		t.samples = t.samples[len(t.samples)-sampleCapacity:]
	}

	t.recomputeLocked()
}

func (t *HealthTracker) recomputeLocked() {
	window := t.samples
	if len(window) > healthWindow {
		window = window[len(window)-healthWindow:]
	}

	successes := 0
	var totalMs int64
	for _, s := range window {
		if s.Success {
			successes++
		}
		totalMs += s.ResponseTimeMs
	}

	rate := float64(successes) / float64(len(window))
	avgMs := totalMs / int64(len(window))

	t.health = domain.ProviderHealth{
		Healthy:        rate >= healthySuccessRate && avgMs < healthyResponseTime.Milliseconds(),
		SuccessRate:    rate,
		ResponseTimeMs: avgMs,
		LastChecked:    time.Now(),
	}
}

// Health returns the current derived health.
func (t *HealthTracker) Health() domain.ProviderHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

// AverageResponseTime reports the mean latency over the trailing window,
// in milliseconds. Zero when no samples exist.
func (t *HealthTracker) AverageResponseTime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health.ResponseTimeMs
}

// SampleCount reports how many samples the ring currently holds.
func (t *HealthTracker) SampleCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples)
}
