package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

// Prober actively checks each enabled provider on a fixed interval by
// issuing a minimal translation with a short timeout, feeding the result
// into the same rolling window passive updates use. It is an explicitly
// owned task: Start begins probing, Stop tears the timer down.
type Prober struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration

	// OnTransition fires when a provider's health flips. Best-effort.
	OnTransition func(providerID string, healthy bool)

	mu       sync.Mutex
	lastSeen map[string]bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewProber(registry *Registry, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		lastSeen: make(map[string]bool),
	}
}

func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probeAll(ctx)
			}
		}
	}()
}

func (p *Prober) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, provider := range p.registry.List() {
		if !provider.Enabled {
			continue
		}
		p.probe(ctx, provider)
	}
}

func (p *Prober) probe(ctx context.Context, provider *domain.Provider) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	_, err := provider.Backend.Translate(probeCtx, probeRequest(provider))
	elapsed := time.Since(start)

	p.registry.RecordOutcome(provider.ID, domain.PerformanceSample{
		Timestamp:      start,
		ResponseTimeMs: elapsed.Milliseconds(),
		Success:        err == nil,
		TextLength:     len(probeText),
	})

	if err != nil {
		slog.Warn("health probe failed", "provider", provider.ID, "error", err)
	}

	healthy := p.registry.Health(provider.ID).Healthy
	p.mu.Lock()
	prev, seen := p.lastSeen[provider.ID]
	p.lastSeen[provider.ID] = healthy
	p.mu.Unlock()

	if seen && prev != healthy && p.OnTransition != nil {
		p.OnTransition(provider.ID, healthy)
	}
}

const probeText = "hello"

// probeRequest builds the cheapest translation the provider accepts:
// English into the first non-English language it declares.
func probeRequest(provider *domain.Provider) domain.TranslationRequest {
	target := "en"
	for lang := range provider.Languages {
		if lang != "en" {
			target = lang
			break
		}
	}
	return domain.TranslationRequest{
		Text:       probeText,
		SourceLang: "en",
		TargetLang: target,
	}
}
