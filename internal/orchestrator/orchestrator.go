// Package orchestrator ties the resilience layer together: every
// translation request flows cache -> selector -> throttle -> backend,
// with outcomes recorded back into health, cost, and cache state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikkoParkkola/translate-gateway/internal/cache"
	"github.com/MikkoParkkola/translate-gateway/internal/cost"
	"github.com/MikkoParkkola/translate-gateway/internal/domain"
	"github.com/MikkoParkkola/translate-gateway/internal/metrics"
	"github.com/MikkoParkkola/translate-gateway/internal/ratelimit"
	"github.com/MikkoParkkola/translate-gateway/internal/registry"
	"github.com/MikkoParkkola/translate-gateway/internal/telemetry"
)

// segmentTokenBudget caps how much of a single long text travels in one
// backend call; anything larger is split on sentence boundaries first.
const segmentTokenBudget = 1000

type Config struct {
	Registry *registry.Registry
	Cache    *cache.TranslationCache
	// Tracker is optional; nil disables usage recording.
	Tracker cost.Tracker
	// Preferences is optional; explicit provider choices are remembered
	// per language pair when set.
	Preferences *registry.Preferences
	// Prober is optional; when set the orchestrator owns its lifecycle.
	Prober *registry.Prober
	// RateLimit seeds each per-provider limiter; a provider's own
	// declared limits override the request/token budgets.
	RateLimit ratelimit.Config
	// Shared is optional; when set, admission also consults the
	// fleet-wide window so multiple instances respect one quota.
	Shared *ratelimit.RedisLimiter
	// MaxAttempts caps the backoff loop per request. Defaults to 3.
	MaxAttempts int
}

// Orchestrator is the single entry point callers use. It owns the
// background tasks (health prober, cache debounce, limiter drains) and
// tears them down on Close.
type Orchestrator struct {
	registry    *registry.Registry
	cache       *cache.TranslationCache
	tracker     cost.Tracker
	preferences *registry.Preferences
	prober      *registry.Prober
	rlConfig    ratelimit.Config
	shared      *ratelimit.RedisLimiter
	maxAttempts int

	mu       sync.Mutex
	limiters map[string]*ratelimit.Limiter
}

// Translation is the caller-facing result for one text.
type Translation struct {
	Text           string  `json:"text"`
	TranslatedText string  `json:"translatedText"`
	SourceLang     string  `json:"sourceLang"`
	TargetLang     string  `json:"targetLang"`
	Provider       string  `json:"provider"`
	Cached         bool    `json:"cached"`
	CostUSD        float64 `json:"costUsd"`
	LatencyMs      int64   `json:"latencyMs"`
}

func New(cfg Config) *Orchestrator {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}

	o := &Orchestrator{
		registry:    cfg.Registry,
		cache:       cfg.Cache,
		tracker:     cfg.Tracker,
		preferences: cfg.Preferences,
		prober:      cfg.Prober,
		rlConfig:    cfg.RateLimit,
		shared:      cfg.Shared,
		maxAttempts: maxAttempts,
		limiters:    make(map[string]*ratelimit.Limiter),
	}

	if o.prober != nil {
		o.prober.Start()
	}

	return o
}

// Translate handles one text end to end.
func (o *Orchestrator) Translate(ctx context.Context, text, sourceLang, targetLang string, opts domain.TranslateOptions) (*Translation, error) {
	results, err := o.TranslateBatch(ctx, []string{text}, sourceLang, targetLang, opts)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// TranslateBatch handles several texts against one provider, using the
// backend's batch capability when it has one. Results map 1:1 to the
// input texts.
func (o *Orchestrator) TranslateBatch(ctx context.Context, texts []string, sourceLang, targetLang string, opts domain.TranslateOptions) ([]*Translation, error) {
	if len(texts) == 0 || targetLang == "" {
		return nil, domain.ErrInvalidRequest
	}
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: empty text", domain.ErrInvalidRequest)
		}
	}

	requestID := uuid.New().String()
	ctx, span := telemetry.StartSpan(ctx, "translate")
	defer span.End()

	totalChars := 0
	for _, t := range texts {
		totalChars += len(t)
	}
	telemetry.AddTextAttributes(span, totalChars, len(texts))

	provider, err := o.selectProvider(ctx, sourceLang, targetLang, totalChars, len(texts), opts)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}
	telemetry.AddRequestAttributes(span, provider.ID, sourceLang, targetLang, requestID)

	results := make([]*Translation, len(texts))
	var misses []int

	if !opts.NoCache {
		for i, text := range texts {
			key := cache.Key(sourceLang, targetLang, text, provider.ID)
			if entry, ok := o.cache.Get(key); ok {
				metrics.CacheHits.Inc()
				results[i] = &Translation{
					Text:           text,
					TranslatedText: entry.Result,
					SourceLang:     sourceLang,
					TargetLang:     targetLang,
					Provider:       provider.ID,
					Cached:         true,
				}
				continue
			}
			metrics.CacheMisses.Inc()
			misses = append(misses, i)
		}
	} else {
		for i := range texts {
			misses = append(misses, i)
		}
	}

	if len(misses) == 0 {
		telemetry.AddCacheAttribute(span, true)
		return results, nil
	}
	telemetry.AddCacheAttribute(span, false)

	if batch, ok := provider.Backend.(domain.BatchBackend); ok && len(misses) > 1 {
		if err := o.translateMissesBatched(ctx, provider, batch, texts, misses, sourceLang, targetLang, requestID, results); err != nil {
			return nil, err
		}
	} else {
		for _, i := range misses {
			tr, err := o.translateOne(ctx, provider, texts[i], sourceLang, targetLang, requestID)
			if err != nil {
				return nil, err
			}
			results[i] = tr
		}
	}

	var totalCost float64
	for _, tr := range results {
		totalCost += tr.CostUSD
	}
	telemetry.AddCostAttribute(span, totalCost)

	return results, nil
}

// selectProvider resolves the explicit provider when pinned, otherwise
// runs the scored selection. A pinned provider still has to be enabled
// and healthy.
func (o *Orchestrator) selectProvider(ctx context.Context, sourceLang, targetLang string, textLength, batchSize int, opts domain.TranslateOptions) (*domain.Provider, error) {
	if opts.Provider != "" {
		p, ok := o.registry.Get(opts.Provider)
		if !ok {
			return nil, domain.NewTranslateError(domain.KindProviderUnavailable,
				fmt.Sprintf("provider %q is not registered", opts.Provider), domain.ErrProviderNotFound)
		}
		if !p.Enabled {
			return nil, domain.NewTranslateError(domain.KindProviderUnavailable,
				fmt.Sprintf("provider %q is disabled", opts.Provider), domain.ErrNoProvider)
		}
		if !p.SupportsPair(sourceLang, targetLang) {
			return nil, domain.NewTranslateError(domain.KindUnsupported,
				fmt.Sprintf("provider %q does not support %s-%s", opts.Provider, sourceLang, targetLang),
				domain.ErrUnsupportedPair)
		}
		if !o.registry.Health(p.ID).Healthy {
			return nil, domain.NewTranslateError(domain.KindProviderUnavailable,
				fmt.Sprintf("provider %q is unhealthy", opts.Provider), domain.ErrNoProvider)
		}

		if o.preferences != nil {
			if err := o.preferences.Remember(ctx, sourceLang, targetLang, p.ID); err != nil {
				slog.Debug("failed to persist provider preference", "error", err)
			}
		}
		return p, nil
	}

	// A remembered explicit choice wins over scoring while it stays
	// usable. An explicit strategy bypasses it.
	if o.preferences != nil && opts.Strategy == "" {
		if id, ok := o.preferences.Lookup(ctx, sourceLang, targetLang); ok {
			if p, ok := o.registry.Get(id); ok && p.Enabled &&
				p.SupportsPair(sourceLang, targetLang) && o.registry.Health(p.ID).Healthy {
				return p, nil
			}
		}
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = domain.StrategySmart
	}

	p, err := o.registry.Select(domain.SelectionCriteria{
		TextLength: textLength,
		Strategy:   strategy,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		BatchSize:  batchSize,
	})
	if err == nil {
		return p, nil
	}

	// Distinguish "nobody speaks this pair" from "candidates exist but
	// none is usable right now".
	for _, candidate := range o.registry.List() {
		if candidate.SupportsPair(sourceLang, targetLang) {
			return nil, domain.NewTranslateError(domain.KindProviderUnavailable,
				fmt.Sprintf("no healthy enabled provider for %s-%s", sourceLang, targetLang), err)
		}
	}
	return nil, domain.NewTranslateError(domain.KindUnsupported,
		fmt.Sprintf("no provider supports %s-%s", sourceLang, targetLang), domain.ErrUnsupportedPair)
}

// translateOne pushes a single text through throttle, backend, and
// bookkeeping. Long texts are segmented on sentence boundaries and the
// pieces joined back together.
func (o *Orchestrator) translateOne(ctx context.Context, provider *domain.Provider, text, sourceLang, targetLang, requestID string) (*Translation, error) {
	if ratelimit.EstimateTokens(text) > segmentTokenBudget {
		return o.translateSegmented(ctx, provider, text, sourceLang, targetLang, requestID)
	}

	result, latency, err := o.invoke(ctx, provider, domain.TranslationRequest{
		Text:       text,
		SourceLang: sourceLang,
		TargetLang: targetLang,
	})
	if err != nil {
		return nil, err
	}

	costUSD := o.settle(ctx, provider, result, text, sourceLang, targetLang, requestID, latency)

	key := cache.Key(sourceLang, targetLang, text, provider.ID)
	o.cache.Set(key, cache.Entry{
		Result:     result.TranslatedText,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		UseCount:   1,
	})

	return &Translation{
		Text:           text,
		TranslatedText: result.TranslatedText,
		SourceLang:     sourceLang,
		TargetLang:     targetLang,
		Provider:       provider.ID,
		CostUSD:        costUSD,
		LatencyMs:      latency.Milliseconds(),
	}, nil
}

func (o *Orchestrator) translateSegmented(ctx context.Context, provider *domain.Provider, text, sourceLang, targetLang, requestID string) (*Translation, error) {
	batches := ratelimit.PredictiveBatch([]string{text}, segmentTokenBudget)

	var out strings.Builder
	var totalCost float64
	var totalLatency int64

	for _, segments := range batches {
		piece := strings.Join(segments, " ")
		result, latency, err := o.invoke(ctx, provider, domain.TranslationRequest{
			Text:       piece,
			SourceLang: sourceLang,
			TargetLang: targetLang,
		})
		if err != nil {
			return nil, err
		}
		totalCost += o.settle(ctx, provider, result, piece, sourceLang, targetLang, requestID, latency)
		totalLatency += latency.Milliseconds()
		if out.Len() > 0 {
			out.WriteString(" ")
		}
		out.WriteString(result.TranslatedText)
	}

	translated := out.String()
	key := cache.Key(sourceLang, targetLang, text, provider.ID)
	o.cache.Set(key, cache.Entry{
		Result:     translated,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		UseCount:   1,
	})

	return &Translation{
		Text:           text,
		TranslatedText: translated,
		SourceLang:     sourceLang,
		TargetLang:     targetLang,
		Provider:       provider.ID,
		CostUSD:        totalCost,
		LatencyMs:      totalLatency,
	}, nil
}

func (o *Orchestrator) translateMissesBatched(ctx context.Context, provider *domain.Provider, backend domain.BatchBackend, texts []string, misses []int, sourceLang, targetLang, requestID string, results []*Translation) error {
	// Greedy packing of whole texts; a text never splits across calls
	// so results stay 1:1 with inputs.
	var groups [][]int
	var current []int
	currentTokens := 0
	for _, i := range misses {
		tokens := ratelimit.EstimateTokens(texts[i])
		if currentTokens+tokens > segmentTokenBudget && len(current) > 0 {
			groups = append(groups, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, i)
		currentTokens += tokens
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}

	for _, group := range groups {
		reqs := make([]domain.TranslationRequest, len(group))
		tokens := 0
		for j, i := range group {
			reqs[j] = domain.TranslationRequest{
				Text:       texts[i],
				SourceLang: sourceLang,
				TargetLang: targetLang,
			}
			tokens += ratelimit.EstimateTokens(texts[i])
		}

		var batchResults []*domain.TranslationResult
		limiter := o.limiterFor(provider)
		start := time.Now()
		err := limiter.DoWithRetry(ctx, func() error {
			if err := o.admitShared(ctx, provider, tokens); err != nil {
				return err
			}
			var callErr error
			batchResults, callErr = backend.TranslateBatch(ctx, reqs)
			return callErr
		}, tokens, o.maxAttempts)
		latency := time.Since(start)

		if observedOutcome(err) {
			o.recordOutcome(provider, err == nil, latency, tokens*4)
		}
		if err != nil {
			return o.classify(provider, err)
		}

		for j, i := range group {
			result := batchResults[j]
			costUSD := o.settle(ctx, provider, result, texts[i], sourceLang, targetLang, requestID, latency)
			key := cache.Key(sourceLang, targetLang, texts[i], provider.ID)
			o.cache.Set(key, cache.Entry{
				Result:     result.TranslatedText,
				SourceLang: sourceLang,
				TargetLang: targetLang,
				UseCount:   1,
			})
			results[i] = &Translation{
				Text:           texts[i],
				TranslatedText: result.TranslatedText,
				SourceLang:     sourceLang,
				TargetLang:     targetLang,
				Provider:       provider.ID,
				CostUSD:        costUSD,
				LatencyMs:      latency.Milliseconds(),
			}
		}
	}

	return nil
}

// invoke runs one backend call under the provider's limiter with the
// backoff loop absorbing retryable failures.
func (o *Orchestrator) invoke(ctx context.Context, provider *domain.Provider, req domain.TranslationRequest) (*domain.TranslationResult, time.Duration, error) {
	limiter := o.limiterFor(provider)
	tokens := ratelimit.EstimateTokens(req.Text)

	var result *domain.TranslationResult
	start := time.Now()
	err := limiter.DoWithRetry(ctx, func() error {
		if err := o.admitShared(ctx, provider, tokens); err != nil {
			return err
		}
		var callErr error
		result, callErr = provider.Backend.Translate(ctx, req)
		return callErr
	}, tokens, o.maxAttempts)
	latency := time.Since(start)

	if observedOutcome(err) {
		o.recordOutcome(provider, err == nil, latency, len(req.Text))
	}
	if err != nil {
		return nil, latency, o.classify(provider, err)
	}
	return result, latency, nil
}

// observedOutcome reports whether err can be attributed to the backend
// itself. Admission rejections and the caller's own cancellation say
// nothing about backend health and stay out of the sample window.
func observedOutcome(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, domain.ErrRateLimited)
}

// admitShared consults the fleet-wide window when one is configured.
// Redis being unreachable admits the request; the local limiter still
// bounds this instance.
func (o *Orchestrator) admitShared(ctx context.Context, provider *domain.Provider, tokens int) error {
	if o.shared == nil {
		return nil
	}

	requestLimit := o.rlConfig.RequestLimit
	tokenLimit := o.rlConfig.TokenLimit
	if provider.Limits.RequestsPerMinute > 0 {
		requestLimit = provider.Limits.RequestsPerMinute
	}
	if provider.Limits.TokensPerMinute > 0 {
		tokenLimit = provider.Limits.TokensPerMinute
	}

	allowed, resetAt, err := o.shared.Allow(ctx, provider.ID, requestLimit, tokens, tokenLimit)
	if err != nil {
		slog.Debug("shared throttle unreachable", "provider", provider.ID, "error", err)
		return nil
	}
	if !allowed {
		return &domain.TranslateError{
			Kind:        domain.KindRateLimited,
			Message:     fmt.Sprintf("fleet-wide quota for %s exhausted", provider.ID),
			Remediation: "wait for the rate window to reset and retry",
			Retryable:   true,
			RetryAfter:  time.Until(resetAt),
			Err:         domain.ErrRateLimited,
		}
	}
	return nil
}

// settle records the outcome's cost and usage, returning the effective
// dollar cost for the caller.
func (o *Orchestrator) settle(ctx context.Context, provider *domain.Provider, result *domain.TranslationResult, text, sourceLang, targetLang, requestID string, latency time.Duration) float64 {
	costUSD := result.CostUSD
	if costUSD == 0 && !provider.Free() {
		costUSD = cost.Projection(len(text), provider.Limits.CostPer1KChars)
	}

	metrics.RecordTranslation(provider.ID, sourceLang, targetLang, "success", latency.Seconds(), len(text), costUSD)

	if o.tracker != nil {
		err := o.tracker.Record(ctx, cost.UsageRecord{
			RequestID:  requestID,
			Provider:   provider.ID,
			SourceLang: sourceLang,
			TargetLang: targetLang,
			Characters: len(text),
			CostUSD:    costUSD,
			LatencyMs:  latency.Milliseconds(),
			Success:    true,
			Timestamp:  time.Now(),
		})
		if err != nil {
			slog.Warn("failed to record usage", "error", err, "request_id", requestID)
		}
	}

	return costUSD
}

func (o *Orchestrator) recordOutcome(provider *domain.Provider, success bool, latency time.Duration, textLength int) {
	o.registry.RecordOutcome(provider.ID, domain.PerformanceSample{
		Timestamp:      time.Now(),
		ResponseTimeMs: latency.Milliseconds(),
		Success:        success,
		TextLength:     textLength,
	})

	health := o.registry.Health(provider.ID)
	metrics.RecordHealth(provider.ID, health.Healthy, health.SuccessRate)
}

// classify makes sure every failure leaving the orchestrator carries a
// taxonomy kind, and counts rate-limit rejections.
func (o *Orchestrator) classify(provider *domain.Provider, err error) error {
	if errors.Is(err, domain.ErrRateLimited) {
		metrics.RateLimitRejections.WithLabelValues(provider.ID).Inc()
	}

	var te *domain.TranslateError
	if errors.As(err, &te) {
		return err
	}
	metrics.TranslationsTotal.WithLabelValues(provider.ID, "", "", "error").Inc()
	return domain.NewTranslateError(domain.KindBackendFailure,
		fmt.Sprintf("provider %s failed", provider.ID), err)
}

func (o *Orchestrator) limiterFor(provider *domain.Provider) *ratelimit.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()

	if l, ok := o.limiters[provider.ID]; ok {
		return l
	}

	cfg := o.rlConfig
	if provider.Limits.RequestsPerMinute > 0 {
		cfg.RequestLimit = provider.Limits.RequestsPerMinute
	}
	if provider.Limits.TokensPerMinute > 0 {
		cfg.TokenLimit = provider.Limits.TokensPerMinute
	}

	l := ratelimit.New(cfg)
	o.limiters[provider.ID] = l
	return l
}

// Close stops the prober, the per-provider limiters, and flushes the
// cache's durable tier.
func (o *Orchestrator) Close() {
	if o.prober != nil {
		o.prober.Stop()
	}

	o.mu.Lock()
	for _, l := range o.limiters {
		l.Close()
	}
	o.limiters = make(map[string]*ratelimit.Limiter)
	o.mu.Unlock()

	if o.cache != nil {
		o.cache.Close()
	}
}
