package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/cache"
	"github.com/MikkoParkkola/translate-gateway/internal/cost"
	"github.com/MikkoParkkola/translate-gateway/internal/domain"
	"github.com/MikkoParkkola/translate-gateway/internal/ratelimit"
	"github.com/MikkoParkkola/translate-gateway/internal/registry"
	"github.com/MikkoParkkola/translate-gateway/internal/storage"
)

type fakeBackend struct {
	mu         sync.Mutex
	calls      int
	batchCalls int
	err        error
	prefix     string
}

func (b *fakeBackend) Translate(ctx context.Context, req domain.TranslationRequest) (*domain.TranslationResult, error) {
	b.mu.Lock()
	b.calls++
	err := b.err
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &domain.TranslationResult{TranslatedText: b.prefix + req.Text}, nil
}

func (b *fakeBackend) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// ctxAwareBackend fails with the context's error the way a real network
// backend does when the caller goes away mid-call.
type ctxAwareBackend struct {
	fakeBackend
}

func (b *ctxAwareBackend) Translate(ctx context.Context, req domain.TranslationRequest) (*domain.TranslationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.fakeBackend.Translate(ctx, req)
}

// fakeBatchBackend adds the batch capability on top of fakeBackend.
type fakeBatchBackend struct {
	fakeBackend
}

func (b *fakeBatchBackend) TranslateBatch(ctx context.Context, reqs []domain.TranslationRequest) ([]*domain.TranslationResult, error) {
	b.mu.Lock()
	b.batchCalls++
	err := b.err
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	out := make([]*domain.TranslationResult, len(reqs))
	for i, req := range reqs {
		out[i] = &domain.TranslationResult{TranslatedText: b.prefix + req.Text}
	}
	return out, nil
}

func orchProvider(id string, priority int, backend domain.Backend, langs ...string) *domain.Provider {
	languages := make(map[string]bool, len(langs))
	for _, l := range langs {
		languages[l] = true
	}
	return &domain.Provider{
		ID:        id,
		Name:      id,
		Type:      domain.ProviderTypeNetwork,
		Endpoint:  "http://" + id + ".example",
		Features:  map[string]bool{},
		Languages: languages,
		Priority:  priority,
		Enabled:   true,
		Backend:   backend,
	}
}

func newTestOrchestrator(t *testing.T, providers ...*domain.Provider) (*Orchestrator, *registry.Registry) {
	t.Helper()

	reg := registry.New()
	for _, p := range providers {
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register(%s) error = %v", p.ID, err)
		}
	}

	o := New(Config{
		Registry: reg,
		Cache:    cache.New(cache.Config{MaxSize: 100}),
		RateLimit: ratelimit.Config{
			RequestLimit: 1000,
			TokenLimit:   1000000,
			Window:       time.Minute,
			BaseBackoff:  time.Millisecond,
			MaxBackoff:   5 * time.Millisecond,
		},
		MaxAttempts: 2,
	})
	t.Cleanup(o.Close)
	return o, reg
}

func TestTranslate_SecondCallServedFromCache(t *testing.T) {
	backend := &fakeBackend{prefix: "fi: "}
	o, _ := newTestOrchestrator(t, orchProvider("libre", 1, backend, "en", "fi"))

	first, err := o.Translate(context.Background(), "hello world", "en", "fi", domain.TranslateOptions{})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if first.TranslatedText != "fi: hello world" {
		t.Errorf("TranslatedText = %q", first.TranslatedText)
	}
	if first.Cached {
		t.Error("first call should not be cached")
	}

	second, err := o.Translate(context.Background(), "hello world", "en", "fi", domain.TranslateOptions{})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if !second.Cached {
		t.Error("second identical call should hit the cache")
	}
	if second.TranslatedText != first.TranslatedText {
		t.Errorf("cached result = %q, want %q", second.TranslatedText, first.TranslatedText)
	}
	if backend.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", backend.callCount())
	}
}

func TestTranslate_NoCacheBypassesBothDirections(t *testing.T) {
	backend := &fakeBackend{prefix: "fi: "}
	o, _ := newTestOrchestrator(t, orchProvider("libre", 1, backend, "en", "fi"))

	opts := domain.TranslateOptions{NoCache: true}
	for i := 0; i < 2; i++ {
		if _, err := o.Translate(context.Background(), "hello", "en", "fi", opts); err != nil {
			t.Fatalf("Translate() error = %v", err)
		}
	}
	if backend.callCount() != 2 {
		t.Errorf("backend calls = %d, want 2 with NoCache", backend.callCount())
	}
}

func TestTranslate_UnsupportedPair(t *testing.T) {
	o, _ := newTestOrchestrator(t, orchProvider("libre", 1, &fakeBackend{}, "en", "fi"))

	_, err := o.Translate(context.Background(), "hello", "en", "ja", domain.TranslateOptions{})
	if err == nil {
		t.Fatal("Translate() should fail for an unsupported pair")
	}
	var te *domain.TranslateError
	if !errors.As(err, &te) || te.Kind != domain.KindUnsupported {
		t.Errorf("error = %v, want KindUnsupported", err)
	}
	if te.Remediation == "" {
		t.Error("unsupported pair error carries no remediation hint")
	}
}

func TestTranslate_SupportedButDisabledIsProviderUnavailable(t *testing.T) {
	p := orchProvider("libre", 1, &fakeBackend{}, "en", "fi")
	o, reg := newTestOrchestrator(t, p)

	if err := reg.SetEnabled("libre", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}

	_, err := o.Translate(context.Background(), "hello", "en", "fi", domain.TranslateOptions{})
	var te *domain.TranslateError
	if !errors.As(err, &te) || te.Kind != domain.KindProviderUnavailable {
		t.Errorf("error = %v, want KindProviderUnavailable for a disabled candidate", err)
	}
}

func TestTranslate_PinnedProvider(t *testing.T) {
	fast := &fakeBackend{prefix: "fast: "}
	slow := &fakeBackend{prefix: "slow: "}
	o, _ := newTestOrchestrator(t,
		orchProvider("fast", 1, fast, "en", "fi"),
		orchProvider("slow", 5, slow, "en", "fi"),
	)

	tr, err := o.Translate(context.Background(), "hello", "en", "fi", domain.TranslateOptions{Provider: "slow"})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if tr.Provider != "slow" {
		t.Errorf("Provider = %q, want the pinned provider", tr.Provider)
	}
	if slow.callCount() != 1 || fast.callCount() != 0 {
		t.Errorf("calls = fast %d / slow %d, want 0 / 1", fast.callCount(), slow.callCount())
	}
}

func TestTranslate_PinnedProviderMustSupportPair(t *testing.T) {
	o, _ := newTestOrchestrator(t,
		orchProvider("libre", 1, &fakeBackend{}, "en", "fi"),
		orchProvider("nordic", 2, &fakeBackend{}, "en", "sv"),
	)

	_, err := o.Translate(context.Background(), "hello", "en", "fi", domain.TranslateOptions{Provider: "nordic"})
	var te *domain.TranslateError
	if !errors.As(err, &te) || te.Kind != domain.KindUnsupported {
		t.Errorf("error = %v, want KindUnsupported for a pinned mismatch", err)
	}

	_, err = o.Translate(context.Background(), "hello", "en", "fi", domain.TranslateOptions{Provider: "ghost"})
	if !errors.As(err, &te) || te.Kind != domain.KindProviderUnavailable {
		t.Errorf("error = %v, want KindProviderUnavailable for an unregistered pin", err)
	}
}

func TestTranslateBatch_UsesBatchBackendOnce(t *testing.T) {
	backend := &fakeBatchBackend{fakeBackend: fakeBackend{prefix: "fi: "}}
	o, _ := newTestOrchestrator(t, orchProvider("libre", 1, backend, "en", "fi"))

	texts := []string{"one", "two", "three"}
	results, err := o.TranslateBatch(context.Background(), texts, "en", "fi", domain.TranslateOptions{})
	if err != nil {
		t.Fatalf("TranslateBatch() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.TranslatedText != "fi: "+texts[i] {
			t.Errorf("results[%d] = %q, want %q", i, r.TranslatedText, "fi: "+texts[i])
		}
	}

	backend.mu.Lock()
	batchCalls, singleCalls := backend.batchCalls, backend.calls
	backend.mu.Unlock()
	if batchCalls != 1 || singleCalls != 0 {
		t.Errorf("batch calls = %d, single calls = %d, want 1 / 0", batchCalls, singleCalls)
	}
}

func TestTranslateBatch_PartialCacheOnlyTranslatesMisses(t *testing.T) {
	backend := &fakeBatchBackend{fakeBackend: fakeBackend{prefix: "fi: "}}
	o, _ := newTestOrchestrator(t, orchProvider("libre", 1, backend, "en", "fi"))

	if _, err := o.Translate(context.Background(), "one", "en", "fi", domain.TranslateOptions{}); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	results, err := o.TranslateBatch(context.Background(), []string{"one", "two"}, "en", "fi", domain.TranslateOptions{})
	if err != nil {
		t.Fatalf("TranslateBatch() error = %v", err)
	}
	if !results[0].Cached {
		t.Error("results[0] should come from the cache")
	}
	if results[1].Cached {
		t.Error("results[1] should be fresh")
	}
	if results[1].TranslatedText != "fi: two" {
		t.Errorf("results[1] = %q", results[1].TranslatedText)
	}
}

func TestTranslateBatch_RejectsInvalidInput(t *testing.T) {
	o, _ := newTestOrchestrator(t, orchProvider("libre", 1, &fakeBackend{}, "en", "fi"))

	if _, err := o.TranslateBatch(context.Background(), nil, "en", "fi", domain.TranslateOptions{}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty batch error = %v, want ErrInvalidRequest", err)
	}
	if _, err := o.TranslateBatch(context.Background(), []string{"hello"}, "en", "", domain.TranslateOptions{}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("missing target error = %v, want ErrInvalidRequest", err)
	}
	if _, err := o.TranslateBatch(context.Background(), []string{"  "}, "en", "fi", domain.TranslateOptions{}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("blank text error = %v, want ErrInvalidRequest", err)
	}
}

func TestTranslate_BackendFailureClassified(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}
	o, _ := newTestOrchestrator(t, orchProvider("libre", 1, backend, "en", "fi"))

	_, err := o.Translate(context.Background(), "hello", "en", "fi", domain.TranslateOptions{})
	if err == nil {
		t.Fatal("Translate() should surface the backend failure")
	}
	var te *domain.TranslateError
	if !errors.As(err, &te) || te.Kind != domain.KindBackendFailure {
		t.Errorf("error = %v, want KindBackendFailure", err)
	}
	// An unclassified error is not retryable, so one attempt suffices.
	if backend.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1 attempt", backend.callCount())
	}
}

func TestTranslate_RetryableFailureRetries(t *testing.T) {
	backend := &flakyBackend{failures: 1}
	o, _ := newTestOrchestrator(t, orchProvider("libre", 1, backend, "en", "fi"))

	tr, err := o.Translate(context.Background(), "hello", "en", "fi", domain.TranslateOptions{})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if tr.TranslatedText != "fi: hello" {
		t.Errorf("TranslatedText = %q", tr.TranslatedText)
	}
	if got := backend.callCount(); got != 2 {
		t.Errorf("backend calls = %d, want 2", got)
	}
}

// flakyBackend fails the first n calls with a retryable error.
type flakyBackend struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (b *flakyBackend) Translate(ctx context.Context, req domain.TranslationRequest) (*domain.TranslationResult, error) {
	b.mu.Lock()
	b.calls++
	fail := b.calls <= b.failures
	b.mu.Unlock()

	if fail {
		return nil, domain.NewTranslateError(domain.KindBackendFailure, "transient", nil)
	}
	return &domain.TranslationResult{TranslatedText: "fi: " + req.Text}, nil
}

func (b *flakyBackend) HealthCheck(ctx context.Context) error { return nil }

func (b *flakyBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestTranslate_RecordsUsage(t *testing.T) {
	backend := &fakeBackend{prefix: "fi: "}
	reg := registry.New()
	p := orchProvider("bedrock", 1, backend, "en", "fi")
	p.Limits.CostPer1KChars = 0.015
	if err := reg.Register(p); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tracker := cost.NewInMemoryTracker()
	o := New(Config{
		Registry: reg,
		Cache:    cache.New(cache.Config{MaxSize: 100}),
		Tracker:  tracker,
		RateLimit: ratelimit.Config{
			RequestLimit: 100,
			TokenLimit:   100000,
			Window:       time.Minute,
		},
	})
	defer o.Close()

	text := "this request costs money"
	tr, err := o.Translate(context.Background(), text, "en", "fi", domain.TranslateOptions{})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	wantCost := cost.Projection(len(text), 0.015)
	if diff := tr.CostUSD - wantCost; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("CostUSD = %v, want %v", tr.CostUSD, wantCost)
	}

	records := tracker.GetAllRecords()
	if len(records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(records))
	}
	if records[0].Provider != "bedrock" || !records[0].Success {
		t.Errorf("record = %+v", records[0])
	}
}

func TestTranslate_OutcomesFeedHealth(t *testing.T) {
	backend := &fakeBackend{prefix: "fi: "}
	o, reg := newTestOrchestrator(t, orchProvider("libre", 1, backend, "en", "fi"))

	if _, err := o.Translate(context.Background(), "hello", "en", "fi", domain.TranslateOptions{}); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	tracker, ok := reg.Tracker("libre")
	if !ok {
		t.Fatal("health tracker missing after a translation")
	}
	if got := tracker.SampleCount(); got != 1 {
		t.Errorf("SampleCount() = %d, want 1", got)
	}
}

func TestTranslate_RememberedPreferenceWinsSelection(t *testing.T) {
	fast := &fakeBackend{prefix: "fast: "}
	slow := &fakeBackend{prefix: "slow: "}
	reg := registry.New()
	for _, p := range []*domain.Provider{
		orchProvider("fast", 1, fast, "en", "fi"),
		orchProvider("slow", 5, slow, "en", "fi"),
	} {
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register(%s) error = %v", p.ID, err)
		}
	}

	o := New(Config{
		Registry:    reg,
		Cache:       cache.New(cache.Config{MaxSize: 100}),
		Preferences: registry.NewPreferences(storage.NewInMemoryStore()),
		RateLimit: ratelimit.Config{
			RequestLimit: 1000,
			TokenLimit:   1000000,
			Window:       time.Minute,
			BaseBackoff:  time.Millisecond,
			MaxBackoff:   5 * time.Millisecond,
		},
		MaxAttempts: 2,
	})
	t.Cleanup(o.Close)

	// Pinning once records the preference for the pair.
	pinned, err := o.Translate(context.Background(), "hello", "en", "fi", domain.TranslateOptions{Provider: "slow"})
	if err != nil {
		t.Fatalf("Translate(pinned) error = %v", err)
	}
	if pinned.Provider != "slow" {
		t.Fatalf("pinned Provider = %q, want %q", pinned.Provider, "slow")
	}

	// An unpinned request with no explicit strategy follows the
	// remembered choice instead of the scored winner.
	tr, err := o.Translate(context.Background(), "another text", "en", "fi", domain.TranslateOptions{})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if tr.Provider != "slow" {
		t.Errorf("Provider = %q, want remembered %q", tr.Provider, "slow")
	}

	// An explicit strategy bypasses the preference.
	tr, err = o.Translate(context.Background(), "third text", "en", "fi", domain.TranslateOptions{Strategy: domain.StrategyFast})
	if err != nil {
		t.Fatalf("Translate(strategy) error = %v", err)
	}
	if tr.Provider != "fast" {
		t.Errorf("Provider = %q, want scored %q", tr.Provider, "fast")
	}
}

func TestTranslate_DisabledPreferenceFallsBackToScoring(t *testing.T) {
	fast := &fakeBackend{prefix: "fast: "}
	slow := &fakeBackend{prefix: "slow: "}
	reg := registry.New()
	for _, p := range []*domain.Provider{
		orchProvider("fast", 1, fast, "en", "fi"),
		orchProvider("slow", 5, slow, "en", "fi"),
	} {
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register(%s) error = %v", p.ID, err)
		}
	}

	prefs := registry.NewPreferences(storage.NewInMemoryStore())
	if err := prefs.Remember(context.Background(), "en", "fi", "slow"); err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	if err := reg.SetEnabled("slow", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}

	o := New(Config{
		Registry:    reg,
		Cache:       cache.New(cache.Config{MaxSize: 100}),
		Preferences: prefs,
		RateLimit: ratelimit.Config{
			RequestLimit: 1000,
			TokenLimit:   1000000,
			Window:       time.Minute,
			BaseBackoff:  time.Millisecond,
			MaxBackoff:   5 * time.Millisecond,
		},
		MaxAttempts: 2,
	})
	t.Cleanup(o.Close)

	tr, err := o.Translate(context.Background(), "hello", "en", "fi", domain.TranslateOptions{})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if tr.Provider != "fast" {
		t.Errorf("Provider = %q, want %q when the preferred provider is disabled", tr.Provider, "fast")
	}
}

func TestTranslate_RateLimitedRejectionStaysOutOfHealthWindow(t *testing.T) {
	backend := &fakeBackend{err: &domain.TranslateError{
		Kind:       domain.KindRateLimited,
		Message:    "quota exhausted",
		Retryable:  true,
		RetryAfter: time.Millisecond,
		Err:        domain.ErrRateLimited,
	}}
	o, reg := newTestOrchestrator(t, orchProvider("libre", 1, backend, "en", "fi"))

	_, err := o.Translate(context.Background(), "hello", "en", "fi", domain.TranslateOptions{})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("Translate() error = %v, want ErrRateLimited", err)
	}

	// Throttle rejections are not observations of the backend; the
	// provider must stay selectable.
	if tracker, ok := reg.Tracker("libre"); ok {
		if got := tracker.SampleCount(); got != 0 {
			t.Errorf("SampleCount() = %d, want 0 after rate-limited rejections", got)
		}
	}
	if health := reg.Health("libre"); !health.Healthy {
		t.Error("provider marked unhealthy by rate limiting alone")
	}
}

func TestTranslate_CallerCancellationStaysOutOfHealthWindow(t *testing.T) {
	backend := &ctxAwareBackend{fakeBackend{prefix: "fi: "}}
	o, reg := newTestOrchestrator(t, orchProvider("libre", 1, backend, "en", "fi"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Translate(ctx, "hello", "en", "fi", domain.TranslateOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Translate() error = %v, want context.Canceled", err)
	}

	if tracker, ok := reg.Tracker("libre"); ok {
		if got := tracker.SampleCount(); got != 0 {
			t.Errorf("SampleCount() = %d, want 0 after caller cancellation", got)
		}
	}
}

func TestTranslate_LongTextIsSegmented(t *testing.T) {
	backend := &fakeBackend{prefix: ""}
	o, _ := newTestOrchestrator(t, orchProvider("libre", 1, backend, "en", "fi"))

	// Each sentence is ~600 tokens, so the two cannot share a call.
	var sb []byte
	for i := 0; i < 2400; i++ {
		sb = append(sb, 'a')
	}
	sentence := string(sb) + "."
	text := sentence + " " + sentence

	tr, err := o.Translate(context.Background(), text, "en", "fi", domain.TranslateOptions{})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if backend.callCount() != 2 {
		t.Errorf("backend calls = %d, want 2 segments", backend.callCount())
	}
	if tr.TranslatedText != sentence+" "+sentence {
		t.Error("segments were not rejoined in order")
	}

	// The whole text caches under one key.
	cached, err := o.Translate(context.Background(), text, "en", "fi", domain.TranslateOptions{})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if !cached.Cached {
		t.Error("segmented translation should be cached as a whole")
	}
	if backend.callCount() != 2 {
		t.Errorf("backend calls = %d after cached repeat, want still 2", backend.callCount())
	}
}
