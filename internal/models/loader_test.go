package models

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

type fakeHandle struct {
	modelID string
	opts    LoadOptions
	closed  atomic.Bool
}

func (h *fakeHandle) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	return "[" + h.modelID + "] " + text, nil
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

// fakeRuntime scripts per-tier outcomes. failures maps "device/precision"
// to the error every attempt at that tier returns; failOnce consumes one
// failure per tier, so the retry succeeds.
type fakeRuntime struct {
	mu       sync.Mutex
	failures map[string]error
	failOnce bool
	delay    time.Duration
	attempts []LoadOptions
}

func tierKey(opts LoadOptions) string {
	return string(opts.Device) + "/" + string(opts.Precision)
}

func (r *fakeRuntime) Load(ctx context.Context, modelID string, opts LoadOptions) (Handle, error) {
	r.mu.Lock()
	r.attempts = append(r.attempts, opts)
	err := r.failures[tierKey(opts)]
	if err != nil && r.failOnce {
		delete(r.failures, tierKey(opts))
	}
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &fakeHandle{modelID: modelID, opts: opts}, nil
}

func (r *fakeRuntime) attemptLog() []LoadOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LoadOptions, len(r.attempts))
	copy(out, r.attempts)
	return out
}

func TestLoader_FirstTierSucceeds(t *testing.T) {
	rt := &fakeRuntime{}
	l := NewLoader(LoaderConfig{Runtime: rt})
	defer l.Close()

	p, err := l.Get(context.Background(), "opus-mt-en-fi")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	out, err := p.Translate(context.Background(), "hello", "en", "fi")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if out != "[opus-mt-en-fi] hello" {
		t.Errorf("Translate() = %q", out)
	}

	attempts := rt.attemptLog()
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if attempts[0].Device != DeviceGPU || attempts[0].Precision != PrecisionFP16 {
		t.Errorf("first attempt = %s, want gpu/fp16", tierKey(attempts[0]))
	}
	if l.State("opus-mt-en-fi") != StateReady {
		t.Errorf("State() = %v, want StateReady", l.State("opus-mt-en-fi"))
	}
}

func TestLoader_PrecisionFailureSkipsDeviceAndTaints(t *testing.T) {
	rt := &fakeRuntime{failures: map[string]error{
		"gpu/fp16": errors.New("fp16 is not supported on this device"),
	}}
	l := NewLoader(LoaderConfig{Runtime: rt})
	defer l.Close()

	_, err := l.Get(context.Background(), "opus-mt-en-de")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	attempts := rt.attemptLog()
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2 (gpu/fp16 then cpu/fp32)", len(attempts))
	}
	// The whole GPU tier is skipped after the precision rejection.
	if tierKey(attempts[1]) != "cpu/fp32" {
		t.Errorf("second attempt = %s, want cpu/fp32", tierKey(attempts[1]))
	}
	if !l.Tainted(PrecisionFP16) {
		t.Error("fp16 should be tainted for the session")
	}
}

func TestLoader_TaintPersistsAcrossLoads(t *testing.T) {
	rt := &fakeRuntime{failures: map[string]error{
		"gpu/fp16": errors.New("half precision unavailable"),
	}}
	l := NewLoader(LoaderConfig{Runtime: rt})
	defer l.Close()

	if _, err := l.Get(context.Background(), "model-a"); err != nil {
		t.Fatalf("Get(model-a) error = %v", err)
	}
	if _, err := l.Get(context.Background(), "model-b"); err != nil {
		t.Fatalf("Get(model-b) error = %v", err)
	}

	for _, opts := range rt.attemptLog()[2:] {
		if opts.Precision == PrecisionFP16 {
			t.Error("fp16 was retried after being tainted")
		}
	}
}

func TestLoader_GenericFailureRetriesWithClearCache(t *testing.T) {
	rt := &fakeRuntime{
		failures: map[string]error{"gpu/fp16": errors.New("checksum mismatch in model artifact")},
		failOnce: true,
	}
	l := NewLoader(LoaderConfig{Runtime: rt})
	defer l.Close()

	if _, err := l.Get(context.Background(), "model-a"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	attempts := rt.attemptLog()
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].ClearCache {
		t.Error("first attempt should not clear the artifact cache")
	}
	if !attempts[1].ClearCache || tierKey(attempts[1]) != "gpu/fp16" {
		t.Errorf("retry = %+v, want gpu/fp16 with ClearCache", attempts[1])
	}
	if l.Tainted(PrecisionFP16) {
		t.Error("generic failure must not taint the precision")
	}
}

func TestLoader_ExhaustedChainReturnsLoadFailure(t *testing.T) {
	boom := errors.New("out of memory")
	rt := &fakeRuntime{failures: map[string]error{
		"gpu/fp16": boom, "gpu/fp32": boom, "cpu/fp32": boom,
	}}
	l := NewLoader(LoaderConfig{Runtime: rt})
	defer l.Close()

	_, err := l.Get(context.Background(), "model-a")
	if err == nil {
		t.Fatal("Get() should fail once every tier is exhausted")
	}

	var te *domain.TranslateError
	if !errors.As(err, &te) || te.Kind != domain.KindLoadFailure {
		t.Errorf("error = %v, want KindLoadFailure", err)
	}
	if !errors.Is(err, domain.ErrModelLoadFailed) {
		t.Errorf("error should wrap ErrModelLoadFailed, got %v", err)
	}
	if l.State("model-a") != StateUnloaded {
		t.Errorf("State() = %v, want StateUnloaded after failure", l.State("model-a"))
	}
}

func TestLoader_CoalescesConcurrentLoads(t *testing.T) {
	rt := &fakeRuntime{delay: 50 * time.Millisecond}
	l := NewLoader(LoaderConfig{Runtime: rt})
	defer l.Close()

	const callers = 5
	var wg sync.WaitGroup
	pipelines := make([]*Pipeline, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pipelines[i], errs[i] = l.Get(context.Background(), "model-a")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("Get()[%d] error = %v", i, errs[i])
		}
		if pipelines[i] != pipelines[0] {
			t.Error("concurrent callers received different pipelines")
		}
	}
	if got := len(rt.attemptLog()); got != 1 {
		t.Errorf("runtime loads = %d, want 1", got)
	}
}

func TestLoader_TimeoutFallsThroughChain(t *testing.T) {
	rt := &fakeRuntime{
		delay:    200 * time.Millisecond,
		failures: map[string]error{},
	}
	l := NewLoader(LoaderConfig{
		Runtime:  rt,
		Timeouts: map[SizeClass]time.Duration{SizeBase: 10 * time.Millisecond},
	})
	defer l.Close()

	_, err := l.Get(context.Background(), "model-a")
	if err == nil {
		t.Fatal("Get() should fail when every tier times out")
	}

	var te *domain.TranslateError
	if !errors.As(err, &te) || te.Kind != domain.KindLoadFailure {
		t.Errorf("error = %v, want KindLoadFailure", err)
	}
}

func TestLoader_ProgressReported(t *testing.T) {
	rt := &fakeRuntime{}
	var mu sync.Mutex
	var phases []string
	l := NewLoader(LoaderConfig{
		Runtime: rt,
		Progress: func(modelID, phase string, percent int) {
			mu.Lock()
			phases = append(phases, phase)
			mu.Unlock()
		},
	})
	defer l.Close()

	if _, err := l.Get(context.Background(), "model-a"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(phases) != 2 || phases[0] != "downloading" || phases[1] != "ready" {
		t.Errorf("phases = %v, want [downloading ready]", phases)
	}
}

func TestPipelineCache_LRUEviction(t *testing.T) {
	c := NewPipelineCache(2)

	a := &Pipeline{ModelID: "a", handle: &fakeHandle{modelID: "a"}}
	b := &Pipeline{ModelID: "b", handle: &fakeHandle{modelID: "b"}}
	cc := &Pipeline{ModelID: "c", handle: &fakeHandle{modelID: "c"}}

	c.Put(a)
	c.Put(b)

	// Touch a so b becomes least recently used.
	if p, ok := c.Get("a"); ok {
		p.release()
	} else {
		t.Fatal("a should be cached")
	}

	c.Put(cc)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted as LRU")
	}
	if b.handle.(*fakeHandle).closed.Load() != true {
		t.Error("evicted idle pipeline should close its handle")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestPipelineCache_EvictionWaitsForInflightUse(t *testing.T) {
	c := NewPipelineCache(1)

	h := &fakeHandle{modelID: "a"}
	a := &Pipeline{ModelID: "a", handle: h}
	c.Put(a)

	checked, ok := c.Get("a")
	if !ok {
		t.Fatal("a should be cached")
	}

	c.Put(&Pipeline{ModelID: "b", handle: &fakeHandle{modelID: "b"}})

	if h.closed.Load() {
		t.Fatal("handle closed while a use was still in flight")
	}

	if _, err := checked.Translate(context.Background(), "hi", "en", "fi"); err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	if !h.closed.Load() {
		t.Error("handle should close once the last use releases")
	}
}
