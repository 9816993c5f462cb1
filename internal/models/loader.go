package models

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

type Device string

const (
	DeviceGPU Device = "gpu"
	DeviceCPU Device = "cpu"
)

type Precision string

const (
	PrecisionFP16 Precision = "fp16"
	PrecisionFP32 Precision = "fp32"
)

// LoadOptions parameterize one load attempt. ClearCache asks the runtime
// to discard any partially downloaded or corrupted artifacts first.
type LoadOptions struct {
	Device     Device
	Precision  Precision
	ClearCache bool
}

// Runtime adapts the local inference engine. It is the only thing the
// loader knows about actual model execution.
type Runtime interface {
	Load(ctx context.Context, modelID string, opts LoadOptions) (Handle, error)
}

// SizeClass buckets models by artifact size; larger models get longer
// load budgets.
type SizeClass string

const (
	SizeSmall SizeClass = "small"
	SizeBase  SizeClass = "base"
	SizeLarge SizeClass = "large"
)

// DefaultTimeouts scales the per-step load budget to the size class.
func DefaultTimeouts() map[SizeClass]time.Duration {
	return map[SizeClass]time.Duration{
		SizeSmall: 30 * time.Second,
		SizeBase:  60 * time.Second,
		SizeLarge: 180 * time.Second,
	}
}

// LoadState tracks one model through the loading state machine:
// Unloaded -> Loading -> Ready, or Unloaded -> Loading -> Failed ->
// Unloaded, with a retry re-entering Loading.
type LoadState int

const (
	StateUnloaded LoadState = iota
	StateLoading
	StateReady
	StateFailed
)

func (s LoadState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unloaded"
	}
}

// ProgressFunc receives best-effort model-loading phase notifications
// (downloading|ready|error). Delivery failures never affect the load.
type ProgressFunc func(modelID, phase string, percent int)

// step is one tier of the degradation chain, attempted in fixed
// priority order.
type step struct {
	device    Device
	precision Precision
}

var degradationChain = []step{
	{DeviceGPU, PrecisionFP16},
	{DeviceGPU, PrecisionFP32},
	{DeviceCPU, PrecisionFP32},
}

type LoaderConfig struct {
	Runtime Runtime
	// PipelineCapacity bounds the ready-handle cache. Defaults to 3.
	PipelineCapacity int
	// Timeouts per size class; DefaultTimeouts when nil.
	Timeouts map[SizeClass]time.Duration
	// SizeOf classifies a model; everything is SizeBase when nil.
	SizeOf func(modelID string) SizeClass
	// Progress is the optional progress sink.
	Progress ProgressFunc
}

// Loader drives the hardware/precision fallback chain and owns the
// pipeline cache. A precision path that proved broken taints the whole
// session; later loads skip it preemptively.
type Loader struct {
	runtime  Runtime
	cache    *PipelineCache
	timeouts map[SizeClass]time.Duration
	sizeOf   func(string) SizeClass
	progress ProgressFunc

	mu       sync.Mutex
	tainted  map[Precision]bool
	states   map[string]LoadState
	inflight map[string]*inflightLoad
}

type inflightLoad struct {
	done     chan struct{}
	pipeline *Pipeline
	err      error
}

func NewLoader(cfg LoaderConfig) *Loader {
	timeouts := cfg.Timeouts
	if timeouts == nil {
		timeouts = DefaultTimeouts()
	}
	sizeOf := cfg.SizeOf
	if sizeOf == nil {
		sizeOf = func(string) SizeClass { return SizeBase }
	}

	return &Loader{
		runtime:  cfg.Runtime,
		cache:    NewPipelineCache(cfg.PipelineCapacity),
		timeouts: timeouts,
		sizeOf:   sizeOf,
		progress: cfg.Progress,
		tainted:  make(map[Precision]bool),
		states:   make(map[string]LoadState),
		inflight: make(map[string]*inflightLoad),
	}
}

// Get returns a checked-out pipeline for modelID, loading it through the
// degradation chain on a miss. Concurrent loads of the same model
// coalesce onto a single in-flight attempt.
func (l *Loader) Get(ctx context.Context, modelID string) (*Pipeline, error) {
	if p, ok := l.cache.Get(modelID); ok {
		return p, nil
	}

	l.mu.Lock()
	if flight, ok := l.inflight[modelID]; ok {
		l.mu.Unlock()
		select {
		case <-flight.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if flight.err != nil {
			return nil, flight.err
		}
		flight.pipeline.acquire()
		return flight.pipeline, nil
	}

	flight := &inflightLoad{done: make(chan struct{})}
	l.inflight[modelID] = flight
	l.states[modelID] = StateLoading
	l.mu.Unlock()

	pipeline, err := l.loadChain(ctx, modelID)

	l.mu.Lock()
	delete(l.inflight, modelID)
	if err != nil {
		// Failed is transitional; the next Get re-enters Loading.
		l.states[modelID] = StateUnloaded
	} else {
		l.states[modelID] = StateReady
	}
	l.mu.Unlock()

	flight.pipeline = pipeline
	flight.err = err
	close(flight.done)

	if err != nil {
		return nil, err
	}

	l.cache.Put(pipeline)
	pipeline.acquire()
	return pipeline, nil
}

// loadChain walks the degradation chain, stopping at the first success.
// Precision-incompatibility failures taint that precision for the
// session and skip the rest of the same hardware tier; generic failures
// get one cache-bust retry at the same tier before falling through.
func (l *Loader) loadChain(ctx context.Context, modelID string) (*Pipeline, error) {
	l.report(modelID, "downloading", 0)

	timeout := l.timeouts[l.sizeOf(modelID)]
	if timeout <= 0 {
		timeout = DefaultTimeouts()[SizeBase]
	}

	var lastErr error
	var skipDevice Device

	for _, s := range degradationChain {
		if s.device == skipDevice && skipDevice != "" {
			continue
		}
		if l.Tainted(s.precision) {
			continue
		}

		handle, err := l.attempt(ctx, modelID, LoadOptions{Device: s.device, Precision: s.precision}, timeout)
		if err == nil {
			l.report(modelID, "ready", 100)
			return &Pipeline{ModelID: modelID, handle: handle, lastUsed: time.Now()}, nil
		}
		lastErr = err

		if IsPrecisionIncompatibility(err) {
			l.taint(s.precision)
			skipDevice = s.device
			slog.Warn("precision path tainted for session",
				"model", modelID, "device", s.device, "precision", s.precision, "error", err)
			continue
		}

		// Generic failure: one cache-bust retry at the same tier.
		handle, err = l.attempt(ctx, modelID, LoadOptions{Device: s.device, Precision: s.precision, ClearCache: true}, timeout)
		if err == nil {
			l.report(modelID, "ready", 100)
			return &Pipeline{ModelID: modelID, handle: handle, lastUsed: time.Now()}, nil
		}
		lastErr = err
		slog.Warn("load tier exhausted",
			"model", modelID, "device", s.device, "precision", s.precision, "error", err)
	}

	l.report(modelID, "error", 0)
	return nil, domain.NewTranslateError(domain.KindLoadFailure,
		fmt.Sprintf("model %s failed through the entire fallback chain", modelID),
		fmt.Errorf("%w: %v", domain.ErrModelLoadFailed, lastErr))
}

// attempt races one runtime load against a timer. The timeout is an
// advisory wall: the abandoned load may finish in the background, in
// which case its handle is closed as soon as it materializes.
func (l *Loader) attempt(ctx context.Context, modelID string, opts LoadOptions, timeout time.Duration) (Handle, error) {
	type result struct {
		handle Handle
		err    error
	}

	loadCtx, cancel := context.WithCancel(ctx)
	results := make(chan result, 1)

	go func() {
		h, err := l.runtime.Load(loadCtx, modelID, opts)
		results <- result{h, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		cancel()
		return res.handle, res.err
	case <-timer.C:
		cancel()
		go func() {
			if res := <-results; res.handle != nil {
				res.handle.Close()
			}
		}()
		return nil, fmt.Errorf("load of %s on %s/%s timed out after %s", modelID, opts.Device, opts.Precision, timeout)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// precisionSignatures are the known type-mismatch phrasings runtimes
// emit when a device rejects a precision.
var precisionSignatures = []string{
	"fp16 is not supported",
	"half precision",
	"data type mismatch",
	"dtype not supported",
	"unsupported tensor type",
	"shader-f16",
}

// IsPrecisionIncompatibility pattern-matches the failure description for
// known precision-rejection phrasings.
func IsPrecisionIncompatibility(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range precisionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func (l *Loader) taint(p Precision) {
	l.mu.Lock()
	l.tainted[p] = true
	l.mu.Unlock()
}

// Tainted reports whether the precision path is known broken for this
// session. The flag is never cleared within a session.
func (l *Loader) Tainted(p Precision) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tainted[p]
}

// State reports the loading state of a model.
func (l *Loader) State(modelID string) LoadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[modelID]
}

// Cache exposes the pipeline cache, mainly for teardown and tests.
func (l *Loader) Cache() *PipelineCache {
	return l.cache
}

// Close evicts every cached pipeline.
func (l *Loader) Close() {
	l.cache.Clear()
}

func (l *Loader) report(modelID, phase string, percent int) {
	if l.progress == nil {
		return
	}
	// The sink is best-effort; a panicking subscriber must not break
	// the load.
	defer func() { _ = recover() }()
	l.progress(modelID, phase, percent)
}
