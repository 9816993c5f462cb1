// Package ratelimit provides per-provider admission control over sliding
// request and token windows. Requests that cannot be admitted immediately
// wait in a FIFO queue drained on a fixed cadence; the head of the queue
// is never skipped for a smaller item behind it.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

type Config struct {
	// RequestLimit caps admissions per window. Defaults to 60.
	RequestLimit int
	// TokenLimit caps the token budget per window. Defaults to 100000.
	TokenLimit int
	// Window is the sliding interval. Defaults to one minute.
	Window time.Duration
	// BaseBackoff seeds the retry backoff. Defaults to 1s.
	BaseBackoff time.Duration
	// MaxBackoff caps the retry wait. Defaults to 60s.
	MaxBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestLimit: 60,
		TokenLimit:   100000,
		Window:       time.Minute,
		BaseBackoff:  time.Second,
		MaxBackoff:   60 * time.Second,
	}
}

type tokenRecord struct {
	at     time.Time
	tokens int
}

type queueItem struct {
	tokens    int
	admit     chan struct{}
	cancelled bool
}

// Limiter is one independent admission controller. Callers typically run
// one limiter per provider so a saturated backend never starves another.
type Limiter struct {
	mu           sync.Mutex
	requestLimit int
	tokenLimit   int
	window       time.Duration
	baseBackoff  time.Duration
	maxBackoff   time.Duration

	requestTimes []time.Time
	tokenRecords []tokenRecord
	queue        []*queueItem

	done     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestLimit <= 0 {
		cfg.RequestLimit = def.RequestLimit
	}
	if cfg.TokenLimit <= 0 {
		cfg.TokenLimit = def.TokenLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	l := &Limiter{
		requestLimit: cfg.RequestLimit,
		tokenLimit:   cfg.TokenLimit,
		window:       cfg.Window,
		baseBackoff:  cfg.BaseBackoff,
		maxBackoff:   cfg.MaxBackoff,
		done:         make(chan struct{}),
	}

	go l.run()
	return l
}

// run drains the queue on a cadence of window/requestLimit between
// admissions and resets the window on a fixed interval, so a burst after
// an idle period sees a full fresh budget.
func (l *Limiter) run() {
	cadence := l.window / time.Duration(l.requestLimit)
	if cadence < time.Millisecond {
		cadence = time.Millisecond
	}

	drain := time.NewTicker(cadence)
	reset := time.NewTicker(l.window)
	defer drain.Stop()
	defer reset.Stop()

	for {
		select {
		case <-l.done:
			l.failQueued()
			return
		case <-reset.C:
			l.mu.Lock()
			l.requestTimes = nil
			l.tokenRecords = nil
			l.mu.Unlock()
		case <-drain.C:
			l.admitHead()
		}
	}
}

func (l *Limiter) admitHead() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.queue) > 0 && l.queue[0].cancelled {
		l.queue = l.queue[1:]
	}
	if len(l.queue) == 0 {
		return
	}

	head := l.queue[0]
	if !l.capacityLocked(head.tokens) {
		return
	}

	l.queue = l.queue[1:]
	l.recordLocked(head.tokens)
	close(head.admit)
}

func (l *Limiter) failQueued() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range l.queue {
		item.cancelled = true
	}
	l.queue = nil
}

// capacityLocked prunes entries older than the window and reports whether
// the request and token budgets both admit `tokens` more.
func (l *Limiter) capacityLocked(tokens int) bool {
	cutoff := time.Now().Add(-l.window)

	for len(l.requestTimes) > 0 && l.requestTimes[0].Before(cutoff) {
		l.requestTimes = l.requestTimes[1:]
	}
	for len(l.tokenRecords) > 0 && l.tokenRecords[0].at.Before(cutoff) {
		l.tokenRecords = l.tokenRecords[1:]
	}

	if len(l.requestTimes) >= l.requestLimit {
		return false
	}

	used := 0
	for _, r := range l.tokenRecords {
		used += r.tokens
	}
	return used+tokens <= l.tokenLimit
}

func (l *Limiter) recordLocked(tokens int) {
	now := time.Now()
	l.requestTimes = append(l.requestTimes, now)
	l.tokenRecords = append(l.tokenRecords, tokenRecord{at: now, tokens: tokens})
}

// Available reports the remaining request and token budgets.
func (l *Limiter) Available() (requests, tokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.capacityLocked(0)

	used := 0
	for _, r := range l.tokenRecords {
		used += r.tokens
	}
	return l.requestLimit - len(l.requestTimes), l.tokenLimit - used
}

// Do admits fn under the limiter's budgets and runs it in the caller's
// goroutine. With immediate set and capacity available, it runs at once;
// otherwise the call joins the FIFO queue. Cancelling ctx before
// admission removes the queued item without consuming budget.
func (l *Limiter) Do(ctx context.Context, fn func() error, tokens int, immediate bool) error {
	l.mu.Lock()
	if immediate && len(l.queue) == 0 && l.capacityLocked(tokens) {
		l.recordLocked(tokens)
		l.mu.Unlock()
		return fn()
	}

	item := &queueItem{tokens: tokens, admit: make(chan struct{})}
	l.queue = append(l.queue, item)
	l.mu.Unlock()

	select {
	case <-item.admit:
		return fn()
	case <-ctx.Done():
		l.mu.Lock()
		item.cancelled = true
		l.mu.Unlock()
		// The drain may have admitted us in the same instant; honour it.
		select {
		case <-item.admit:
			return fn()
		default:
		}
		return ctx.Err()
	case <-l.done:
		return domain.ErrQueueItemCancelled
	}
}

// TryAcquire admits without queueing: it either consumes budget now or
// reports the rate limit, for callers that surface RateLimited instead
// of waiting.
func (l *Limiter) TryAcquire(tokens int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.capacityLocked(tokens) {
		return domain.NewTranslateError(domain.KindRateLimited, "request budget exhausted for this window", domain.ErrRateLimited)
	}
	l.recordLocked(tokens)
	return nil
}

// Close stops the drain and reset timers. Queued items fail with
// ErrQueueItemCancelled.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}
