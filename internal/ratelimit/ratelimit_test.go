package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

func TestTryAcquire_RejectsBeyondRequestLimit(t *testing.T) {
	l := New(Config{RequestLimit: 60, TokenLimit: 1000000, Window: time.Minute})
	defer l.Close()

	for i := 0; i < 60; i++ {
		if err := l.TryAcquire(1); err != nil {
			t.Fatalf("TryAcquire() #%d error = %v", i+1, err)
		}
	}

	err := l.TryAcquire(1)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("61st TryAcquire() error = %v, want ErrRateLimited", err)
	}

	var te *domain.TranslateError
	if !errors.As(err, &te) || te.Kind != domain.KindRateLimited {
		t.Errorf("61st TryAcquire() kind = %v, want rate_limited", err)
	}
}

func TestTryAcquire_TokenBudget(t *testing.T) {
	l := New(Config{RequestLimit: 100, TokenLimit: 50, Window: time.Minute})
	defer l.Close()

	if err := l.TryAcquire(40); err != nil {
		t.Fatalf("TryAcquire(40) error = %v", err)
	}
	if err := l.TryAcquire(20); !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("TryAcquire(20) over token budget error = %v, want ErrRateLimited", err)
	}
	// Exactly filling the remaining budget is admitted.
	if err := l.TryAcquire(10); err != nil {
		t.Errorf("TryAcquire(10) error = %v", err)
	}
}

func TestDo_ImmediatePathWithCapacity(t *testing.T) {
	l := New(Config{RequestLimit: 10, TokenLimit: 1000, Window: time.Minute})
	defer l.Close()

	ran := false
	err := l.Do(context.Background(), func() error {
		ran = true
		return nil
	}, 5, true)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !ran {
		t.Error("fn did not run")
	}

	requests, tokens := l.Available()
	if requests != 9 {
		t.Errorf("Available() requests = %d, want 9", requests)
	}
	if tokens != 995 {
		t.Errorf("Available() tokens = %d, want 995", tokens)
	}
}

func TestDo_QueueDrainsInOrder(t *testing.T) {
	// A tiny window keeps the drain cadence fast.
	l := New(Config{RequestLimit: 50, TokenLimit: 100000, Window: 500 * time.Millisecond})
	defer l.Close()

	// Exhaust the request budget so later calls must queue.
	for i := 0; i < 50; i++ {
		if err := l.TryAcquire(1); err != nil {
			t.Fatalf("TryAcquire() error = %v", err)
		}
	}

	ran := make(chan int, 3)
	done := make(chan error, 3)

	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			done <- l.Do(context.Background(), func() error {
				ran <- i
				return nil
			}, 1, false)
		}()
		// Stagger so queue order matches launch order.
		time.Sleep(20 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("queued Do() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("queued work did not drain")
		}
	}

	close(ran)
	var order []int
	for i := range ran {
		order = append(order, i)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("execution order = %v, want [1 2 3]", order)
	}
}

func TestDo_ContextCancellationRemovesQueuedItem(t *testing.T) {
	l := New(Config{RequestLimit: 1, TokenLimit: 100000, Window: time.Minute})
	defer l.Close()

	if err := l.TryAcquire(1); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Do(ctx, func() error { return nil }, 1, false)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled Do() did not return")
	}
}

func TestDo_CloseFailsQueuedItems(t *testing.T) {
	l := New(Config{RequestLimit: 1, TokenLimit: 100000, Window: time.Minute})

	if err := l.TryAcquire(1); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- l.Do(context.Background(), func() error { return nil }, 1, false)
	}()

	time.Sleep(50 * time.Millisecond)
	l.Close()

	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrQueueItemCancelled) {
			t.Errorf("Do() after Close error = %v, want ErrQueueItemCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do() did not return after Close")
	}
}

func TestWindowReset(t *testing.T) {
	l := New(Config{RequestLimit: 2, TokenLimit: 100000, Window: 200 * time.Millisecond})
	defer l.Close()

	l.TryAcquire(1)
	l.TryAcquire(1)
	if err := l.TryAcquire(1); err == nil {
		t.Fatal("expected rejection at the request limit")
	}

	// After a full window the budget is fresh again.
	time.Sleep(450 * time.Millisecond)
	if err := l.TryAcquire(1); err != nil {
		t.Errorf("TryAcquire() after window reset error = %v", err)
	}
}
