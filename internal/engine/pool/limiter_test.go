package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLimiter_AcquireRelease(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 2})
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if l.Active() != 1 {
		t.Errorf("Active() = %d, want 1", l.Active())
	}
	if l.Available() != 1 {
		t.Errorf("Available() = %d, want 1", l.Available())
	}

	l.Release()
	if l.Active() != 0 {
		t.Errorf("Active() = %d, want 0", l.Active())
	}
}

func TestLimiter_Timeout(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1, AcquireTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := l.Acquire(ctx); !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("Acquire should time out, got: %v", err)
	}
	if got := l.Stats().TotalTimeouts; got != 1 {
		t.Errorf("TotalTimeouts = %d, want 1", got)
	}
}

func TestLimiter_ContextCancelled(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1})
	_ = l.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire should fail with deadline, got: %v", err)
	}
}

func TestLimiter_TryAcquire(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1})
	if !l.TryAcquire() {
		t.Fatal("first TryAcquire should succeed")
	}
	if l.TryAcquire() {
		t.Error("second TryAcquire should fail")
	}
	if got := l.Stats().TotalRejected; got != 1 {
		t.Errorf("TotalRejected = %d, want 1", got)
	}
	l.Release()
	if !l.TryAcquire() {
		t.Error("TryAcquire after release should succeed")
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(LimiterConfig{})
	for i := 0; i < 50; i++ {
		if !l.TryAcquire() {
			t.Fatalf("TryAcquire %d failed on unlimited limiter", i)
		}
	}
	if l.Available() != -1 {
		t.Errorf("Available() = %d, want -1", l.Available())
	}
	if l.Active() != 50 {
		t.Errorf("Active() = %d, want 50", l.Active())
	}
}

func TestLimiter_CloseWakesWaiters(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1})
	_ = l.Acquire(context.Background())

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Acquire(context.Background())
		}()
	}

	deadline := time.Now().Add(time.Second)
	for l.Waiting() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	l.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrLimiterClosed) {
			t.Errorf("waiter got %v, want ErrLimiterClosed", err)
		}
	}
	if err := l.Acquire(context.Background()); !errors.Is(err, ErrLimiterClosed) {
		t.Errorf("Acquire after Close = %v, want ErrLimiterClosed", err)
	}
	// Releasing a permit held across Close must not panic.
	l.Release()
}

func TestLimiter_QueueSize(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1, QueueSize: 1})
	_ = l.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- l.Acquire(ctx)
	}()
	<-started
	deadline := time.Now().Add(time.Second)
	for l.Waiting() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := l.Acquire(context.Background()); !errors.Is(err, ErrNoPermit) {
		t.Errorf("Acquire over queue size = %v, want ErrNoPermit", err)
	}
	cancel()
	<-done
}
