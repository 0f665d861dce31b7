package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter errors
var (
	ErrNoPermit       = errors.New("no instance permit available")
	ErrAcquireTimeout = errors.New("instance permit acquire timeout")
	ErrLimiterClosed  = errors.New("limiter is closed")
)

// LimiterConfig holds configuration for a permit limiter.
type LimiterConfig struct {
	// MaxConcurrent is the maximum number of checked-out instances.
	// 0 means unlimited.
	MaxConcurrent int

	// AcquireTimeout is the maximum time to wait for a permit.
	// 0 means wait until the context is done.
	AcquireTimeout time.Duration

	// QueueSize is the maximum number of waiting callers.
	// 0 means unlimited queue.
	QueueSize int
}

// Limiter hands out one permit per checked-out instance.
type Limiter struct {
	mu      sync.Mutex
	config  LimiterConfig
	permits chan struct{}
	done    chan struct{}
	waiting int32
	active  int32
	closed  bool

	// Stats
	totalAcquired int64
	totalReleased int64
	totalRejected int64
	totalTimeouts int64
}

// NewLimiter creates a new permit limiter.
func NewLimiter(config LimiterConfig) *Limiter {
	l := &Limiter{
		config: config,
		done:   make(chan struct{}),
	}

	if config.MaxConcurrent > 0 {
		l.permits = make(chan struct{}, config.MaxConcurrent)
		// Pre-fill permits
		for i := 0; i < config.MaxConcurrent; i++ {
			l.permits <- struct{}{}
		}
	}

	return l
}

// Acquire waits for a permit until one is free, the acquire timeout elapses,
// the context is done or the limiter is closed.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLimiterClosed
	}
	if l.config.MaxConcurrent <= 0 {
		l.mu.Unlock()
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return nil
	}

	// Check queue limit
	if l.config.QueueSize > 0 && int(atomic.LoadInt32(&l.waiting)) >= l.config.QueueSize {
		l.mu.Unlock()
		atomic.AddInt64(&l.totalRejected, 1)
		return ErrNoPermit
	}

	atomic.AddInt32(&l.waiting, 1)
	l.mu.Unlock()

	defer atomic.AddInt32(&l.waiting, -1)

	var timeoutCh <-chan time.Time
	if l.config.AcquireTimeout > 0 {
		timer := time.NewTimer(l.config.AcquireTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-l.permits:
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return nil
	case <-l.done:
		return ErrLimiterClosed
	case <-ctx.Done():
		atomic.AddInt64(&l.totalTimeouts, 1)
		return ctx.Err()
	case <-timeoutCh:
		atomic.AddInt64(&l.totalTimeouts, 1)
		return ErrAcquireTimeout
	}
}

// TryAcquire attempts to acquire a permit without blocking.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.mu.Unlock()

	if l.config.MaxConcurrent <= 0 {
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return true
	}

	select {
	case <-l.permits:
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return true
	default:
		atomic.AddInt64(&l.totalRejected, 1)
		return false
	}
}

// Release returns a permit.
func (l *Limiter) Release() {
	atomic.AddInt32(&l.active, -1)
	atomic.AddInt64(&l.totalReleased, 1)

	if l.permits == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.permits <- struct{}{}:
	default:
		// unbalanced release
	}
}

// Close wakes every waiter with ErrLimiterClosed. Permits still held may be
// released afterwards.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

// LimiterStats holds limiter counters.
type LimiterStats struct {
	MaxConcurrent int   `json:"max_concurrent"`
	Active        int   `json:"active"`
	Waiting       int   `json:"waiting"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalReleased int64 `json:"total_released"`
	TotalRejected int64 `json:"total_rejected"`
	TotalTimeouts int64 `json:"total_timeouts"`
}

// Stats returns current statistics.
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{
		MaxConcurrent: l.config.MaxConcurrent,
		Active:        int(atomic.LoadInt32(&l.active)),
		Waiting:       int(atomic.LoadInt32(&l.waiting)),
		TotalAcquired: atomic.LoadInt64(&l.totalAcquired),
		TotalReleased: atomic.LoadInt64(&l.totalReleased),
		TotalRejected: atomic.LoadInt64(&l.totalRejected),
		TotalTimeouts: atomic.LoadInt64(&l.totalTimeouts),
	}
}

// Active returns the number of permits held.
func (l *Limiter) Active() int {
	return int(atomic.LoadInt32(&l.active))
}

// Waiting returns the number of callers waiting for a permit.
func (l *Limiter) Waiting() int {
	return int(atomic.LoadInt32(&l.waiting))
}

// Available returns the number of free permits, or -1 when unlimited.
func (l *Limiter) Available() int {
	if l.config.MaxConcurrent <= 0 {
		return -1
	}
	return l.config.MaxConcurrent - int(atomic.LoadInt32(&l.active))
}
