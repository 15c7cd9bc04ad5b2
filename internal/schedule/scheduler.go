// Package schedule provides admission control and resilience for outbound
// generation calls. The Scheduler bounds concurrency and paces task starts;
// the retry wrapper layers classification-driven backoff on top. The two
// are deliberately separate: the scheduler knows nothing about retries or
// provider semantics, and every retry attempt re-enters the scheduler so
// retries never bypass global pacing.
package schedule

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"atelier/internal/logging"
)

// Config configures a Scheduler instance.
type Config struct {
	// MaxConcurrent bounds the number of tasks running at once.
	MaxConcurrent int

	// Spacing is the minimum gap between successive task start times,
	// enforced across all callers of this instance.
	Spacing time.Duration
}

// DefaultConfig returns the defaults used by the orchestration layer.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		Spacing:       100 * time.Millisecond,
	}
}

// Scheduler serializes bursty calls into a rate-safe stream. Blocked
// submitters queue FIFO on the slot semaphore; the pacer enforces the
// inter-start spacing floor independent of the concurrency cap. All pacing
// state is owned by the instance - construct one per rate domain and pass
// it by reference.
type Scheduler struct {
	cfg   Config
	slots chan struct{}
	pacer *rate.Limiter

	active  int32
	waiting int32
	starts  int64
}

// New creates a scheduler. Zero or negative config fields fall back to the
// defaults.
func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.Spacing <= 0 {
		cfg.Spacing = DefaultConfig().Spacing
	}
	return &Scheduler{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.MaxConcurrent),
		pacer: rate.NewLimiter(rate.Every(cfg.Spacing), 1),
	}
}

// Submit runs fn under admission control: it waits for a slot and for the
// pacing floor, runs fn, and releases the slot when fn returns. The error
// returned by fn is the only error channel; Submit never swallows or
// rewrites it. Waiting is abandoned when ctx is cancelled.
func (s *Scheduler) Submit(ctx context.Context, label string, fn func(context.Context) error) error {
	atomic.AddInt32(&s.waiting, 1)
	metricWaiting.Inc()

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		atomic.AddInt32(&s.waiting, -1)
		metricWaiting.Dec()
		return ctx.Err()
	}

	defer func() { <-s.slots }()

	// Pacing floor: measured from the previous task's start, even across
	// different callers.
	if err := s.pacer.Wait(ctx); err != nil {
		atomic.AddInt32(&s.waiting, -1)
		metricWaiting.Dec()
		return err
	}

	atomic.AddInt32(&s.waiting, -1)
	metricWaiting.Dec()
	atomic.AddInt32(&s.active, 1)
	metricActive.Inc()
	defer func() {
		atomic.AddInt32(&s.active, -1)
		metricActive.Dec()
	}()
	atomic.AddInt64(&s.starts, 1)
	metricStarts.WithLabelValues(label).Inc()

	logging.Scheduler().Debugw("task started",
		"label", label,
		"active", atomic.LoadInt32(&s.active),
		"waiting", atomic.LoadInt32(&s.waiting))

	return fn(ctx)
}

// Do runs fn through the scheduler and returns its value. The generic shape
// keeps provider call sites from threading results through closures.
func Do[T any](ctx context.Context, s *Scheduler, label string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.Submit(ctx, label, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Metrics is a point-in-time snapshot of scheduler state.
type Metrics struct {
	MaxConcurrent int
	Active        int
	Waiting       int
	TotalStarts   int64
}

// Snapshot returns current counters.
func (s *Scheduler) Snapshot() Metrics {
	return Metrics{
		MaxConcurrent: s.cfg.MaxConcurrent,
		Active:        int(atomic.LoadInt32(&s.active)),
		Waiting:       int(atomic.LoadInt32(&s.waiting)),
		TotalStarts:   atomic.LoadInt64(&s.starts),
	}
}
