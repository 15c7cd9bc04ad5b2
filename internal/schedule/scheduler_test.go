package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestScheduler_PacingFloor verifies successive task starts are spaced by at
// least the configured floor, regardless of burst size.
func TestScheduler_PacingFloor(t *testing.T) {
	spacing := 20 * time.Millisecond
	s := New(Config{MaxConcurrent: 8, Spacing: spacing})

	const tasks = 6
	var mu sync.Mutex
	starts := make([]time.Time, 0, tasks)

	var wg sync.WaitGroup
	ctx := context.Background()
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Submit(ctx, "pacing", func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("submit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(starts) != tasks {
		t.Fatalf("expected %d starts, got %d", tasks, len(starts))
	}
	// Starts are appended with uncontrolled goroutine ordering; sort by time.
	for i := 1; i < len(starts); i++ {
		for j := i; j > 0 && starts[j].Before(starts[j-1]); j-- {
			starts[j], starts[j-1] = starts[j-1], starts[j]
		}
	}
	// Allow a small tolerance for timer jitter on loaded CI machines.
	tolerance := 2 * time.Millisecond
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		if gap+tolerance < spacing {
			t.Fatalf("start gap %v below pacing floor %v (i=%d)", gap, spacing, i)
		}
	}
}

// TestScheduler_ConcurrencyBound verifies the active-task cap.
func TestScheduler_ConcurrencyBound(t *testing.T) {
	s := New(Config{MaxConcurrent: 3, Spacing: time.Millisecond})

	var current, max int32
	var wg sync.WaitGroup
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Submit(ctx, "bound", func(context.Context) error {
				cur := atomic.AddInt32(&current, 1)
				for {
					old := atomic.LoadInt32(&max)
					if cur <= old || atomic.CompareAndSwapInt32(&max, old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if max > 3 {
		t.Fatalf("concurrency bound exceeded: max=%d want <=3", max)
	}
	if got := s.Snapshot().TotalStarts; got != 12 {
		t.Fatalf("expected 12 starts, got %d", got)
	}
}

// TestScheduler_ErrorPassthrough verifies task errors surface unchanged.
func TestScheduler_ErrorPassthrough(t *testing.T) {
	s := New(DefaultConfig())
	sentinel := errors.New("boom")

	err := s.Submit(context.Background(), "fail", func(context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
}

// TestScheduler_CancelledWhileQueued verifies a queued task can abandon the
// wait without running.
func TestScheduler_CancelledWhileQueued(t *testing.T) {
	s := New(Config{MaxConcurrent: 1, Spacing: time.Millisecond})

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = s.Submit(context.Background(), "holder", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ran := false
	go func() {
		done <- s.Submit(ctx, "waiter", func(context.Context) error {
			ran = true
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ran {
		t.Fatal("cancelled task must not run")
	}
	close(release)
}

// TestDo_ReturnsValue verifies the generic helper threads results through.
func TestDo_ReturnsValue(t *testing.T) {
	s := New(DefaultConfig())
	got, err := Do(context.Background(), s, "value", func(context.Context) (string, error) {
		return "forty-two", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "forty-two" {
		t.Fatalf("expected forty-two, got %q", got)
	}
}
