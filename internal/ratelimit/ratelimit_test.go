package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAcquireRelease(t *testing.T) {
	l := New(10, time.Second, 2)
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	release()
	release() // second call must be a no-op

	s := l.Snapshot()
	if s.Acquired != 1 || s.InFlight != 0 {
		t.Errorf("stats = %+v, want acquired=1 in_flight=0", s)
	}
}

func TestConcurrencyCap(t *testing.T) {
	const limit = 3
	l := New(1000, time.Second, limit)

	var cur, max int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			n := atomic.AddInt64(&cur, 1)
			for {
				m := atomic.LoadInt64(&max)
				if n <= m || atomic.CompareAndSwapInt64(&max, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&cur, -1)
			release()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&max); got > limit {
		t.Errorf("observed %d concurrent holders, cap is %d", got, limit)
	}
}

func TestQPSWindow(t *testing.T) {
	const qps = 5
	l := New(qps, 200*time.Millisecond, 100)

	start := time.Now()
	// First qps acquires must be immediate; the next must wait for the
	// window to slide.
	for i := 0; i < qps; i++ {
		release, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		release()
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first window acquires too slow: %v", elapsed)
	}

	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("over-window Acquire failed: %v", err)
	}
	release()
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("over-window acquire returned after %v, expected to wait for window", elapsed)
	}
}

func TestAcquireRespectsCancel(t *testing.T) {
	l := New(1, time.Minute, 1)
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); err == nil {
		t.Error("expected context error for blocked acquire")
	}
}
