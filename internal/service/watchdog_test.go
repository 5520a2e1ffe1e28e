package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeChecker — StallChecker с функцией-заглушкой.
type fakeChecker struct {
	calls   atomic.Int32
	abortFn func(now time.Time) int
}

func (f *fakeChecker) AbortStalled(now time.Time) int {
	f.calls.Add(1)
	if f.abortFn != nil {
		return f.abortFn(now)
	}
	return 0
}

func TestWatchdogRunOnce_NoStalled(t *testing.T) {
	checker := &fakeChecker{}
	w := NewWatchdogService(checker, time.Hour, testLogger())

	if n := w.RunOnce(); n != 0 {
		t.Errorf("RunOnce: хотели 0, получили %d", n)
	}
	if checker.calls.Load() != 1 {
		t.Errorf("AbortStalled вызван %d раз, ожидался 1", checker.calls.Load())
	}
}

func TestWatchdogRunOnce_PassesNow(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var got time.Time
	checker := &fakeChecker{abortFn: func(now time.Time) int {
		got = now
		return 2
	}}
	w := NewWatchdogService(checker, time.Hour, testLogger())
	w.now = func() time.Time { return fixed }

	if n := w.RunOnce(); n != 2 {
		t.Errorf("RunOnce: хотели 2, получили %d", n)
	}
	if !got.Equal(fixed) {
		t.Errorf("время проверки %v, ожидалось %v", got, fixed)
	}
}

// TestWatchdog_StartStop проверяет периодический запуск и остановку.
func TestWatchdog_StartStop(t *testing.T) {
	checker := &fakeChecker{}
	w := NewWatchdogService(checker, 5*time.Millisecond, testLogger())

	w.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for checker.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	w.Stop()

	if checker.calls.Load() < 2 {
		t.Fatalf("ожидалось не менее 2 проверок, получено %d", checker.calls.Load())
	}
	after := checker.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if checker.calls.Load() != after {
		t.Error("проверки продолжаются после Stop")
	}
}

func TestWatchdogRunOnce_ConcurrentSafety(t *testing.T) {
	var inside, maxInside atomic.Int32
	checker := &fakeChecker{abortFn: func(time.Time) int {
		n := inside.Add(1)
		if n > maxInside.Load() {
			maxInside.Store(n)
		}
		time.Sleep(time.Millisecond)
		inside.Add(-1)
		return 0
	}}
	w := NewWatchdogService(checker, time.Hour, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.RunOnce()
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("параллельных проверок %d, ожидалась 1", maxInside.Load())
	}
}
