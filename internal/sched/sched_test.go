package sched_test

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"rv39kernel/internal/log"
	"rv39kernel/internal/sched"
)

const timeout = 2 * time.Second

// recv waits for a value on ch or fails the test after timeout, so a
// scheduling bug hangs the test run instead of the whole suite.
func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatal("timed out waiting for spawned thread")
		var zero T
		return zero
	}
}

func TestSpawnRunsToCompletion(t *testing.T) {
	t.Parallel()

	s := sched.New(log.DefaultLogger())

	done := make(chan int, 1)

	s.Spawn("worker", func(tt *sched.Thread) {
		done <- tt.ID
	})

	id := recv(t, done)
	if id <= 0 {
		t.Errorf("spawned thread ID = %d, want > 0", id)
	}
}

func TestJoinObservesExitCode(t *testing.T) {
	t.Parallel()

	s := sched.New(log.DefaultLogger())

	ready := make(chan *sched.Thread, 1)
	target := s.Spawn("target", func(tt *sched.Thread) {
		tt.SetExitCode(42)
	})
	ready <- target

	result := make(chan int, 1)
	s.Spawn("joiner", func(tt *sched.Thread) {
		target := <-ready
		result <- s.Join(tt, target)
	})

	if code := recv(t, result); code != 42 {
		t.Errorf("Join returned exit code %d, want 42", code)
	}
}

func TestManyThreadsAllComplete(t *testing.T) {
	t.Parallel()

	s := sched.New(log.DefaultLogger())

	const n = 16

	done := make(chan int, n)

	for i := 0; i < n; i++ {
		s.Spawn("worker", func(tt *sched.Thread) {
			// Yield a few times first so threads genuinely interleave
			// instead of each running start-to-finish in Spawn order.
			for j := 0; j < 3; j++ {
				s.Yield(tt)
			}

			done <- tt.ID
		})
	}

	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		id := recv(t, done)
		if seen[id] {
			t.Fatalf("thread %d reported completion twice", id)
		}
		seen[id] = true
	}
}

func TestSleepLockExcludesConcurrentHolders(t *testing.T) {
	t.Parallel()

	s := sched.New(log.DefaultLogger())
	lock := s.NewSleepLock("test.lock")

	var mu sync.Mutex
	var order []string

	doneB := make(chan struct{})

	// holder-a keeps the lock across several Yields, giving holder-b a
	// chance to run and block in Acquire, the same way a thread holding
	// VIOBLK's or FS's lock yields the hart while still the owner.
	s.Spawn("holder-a", func(tt *sched.Thread) {
		lock.Acquire(tt)

		mu.Lock()
		order = append(order, "a-acquired")
		mu.Unlock()

		for i := 0; i < 5; i++ {
			s.Yield(tt)
		}

		mu.Lock()
		order = append(order, "a-released")
		mu.Unlock()

		lock.Release(tt)
	})

	s.Spawn("holder-b", func(tt *sched.Thread) {
		lock.Acquire(tt)

		mu.Lock()
		order = append(order, "b-acquired")
		mu.Unlock()

		lock.Release(tt)
		close(doneB)
	})

	select {
	case <-doneB:
	case <-time.After(timeout):
		t.Fatal("holder-b never acquired the lock")
	}

	mu.Lock()
	defer mu.Unlock()

	if len(order) != 3 || order[0] != "a-acquired" || order[1] != "a-released" || order[2] != "b-acquired" {
		t.Errorf("acquire/release order = %v, want [a-acquired a-released b-acquired]", order)
	}
}

func TestCondWaitBroadcastWakesWaiter(t *testing.T) {
	t.Parallel()

	s := sched.New(log.DefaultLogger())
	cond := s.NewCond("test.cond")

	var mu sync.Mutex
	ready := false

	woke := make(chan struct{})

	waiter := s.Spawn("waiter", func(tt *sched.Thread) {
		mu.Lock()
		for !ready {
			mu.Unlock()
			cond.Wait(tt)
			mu.Lock()
		}
		mu.Unlock()

		close(woke)
	})

	deadline := time.Now().Add(timeout)
	for waiter.State() != sched.WAITING {
		if time.Now().After(deadline) {
			t.Fatal("waiter never reached WAITING")
		}
		runtime.Gosched()
	}

	select {
	case <-woke:
		t.Fatal("waiter woke before the condition was ever signaled")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	ready = true
	mu.Unlock()

	cond.Broadcast()

	select {
	case <-woke:
	case <-time.After(timeout):
		t.Fatal("waiter never woke after Broadcast")
	}
}

func TestSleepWakesAfterTicks(t *testing.T) {
	t.Parallel()

	s := sched.New(log.DefaultLogger())
	al := s.NewAlarm("test.alarm")

	woke := make(chan uint64, 1)

	sleeper := s.Spawn("sleeper", func(tt *sched.Thread) {
		s.Sleep(al, 5)
		woke <- s.Mtime()
	})

	// Wait for the sleeper to actually be parked on the alarm before
	// ticking, so the deadline is measured from a known mtime.
	deadline := time.Now().Add(timeout)
	for sleeper.State() != sched.WAITING {
		if time.Now().After(deadline) {
			t.Fatal("sleeper never reached WAITING")
		}
		runtime.Gosched()
	}

	for i := 0; i < 4; i++ {
		s.Tick()
	}

	select {
	case <-woke:
		t.Fatal("sleeper woke before its deadline")
	case <-time.After(20 * time.Millisecond):
	}

	s.Tick()

	mtime := recv(t, woke)
	if mtime < 5 {
		t.Errorf("Mtime() after wake = %d, want >= 5", mtime)
	}
}

func TestThreadsSnapshot(t *testing.T) {
	t.Parallel()

	s := sched.New(log.DefaultLogger())

	done := make(chan struct{})
	s.Spawn("worker", func(tt *sched.Thread) {
		close(done)
	})

	<-done

	found := false
	for _, tt := range s.Threads() {
		if tt.Name == "worker" {
			found = true
		}
	}

	if !found {
		t.Error("Threads() did not include the spawned worker")
	}
}
