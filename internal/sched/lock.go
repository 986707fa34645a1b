package sched

// SleepLock is a blocking mutual-exclusion lock built on a condition
// variable: Acquire blocks while the lock is held by another thread;
// Release asserts ownership and broadcasts. Re-acquisition
// by the same thread that already holds the lock is a no-op, matching the
// original kernel's reentrant sleep lock semantics (used by VIOBLK and FS,
// each of which calls into itself indirectly through read-before-write).
type SleepLock struct {
	cond  *Cond
	owner int // tid of the current holder, or -1
}

// NewSleepLock creates an unheld lock.
func (s *Scheduler) NewSleepLock(name string) *SleepLock {
	return &SleepLock{cond: s.NewCond(name), owner: -1}
}

// Acquire blocks the calling thread until the lock is free or already held
// by it.
func (l *SleepLock) Acquire(t *Thread) {
	for l.owner != -1 && l.owner != t.ID {
		l.cond.Wait(t)
	}

	l.owner = t.ID
}

// Release gives up ownership of the lock and wakes every waiter. It panics
// if called by a thread that does not hold the lock, since that is a
// programmer error, not a recoverable condition.
func (l *SleepLock) Release(t *Thread) {
	if l.owner != t.ID {
		panic("sched: release of sleep lock not held by caller")
	}

	l.owner = -1
	l.cond.Broadcast()
}

// Held reports whether t currently holds the lock.
func (l *SleepLock) Held(t *Thread) bool { return l.owner == t.ID }
