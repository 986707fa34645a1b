package sched

import (
	"sync"

	"rv39kernel/internal/log"
)

// Scheduler owns the ready list, the thread table, and the simulated
// monotonic clock. All list and state mutation happens with mu held,
// modeling the "interrupts disabled around ready-list and wait-list
// mutations" discipline of a single-hart kernel with interrupts disabled.
type Scheduler struct {
	mu sync.Mutex

	ready    threadList
	current  *Thread
	idle     *Thread
	threads  map[int]*Thread
	nextID   int
	sleeping *Alarm
	mtime    uint64
	mtimecmp uint64

	log *log.Logger
}

// New creates a scheduler and spawns its idle thread. The idle thread
// loops calling Yield forever and is the scheduler's last resort: since it
// always re-enqueues itself, the ready list is never empty once New
// returns.
func New(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	s := &Scheduler{
		threads: make(map[int]*Thread),
		log:     logger,
	}

	s.idle = s.spawnLocked("idle", func(t *Thread) {
		for {
			s.Yield(t)
		}
	})

	// Bootstrap: the idle thread is the first (and, until Spawn is called
	// again, only) thread. Run it so Current() is valid immediately.
	s.mu.Lock()
	s.scheduleLocked(nil)
	s.mu.Unlock()

	return s
}

// Current returns the currently running thread.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

// Spawn creates a new thread in the READY state, running fn, and enqueues
// it on the ready list. fn receives the thread itself so it can call back
// into Yield/Wait/Exit.
func (s *Scheduler) Spawn(name string, fn func(t *Thread)) *Thread {
	s.mu.Lock()
	t := s.spawnLocked(name, fn)
	s.mu.Unlock()

	return t
}

func (s *Scheduler) spawnLocked(name string, fn func(t *Thread)) *Thread {
	s.nextID++

	t := &Thread{
		ID:     s.nextID,
		Name:   name,
		state:  UNINIT,
		sched:  s,
		resume: make(chan struct{}),
	}
	t.ChildExit = s.NewCond(name + ".child-exit")

	s.threads[t.ID] = t

	// The trampoline blocks until the scheduler first resumes this
	// thread, exactly as a newly spawned kernel thread's assembly
	// trampoline waits to be switched to before calling its start
	// routine.
	go func() {
		<-t.resume
		fn(t)
		s.exit(t)
	}()

	t.state = READY
	s.ready.pushBack(t)

	return t
}

// scheduleLocked picks the head of the ready list, marks it RUNNING, and
// switches context to it by releasing its resume channel. Must be called
// with mu held.
//
// If the thread picked is self (the caller is the only ready thread, e.g.
// the idle thread yielding to itself), there is nothing to switch to: self
// is already running, so scheduleLocked returns true and does not touch
// the resume channel. Sending on self's own resume channel from inside its
// own goroutine would deadlock, since nothing else is positioned to
// receive it.
func (s *Scheduler) scheduleLocked(self *Thread) (resumedSelf bool) {
	next := s.ready.popFront()
	if next == nil {
		panic("sched: ready list empty; idle thread missing")
	}

	next.state = RUNNING
	s.current = next

	if next == self {
		return true
	}

	next.resume <- struct{}{}

	return false
}

// Yield suspends the calling thread, returning it to READY and re-enqueuing
// it at the tail of the ready list, then switches to the next ready
// thread. It returns once t has been scheduled again.
func (s *Scheduler) Yield(t *Thread) {
	s.mu.Lock()
	t.state = READY
	s.ready.pushBack(t)
	same := s.scheduleLocked(t)
	s.mu.Unlock()

	if !same {
		<-t.resume
	}
}

// block parks t on cond's wait list (already queued to waitList by the
// caller, which may be Cond.Wait or Sleep) and suspends it.
func (s *Scheduler) block(t *Thread, cond *Cond, waitList *threadList) {
	s.mu.Lock()
	t.state = WAITING
	t.waitingOn = cond
	waitList.pushBack(t)
	same := s.scheduleLocked(t)
	s.mu.Unlock()

	if !same {
		<-t.resume
	}
}

// broadcast moves every waiter on cond to the ready list, marking each
// READY, without yielding. Safe to call from ISR-equivalent code.
func (s *Scheduler) broadcast(cond *Cond) {
	s.mu.Lock()

	for _, w := range cond.wait.popAll() {
		w.state = READY
		w.waitingOn = nil
		s.ready.pushBack(w)
	}

	s.mu.Unlock()
}

// exit marks t EXITED, wakes every thread joined on it and broadcasts its
// parent's child-exit condition, then switches away from t permanently: t's
// goroutine returns without ever receiving from its resume channel again.
func (s *Scheduler) exit(t *Thread) {
	s.mu.Lock()

	t.state = EXITED

	for _, j := range t.joiners.popAll() {
		j.state = READY
		s.ready.pushBack(j)
	}

	if t.Parent != nil {
		for _, w := range t.Parent.ChildExit.wait.popAll() {
			w.state = READY
			s.ready.pushBack(w)
		}
	}

	s.scheduleLocked(nil) // t is never self here: it was never on the ready list
	s.mu.Unlock()
}

// Join blocks the calling thread t until target has exited, then returns
// target's exit code. It is the scheduler-level primitive proc's wait
// syscall is built on; unlike that syscall-level wait(tid), Join does not involve
// fd tables or process identity at all.
func (s *Scheduler) Join(t *Thread, target *Thread) int {
	s.mu.Lock()

	if target.state == EXITED {
		s.mu.Unlock()
		return target.exitCode
	}

	t.state = WAITING
	target.joiners.pushBack(t)
	same := s.scheduleLocked(t) // t is on target.joiners, not ready, so never itself
	s.mu.Unlock()

	if !same {
		<-t.resume
	}

	return target.exitCode
}

// SetExitCode records the value a thread passed to its own exit, for
// Join and proc's wait syscall to observe. Called by proc.Manager.Exit; the
// thread becomes EXITED when its function returns.
func (t *Thread) SetExitCode(code int) { t.exitCode = code }

// Threads returns a snapshot of every thread the scheduler knows about, for
// diagnostics and tests.
func (s *Scheduler) Threads() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}

	return out
}
