package sched

// Cond is a condition variable: a name (for diagnostics) and a wait list.
type Cond struct {
	Name string
	wait threadList
	s    *Scheduler
}

// NewCond creates a condition variable owned by s.
func (s *Scheduler) NewCond(name string) *Cond {
	return &Cond{Name: name, s: s}
}

// Wait parks the calling thread t on c and suspends it. The caller must be
// the currently running thread. On wakeup the thread has been moved
// READY -> RUNNING through the scheduler.
func (c *Cond) Wait(t *Thread) {
	c.s.block(t, c, &c.wait)
}

// Broadcast moves every waiter from c's wait list to the ready list,
// marking each READY. It is safe to call from an interrupt handler (vioblk's
// device thread does; Tick, the timer ISR stand-in, makes the same move
// inline under the scheduler lock) and does not itself yield.
func (c *Cond) Broadcast() {
	c.s.broadcast(c)
}
