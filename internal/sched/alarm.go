package sched

import "math"

// Alarm is {condition, next, wake-time-in-ticks}. The
// sleep list is kept sorted by wake time so the timer ISR only has to walk
// a prefix of it.
type Alarm struct {
	cond  *Cond
	next  *Alarm
	twake uint64
	s     *Scheduler
}

// NewAlarm creates an alarm owned by s.
func (s *Scheduler) NewAlarm(name string) *Alarm {
	return &Alarm{cond: s.NewCond(name), s: s}
}

// Sleep computes twake = mtime + ticks (saturating at the type maximum),
// inserts the alarm into the sorted sleep list, programs the next timer
// deadline if this becomes the earliest alarm, then waits on the alarm's
// condition. It returns once the timer ISR has broadcast the alarm,
// guaranteeing at least `ticks` monotonic ticks elapsed since the call.
func (s *Scheduler) Sleep(al *Alarm, ticks uint64) {
	s.mu.Lock()

	if ticks > math.MaxUint64-s.mtime {
		al.twake = math.MaxUint64
	} else {
		al.twake = s.mtime + ticks
	}

	s.insertAlarmLocked(al)

	t := s.current
	t.state = WAITING
	t.waitingOn = al.cond
	al.cond.wait.pushBack(t)

	same := s.scheduleLocked(t) // t is on the alarm's wait list, not ready, so never itself
	s.mu.Unlock()

	if !same {
		<-t.resume
	}
}

// insertAlarmLocked inserts al into the sleep list, keeping it sorted by
// wake time, and reprograms the timer deadline if al is now the earliest.
// Must be called with s.mu held.
func (s *Scheduler) insertAlarmLocked(al *Alarm) {
	var prev *Alarm

	cur := s.sleeping

	for cur != nil && cur.twake <= al.twake {
		prev = cur
		cur = cur.next
	}

	al.next = cur

	if prev == nil {
		s.sleeping = al
	} else {
		prev.next = al
	}

	if s.sleeping == al {
		s.mtimecmp = al.twake
	}
}

// Tick advances the simulated monotonic clock by one tick and, if any
// alarm's wake time has passed, broadcasts each one in turn. This stands
// in for the timer ISR, which in the original kernel only walks the sorted
// prefix of the sleep list whose deadline has passed.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.mtime++

	for s.sleeping != nil && s.sleeping.twake <= s.mtime {
		al := s.sleeping
		s.sleeping = al.next
		al.next = nil

		waiters := al.cond.wait.popAll()
		for _, w := range waiters {
			w.state = READY
			w.waitingOn = nil
			s.ready.pushBack(w)
		}
	}

	if s.sleeping != nil {
		s.mtimecmp = s.sleeping.twake
	} else {
		s.mtimecmp = math.MaxUint64
	}

	s.mu.Unlock()
}

// Mtime returns the current simulated tick count.
func (s *Scheduler) Mtime() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mtime
}
