// Package sched implements the thread scheduler: the ready list, condition
// variables, sleep locks, alarms, and context switch. Scheduling is
// cooperative-plus-preemptive on a single hart: a thread runs until it
// suspends explicitly, blocks on a condition, or (in the real kernel) is
// preempted on return to U mode after a timer interrupt.
//
// There is no real hart to context-switch underneath this simulation, so
// each Thread is backed by a real goroutine, and "context switch" is a
// baton handoff over an unbuffered channel: at most one thread's goroutine
// is ever runnable at a time, the same way a single CPU core is the only
// thing touching CPU state while other goroutines (tests,
// device timers) synchronize with it over channels (internal/vm/vm_test.go).
// Every mutation of ready/wait lists and thread state happens with
// Scheduler.mu held, which plays the role of "interrupts disabled" on a
// single-hart kernel.
package sched

import (
	"fmt"

	"rv39kernel/internal/log"
)

// State is a thread's position in its lifecycle.
type State int

const (
	UNINIT State = iota
	STOPPED
	WAITING
	RUNNING
	READY
	EXITED
)

func (s State) String() string {
	switch s {
	case UNINIT:
		return "UNINIT"
	case STOPPED:
		return "STOPPED"
	case WAITING:
		return "WAITING"
	case RUNNING:
		return "RUNNING"
	case READY:
		return "READY"
	case EXITED:
		return "EXITED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Thread is a schedulable unit of execution.
type Thread struct {
	ID    int
	Name  string
	state State

	// Proc is an optional back-reference to the owning process, opaque to
	// sched to avoid an import cycle; proc.Manager type-asserts it.
	Proc any

	Parent *Thread

	// ChildExit is broadcast by Exit to every thread waiting for one of
	// this thread's children to finish.
	ChildExit *Cond

	listNext  *Thread // owned by whichever list currently holds this thread
	waitingOn *Cond   // the condition this thread is parked on, if WAITING

	exitCode int
	joiners  threadList // threads parked in Join waiting for this thread to exit

	sched  *Scheduler
	resume chan struct{}
}

func (t *Thread) State() State { return t.state }

func (t *Thread) String() string {
	return fmt.Sprintf("thread{id:%d name:%q state:%s}", t.ID, t.Name, t.state)
}

func (t *Thread) LogValue() log.Value {
	return log.GroupValue(
		log.String("id", fmt.Sprint(t.ID)),
		log.String("name", t.Name),
		log.String("state", t.state.String()),
	)
}

// ExitCode returns the value the thread passed to Exit, valid once State is
// EXITED.
func (t *Thread) ExitCode() int { return t.exitCode }
