// Cooperative multitasking kernel
// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package kernel implements a cooperative, single-scheduling-point
// multitasking kernel: a main task and a FIFO-ordered list of child tasks
// that run to completion between explicit calls to Yield. There is no
// preemption and no dynamic task creation from within a child task.
//
// Where the original firmware this core is modeled on swaps stacks with a
// hand-written ARM assembly stub (see original_source/cortex_m_cooperative_
// multitasking.c), this package uses one goroutine per task and an
// unbuffered channel handoff as the stack-switch primitive: exactly one
// goroutine is ever runnable at a time, so the single-scheduling-point
// and no-preemption invariants hold even though the underlying runtime is
// preemptive.
package kernel

import "time"

// Task is an opaque handle to a child task, returned by Start. It carries
// no exported fields; task identity is the pointer itself.
type Task struct {
	resume  chan struct{}
	yielded chan struct{}
	label   string
	done    bool
}

// Scheduler owns the runlist and the currently-executing task pointer. All
// of its state is only ever touched by whichever goroutine currently holds
// the baton (the main task or the single running child), so no additional
// locking is required — this mirrors the source's unsynchronized globals
// context_of_current_child and children_head.
type Scheduler struct {
	current *Task
	runlist []*Task

	wake            chan struct{}
	sleepUntilEvent func()
}

// New creates a Scheduler. sleepUntilEvent, if non-nil, replaces the
// default low-power wait invoked by Yield when called from the main task;
// it must return once woken by EventHint or after a bounded interval, as
// the main task's Yield is never allowed to block indefinitely (§5).
func New(sleepUntilEvent func()) *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
	}
	if sleepUntilEvent == nil {
		sleepUntilEvent = s.defaultSleepUntilEvent
	}
	s.sleepUntilEvent = sleepUntilEvent
	return s
}

// defaultSleepUntilEvent blocks until EventHint is called or a short
// interval elapses, standing in for a WFE/WFI instruction bounded by the
// next hardware interrupt.
func (s *Scheduler) defaultSleepUntilEvent() {
	select {
	case <-s.wake:
	case <-time.After(10 * time.Millisecond):
	}
}

// EventHint is the "SEV" equivalent: it ensures that a concurrent or
// subsequent SleepUntilEvent does not oversleep past a state change made
// outside of Yield (an ISR setting a flag, or a task releasing a lock).
// Safe to call from any goroutine, including simulated ISRs.
func (s *Scheduler) EventHint() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start attaches a new child task running fn, labeled name for
// diagnostics (the "tasks" console command). It must only be called from
// the main task: the source explicitly disallows child-started tasks (§9
// open question (i)), and this kernel enforces that by panicking if
// called while a child is current.
//
// Start immediately enters fn via the same handoff Yield uses. If fn
// returns without ever calling Yield, it is never added to the runlist.
func (s *Scheduler) Start(name string, fn func()) *Task {
	if s.current != nil {
		panic("kernel: child task cannot start another task")
	}

	t := &Task{
		resume:  make(chan struct{}),
		yielded: make(chan struct{}),
		label:   name,
	}

	go func() {
		<-t.resume
		fn()
		t.done = true
		t.yielded <- struct{}{}
	}()

	s.resumeAndWait(t)

	if !t.done {
		s.runlist = append(s.runlist, t)
	}

	return t
}

// resumeAndWait hands the baton to t and blocks until t yields or
// finishes, restoring the previous current task on return. This is the
// symmetric stack swap (SWAP_CONTEXT) shared by Start's bootstrap entry
// and the main task's per-pass resume.
func (s *Scheduler) resumeAndWait(t *Task) {
	prev := s.current
	s.current = t
	t.resume <- struct{}{}
	<-t.yielded
	s.current = prev
}

// Yield is the sole scheduling point. Its behavior depends on the caller:
//
//   - From a child task, it suspends the calling goroutine and returns
//     control to whichever Yield call most recently resumed it.
//   - From the main task, it first sleeps until the next event, then
//     visits every runnable child exactly once in FIFO start order,
//     removing any that finished during their turn.
func (s *Scheduler) Yield() {
	if s.current != nil {
		t := s.current
		t.yielded <- struct{}{}
		<-t.resume
		return
	}

	s.sleepUntilEvent()

	for i := 0; i < len(s.runlist); {
		t := s.runlist[i]
		s.resumeAndWait(t)

		if t.done {
			s.runlist = append(s.runlist[:i], s.runlist[i+1:]...)
		} else {
			i++
		}
	}
}

// Current returns an opaque identifier for the presently-executing task,
// or nil if called from the main task.
func (s *Scheduler) Current() *Task {
	return s.current
}

// IsRunning reports whether t has not yet returned from its entry
// function.
func (s *Scheduler) IsRunning(t *Task) bool {
	return !t.done
}

// Tasks returns the current runlist in FIFO order, for diagnostics (the
// "tasks" console command). The returned slice is a snapshot copy.
func (s *Scheduler) Tasks() []*Task {
	out := make([]*Task, len(s.runlist))
	copy(out, s.runlist)
	return out
}

// Label returns the diagnostic name a task was started with.
func (t *Task) Label() string {
	return t.label
}
