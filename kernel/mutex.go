// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

// Mutex is a non-preemptive lock: waiters busy-yield instead of queuing.
// It is sound only because the scheduler never preempts a task between
// the held check and the held store, so the compare-then-set sequence
// need not be atomic (§4.B).
type Mutex struct {
	sched *Scheduler
	held  bool
}

// NewMutex creates a Mutex that busy-yields against sched while waiting.
func NewMutex(sched *Scheduler) *Mutex {
	return &Mutex{sched: sched}
}

// Lock spins on Yield until the mutex is free, then marks it held.
func (m *Mutex) Lock() {
	for m.held {
		m.sched.Yield()
	}
	m.held = true
}

// TryLock attempts to acquire the mutex without yielding, returning false
// immediately if it is already held.
func (m *Mutex) TryLock() bool {
	if m.held {
		return false
	}
	m.held = true
	return true
}

// Unlock marks the mutex free and emits an event-set hint so that peers
// parked in Lock's Yield loop are not left waiting for an unrelated
// interrupt to wake them.
func (m *Mutex) Unlock() {
	m.held = false
	m.sched.EventHint()
}

// Held reports whether the mutex is currently held, for diagnostics only.
func (m *Mutex) Held() bool {
	return m.held
}
