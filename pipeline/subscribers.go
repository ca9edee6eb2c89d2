// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pipeline

// Subscribers is the reference count of consumers wanting sample data to
// flow, grounded on §4.G's "subscriber counting": incrementing it from
// zero is the signal to start the producer, decrementing it to zero is
// the signal for the producer to exit on its next tick.
type Subscribers struct {
	count int
}

// Inc increments the subscriber count and reports whether it transitioned
// from zero, i.e. whether the producer needs starting.
func (s *Subscribers) Inc() (becameActive bool) {
	s.count++
	return s.count == 1
}

// Dec decrements the subscriber count and reports whether it transitioned
// to zero, i.e. whether the producer should be allowed to stop.
func (s *Subscribers) Dec() (becameIdle bool) {
	if s.count == 0 {
		return false
	}
	s.count--
	return s.count == 0
}

// Count returns the current subscriber count, for diagnostics.
func (s *Subscribers) Count() int { return s.count }
