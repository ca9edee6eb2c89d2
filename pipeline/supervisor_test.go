// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/fieldcore/envlogger/kernel"
)

// TestSupervisorStartsProducerOnDemand verifies §4.G subscriber counting:
// incrementing from zero starts the producer, and decrementing to zero
// lets it exit on its next tick without the supervisor restarting it.
func TestSupervisorStartsProducerOnDemand(t *testing.T) {
	sched := kernel.New(func() {})
	ring := NewRing(4)
	subs := &Subscribers{}

	tick := 0
	now := func() time.Time { return time.Unix(0, 0).Add(time.Duration(tick) * time.Second) }
	producer := NewProducer(sched, ring, Sensors{}, subs, now)

	sv := NewSupervisor(sched, subs, producer)

	sv.Poll(context.Background())
	if sv.Running() {
		t.Fatal("producer should not start with zero subscribers")
	}

	subs.Inc()
	sv.Poll(context.Background())
	if !sv.Running() {
		t.Fatal("producer should start once a subscriber appears")
	}

	subs.Dec()
	// the producer exits on its own next tick, not synchronously; a
	// single advance past the rate limiter's next tick should retire it.
	for i := 0; i < 3 && sv.Running(); i++ {
		tick++
		sched.Yield()
	}
	if sv.Running() {
		t.Fatal("producer should have exited once subscribers reached zero")
	}

	sv.Poll(context.Background())
	if sv.Running() {
		t.Fatal("supervisor must not restart the producer with zero subscribers")
	}
}
