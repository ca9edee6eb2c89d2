// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package i2cbus

import (
	"testing"

	"github.com/fieldcore/envlogger/hal/sim"
	"github.com/fieldcore/envlogger/kernel"
)

func TestBusRequestReleaseGatesPowerExactlyOnce(t *testing.T) {
	s := kernel.New(func() {})
	port := sim.NewI2CBus()

	inits, teardowns := 0, 0
	bus := New(s, port, 400_000, func() error { inits++; return nil }, func() { teardowns++ })

	if err := bus.Request(); err != nil {
		t.Fatal(err)
	}
	bus.res.Unlock() // let a second user in while the first still counts
	if err := bus.Request(); err != nil {
		t.Fatal(err)
	}
	if inits != 1 {
		t.Fatalf("onFirstUse ran %d times, want 1", inits)
	}
	bus.Release()
	if teardowns != 0 {
		t.Fatal("should not tear down while a second user holds the bus")
	}
	bus.res.Lock()
	bus.Release()
	if teardowns != 1 {
		t.Fatalf("onLastRelease ran %d times, want 1", teardowns)
	}
}

func TestECEZORequestThenFinishPipelines(t *testing.T) {
	s := kernel.New(func() {})
	port := sim.NewI2CBus()
	dev := &sim.ASCIISensor{}
	port.Attach(0x64, dev)

	bus := New(s, port, 400_000, nil, nil)
	ecezo := NewECEZO(bus, 0x64)

	if err := ecezo.RequestRead(); err != nil {
		t.Fatalf("RequestRead() = %v", err)
	}

	// simulate the probe's conversion finishing before FinishRead is
	// called on the next tick.
	dev.Respond("784.50")

	got, err := ecezo.FinishRead()
	if err != nil {
		t.Fatalf("FinishRead() = %v", err)
	}
	if got != "784.50" {
		t.Fatalf("FinishRead() = %q, want %q", got, "784.50")
	}
}

func TestBME280ReadsRawBurst(t *testing.T) {
	s := kernel.New(func() {})
	port := sim.NewI2CBus()
	dev := &fixedRegisterDevice{data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	port.Attach(0x76, dev)

	bus := New(s, port, 400_000, nil, nil)
	sensor := NewBME280(bus, 0x76)

	raw, err := sensor.RawSample()
	if err != nil {
		t.Fatalf("RawSample() = %v", err)
	}
	if len(raw) != 8 {
		t.Fatalf("len(raw) = %d, want 8", len(raw))
	}
}

type fixedRegisterDevice struct{ data []byte }

func (d *fixedRegisterDevice) WriteFrom(data []byte) {}
func (d *fixedRegisterDevice) ReadInto(data []byte)  { copy(data, d.data) }
