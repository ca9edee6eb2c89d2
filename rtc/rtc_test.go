// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package rtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldcore/envlogger/hal/sim"
	"github.com/fieldcore/envlogger/i2cbus"
	"github.com/fieldcore/envlogger/kernel"
)

func TestPackFatTime(t *testing.T) {
	got := PackFatTime(time.Date(2026, time.July, 29, 14, 37, 42, 0, time.UTC))
	want := uint32(2026-1980)<<25 | uint32(7)<<21 | uint32(29)<<16 | uint32(14)<<11 | uint32(37)<<5 | uint32(42/2)
	if got != want {
		t.Fatalf("PackFatTime() = %#x, want %#x", got, want)
	}
}

func TestSyncFromHardwareRoundTrip(t *testing.T) {
	s := kernel.New(func() {})
	port := sim.NewI2CBus()
	chip := sim.NewDS3231()
	port.Attach(0x68, chip)
	bus := i2cbus.New(s, port, 400_000, nil, nil)

	chip.SetBCD(0x30, 0x45, 0x14, 0x04, 0x29, 0x07, 0x26) // 14:45:30 2026-07-29

	// A frozen clock source keeps Now() from extrapolating past the synced
	// instant between the sync and the check.
	clock := New(bus, 0x68).WithClockSource(func() time.Time { return time.Time{} })
	if err := clock.SyncFromHardware(context.Background()); err != nil {
		t.Fatalf("SyncFromHardware() = %v", err)
	}

	got := clock.Now()
	want := time.Date(2026, time.July, 29, 14, 45, 30, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}
}

func TestSyncToHardwareThenReadBack(t *testing.T) {
	s := kernel.New(func() {})
	port := sim.NewI2CBus()
	chip := sim.NewDS3231()
	port.Attach(0x68, chip)
	bus := i2cbus.New(s, port, 400_000, nil, nil)
	clock := New(bus, 0x68)

	want := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	if err := clock.SyncToHardware(context.Background(), want); err != nil {
		t.Fatalf("SyncToHardware() = %v", err)
	}

	other := New(bus, 0x68).WithClockSource(func() time.Time { return time.Time{} })
	if err := other.SyncFromHardware(context.Background()); err != nil {
		t.Fatalf("SyncFromHardware() = %v", err)
	}
	if got := other.Now(); !got.Equal(want) {
		t.Fatalf("read back %v, want %v", got, want)
	}
}

func TestSyncToHardwareWaitsForSecondBoundaryWhenSchedulerWired(t *testing.T) {
	s := kernel.New(func() {})
	port := sim.NewI2CBus()
	chip := sim.NewDS3231()
	port.Attach(0x68, chip)
	bus := i2cbus.New(s, port, 400_000, nil, nil)

	start := time.Date(2026, time.January, 2, 3, 4, 5, 500_000_000, time.UTC)
	next := time.Date(2026, time.January, 2, 3, 4, 6, 0, time.UTC)

	clock := New(bus, 0x68).WithScheduler(s)
	calls := 0
	clock.now = func() time.Time {
		calls++
		if calls <= 2 {
			return start
		}
		return next
	}
	clock.synced = true
	clock.wallAtSync = start
	clock.monotonicAtSync = start

	if err := clock.SyncToHardware(context.Background(), next); err != nil {
		t.Fatalf("SyncToHardware() = %v", err)
	}
	if calls < 3 {
		t.Fatalf("SyncToHardware did not re-check the clock across a yield before writing, calls = %d", calls)
	}

	other := New(bus, 0x68).WithClockSource(func() time.Time { return time.Time{} })
	if err := other.SyncFromHardware(context.Background()); err != nil {
		t.Fatalf("SyncFromHardware() = %v", err)
	}
	if got := other.Now(); !got.Equal(next) {
		t.Fatalf("read back %v, want %v", got, next)
	}
}

func TestParseZDAWithChecksum(t *testing.T) {
	line := "$GPZDA,143750.00,29,07,2026,00,00*68"
	got, err := ParseNMEATime(line, 0)
	if err != nil {
		t.Fatalf("ParseNMEATime() = %v", err)
	}
	want := time.Date(2026, time.July, 29, 14, 37, 50, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("ParseNMEATime() = %v, want %v", got, want)
	}
}

func TestParseRMCRejectsBadChecksum(t *testing.T) {
	line := "$GPRMC,143750.00,A,0000.00,N,00000.00,E,0.0,0.0,290726,,,A*00"
	_, err := ParseNMEATime(line, 0)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("ParseNMEATime() = %v, want ErrChecksum", err)
	}
}

func TestParseRMCNoFix(t *testing.T) {
	// status 'V' (void) with a matching checksum computed over the body.
	body := "GPRMC,143750.00,V,0000.00,N,00000.00,E,0.0,0.0,290726,,,N"
	var crc byte
	for i := 0; i < len(body); i++ {
		crc ^= body[i]
	}
	line := "$" + body + "*" + hex(crc)
	_, err := ParseNMEATime(line, 0)
	if !errors.Is(err, ErrNoFix) {
		t.Fatalf("ParseNMEATime() = %v, want ErrNoFix", err)
	}
}

func hex(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}

func TestWireTimeCorrectionAddsTransmissionDelay(t *testing.T) {
	line := "$GPZDA,143750.00,29,07,2026,00,00*68"
	base, err := ParseNMEATime(line, 0)
	if err != nil {
		t.Fatal(err)
	}
	corrected, err := ParseNMEATime(line, 9600)
	if err != nil {
		t.Fatal(err)
	}
	if !corrected.After(base) {
		t.Fatal("baud-corrected time should be later than the uncorrected parse")
	}
}
