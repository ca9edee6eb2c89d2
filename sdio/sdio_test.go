// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdio

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/fieldcore/envlogger/hal/sim"
	"github.com/fieldcore/envlogger/kernel"
)

func TestCRC7KnownVector(t *testing.T) {
	// CMD0, arg 0: the canonical SD SPI-mode bring-up byte sequence.
	frame := CommandFrame(0, 0)
	want := [6]byte{0x40, 0x00, 0x00, 0x00, 0x00, 0x95}
	if frame != want {
		t.Fatalf("CommandFrame(0, 0) = % x, want % x", frame, want)
	}
}

func TestCRC16CCITTKnownVector(t *testing.T) {
	// "123456789" is the standard CRC-16/XMODEM check string; the
	// zero-initialized, no-final-xor variant used here yields 0x31c3.
	if got := CRC16CCITT([]byte("123456789")); got != 0x31c3 {
		t.Fatalf("CRC16CCITT = %04x, want 31c3", got)
	}
}

func newCard(t *testing.T) (*Card, *sim.SDCard) {
	t.Helper()
	s := kernel.New(func() {})
	bus := sim.NewSDCard(1024 * 1000)
	card := New(bus, s)
	if err := card.Init(context.Background()); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	return card, bus
}

func TestInitDiscoversCapacity(t *testing.T) {
	card, _ := newCard(t)
	if card.Capacity != 1024*1000 {
		t.Fatalf("Capacity = %d, want %d", card.Capacity, 1024*1000)
	}
	if !card.Ready() {
		t.Fatal("card should report ready after Init")
	}
}

func TestInitAbsentCard(t *testing.T) {
	s := kernel.New(func() {})
	bus := sim.NewSDCard(0)
	bus.Absent = true
	card := New(bus, s)
	err := card.Init(context.Background())
	if !errors.Is(err, ErrCardAbsent) {
		t.Fatalf("Init() = %v, want ErrCardAbsent", err)
	}
}

func TestWriteThenReadSingleBlock(t *testing.T) {
	card, _ := newCard(t)

	payload := bytes.Repeat([]byte{0x42}, 512)
	if err := card.WriteBlocks(context.Background(), 10, payload); err != nil {
		t.Fatalf("WriteBlocks() = %v", err)
	}

	got := make([]byte, 512)
	if err := card.ReadBlocks(context.Background(), 10, got); err != nil {
		t.Fatalf("ReadBlocks() = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read back data does not match what was written")
	}
}

func TestWriteThenReadMultiBlock(t *testing.T) {
	card, _ := newCard(t)

	payload := make([]byte, 512*3)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := card.WriteBlocks(context.Background(), 100, payload); err != nil {
		t.Fatalf("WriteBlocks() = %v", err)
	}

	got := make([]byte, 512*3)
	if err := card.ReadBlocks(context.Background(), 100, got); err != nil {
		t.Fatalf("ReadBlocks() = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("multi-block read back does not match what was written")
	}
}

func TestReadDetectsCRCCorruption(t *testing.T) {
	card, bus := newCard(t)

	payload := bytes.Repeat([]byte{0x11}, 512)
	if err := card.WriteBlocks(context.Background(), 5, payload); err != nil {
		t.Fatalf("WriteBlocks() = %v", err)
	}

	// tamper with the stored block directly, bypassing the write path's
	// own CRC so the read side has to catch it independently.
	bus.CorruptNextWrite = true
	if err := card.WriteBlocks(context.Background(), 5, payload); err != nil {
		t.Fatalf("WriteBlocks() = %v", err)
	}

	got := make([]byte, 512)
	err := card.ReadBlocks(context.Background(), 5, got)
	if !errors.Is(err, ErrTransientBus) {
		t.Fatalf("ReadBlocks() = %v, want ErrTransientBus", err)
	}
}

func TestWriteRejectedByCardIsTransient(t *testing.T) {
	card, bus := newCard(t)
	bus.RejectNextWrite = true

	payload := bytes.Repeat([]byte{0x22}, 512)
	err := card.WriteBlocks(context.Background(), 1, payload)
	if !errors.Is(err, ErrTransientBus) {
		t.Fatalf("WriteBlocks() = %v, want ErrTransientBus", err)
	}
}

func TestPreEraseAcceptedByFreshCard(t *testing.T) {
	card, _ := newCard(t)
	if err := card.PreErase(8); err != nil {
		t.Fatalf("PreErase() = %v", err)
	}
}
