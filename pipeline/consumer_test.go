// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/fieldcore/envlogger/blockdev"
	"github.com/fieldcore/envlogger/hal/sim"
	"github.com/fieldcore/envlogger/kernel"
	"github.com/fieldcore/envlogger/sdio"
)

type noopLock struct{}

func (noopLock) Lock()   {}
func (noopLock) Unlock() {}

func newTestFS(t *testing.T) *blockdev.FS {
	t.Helper()
	sched := kernel.New(func() {})
	bus := sim.NewSDCard(1024 * 100)
	card := sdio.New(bus, sched)
	if err := card.Init(context.Background()); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	shim := blockdev.NewShim(card, card.Capacity)
	fs := blockdev.NewFS(shim, func() uint32 { return 0 })
	if err := fs.Mount(context.Background()); err != nil {
		t.Fatalf("Mount() = %v", err)
	}
	return fs
}

func readAll(t *testing.T, ctx context.Context, f blockdev.File) string {
	t.Helper()
	buf := make([]byte, f.Size())
	n, err := f.Read(ctx, buf)
	if err != nil && err != io.EOF {
		t.Fatalf("Read() = %v", err)
	}
	return string(buf[:n])
}

// TestFilenameAllocatorFillsFirstGap verifies §8 property 9: after
// 000000.csv..000004.csv exist, the next allocation is 000005.csv, and
// after deleting (here: never creating) 000002.csv, the allocator fills
// that gap first.
func TestFilenameAllocatorFillsFirstGap(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	for _, n := range []int{0, 1, 3, 4} {
		f, err := fs.Open(ctx, fmt.Sprintf("%06d.csv", n), blockdev.FlagWrite|blockdev.FlagCreate|blockdev.FlagExclusive)
		if err != nil {
			t.Fatalf("Open(%d) = %v", n, err)
		}
		f.Close(ctx)
	}

	f, err := AllocateFilename(ctx, fs)
	if err != nil {
		t.Fatalf("AllocateFilename() = %v", err)
	}
	if f.Name() != "000002.csv" {
		t.Fatalf("AllocateFilename() = %s, want 000002.csv (the first gap)", f.Name())
	}
	f.Close(ctx)

	f2, err := AllocateFilename(ctx, fs)
	if err != nil {
		t.Fatalf("AllocateFilename() = %v", err)
	}
	if f2.Name() != "000005.csv" {
		t.Fatalf("AllocateFilename() = %s, want 000005.csv", f2.Name())
	}
}

// TestConsumerDrainsRingToFile exercises the consumer task end to end: it
// allocates a file, drains published records as CSV lines, and closes the
// file once stopped.
func TestConsumerDrainsRingToFile(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	ring := NewRing(4)

	sched := kernel.New(func() {})
	consumer := NewConsumer(sched, ring, fs, noopLock{})

	task := sched.Start("record", func() { consumer.Run(ctx) })

	ring.Publish(SampleRecord{TimestampUS: 1_000_000, Temperature: 23456, Pressure: 1013250, Conductivity: 1500000})
	sched.Yield()
	sched.Yield()

	ring.Publish(SampleRecord{TimestampUS: 2_000_000, Temperature: 23460, Pressure: 1013300, Conductivity: 1500500})
	sched.Yield()
	sched.Yield()

	consumer.Stop()
	for sched.IsRunning(task) {
		sched.Yield()
	}

	dir, err := fs.OpenDir(ctx)
	if err != nil {
		t.Fatalf("OpenDir() = %v", err)
	}
	entry, err := dir.ReadDir(ctx)
	if err != nil {
		t.Fatalf("ReadDir() = %v", err)
	}
	if entry.Name != "000000.csv" {
		t.Fatalf("consumer created %s, want 000000.csv", entry.Name)
	}

	f, err := fs.Open(ctx, entry.Name, blockdev.FlagRead)
	if err != nil {
		t.Fatalf("Open(read) = %v", err)
	}
	content := readAll(t, ctx, f)

	want := FormatCSV(SampleRecord{TimestampUS: 1_000_000, Temperature: 23456, Pressure: 1013250, Conductivity: 1500000}) +
		FormatCSV(SampleRecord{TimestampUS: 2_000_000, Temperature: 23460, Pressure: 1013300, Conductivity: 1500500})
	if content != want {
		t.Fatalf("file content = %q, want %q", content, want)
	}
}

// TestConsumerFastForwardsWhenBehind verifies §8 property 5: a consumer
// that falls behind by more than Size()-1 records skips to
// written-(Size()-1) instead of replaying stale entries.
func TestConsumerFastForwardsWhenBehind(t *testing.T) {
	ring := NewRing(4)
	reader := ring.NewReader()

	for i := 0; i < 10; i++ {
		ring.Publish(SampleRecord{TimestampUS: uint64(i)})
	}

	missed := reader.CatchUp()
	if missed != 10-(4-1) {
		t.Fatalf("CatchUp() = %d, want %d", missed, 10-(4-1))
	}
	if !reader.Pending() {
		t.Fatal("reader should have pending records after fast-forward")
	}
	rec := reader.Take()
	if rec.TimestampUS != uint64(10-(4-1)) {
		t.Fatalf("Take() after CatchUp = %d, want %d", rec.TimestampUS, 10-(4-1))
	}
}
