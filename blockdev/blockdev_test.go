// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package blockdev

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/fieldcore/envlogger/hal/sim"
	"github.com/fieldcore/envlogger/kernel"
	"github.com/fieldcore/envlogger/sdio"
)

func newTestShim(t *testing.T) *Shim {
	t.Helper()
	s := kernel.New(func() {})
	bus := sim.NewSDCard(1024 * 100)
	card := sdio.New(bus, s)
	if err := card.Init(context.Background()); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	return NewShim(card, card.Capacity)
}

func TestIoctlReportsDiscoveredCapacityNotSentinel(t *testing.T) {
	shim := newTestShim(t)
	ctx := context.Background()

	got, err := shim.Ioctl(ctx, GetSectorCount)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1024*100 {
		t.Fatalf("GetSectorCount = %d, want %d (not a sentinel maximum)", got, 1024*100)
	}

	if got, err := shim.Ioctl(ctx, GetBlockSize); err != nil || got != 512 {
		t.Fatalf("GetBlockSize = %d, %v", got, err)
	}
}

func TestSectorZeroNeverCached(t *testing.T) {
	shim := newTestShim(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0x7}, 512)
	if err := shim.WriteSectors(ctx, 0, payload); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 512)
	if err := shim.ReadSectors(ctx, 0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("sector 0 round trip failed")
	}

	for i := range shim.cache {
		if shim.cache[i].valid && shim.cache[i].sector == 0 {
			t.Fatal("sector 0 must never be cached")
		}
	}
}

func TestDeferredZeroInvalidatesStaleCacheEntry(t *testing.T) {
	shim := newTestShim(t)
	ctx := context.Background()

	nonZero := bytes.Repeat([]byte{0x42}, 512)
	if err := shim.WriteSectors(ctx, 5, nonZero); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 512)
	if err := shim.ReadSectors(ctx, 5, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, nonZero) {
		t.Fatal("sector 5 should read back its written payload")
	}

	zero := make([]byte, 512)
	if err := shim.WriteSectors(ctx, 5, zero); err != nil {
		t.Fatal(err)
	}

	got = make([]byte, 512)
	if err := shim.ReadSectors(ctx, 5, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, zero) {
		t.Fatalf("sector 5 should read back as zero after the deferred zero write flushed, got %x", got[:8])
	}
}

func TestDeferredZeroRunCoalesces(t *testing.T) {
	shim := newTestShim(t)
	ctx := context.Background()

	zero := make([]byte, 512)
	for s := uint32(100); s < 110; s++ {
		if err := shim.WriteSectors(ctx, s, zero); err != nil {
			t.Fatal(err)
		}
	}
	if !shim.zeros.active || shim.zeros.start != 100 || shim.zeros.count != 10 {
		t.Fatalf("expected one deferred run of 10 starting at 100, got %+v", shim.zeros)
	}

	nonZero := bytes.Repeat([]byte{0x55}, 512)
	if err := shim.WriteSectors(ctx, 200, nonZero); err != nil {
		t.Fatal(err)
	}
	if shim.zeros.active {
		t.Fatal("writing real data should flush the deferred zero run")
	}

	for s := uint32(100); s < 110; s++ {
		got := make([]byte, 512)
		if err := shim.ReadSectors(ctx, s, got); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, zero) {
			t.Fatalf("sector %d should read back as zero after the deferred run flushed", s)
		}
	}
}

func TestFilesystemCreateWriteReadRoundTrip(t *testing.T) {
	shim := newTestShim(t)
	ctx := context.Background()

	clockTicks := uint32(0x54a10000)
	fs := NewFS(shim, func() uint32 { return clockTicks })

	if err := fs.Mount(ctx); err != nil {
		t.Fatalf("Mount() = %v", err)
	}

	f, err := fs.Open(ctx, "000001.csv", FlagWrite|FlagCreate|FlagExclusive)
	if err != nil {
		t.Fatalf("Open(create) = %v", err)
	}

	content := []byte("2026-07-29T00:00:00Z,21.50,1013.20,55.30,0.512\n")
	if _, err := f.Write(ctx, content); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	r, err := fs.Open(ctx, "000001.csv", FlagRead)
	if err != nil {
		t.Fatalf("Open(read) = %v", err)
	}
	if r.Size() != uint32(len(content)) {
		t.Fatalf("Size() = %d, want %d", r.Size(), len(content))
	}

	got := make([]byte, len(content))
	if _, err := io.ReadFull(readerFunc(func(p []byte) (int, error) {
		return r.Read(ctx, p)
	}), got); err != nil {
		t.Fatalf("Read() = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("read back %q, want %q", got, content)
	}
}

func TestOpenExclusiveRejectsExistingFile(t *testing.T) {
	shim := newTestShim(t)
	ctx := context.Background()
	fs := NewFS(shim, func() uint32 { return 0 })

	if err := fs.Mount(ctx); err != nil {
		t.Fatal(err)
	}
	f, err := fs.Open(ctx, "a.txt", FlagWrite|FlagCreate|FlagExclusive)
	if err != nil {
		t.Fatal(err)
	}
	f.Close(ctx)

	if _, err := fs.Open(ctx, "a.txt", FlagWrite|FlagCreate|FlagExclusive); err != ErrExists {
		t.Fatalf("Open() = %v, want ErrExists", err)
	}
}

func TestOpenDirListsCreatedFiles(t *testing.T) {
	shim := newTestShim(t)
	ctx := context.Background()
	fs := NewFS(shim, func() uint32 { return 0 })

	if err := fs.Mount(ctx); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"000001.csv", "000002.csv"} {
		f, err := fs.Open(ctx, name, FlagWrite|FlagCreate|FlagExclusive)
		if err != nil {
			t.Fatal(err)
		}
		f.Write(ctx, []byte("x"))
		f.Close(ctx)
	}

	dir, err := fs.OpenDir(ctx)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for {
		e, err := dir.ReadDir(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		seen[e.Name] = true
	}
	if !seen["000001.csv"] || !seen["000002.csv"] {
		t.Fatalf("directory listing missing expected entries: %v", seen)
	}
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
