// Minimal single-directory filesystem over a Shim
// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package blockdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// Open flags.
const (
	FlagRead      = 1 << 0
	FlagWrite     = 1 << 1
	FlagCreate    = 1 << 2
	FlagExclusive = 1 << 3
)

// FAT is the filesystem surface console's ls/cat/touch commands and the
// sample pipeline's CSV writer are built against: mount/open/read/
// write/close/opendir/readdir/closedir/unmount plus a FAT-style packed
// timestamp source, named for parity with the original_source/
// cooperative_fatfs.h contract this module generalizes. The concrete
// implementation below is not on-disk compatible with FAT12/16/32 — no
// repo in the reference pack carries a byte-compatible FAT implementation
// to ground one on, so the on-disk layout here is an original, deliberately
// small single-directory format that honors the same operation shapes and
// single-writer-at-a-time usage the console and pipeline actually need.
type FAT interface {
	Mount(ctx context.Context) error
	Unmount(ctx context.Context) error
	Open(ctx context.Context, name string, flags int) (File, error)
	OpenDir(ctx context.Context) (Dir, error)
	GetFatTime() uint32
}

// File is a single open file handle.
type File interface {
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
	Close(ctx context.Context) error
	Name() string
	Size() uint32
}

// DirEntry describes one directory slot.
type DirEntry struct {
	Name string
	Size uint32
}

// Dir is an open directory listing cursor.
type Dir interface {
	// ReadDir returns the next entry, or io.EOF once exhausted.
	ReadDir(ctx context.Context) (DirEntry, error)
	Close(ctx context.Context) error
}

const (
	superblockSector = 1
	superblockMagic  = 0x454c4f47 // "ELOG"

	entrySize     = 64
	nameFieldSize = 40
	entriesPerSec = blockSize / entrySize
)

type superblock struct {
	dirStart       uint32
	dirCount       uint32
	dataStart      uint32
	nextDataSector uint32
}

// FS is the concrete FAT implementation backed by a Shim.
type FS struct {
	shim  *Shim
	clock func() uint32

	mounted bool
	sb      superblock
}

// NewFS constructs a filesystem over shim. clock supplies GetFatTime's
// packed timestamp (the rtc package's Clock.FatTime, in production).
func NewFS(shim *Shim, clock func() uint32) *FS {
	return &FS{shim: shim, clock: clock}
}

// Mount reads the superblock, formatting a fresh one if the device has
// none yet (an unformatted or freshly-erased card reads back as all
// zeros, which never matches the magic).
func (f *FS) Mount(ctx context.Context) error {
	buf := make([]byte, blockSize)
	if err := f.shim.ReadSectors(ctx, superblockSector, buf); err != nil {
		return fmt.Errorf("blockdev: mount: %w", err)
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != superblockMagic {
		if err := f.format(ctx); err != nil {
			return fmt.Errorf("blockdev: mount: format: %w", err)
		}
	} else {
		f.sb = superblock{
			dirStart:       binary.LittleEndian.Uint32(buf[4:8]),
			dirCount:       binary.LittleEndian.Uint32(buf[8:12]),
			dataStart:      binary.LittleEndian.Uint32(buf[12:16]),
			nextDataSector: binary.LittleEndian.Uint32(buf[16:20]),
		}
	}

	f.mounted = true
	return nil
}

// Unmount flushes any deferred writes. The in-memory superblock is
// already durable as of the last directory mutation.
func (f *FS) Unmount(ctx context.Context) error {
	f.mounted = false
	_, err := f.shim.Ioctl(ctx, CtrlSync)
	return err
}

func (f *FS) format(ctx context.Context) error {
	const dirSectors = 16 // 16*8 = 128 directory entries

	f.sb = superblock{
		dirStart:       superblockSector + 1,
		dirCount:       dirSectors,
		dataStart:      superblockSector + 1 + dirSectors,
		nextDataSector: superblockSector + 1 + dirSectors,
	}

	zero := make([]byte, int(dirSectors)*blockSize)
	if err := f.shim.WriteSectors(ctx, f.sb.dirStart, zero); err != nil {
		return err
	}
	return f.writeSuperblock(ctx)
}

func (f *FS) writeSuperblock(ctx context.Context) error {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(buf[0:4], superblockMagic)
	binary.LittleEndian.PutUint32(buf[4:8], f.sb.dirStart)
	binary.LittleEndian.PutUint32(buf[8:12], f.sb.dirCount)
	binary.LittleEndian.PutUint32(buf[12:16], f.sb.dataStart)
	binary.LittleEndian.PutUint32(buf[16:20], f.sb.nextDataSector)
	return f.shim.WriteSectors(ctx, superblockSector, buf)
}

type onDiskEntry struct {
	valid       bool
	name        string
	size        uint32
	firstSector uint32
	fatTime     uint32
	dirSector   uint32
	dirOffset   int
}

func marshalEntry(e onDiskEntry) []byte {
	buf := make([]byte, entrySize)
	if e.valid {
		buf[0] = 1
	}
	name := []byte(e.name)
	if len(name) > nameFieldSize {
		name = name[:nameFieldSize]
	}
	buf[1] = byte(len(name))
	copy(buf[2:2+nameFieldSize], name)
	off := 2 + nameFieldSize
	binary.LittleEndian.PutUint32(buf[off:off+4], e.size)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], e.firstSector)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], e.fatTime)
	return buf
}

func unmarshalEntry(buf []byte) onDiskEntry {
	var e onDiskEntry
	e.valid = buf[0] == 1
	nameLen := int(buf[1])
	e.name = string(buf[2 : 2+nameLen])
	off := 2 + nameFieldSize
	e.size = binary.LittleEndian.Uint32(buf[off : off+4])
	e.firstSector = binary.LittleEndian.Uint32(buf[off+4 : off+8])
	e.fatTime = binary.LittleEndian.Uint32(buf[off+8 : off+12])
	return e
}

func (f *FS) forEachEntry(ctx context.Context, fn func(onDiskEntry) bool) error {
	buf := make([]byte, blockSize)
	for s := uint32(0); s < f.sb.dirCount; s++ {
		sector := f.sb.dirStart + s
		if err := f.shim.ReadSectors(ctx, sector, buf); err != nil {
			return err
		}
		for i := 0; i < entriesPerSec; i++ {
			raw := buf[i*entrySize : (i+1)*entrySize]
			e := unmarshalEntry(raw)
			e.dirSector = sector
			e.dirOffset = i * entrySize
			if !fn(e) {
				return nil
			}
		}
	}
	return nil
}

func (f *FS) findEntry(ctx context.Context, name string) (onDiskEntry, bool, error) {
	var found onDiskEntry
	ok := false
	err := f.forEachEntry(ctx, func(e onDiskEntry) bool {
		if e.valid && e.name == name {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok, err
}

func (f *FS) writeEntry(ctx context.Context, e onDiskEntry) error {
	buf := make([]byte, blockSize)
	if err := f.shim.ReadSectors(ctx, e.dirSector, buf); err != nil {
		return err
	}
	copy(buf[e.dirOffset:e.dirOffset+entrySize], marshalEntry(e))
	return f.shim.WriteSectors(ctx, e.dirSector, buf)
}

// Open returns a handle to name, creating a fresh zero-length entry if
// FlagCreate is set and none exists.
func (f *FS) Open(ctx context.Context, name string, flags int) (File, error) {
	if !f.mounted {
		return nil, ErrNotMounted
	}

	entry, ok, err := f.findEntry(ctx, name)
	if err != nil {
		return nil, err
	}

	if ok {
		if flags&FlagCreate != 0 && flags&FlagExclusive != 0 {
			return nil, ErrExists
		}
		return &fileHandle{fs: f, entry: entry}, nil
	}

	if flags&FlagCreate == 0 {
		return nil, ErrNotExists
	}

	var free onDiskEntry
	foundFree := false
	if err := f.forEachEntry(ctx, func(e onDiskEntry) bool {
		if !e.valid {
			free, foundFree = e, true
			return false
		}
		return true
	}); err != nil {
		return nil, err
	}
	if !foundFree {
		return nil, ErrNoSpace
	}

	free.valid = true
	free.name = name
	free.size = 0
	free.firstSector = 0
	free.fatTime = f.clock()
	if err := f.writeEntry(ctx, free); err != nil {
		return nil, err
	}

	return &fileHandle{fs: f, entry: free}, nil
}

// OpenDir returns a cursor over every valid directory entry.
func (f *FS) OpenDir(ctx context.Context) (Dir, error) {
	if !f.mounted {
		return nil, ErrNotMounted
	}

	var entries []onDiskEntry
	if err := f.forEachEntry(ctx, func(e onDiskEntry) bool {
		if e.valid {
			entries = append(entries, e)
		}
		return true
	}); err != nil {
		return nil, err
	}

	return &dirHandle{entries: entries}, nil
}

// GetFatTime returns the packed FAT-style timestamp from the injected
// clock source.
func (f *FS) GetFatTime() uint32 { return f.clock() }

type dirHandle struct {
	entries []onDiskEntry
	pos     int
}

func (d *dirHandle) ReadDir(ctx context.Context) (DirEntry, error) {
	if d.pos >= len(d.entries) {
		return DirEntry{}, io.EOF
	}
	e := d.entries[d.pos]
	d.pos++
	return DirEntry{Name: e.name, Size: e.size}, nil
}

func (d *dirHandle) Close(ctx context.Context) error { return nil }

type fileHandle struct {
	fs    *FS
	entry onDiskEntry

	readPos uint32

	tail         []byte
	firstAllocd  bool
	logicalBytes uint32
}

func (h *fileHandle) Name() string { return h.entry.name }
func (h *fileHandle) Size() uint32 { return h.entry.size }

func (h *fileHandle) Read(ctx context.Context, p []byte) (int, error) {
	if h.readPos >= h.entry.size {
		return 0, io.EOF
	}

	n := 0
	buf := make([]byte, blockSize)
	for n < len(p) && h.readPos < h.entry.size {
		sector := h.entry.firstSector + h.readPos/blockSize
		if err := h.fs.shim.ReadSectors(ctx, sector, buf); err != nil {
			return n, err
		}
		off := h.readPos % blockSize
		avail := blockSize - off
		remaining := h.entry.size - h.readPos
		if avail > remaining {
			avail = remaining
		}
		copyLen := int(avail)
		if copyLen > len(p)-n {
			copyLen = len(p) - n
		}
		copy(p[n:n+copyLen], buf[off:off+uint32(copyLen)])
		n += copyLen
		h.readPos += uint32(copyLen)
	}
	return n, nil
}

// Write appends p to the file, buffering less-than-a-sector tails and
// flushing whole sectors immediately. Files grow by bump-allocating the
// next data sector, so only one file may be actively appended to at a
// time (the sample pipeline's usage pattern: one CSV open for append).
func (h *fileHandle) Write(ctx context.Context, p []byte) (int, error) {
	h.tail = append(h.tail, p...)

	for len(h.tail) >= blockSize {
		sector := h.fs.sb.nextDataSector
		if !h.firstAllocd {
			h.entry.firstSector = sector
			h.firstAllocd = true
		}

		if err := h.fs.shim.WriteSectors(ctx, sector, h.tail[:blockSize]); err != nil {
			return 0, err
		}
		h.tail = h.tail[blockSize:]

		h.fs.sb.nextDataSector++
		if err := h.fs.writeSuperblock(ctx); err != nil {
			h.fs.sb.nextDataSector--
			return 0, err
		}
	}

	h.logicalBytes += uint32(len(p))
	return len(p), nil
}

// Close flushes any buffered partial sector (zero-padded) and commits the
// final size and allocation to the directory entry.
func (h *fileHandle) Close(ctx context.Context) error {
	if len(h.tail) > 0 {
		sector := h.fs.sb.nextDataSector
		if !h.firstAllocd {
			h.entry.firstSector = sector
			h.firstAllocd = true
		}
		padded := make([]byte, blockSize)
		copy(padded, h.tail)
		if err := h.fs.shim.WriteSectors(ctx, sector, padded); err != nil {
			return err
		}
		h.tail = nil
		h.fs.sb.nextDataSector++
		if err := h.fs.writeSuperblock(ctx); err != nil {
			h.fs.sb.nextDataSector--
			return err
		}
	}

	if h.logicalBytes == 0 {
		return nil
	}

	h.entry.size += h.logicalBytes
	h.logicalBytes = 0
	return h.fs.writeEntry(ctx, h.entry)
}
