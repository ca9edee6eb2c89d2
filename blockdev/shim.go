// Sector cache and deferred-zero write coalescing over a raw block device
// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package blockdev sits between the raw sector device (package sdio) and
// the filesystem layer, grounded on the teacher's disk-shim shape
// (usbarmory/tamago's sdio.go wraps usdhc the same way a FatFs diskio.c
// wraps a card driver) generalized from this module's own
// original_source/diskio.c: a small round-robin single-sector cache
// (never caching sector 0, the boot sector, since it is read constantly
// during mount but must always reflect the real device) and deferred-zero
// write coalescing, so that formatting or truncating a long run of
// all-zero sectors costs one pre-erase-and-write instead of one
// transaction per sector.
package blockdev

import (
	"context"
)

const blockSize = 512

// ioctl commands, named for parity with diskio.c's CTRL_SYNC / GET_*.
const (
	CtrlSync = iota
	GetBlockSize
	GetSectorCount
)

// Device is the minimal raw block transport the shim requires; *sdio.Card
// satisfies it directly.
type Device interface {
	ReadBlocks(ctx context.Context, sector uint32, dst []byte) error
	WriteBlocks(ctx context.Context, sector uint32, src []byte) error
	PreErase(blocks uint32) error
}

const cacheSlots = 64

type cacheSlot struct {
	valid  bool
	sector uint32
	data   [blockSize]byte
}

type deferredRun struct {
	active bool
	start  uint32
	count  uint32
}

// Shim adapts a raw Device into the cached, deferred-zero-write block
// interface the filesystem layer uses.
type Shim struct {
	dev         Device
	sectorCount uint32

	cache    [cacheSlots]cacheSlot
	nextSlot int

	zeros deferredRun
}

// NewShim wraps dev, reporting sectorCount sectors of total capacity.
func NewShim(dev Device, sectorCount uint32) *Shim {
	return &Shim{dev: dev, sectorCount: sectorCount}
}

// ReadSectors reads count consecutive sectors starting at sector into dst
// (len(dst) must equal count*512), serving a single-sector request from
// cache when possible.
func (s *Shim) ReadSectors(ctx context.Context, sector uint32, dst []byte) error {
	count := len(dst) / blockSize

	if err := s.flushZeros(ctx); err != nil {
		return err
	}

	if count == 1 {
		if data, ok := s.lookup(sector); ok {
			copy(dst, data)
			return nil
		}
	}

	if err := s.dev.ReadBlocks(ctx, sector, dst); err != nil {
		return err
	}

	if count == 1 {
		s.store(sector, dst)
	}
	return nil
}

// WriteSectors writes len(src)/512 consecutive sectors starting at
// sector. An all-zero buffer extends (or starts) a deferred run instead of
// touching the device immediately; any other write first flushes a
// pending run, then writes through and updates the cache.
func (s *Shim) WriteSectors(ctx context.Context, sector uint32, src []byte) error {
	count := uint32(len(src) / blockSize)

	if isAllZero(src) {
		if s.zeros.active && s.zeros.start+s.zeros.count == sector {
			s.zeros.count += count
			s.invalidate(sector, count)
			return nil
		}
		if err := s.flushZeros(ctx); err != nil {
			return err
		}
		s.zeros = deferredRun{active: true, start: sector, count: count}
		s.invalidate(sector, count)
		return nil
	}

	if err := s.flushZeros(ctx); err != nil {
		return err
	}
	if err := s.dev.WriteBlocks(ctx, sector, src); err != nil {
		return err
	}
	if count == 1 {
		s.store(sector, src)
	}
	return nil
}

// Ioctl implements the diskio-style control channel (§8 property 3: a
// freshly mounted device reports its real discovered capacity, not a
// sentinel maximum).
func (s *Shim) Ioctl(ctx context.Context, cmd int) (uint32, error) {
	switch cmd {
	case CtrlSync:
		return 0, s.flushZeros(ctx)
	case GetBlockSize:
		return blockSize, nil
	case GetSectorCount:
		return s.sectorCount, nil
	default:
		return 0, ErrParam
	}
}

func (s *Shim) flushZeros(ctx context.Context) error {
	if !s.zeros.active {
		return nil
	}
	run := s.zeros
	s.zeros = deferredRun{}

	if err := s.dev.PreErase(run.count); err != nil {
		return err
	}
	zero := make([]byte, int(run.count)*blockSize)
	return s.dev.WriteBlocks(ctx, run.start, zero)
}

func (s *Shim) lookup(sector uint32) ([]byte, bool) {
	if sector == 0 {
		return nil, false
	}
	for i := range s.cache {
		if s.cache[i].valid && s.cache[i].sector == sector {
			return s.cache[i].data[:], true
		}
	}
	return nil, false
}

// invalidate drops any cached slot whose sector falls in [start, start+count),
// so a sector deferred into a zero run never serves a stale pre-deferral
// value: the run is guaranteed flushed to the device before ReadSectors
// consults the cache (ReadSectors calls flushZeros first), so a miss here
// falls through to a fresh read of the now-correct device contents (§8
// property 3).
func (s *Shim) invalidate(start, count uint32) {
	for i := range s.cache {
		if s.cache[i].valid && s.cache[i].sector >= start && s.cache[i].sector < start+count {
			s.cache[i].valid = false
		}
	}
}

func (s *Shim) store(sector uint32, data []byte) {
	if sector == 0 {
		return
	}
	for i := range s.cache {
		if s.cache[i].valid && s.cache[i].sector == sector {
			copy(s.cache[i].data[:], data)
			return
		}
	}
	slot := &s.cache[s.nextSlot]
	slot.valid = true
	slot.sector = sector
	copy(slot.data[:], data)
	s.nextSlot = (s.nextSlot + 1) % cacheSlots
}

func isAllZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
