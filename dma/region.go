// First-fit buffer allocator for DMA-style block transfers
// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides a fixed-capacity, pre-reserved buffer pool for the
// block transfers the SD driver hands to its DMA engine. Real silicon
// requires DMA source/destination buffers to live in a dedicated,
// non-paged memory region and forbids passing Go-managed pointers across
// the hardware boundary; this package reproduces that discipline —
// first-fit allocation out of one statically-sized region, handed out as
// plain byte slices — without the unsafe.Pointer arithmetic tamago's
// dma.Region uses to carve addresses out of real physical memory
// (irrelevant once the allocator's backing store is itself a Go slice).
//
// Grounded on github.com/usbarmory/tamago's dma/dma.go and dma/region.go:
// the block/free-list/used-map structure and the Reserve/Release,
// Alloc/Free method pairing are kept; the address-space bookkeeping is
// replaced with slice bookkeeping since this core is not bare metal.
package dma

import (
	"container/list"
	"fmt"
	"sync"
)

type block struct {
	offset int
	size   int
}

// Region is a fixed-size pool of byte buffers allocated for block-transfer
// purposes, avoiding per-transfer heap allocation in the sample/console/SD
// hot paths (§1 non-goal: no allocation after start-up).
type Region struct {
	mu sync.Mutex

	store      []byte
	freeBlocks *list.List
	usedBlocks map[int]*block
}

// NewRegion reserves a pool of the given size, to be carved up by Reserve.
func NewRegion(size int) *Region {
	r := &Region{
		store:      make([]byte, size),
		freeBlocks: list.New(),
		usedBlocks: make(map[int]*block),
	}
	r.freeBlocks.PushFront(&block{offset: 0, size: size})
	return r
}

// Reserve carves out a size-byte slice from the region, optionally aligned
// to a power-of-two boundary, and returns it along with a handle to pass
// back to Release. The returned slice's contents are unspecified until
// written.
func (r *Region) Reserve(size int, align int) ([]byte, int, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("dma: invalid reservation size %d", size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		fb := e.Value.(*block)

		start := fb.offset
		if align > 1 {
			if rem := start % align; rem != 0 {
				start += align - rem
			}
		}
		padding := start - fb.offset

		if fb.size-padding < size {
			continue
		}

		r.freeBlocks.Remove(e)

		if padding > 0 {
			r.freeBlocks.PushBack(&block{offset: fb.offset, size: padding})
		}
		if leftover := fb.size - padding - size; leftover > 0 {
			r.freeBlocks.PushBack(&block{offset: start + size, size: leftover})
		}

		b := &block{offset: start, size: size}
		r.usedBlocks[start] = b

		return r.store[start : start+size : start+size], start, nil
	}

	return nil, 0, fmt.Errorf("dma: region exhausted requesting %d bytes", size)
}

// Release returns a buffer previously obtained from Reserve back to the
// free list, coalescing with adjacent free blocks.
func (r *Region) Release(handle int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.usedBlocks[handle]
	if !ok {
		return
	}
	delete(r.usedBlocks, handle)

	r.freeBlocks.PushBack(b)
	r.coalesce()
}

func (r *Region) coalesce() {
	again := true
	for again {
		again = false
		for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
			a := e.Value.(*block)
			for f := r.freeBlocks.Front(); f != nil; f = f.Next() {
				if f == e {
					continue
				}
				b := f.Value.(*block)
				if a.offset+a.size == b.offset {
					a.size += b.size
					r.freeBlocks.Remove(f)
					again = true
					break
				}
			}
			if again {
				break
			}
		}
	}
}

// Available reports the total free capacity remaining in the region, for
// diagnostics.
func (r *Region) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		total += e.Value.(*block).size
	}
	return total
}
