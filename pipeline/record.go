// Sample record ring
// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pipeline coordinates a producer task that polls the sensor
// fleet once a tick and a consumer task that drains the resulting
// records to a CSV file, through the lock-free ring described in §3
// ("Sample record") and §4.G. Grounded on original_source/pico_sdcard.c's
// overall sample/record task split; no original_source file implements
// the ring itself, so its shape follows the data model directly: a
// small fixed-capacity array plus a monotonic write index and one read
// index per consumer.
package pipeline

// Temperature, Pressure, and Conductivity are not decoded from
// manufacturer calibration coefficients — that conversion is explicitly
// out of scope (§1: "individual sensor decoding math"). Each is a scaled
// fixed-point integer, physical units × 1000, matching the CSV layout's
// "scale to 10⁻³" precision; the ECEZO probe already emits its reading
// as ASCII decimal text, so parsing it into this fixed-point form is
// text parsing, not calibration math.
type SampleRecord struct {
	TimestampUS  uint64
	Temperature  int32
	Pressure     int32
	Conductivity int32
}

// Ring is the fixed-capacity record buffer the producer publishes into
// and one or more Readers drain from. Size must be a power of two (the
// reference implementation uses 4). Because the scheduler this runs
// under guarantees at most one goroutine is ever actually executing
// (kernel.Scheduler's single-baton handoff), the "release-store on
// written, acquire-load on read" ordering §9 calls for needs no atomic
// operations here — the invariant holds structurally, not by memory
// fencing.
type Ring struct {
	records []SampleRecord
	written uint64
}

// NewRing allocates a Ring of the given power-of-two size.
func NewRing(size int) *Ring {
	if size <= 0 || size&(size-1) != 0 {
		panic("pipeline: ring size must be a power of two")
	}
	return &Ring{records: make([]SampleRecord, size)}
}

// Publish stores rec into the next slot and advances the written index.
// The store happens before the index is advanced, so any reader that
// observes the new index also observes the fully-written record.
func (r *Ring) Publish(rec SampleRecord) {
	r.records[r.written%uint64(len(r.records))] = rec
	r.written++
}

// Written returns the current write index.
func (r *Ring) Written() uint64 { return r.written }

// Size returns the ring's capacity.
func (r *Ring) Size() int { return len(r.records) }

// NewReader returns a Reader starting at the ring's current write index,
// so it only sees records published after this call.
func (r *Ring) NewReader() *Reader {
	return &Reader{ring: r, read: r.written}
}

// Reader tracks one consumer's position in a Ring.
type Reader struct {
	ring *Ring
	read uint64
}

// Pending reports whether the ring has published at least one record
// this reader has not yet consumed.
func (rd *Reader) Pending() bool { return rd.ring.written != rd.read }

// CatchUp detects whether this reader has fallen behind by more than
// Size()-1 records and, if so, fast-forwards to written-(Size()-1) and
// returns how many records were skipped. It returns 0 when the reader
// has not fallen behind, and must be called at most once per skip event
// to match the "missed notice exactly once per skip" property (§8.5).
func (rd *Reader) CatchUp() int {
	capacity := uint64(rd.ring.Size())
	behind := rd.ring.written - rd.read
	if behind <= capacity-1 {
		return 0
	}
	missed := int(behind - (capacity - 1))
	rd.read = rd.ring.written - (capacity - 1)
	return missed
}

// Take returns the next unread record and advances the reader. Callers
// must ensure Pending() is true (and CatchUp has been applied) before
// calling Take.
func (rd *Reader) Take() SampleRecord {
	rec := rd.ring.records[rd.read%uint64(len(rd.ring.records))]
	rd.read++
	return rec
}
