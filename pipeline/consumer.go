// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldcore/envlogger/blockdev"
	"github.com/fieldcore/envlogger/kernel"
)

// CardLock is the subset of kernel.Resource the Consumer needs: exclusive
// access to the card for the duration of one CSV line write, letting
// other card users (the console's ls/cat, a concurrent mount retry)
// interleave between lines rather than for the whole file's lifetime.
type CardLock interface {
	Lock()
	Unlock()
}

// AllocateFilename finds the smallest non-negative integer N for which
// "NNNNNN.csv" does not yet exist, creates it with create-new (exclusive)
// semantics, and returns the open handle (§6 "Persisted layout", §8
// property 9: the allocator resumes at the first gap, so deleting
// 000002.csv makes it the next name handed out again rather than skipping
// past it).
func AllocateFilename(ctx context.Context, fs blockdev.FAT) (blockdev.File, error) {
	const maxAttempts = 1_000_000
	for n := 0; n < maxAttempts; n++ {
		name := fmt.Sprintf("%06d.csv", n)
		f, err := fs.Open(ctx, name, blockdev.FlagWrite|blockdev.FlagCreate|blockdev.FlagExclusive)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, blockdev.ErrExists) {
			return nil, fmt.Errorf("pipeline: allocate filename %s: %w", name, err)
		}
	}
	return nil, fmt.Errorf("pipeline: no free filename below %06d.csv", maxAttempts)
}

// Consumer is the record task (§4.G): on start it allocates the next
// unused NNNNNN.csv file, then drains the sample Ring into it as
// formatted CSV lines until told to stop, fast-forwarding past any
// records it falls too far behind to deliver (§3 "Sample record"
// invariant (b), §8 property 5).
type Consumer struct {
	sched *kernel.Scheduler
	ring  *Ring
	fs    blockdev.FAT
	card  CardLock
	Log   func(format string, args ...interface{})

	stopRequested bool
}

// NewConsumer builds a Consumer draining ring into a file newly allocated
// on fs, serializing writes against card so the SD bus is never touched
// by two tasks at once.
func NewConsumer(sched *kernel.Scheduler, ring *Ring, fs blockdev.FAT, card CardLock) *Consumer {
	return &Consumer{
		sched: sched,
		ring:  ring,
		fs:    fs,
		card:  card,
		Log:   func(string, ...interface{}) {},
	}
}

// Stop requests that Run exit after its current wait, closing the file it
// has open. It is the "stop_requested flag" §5 names as the consumer's
// standard cancellation mechanism; it never interrupts a write in
// progress.
func (c *Consumer) Stop() { c.stopRequested = true }

// Run allocates a file and drains the ring until Stop is called, then
// closes the file. It is meant to be passed to kernel.Scheduler.Start as
// the task entry point.
func (c *Consumer) Run(ctx context.Context) {
	c.card.Lock()
	file, err := AllocateFilename(ctx, c.fs)
	c.card.Unlock()
	if err != nil {
		c.Log("pipeline: consumer: %v", err)
		return
	}

	reader := c.ring.NewReader()

	for {
		for !reader.Pending() {
			if c.stopRequested {
				c.closeFile(ctx, file)
				return
			}
			c.sched.Yield()
		}

		if missed := reader.CatchUp(); missed > 0 {
			c.Log("pipeline: missed %d records", missed)
		}

		if c.stopRequested {
			c.closeFile(ctx, file)
			return
		}

		rec := reader.Take()
		line := FormatCSV(rec)

		c.card.Lock()
		_, err := file.Write(ctx, []byte(line))
		c.card.Unlock()
		if err != nil {
			c.Log("pipeline: consumer: write %s: %v", file.Name(), err)
		}
	}
}

func (c *Consumer) closeFile(ctx context.Context, file blockdev.File) {
	c.card.Lock()
	defer c.card.Unlock()
	if err := file.Close(ctx); err != nil {
		c.Log("pipeline: consumer: close %s: %v", file.Name(), err)
	}
}
