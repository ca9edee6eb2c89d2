// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdio

import (
	"context"
	"fmt"
	"time"
)

// ReadBlocks reads len(dst)/blockSize consecutive 512-byte sectors
// starting at sector into dst, using CMD17 for a single block and
// CMD18+CMD12 for more than one (§4.D).
func (c *Card) ReadBlocks(ctx context.Context, sector uint32, dst []byte) error {
	if !c.ready {
		return ErrNotInitialized
	}
	if len(dst)%blockSize != 0 || len(dst) == 0 {
		return fmt.Errorf("sdio: ReadBlocks: dst length %d not a positive multiple of %d", len(dst), blockSize)
	}
	count := len(dst) / blockSize

	cmd := byte(cmdReadSingleBlock)
	if count > 1 {
		cmd = cmdReadMultiBlock
	}
	if _, err := c.command(cmd, sector); err != nil {
		return fmt.Errorf("sdio: ReadBlocks command: %w", ErrTransientBus)
	}

	for block := 0; block < count; block++ {
		if err := c.readOneBlock(dst[block*blockSize : (block+1)*blockSize]); err != nil {
			return err
		}
	}

	if count > 1 {
		if _, err := c.command(cmdStopTransmitter, 0); err != nil {
			return fmt.Errorf("sdio: ReadBlocks stop: %w", ErrTransientBus)
		}
		c.readBytes(1) // stuff byte following CMD12's R1
		if err := c.waitReady(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (c *Card) readOneBlock(dst []byte) error {
	start := time.Now()

	if err := c.waitToken(dataToken, 2048); err != nil {
		return fmt.Errorf("sdio: read data token: %w", ErrTransientBus)
	}

	buf, handle := c.scratch(blockSize)
	data := c.bus.Exchange(buf)
	copy(dst, data)
	crcBytes := c.readBytes(2)
	got := uint16(crcBytes[0])<<8 | uint16(crcBytes[1])
	want := CRC16CCITT(data)
	c.releaseScratch(handle)
	if got != want {
		return fmt.Errorf("sdio: read CRC16 mismatch (got %04x want %04x): %w", got, want, ErrTransientBus)
	}

	c.Stats.BytesTransferred += uint64(len(data))
	c.Stats.TimeInData += time.Since(start)
	return nil
}

// writeSession tracks an in-progress CMD25 multi-block write so the
// start/some-blocks/end phases can be driven independently (§4.D "block
// write sequencing"), mirroring the teacher's split start/some/end API for
// feeding blocks as they become available rather than requiring the whole
// transfer up front.
type writeSession struct {
	card      *Card
	remaining uint32
}

// PreErase issues ACMD23, hinting the card that blocks consecutive blocks
// are about to be overwritten so it can pre-erase them.
func (c *Card) PreErase(blocks uint32) error {
	if !c.ready {
		return ErrNotInitialized
	}
	if _, err := c.command(cmdAppCmd, 0); err != nil {
		return fmt.Errorf("sdio: PreErase CMD55: %w", ErrTransientBus)
	}
	if _, err := c.command(acmdSetWrBlkEraseCount, blocks); err != nil {
		return fmt.Errorf("sdio: PreErase ACMD23: %w", ErrTransientBus)
	}
	return nil
}

// WriteBlocksStart issues CMD25 to begin a multi-block write session of
// the given block count starting at sector.
func (c *Card) WriteBlocksStart(sector uint32, blocks uint32) (*writeSession, error) {
	if !c.ready {
		return nil, ErrNotInitialized
	}
	if _, err := c.command(cmdWriteMultiBlock, sector); err != nil {
		return nil, fmt.Errorf("sdio: WriteBlocksStart: %w", ErrTransientBus)
	}
	c.bus.Exchange([]byte{0xff}) // spacer byte before the first data token
	return &writeSession{card: c, remaining: blocks}, nil
}

// WriteSomeBlocks streams len(src)/blockSize blocks of src (or, if src is
// nil, that many all-zero blocks) into the session, waiting for the card
// to finish programming each block before sending the next.
func (s *writeSession) WriteSomeBlocks(ctx context.Context, src []byte, blocks int) error {
	c := s.card

	var zero [blockSize]byte
	for b := 0; b < blocks; b++ {
		if s.remaining == 0 {
			return fmt.Errorf("sdio: write session overrun: no blocks remaining")
		}

		block := zero[:]
		if src != nil {
			block = src[b*blockSize : (b+1)*blockSize]
		}

		start := time.Now()
		c.bus.Exchange([]byte{writeToken})
		c.bus.Exchange(block)
		crc := CRC16CCITT(block)
		c.bus.Exchange([]byte{byte(crc >> 8), byte(crc)})
		c.Stats.BytesTransferred += uint64(len(block))
		c.Stats.TimeInData += time.Since(start)

		resp := c.bus.Exchange([]byte{0xff})[0] & 0x1f
		switch resp {
		case 0b00101:
			// accepted
		case 0b01011:
			return fmt.Errorf("sdio: write data CRC rejected by card: %w", ErrTransientBus)
		default:
			return fmt.Errorf("sdio: write rejected (status %#x): %w", resp, ErrTransientBus)
		}

		if err := c.waitReady(ctx); err != nil {
			return err
		}

		s.remaining--
	}

	return nil
}

// WriteBlocksEnd terminates the write session with the stop-tran token and
// waits for the card to finish its final program cycle.
func (s *writeSession) WriteBlocksEnd(ctx context.Context) error {
	c := s.card
	c.bus.Exchange([]byte{stopTranToken})
	c.bus.Exchange([]byte{0xff}) // spacer before the card asserts busy
	return c.waitReady(ctx)
}

// WriteBlocks is the single-call convenience wrapper around
// WriteBlocksStart/WriteSomeBlocks/WriteBlocksEnd for callers that already
// have the whole transfer in memory.
func (c *Card) WriteBlocks(ctx context.Context, sector uint32, src []byte) error {
	if len(src)%blockSize != 0 || len(src) == 0 {
		return fmt.Errorf("sdio: WriteBlocks: src length %d not a positive multiple of %d", len(src), blockSize)
	}
	count := len(src) / blockSize

	session, err := c.WriteBlocksStart(sector, uint32(count))
	if err != nil {
		return err
	}
	if err := session.WriteSomeBlocks(ctx, src, count); err != nil {
		return err
	}
	return session.WriteBlocksEnd(ctx)
}
