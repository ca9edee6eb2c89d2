// Software-simulated SD card for exercising package sdio without silicon
// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sim provides software stand-ins for the hal interfaces, letting
// the SD, I2C, and RTC drivers run under `go test` the way the teacher's
// own qemu-backed test harness lets tamago's drivers run without real
// silicon (see usbarmory/tamago's internal/rtl8150/rtl8150_test.go style
// of exercising a driver against a fake backing device).
package sim

import (
	"context"
	"fmt"
)

const blockSize = 512

type sdMode int

const (
	sdModeIdle sdMode = iota
	sdModeReadSingle
	sdModeReadMulti
	sdModeReadCSD
	sdModeWrite
)

type writeSub int

const (
	writeSubNone writeSub = iota
	writeSubGotToken
	writeSubGotPayload
	writeSubGotCRC
	writeSubBusy
	writeSubEnding
)

// SDCard implements hal.SPIBus and hal.BusyLine, backing a fixed-capacity
// block store in memory and speaking just enough of the SD SPI-mode wire
// protocol (command framing, data tokens, CRC16 trailers, busy windows) to
// exercise package sdio end to end.
type SDCard struct {
	Capacity uint32 // sectors

	// Absent, when true, makes the card behave as if no card were in the
	// socket: every byte clocked out is 0xff, so CMD0 never returns idle
	// and Init reports ErrCardAbsent.
	Absent bool

	// CorruptNextWrite, when true, causes the very next block accepted
	// for write to be stored with one flipped bit, so a subsequent read
	// CRC check observes tampered data (used to test the CRC16 catch
	// path without the simulator itself lying about the CRC it sends).
	CorruptNextWrite bool

	// RejectNextWrite, when true, makes the card respond to the next
	// write block with the CRC-error status code regardless of what was
	// actually received.
	RejectNextWrite bool

	hz int
	cs bool

	storage map[uint32]*[blockSize]byte
	crcs    map[uint32]uint16 // CRC16 of each block as received, replayed on read

	mode      sdMode
	outQueue  []byte
	busyLeft  int
	pendingR1 byte

	wSub     writeSub
	wSector  uint32
	wPending [blockSize]byte

	rSector uint32
}

// NewSDCard returns a freshly "erased" card (reads of unwritten sectors
// return all zeros) with the given sector capacity.
func NewSDCard(capacitySectors uint32) *SDCard {
	return &SDCard{
		Capacity: capacitySectors,
		storage:  make(map[uint32]*[blockSize]byte),
		crcs:     make(map[uint32]uint16),
	}
}

// Configure implements hal.SPIBus.
func (c *SDCard) Configure(hz int) { c.hz = hz }

// Select implements hal.SPIBus.
func (c *SDCard) Select(low bool) { c.cs = low }

// WaitHigh implements hal.BusyLine: for this simulator the busy line
// backstop is never reached because Exchange's fast-poll path always
// resolves busy windows within 16 bytes, but the method is wired so a
// driver configured with WithBusyLine still has somewhere to go.
func (c *SDCard) WaitHigh(ctx context.Context) error {
	for c.busyLeft > 0 {
		c.busyLeft--
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// Exchange implements hal.SPIBus, interpreting each call against the
// card's current protocol phase.
func (c *SDCard) Exchange(tx []byte) []byte {
	if c.Absent {
		out := make([]byte, len(tx))
		for i := range out {
			out[i] = 0xff
		}
		return out
	}

	if len(tx) == 6 && tx[0]&0xc0 == 0x40 && len(c.outQueue) == 0 && c.wSub == writeSubNone {
		return c.handleCommand(tx)
	}

	switch c.mode {
	case sdModeWrite:
		return c.handleWriteClock(tx)
	default:
		return c.handleReadClock(tx)
	}
}

func (c *SDCard) handleCommand(tx []byte) []byte {
	cmd := tx[0] &^ 0x40
	arg := uint32(tx[1])<<24 | uint32(tx[2])<<16 | uint32(tx[3])<<8 | uint32(tx[4])

	switch cmd {
	case 0: // GO_IDLE_STATE
		c.outQueue = []byte{0x01}
		c.mode = sdModeIdle
	case 8: // SEND_IF_COND
		c.outQueue = append([]byte{0x01}, 0x00, 0x00, byte(arg>>8), byte(arg))
	case 55: // APP_CMD
		c.outQueue = []byte{0x01}
	case 41: // SD_SEND_OP_COND (ACMD41): ready immediately
		c.outQueue = []byte{0x00}
	case 59: // CRC_ON_OFF
		c.outQueue = []byte{0x00}
	case 58: // READ_OCR
		c.outQueue = []byte{0x00, 0xc0, 0xff, 0x80, 0x00}
	case 16: // SET_BLOCKLEN
		c.outQueue = []byte{0x00}
	case 9: // SEND_CSD
		c.outQueue = []byte{0x00}
		c.mode = sdModeReadCSD
	case 17: // READ_SINGLE_BLOCK
		c.outQueue = []byte{0x00}
		c.mode = sdModeReadSingle
		c.rSector = arg
	case 18: // READ_MULTIPLE_BLOCK
		c.outQueue = []byte{0x00}
		c.mode = sdModeReadMulti
		c.rSector = arg
	case 12: // STOP_TRANSMISSION
		c.outQueue = []byte{0x00, 0xff}
		c.mode = sdModeIdle
		c.busyLeft = 2
	case 25: // WRITE_MULTIPLE_BLOCK
		c.outQueue = []byte{0x00}
		c.mode = sdModeWrite
		c.wSector = arg
		c.wSub = writeSubNone
	case 23: // SET_WR_BLOCK_ERASE_COUNT (ACMD23)
		c.outQueue = []byte{0x00}
	default:
		c.outQueue = []byte{0x05} // illegal command
	}

	return make([]byte, len(tx))
}

func (c *SDCard) block(sector uint32) *[blockSize]byte {
	b, ok := c.storage[sector]
	if !ok {
		b = &[blockSize]byte{}
		c.storage[sector] = b
	}
	return b
}

func (c *SDCard) handleReadClock(tx []byte) []byte {
	if len(c.outQueue) == 0 {
		switch c.mode {
		case sdModeReadSingle:
			c.queueBlock(c.rSector)
			c.mode = sdModeIdle
		case sdModeReadMulti:
			c.queueBlock(c.rSector)
			c.rSector++
		case sdModeReadCSD:
			c.outQueue = c.csdPayload()
			c.mode = sdModeIdle
		default:
			if c.busyLeft > 0 {
				c.busyLeft--
				return fill(len(tx), 0x00)
			}
			return fill(len(tx), 0xff)
		}
	}

	out := make([]byte, len(tx))
	for i := range out {
		if len(c.outQueue) > 0 {
			out[i] = c.outQueue[0]
			c.outQueue = c.outQueue[1:]
		} else {
			out[i] = 0xff
		}
	}
	return out
}

func (c *SDCard) queueBlock(sector uint32) {
	data := c.block(sector)[:]
	crc, ok := c.crcs[sector]
	if !ok {
		crc = crc16(data)
	}
	c.outQueue = append([]byte{0xfe}, data...)
	c.outQueue = append(c.outQueue, byte(crc>>8), byte(crc))
}

func (c *SDCard) csdPayload() []byte {
	csd := make([]byte, 16)
	csd[0] = 1 << 6 // CSD structure version 2.0
	cSize := c.Capacity/1024 - 1
	csd[7] = byte(cSize >> 16 & 0x3f)
	csd[8] = byte(cSize >> 8)
	csd[9] = byte(cSize)
	crc := crc16(csd)
	out := append([]byte{0xfe}, csd...)
	return append(out, byte(crc>>8), byte(crc))
}

func (c *SDCard) handleWriteClock(tx []byte) []byte {
	out := make([]byte, len(tx))
	for i := range out {
		out[i] = 0xff
	}

	if len(c.outQueue) > 0 {
		for i := range out {
			if len(c.outQueue) == 0 {
				break
			}
			out[i] = c.outQueue[0]
			c.outQueue = c.outQueue[1:]
		}
		return out
	}

	switch {
	case len(tx) == 1 && tx[0] == 0xfc && c.wSub == writeSubNone:
		c.wSub = writeSubGotToken

	case len(tx) == blockSize && c.wSub == writeSubGotToken:
		copy(c.wPending[:], tx)
		c.wSub = writeSubGotPayload

	case len(tx) == 2 && c.wSub == writeSubGotPayload:
		c.wSub = writeSubGotCRC

	case len(tx) == 1 && tx[0] == 0xff && c.wSub == writeSubGotCRC:
		if c.RejectNextWrite {
			c.RejectNextWrite = false
			out[0] = 0x0b // CRC error status
		} else {
			payload := c.wPending
			c.crcs[c.wSector] = crc16(payload[:])
			if c.CorruptNextWrite {
				c.CorruptNextWrite = false
				payload[0] ^= 0x01
			}
			*c.block(c.wSector) = payload
			c.wSector++
			out[0] = 0x05 // accepted
		}
		c.wSub = writeSubBusy
		c.busyLeft = 2

	case len(tx) == 1 && tx[0] == 0xff && c.wSub == writeSubBusy:
		if c.busyLeft > 0 {
			c.busyLeft--
			out[0] = 0x00
		} else {
			c.wSub = writeSubNone
		}

	case len(tx) == 1 && tx[0] == 0xfd && (c.wSub == writeSubNone):
		c.wSub = writeSubEnding
		c.busyLeft = 2

	case len(tx) == 1 && tx[0] == 0xff && c.wSub == writeSubEnding:
		if c.busyLeft > 0 {
			c.busyLeft--
			out[0] = 0x00
		} else {
			c.wSub = writeSubNone
			c.mode = sdModeIdle
		}
	}

	return out
}

// crc16 is CRC-16-CCITT (polynomial 0x1021, MSB-first, zero-initialized),
// computed here rather than borrowed from package sdio so that sdio's own
// tests can import this package.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc = crc << 1
			}
		}
	}
	return crc
}

func fill(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

var _ fmt.Stringer = (*SDCard)(nil)

// String renders minimal diagnostic state, useful in test failure output.
func (c *SDCard) String() string {
	return fmt.Sprintf("SDCard{mode=%d cs=%v sectors=%d}", c.mode, c.cs, len(c.storage))
}
