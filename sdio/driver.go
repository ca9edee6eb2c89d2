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

	"github.com/fieldcore/envlogger/dma"
	"github.com/fieldcore/envlogger/hal"
	"github.com/fieldcore/envlogger/kernel"
)

// scratchPoolSize covers the largest outstanding reservation the driver
// makes: one 512-byte block buffer plus its 2-byte CRC16 trailer, read
// concurrently during readOneBlock, with headroom for the smaller
// command-response buffers readCapacity and Init reserve alongside it.
const scratchPoolSize = 2 * blockSize

const blockSize = 512

// SPI commands used by this driver (SD SPI-mode subset).
const (
	cmdGoIdleState     = 0  // CMD0
	cmdSendIfCond      = 8  // CMD8
	cmdSendCSD         = 9  // CMD9
	cmdStopTransmitter = 12 // CMD12
	cmdSetBlockLen     = 16 // CMD16
	cmdReadSingleBlock = 17 // CMD17
	cmdReadMultiBlock  = 18 // CMD18
	cmdWriteMultiBlock = 25 // CMD25
	cmdAppCmd          = 55 // CMD55
	cmdReadOCR         = 58 // CMD58
	cmdCrcOnOff        = 59 // CMD59

	acmdSetWrBlkEraseCount = 23 // ACMD23
	acmdSdSendOpCond       = 41 // ACMD41
)

const dataToken = 0xfe     // read/single-block token
const writeToken = 0xfc    // multi-block write per-block token
const stopTranToken = 0xfd // multi-block write terminator

// Stats accumulates wire-level accounting for diagnostics (§4.G "card
// overhead" reporting): bytes actually carrying block data versus bytes
// spent polling for readiness, and the wall-clock time spent in each.
type Stats struct {
	BytesTransferred uint64
	BytesWaiting     uint64
	TimeInData       time.Duration
	TimeInWait       time.Duration
}

// Card drives an SD card in SPI mode over the given bus and optional busy
// line, cooperating with sched for any wait that would otherwise block the
// whole system (§4.D).
type Card struct {
	bus   hal.SPIBus
	busy  hal.BusyLine
	sched *kernel.Scheduler
	log   func(format string, args ...interface{})

	// buffers backs the exchange buffers of Init's idle clocks, readBytes
	// and readOneBlock with a pre-reserved pool instead of a fresh heap
	// allocation per transfer; command frames and the write path still use
	// ordinary slices
	// (§1 non-goal: no allocation after start-up), the role
	// github.com/usbarmory/tamago's dma.Region plays for its own
	// usdhc/DMA-driven block transfers.
	buffers *dma.Region

	initBaud    int
	workingBaud int

	ready    bool
	Capacity uint32 // sectors, discovered from CSD (resolves open question iii)

	Stats Stats
}

// Option configures a Card at construction.
type Option func(*Card)

// WithBusyLine supplies a PIO-assisted busy-wait signal. Without one, the
// driver falls back to pure software polling of the MISO line.
func WithBusyLine(b hal.BusyLine) Option {
	return func(c *Card) { c.busy = b }
}

// WithLog installs a diagnostic sink, called at console.VerboseDebug level.
func WithLog(fn func(format string, args ...interface{})) Option {
	return func(c *Card) { c.log = fn }
}

// WithBaud overrides the default 400kHz init baud and 20MHz working baud.
func WithBaud(initHz, workingHz int) Option {
	return func(c *Card) { c.initBaud = initHz; c.workingBaud = workingHz }
}

// New constructs a Card driver. sched is used to cooperatively yield
// during the busy-wait fallback path and during long retry loops so other
// tasks keep running.
func New(bus hal.SPIBus, sched *kernel.Scheduler, opts ...Option) *Card {
	c := &Card{
		bus:         bus,
		sched:       sched,
		initBaud:    400_000,
		workingBaud: 20_000_000,
		log:         func(string, ...interface{}) {},
		buffers:     dma.NewRegion(scratchPoolSize),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Card) logf(format string, args ...interface{}) {
	c.log(format, args...)
}

// scratch reserves an n-byte exchange buffer from the card's pool rather
// than heap-allocating one per transfer. If the pool is momentarily
// exhausted (should not happen given scratchPoolSize's headroom) it falls
// back to a plain allocation so a transfer is never refused outright; the
// handle returned is -1 in that case and releaseScratch is then a no-op.
func (c *Card) scratch(n int) ([]byte, int) {
	buf, handle, err := c.buffers.Reserve(n, 1)
	if err != nil {
		return make([]byte, n), -1
	}
	for i := range buf {
		buf[i] = 0
	}
	return buf, handle
}

func (c *Card) releaseScratch(handle int) {
	if handle >= 0 {
		c.buffers.Release(handle)
	}
}

// Init performs the CMD0/CMD8/CMD59/CMD55+ACMD41/CMD58/CMD16 handshake of
// §4.D, raising the bus clock once the card is ready. On any step's
// exhaustion it returns ErrCardAbsent, matching open question (ii): retry
// at the initial baud only, then abort. A best-effort CMD9 read of the CSD
// register discovers Capacity; its failure does not abort Init.
func (c *Card) Init(ctx context.Context) error {
	c.ready = false
	c.bus.Configure(c.initBaud)
	c.bus.Select(false)

	// 74+ idle clocks with CS high before any command, per the SD SPI
	// power-up sequence.
	idle, idleHandle := c.scratch(10)
	c.bus.Exchange(idle)
	c.releaseScratch(idleHandle)

	c.bus.Select(true)
	defer c.bus.Select(false)

	if err := c.retryUntilR1(cmdGoIdleState, 0, 0x01, 1024); err != nil {
		return fmt.Errorf("sdio: init CMD0: %w", ErrCardAbsent)
	}

	if err := c.sendIfCond(); err != nil {
		return fmt.Errorf("sdio: init CMD8: %w", ErrCardAbsent)
	}

	if _, err := c.command(cmdCrcOnOff, 1); err != nil {
		return fmt.Errorf("sdio: init CMD59: %w", ErrCardAbsent)
	}

	if err := c.waitIdleExit(); err != nil {
		return fmt.Errorf("sdio: init ACMD41: %w", ErrCardAbsent)
	}

	c.bus.Configure(c.workingBaud)

	if _, err := c.command(cmdReadOCR, 0); err != nil {
		return fmt.Errorf("sdio: init CMD58: %w", ErrCardAbsent)
	}
	c.readBytes(4) // discard OCR payload

	if _, err := c.command(cmdSetBlockLen, blockSize); err != nil {
		return fmt.Errorf("sdio: init CMD16: %w", ErrCardAbsent)
	}

	if cap, err := c.readCapacity(); err != nil {
		c.logf("sdio: CSD read failed, capacity unknown: %v", err)
	} else {
		c.Capacity = cap
	}

	c.ready = true
	return nil
}

// sendIfCond issues CMD8 with the mandatory check pattern and voltage
// range, verifying the echoed pattern, up to 3 attempts.
func (c *Card) sendIfCond() error {
	const arg = 0x1aa
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		frame := CommandFrame(cmdSendIfCond, arg)
		c.bus.Exchange(frame[:])
		r1, err := c.readR1(8)
		if err != nil {
			lastErr = err
			continue
		}
		echo := c.readBytes(4)
		if r1&0x01 == 0 {
			lastErr = ErrTransientBus
			continue
		}
		if echo[2] != 0x01 || echo[3] != 0xaa {
			lastErr = ErrTransientBus
			continue
		}
		return nil
	}
	return lastErr
}

// waitIdleExit loops CMD55+ACMD41 (with the HCS bit set, requesting
// SDHC/SDXC addressing) until the card reports it has left idle state, up
// to 2500 attempts, yielding between attempts so other tasks still run
// during the ~1s a real card can take.
func (c *Card) waitIdleExit() error {
	const hcsBit = 1 << 30
	for attempt := 0; attempt < 2500; attempt++ {
		if _, err := c.command(cmdAppCmd, 0); err != nil {
			return err
		}
		r1, err := c.command(acmdSdSendOpCond, hcsBit)
		if err != nil {
			return err
		}
		if r1 == 0x00 {
			return nil
		}
		if c.sched != nil {
			c.sched.Yield()
		}
	}
	return ErrTransientBus
}

// command sends a single command frame and returns its R1 response.
func (c *Card) command(cmd byte, arg uint32) (byte, error) {
	frame := CommandFrame(cmd, arg)
	c.bus.Exchange(frame[:])
	return c.readR1(8)
}

// retryUntilR1 resends cmd up to maxAttempts times until the R1 response
// equals want exactly (used for CMD0, where "idle" (0x01) is mandatory).
func (c *Card) retryUntilR1(cmd byte, arg uint32, want byte, maxAttempts int) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		r1, err := c.command(cmd, arg)
		if err == nil && r1 == want {
			return nil
		}
		lastErr = err
		if lastErr == nil {
			lastErr = ErrTransientBus
		}
	}
	return lastErr
}

// readR1 polls up to maxAttempts bytes looking for a response byte with
// bit 7 clear, the SD SPI R1 framing rule.
func (c *Card) readR1(maxAttempts int) (byte, error) {
	for i := 0; i < maxAttempts; i++ {
		b := c.bus.Exchange([]byte{0xff})[0]
		if b&0x80 == 0 {
			return b, nil
		}
	}
	return 0, ErrTransientBus
}

func (c *Card) readBytes(n int) []byte {
	buf, handle := c.scratch(n)
	defer c.releaseScratch(handle)
	return c.bus.Exchange(buf)
}

// readCapacity issues CMD9 and parses a CSD version 2.0 (SDHC/SDXC)
// register to derive the card's sector count, per open question (iii):
// GET_SECTOR_COUNT should report discovered capacity rather than a
// sentinel maximum.
func (c *Card) readCapacity() (uint32, error) {
	if _, err := c.command(cmdSendCSD, 0); err != nil {
		return 0, err
	}
	if err := c.waitToken(dataToken, 8); err != nil {
		return 0, err
	}
	csd := c.readBytes(16)
	c.readBytes(2) // CRC16 trailer, not verified here

	if csd[0]>>6 != 1 {
		return 0, fmt.Errorf("sdio: unsupported CSD version %d", csd[0]>>6)
	}

	cSize := uint32(csd[7]&0x3f)<<16 | uint32(csd[8])<<8 | uint32(csd[9])
	return (cSize + 1) * 1024, nil
}

func (c *Card) waitToken(token byte, maxAttempts int) error {
	for i := 0; i < maxAttempts; i++ {
		b := c.bus.Exchange([]byte{0xff})[0]
		if b == token {
			return nil
		}
		if b != 0xff {
			return ErrTransientBus
		}
	}
	return ErrTransientBus
}

// waitReady blocks until the card releases MISO (stops driving it low for
// "busy"), first with a short fast poll and then, if a busy line was
// supplied, cooperatively via it; otherwise it falls back to a pure
// software polling loop that yields between attempts (§4.D step 2's fast
// SPI-polled path and slow interrupt-driven path).
func (c *Card) waitReady(ctx context.Context) error {
	start := time.Now()
	defer func() { c.Stats.TimeInWait += time.Since(start) }()

	for i := 0; i < 16; i++ {
		b := c.bus.Exchange([]byte{0xff})[0]
		c.Stats.BytesWaiting++
		if b == 0xff {
			return nil
		}
	}

	if c.busy != nil {
		return c.busy.WaitHigh(ctx)
	}

	for {
		b := c.bus.Exchange([]byte{0xff})[0]
		c.Stats.BytesWaiting++
		if b == 0xff {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if c.sched != nil {
			c.sched.Yield()
		}
	}
}

// Ready reports whether Init has completed successfully.
func (c *Card) Ready() bool { return c.ready }
