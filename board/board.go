// Simulated board bring-up
// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package board wires every layer of the core into one running system,
// the role usbarmory/tamago's board/usbarmory/mk2 package plays for real
// silicon: a concrete init that constructs the scheduler, attaches the SD
// card, the I2C sensors and RTC, the sample pipeline, and the console
// command table to it. Since this module targets no fixed SoC, the
// concrete peripherals are the hal/sim software devices rather than a
// register-mapped bus — a host-runnable stand-in for what a real board
// package would hand the same constructors instead (an imx6/usdhc, an
// imx6/i2c, a uart.UART).
package board

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldcore/envlogger/blockdev"
	"github.com/fieldcore/envlogger/console"
	"github.com/fieldcore/envlogger/hal/sim"
	"github.com/fieldcore/envlogger/i2cbus"
	"github.com/fieldcore/envlogger/kernel"
	"github.com/fieldcore/envlogger/pipeline"
	"github.com/fieldcore/envlogger/rtc"
	"github.com/fieldcore/envlogger/sdio"
)

// I2C addresses of the attached peripherals, named for parity with the
// board/usbarmory/mk2 convention of enumerating a board's I2C targets as
// constants (see i2c.go's PF1510_ADDR and friends there).
const (
	AddrRTC      = 0x68
	AddrBME280   = 0x77
	AddrTSYS01   = 0x76
	AddrKellerLD = 0x40
	AddrECEZO    = 0x64

	sectorCount = 1 << 16 // 32MiB at 512 bytes/sector, ample for a simulated card
	consoleBaud = 115200
	i2cClockHz  = 400_000
	ringDepth   = 32
)

// System owns every constructed component and the glue between them.
type System struct {
	Sched *kernel.Scheduler

	Card     *sdio.Card
	Shim     *blockdev.Shim
	FS       *blockdev.FS
	cardLock *kernel.Mutex

	I2C   *i2cbus.Bus
	Clock *rtc.Clock

	Sensors    pipeline.Sensors
	Subs       *pipeline.Subscribers
	Ring       *pipeline.Ring
	Producer   *pipeline.Producer
	Consumer   *pipeline.Consumer
	Supervisor *pipeline.Supervisor

	Console    *console.Console
	Dispatcher *console.Dispatcher

	sd   *sim.SDCard
	i2c  *sim.I2CBus
	ds   *sim.DS3231
	uart *sim.UART

	consumerTask *kernel.Task
	bootTime     time.Time
}

// New constructs a fully wired System over simulated hardware. sched's
// sleepUntilEvent callback is invoked whenever every task is blocked; a
// real board passes a WFI-equivalent, a test or demo harness a no-op.
func New(sleepUntilEvent func()) *System {
	sched := kernel.New(sleepUntilEvent)

	sd := sim.NewSDCard(sectorCount)
	card := sdio.New(sd, sched, sdio.WithBusyLine(sd))

	shim := blockdev.NewShim(card, sectorCount)

	i2cPort := sim.NewI2CBus()
	ds := sim.NewDS3231()
	i2cPort.Attach(AddrRTC, ds)
	i2cPort.Attach(AddrBME280, &sim.RegisterSensor{})
	i2cPort.Attach(AddrTSYS01, &sim.RegisterSensor{})
	i2cPort.Attach(AddrKellerLD, &sim.RegisterSensor{})
	i2cPort.Attach(AddrECEZO, &sim.ASCIISensor{})

	bus := i2cbus.New(sched, i2cPort, i2cClockHz, nil, nil)
	clock := rtc.New(bus, AddrRTC).WithScheduler(sched)

	fs := blockdev.NewFS(shim, clock.FatTime)

	sensors := pipeline.Sensors{
		Temperature:  i2cbus.NewTSYS01(bus, AddrTSYS01),
		Pressure:     i2cbus.NewKellerLD(bus, AddrKellerLD),
		Conductivity: i2cbus.NewECEZO(bus, AddrECEZO),
	}

	subs := &pipeline.Subscribers{}
	ring := pipeline.NewRing(ringDepth)
	producer := pipeline.NewProducer(sched, ring, sensors, subs, clock.Now)
	supervisor := pipeline.NewSupervisor(sched, subs, producer)

	cardLock := kernel.NewMutex(sched)
	consumer := pipeline.NewConsumer(sched, ring, fs, cardLock)

	uart := sim.NewUART()
	con := console.New(sched, uart, consoleBaud)

	s := &System{
		Sched:      sched,
		Card:       card,
		Shim:       shim,
		FS:         fs,
		cardLock:   cardLock,
		I2C:        bus,
		Clock:      clock,
		Sensors:    sensors,
		Subs:       subs,
		Ring:       ring,
		Producer:   producer,
		Consumer:   consumer,
		Supervisor: supervisor,
		Console:    con,
		sd:         sd,
		i2c:        i2cPort,
		ds:         ds,
		uart:       uart,
		bootTime:   time.Now(),
	}
	s.Dispatcher = console.NewDispatcher(con, consoleBaud, s.handlers())
	return s
}

// Mount brings the SD card up and mounts the filesystem, the sequence a
// real main would run once at boot before accepting console commands.
func (s *System) Mount(ctx context.Context) error {
	if err := s.Card.Init(ctx); err != nil {
		return fmt.Errorf("board: card init: %w", err)
	}
	return s.FS.Mount(ctx)
}

// Poll drives one cooperative pass: drain the UART rings, dispatch any
// complete command line, and let the supervisor start the sample task if
// a subscriber appeared. Call this in a loop from the main task.
func (s *System) Poll(ctx context.Context) {
	s.Console.Poll()
	if line, ok := s.Console.ReadLine(); ok {
		s.Dispatcher.Dispatch(ctx, line)
	}
	s.Supervisor.Poll(ctx)
}

// handlers binds the console command table to this system's components,
// the same injection point board/usbarmory/mk2 would fill with concrete
// peripheral calls instead of simulated ones.
func (s *System) handlers() console.Handlers {
	return console.Handlers{
		Start: func() error {
			s.Subs.Inc()
			if s.consumerTask != nil && s.Sched.IsRunning(s.consumerTask) {
				return nil
			}
			s.consumerTask = s.Sched.Start("record", func() { s.Consumer.Run(context.Background()) })
			return nil
		},
		Stop: func() error {
			s.Subs.Dec()
			s.Consumer.Stop()
			return nil
		},
		Ls: func(ctx context.Context, path string) ([]blockdev.DirEntry, error) {
			dir, err := s.FS.OpenDir(ctx)
			if err != nil {
				return nil, err
			}
			defer dir.Close(ctx)

			var entries []blockdev.DirEntry
			for {
				e, err := dir.ReadDir(ctx)
				if err != nil {
					break
				}
				entries = append(entries, e)
			}
			return entries, nil
		},
		Cat: func(ctx context.Context, path string, w func([]byte) (int, error)) error {
			f, err := s.FS.Open(ctx, path, blockdev.FlagRead)
			if err != nil {
				return err
			}
			defer f.Close(ctx)

			buf := make([]byte, 512)
			for {
				n, err := f.Read(ctx, buf)
				if n > 0 {
					if _, werr := w(buf[:n]); werr != nil {
						return werr
					}
				}
				if err != nil {
					break
				}
				s.Sched.Yield()
			}
			return nil
		},
		Touch: func(ctx context.Context, path string) error {
			f, err := s.FS.Open(ctx, path, blockdev.FlagWrite|blockdev.FlagCreate)
			if err != nil {
				return err
			}
			return f.Close(ctx)
		},
		Ecezo: func(args []string) (string, error) {
			if len(args) == 0 {
				return "", fmt.Errorf("usage: ecezo <command>")
			}
			if err := s.Sensors.Conductivity.Command(args[0]); err != nil {
				return "", err
			}
			return "ok", nil
		},
		HCToSys: func(ctx context.Context) error {
			return s.Clock.SyncFromHardware(ctx)
		},
		SysToHC: func(ctx context.Context) error {
			return s.Clock.SyncToHardware(ctx, s.Clock.Now())
		},
		BME280: func() (string, error) {
			bme := i2cbus.NewBME280(s.I2C, AddrBME280)
			raw, err := bme.RawSample()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("% x", raw), nil
		},
		Uptime: func() time.Duration {
			return time.Since(s.bootTime)
		},
		Tasks: func() []string {
			tasks := s.Sched.Tasks()
			names := make([]string, 0, len(tasks))
			for _, t := range tasks {
				names = append(names, t.Label())
			}
			return names
		},
		Mem: func() string {
			st := s.Card.Stats
			return fmt.Sprintf(
				"ring: %d written, capacity %d; sd: %d bytes data (%s), %d bytes wait (%s)",
				s.Ring.Written(), s.Ring.Size(),
				st.BytesTransferred, st.TimeInData,
				st.BytesWaiting, st.TimeInWait,
			)
		},
		NMEA: func(line string, baud int) error {
			return s.Clock.SyncFromNMEA(line, baud)
		},
	}
}
