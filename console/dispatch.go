// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package console

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fieldcore/envlogger/blockdev"
)

// Handlers are the operations the command dispatcher invokes, injected by
// the board bring-up so this package stays decoupled from blockdev's FAT,
// the sample pipeline, the RTC, and the sensor drivers (§4.C, §6).
type Handlers struct {
	Start   func() error
	Stop    func() error
	Ls      func(ctx context.Context, path string) ([]blockdev.DirEntry, error)
	Cat     func(ctx context.Context, path string, w func([]byte) (int, error)) error
	Touch   func(ctx context.Context, path string) error
	Ecezo   func(args []string) (string, error)
	Flash   func() error
	HCToSys func(ctx context.Context) error // adopt hardware RTC time into the running estimate
	SysToHC func(ctx context.Context) error // write the running estimate into the hardware RTC
	BME280  func() (string, error)
	Uptime  func() time.Duration
	Tasks   func() []string
	Mem     func() string
	NMEA    func(line string, baud int) error
}

// Dispatcher parses console command lines and routes them to Handlers,
// grounded on original_source/rp2350_cooperative_fatfs.c's ls/cat and the
// token set enumerated in §6.
type Dispatcher struct {
	h    Handlers
	c    *Console
	baud int
}

// NewDispatcher builds a Dispatcher writing responses to c.
func NewDispatcher(c *Console, baud int, h Handlers) *Dispatcher {
	return &Dispatcher{h: h, c: c, baud: baud}
}

// Dispatch executes one command line, writing any response directly to
// the console. Unrecognized lines are echoed back prefixed with "% ",
// matching an unknown-command convention already established in §6.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) {
	if strings.HasPrefix(line, "$") {
		if d.h.NMEA != nil {
			if err := d.h.NMEA(line, d.baud); err != nil {
				d.c.Logf(VerboseInfo, "nmea: %v", err)
			}
		}
		return
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "start":
		d.run(d.h.Start)
	case "stop":
		d.run(d.h.Stop)
	case "ls":
		d.ls(ctx, args)
	case "cat":
		d.cat(ctx, args)
	case "touch":
		d.touch(ctx, args)
	case "ecezo":
		d.ecezo(args)
	case "flash":
		d.run(d.h.Flash)
	case "hctosys":
		d.runCtx(ctx, d.h.HCToSys)
	case "systohc":
		d.runCtx(ctx, d.h.SysToHC)
	case "bme280":
		d.bme280()
	case "uptime":
		d.uptime()
	case "verbose":
		d.verbose(args)
	case "tasks":
		d.tasks()
	case "mem":
		d.mem()
	default:
		d.c.WriteString("% " + line + "\r\n")
	}
}

func (d *Dispatcher) run(fn func() error) {
	if fn == nil {
		d.c.WriteString("error: not available\r\n")
		return
	}
	if err := fn(); err != nil {
		d.c.WriteString(fmt.Sprintf("error: %v\r\n", err))
	}
}

func (d *Dispatcher) runCtx(ctx context.Context, fn func(context.Context) error) {
	if fn == nil {
		d.c.WriteString("error: not available\r\n")
		return
	}
	if err := fn(ctx); err != nil {
		d.c.WriteString(fmt.Sprintf("error: %v\r\n", err))
	}
}

func (d *Dispatcher) ls(ctx context.Context, args []string) {
	if d.h.Ls == nil {
		return
	}
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	entries, err := d.h.Ls(ctx, path)
	if err != nil {
		d.c.WriteString(fmt.Sprintf("error: %v\r\n", err))
		return
	}
	for _, e := range entries {
		d.c.WriteString(fmt.Sprintf("%-24s %8d\r\n", e.Name, e.Size))
		d.c.sched.Yield()
	}
}

func (d *Dispatcher) cat(ctx context.Context, args []string) {
	if len(args) == 0 || d.h.Cat == nil {
		d.c.WriteString("error: usage: cat <path>\r\n")
		return
	}
	if err := d.h.Cat(ctx, args[0], d.c.Write); err != nil {
		d.c.WriteString(fmt.Sprintf("error: %v\r\n", err))
	}
	d.c.WriteString("\r\n")
}

func (d *Dispatcher) touch(ctx context.Context, args []string) {
	if len(args) == 0 || d.h.Touch == nil {
		d.c.WriteString("error: usage: touch <path>\r\n")
		return
	}
	if err := d.h.Touch(ctx, args[0]); err != nil {
		d.c.WriteString(fmt.Sprintf("error: %v\r\n", err))
	}
}

func (d *Dispatcher) ecezo(args []string) {
	if d.h.Ecezo == nil {
		return
	}
	resp, err := d.h.Ecezo(args)
	if err != nil {
		d.c.WriteString(fmt.Sprintf("error: %v\r\n", err))
		return
	}
	d.c.WriteString(resp + "\r\n")
}

func (d *Dispatcher) bme280() {
	if d.h.BME280 == nil {
		return
	}
	resp, err := d.h.BME280()
	if err != nil {
		d.c.WriteString(fmt.Sprintf("error: %v\r\n", err))
		return
	}
	d.c.WriteString(resp + "\r\n")
}

func (d *Dispatcher) uptime() {
	if d.h.Uptime == nil {
		return
	}
	d.c.WriteString(d.h.Uptime().String() + "\r\n")
}

func (d *Dispatcher) verbose(args []string) {
	if len(args) == 0 {
		d.c.WriteString(fmt.Sprintf("%d\r\n", d.c.Verbosity))
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		d.c.WriteString("error: usage: verbose <n>\r\n")
		return
	}
	d.c.Verbosity = Verbosity(n)
}

func (d *Dispatcher) tasks() {
	if d.h.Tasks == nil {
		return
	}
	for _, name := range d.h.Tasks() {
		d.c.WriteString(name + "\r\n")
	}
}

func (d *Dispatcher) mem() {
	if d.h.Mem == nil {
		return
	}
	d.c.WriteString(d.h.Mem() + "\r\n")
}
