// Shared I2C bus arbitration
// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package i2cbus arbitrates the single I2C bus the real-time clock and
// every environmental sensor share (§4.F), grounded on
// original_source/rp2350_cooperative_i2c.c's i2c_request/i2c_release
// reference-counted enable/disable pair, generalized onto
// kernel.Resource: the first Request configures the peripheral clock and
// runs an optional power-up hook, the last Release runs the matching
// teardown. No other peripheral in this module is power-gated this way.
package i2cbus

import (
	"github.com/fieldcore/envlogger/hal"
	"github.com/fieldcore/envlogger/kernel"
)

// Bus wraps a hal.I2CPort with request/release reference counting: the
// first concurrent user powers the bus up (and configures its clock), the
// last releases it.
type Bus struct {
	res  *kernel.Resource
	port hal.I2CPort
}

// New constructs a Bus. onFirstUse/onLastRelease are typically a GPIO
// pull-up/clock enable pair and its teardown; either may be nil.
func New(sched *kernel.Scheduler, port hal.I2CPort, hz int, onFirstUse func() error, onLastRelease func()) *Bus {
	b := &Bus{port: port}
	b.res = kernel.NewResource(sched, func() error {
		port.Configure(hz)
		if onFirstUse != nil {
			return onFirstUse()
		}
		return nil
	}, onLastRelease)
	return b
}

// Request arbitrates for exclusive use of the bus; pair with Release.
func (b *Bus) Request() error { return b.res.Request() }

// Release gives up exclusive use of the bus.
func (b *Bus) Release() { b.res.Release() }

// Port exposes the raw transport for a transaction while the caller holds
// the bus (between Request and Release).
func (b *Bus) Port() hal.I2CPort { return b.port }
