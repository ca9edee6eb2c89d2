// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/fieldcore/envlogger/i2cbus"
	"github.com/fieldcore/envlogger/kernel"
)

// Sensors groups the sensor drivers the producer polls once a tick.
// Pressure and Temperature are modeled by whichever raw-register sensor
// is wired on the board (§1 leaves the physical sensor selection to the
// board, decoding math out of scope); Conductivity is the EZO probe
// pipelined across two ticks per original_source/rp2350_ecezo.c.
type Sensors struct {
	Temperature  *i2cbus.TSYS01
	Pressure     *i2cbus.KellerLD
	Conductivity *i2cbus.ECEZO
}

// Producer is the sample task (§4.G): it drives a one-second tick,
// polls the sensor fleet, and publishes records into a Ring until the
// subscriber count drops to zero.
type Producer struct {
	sched   *kernel.Scheduler
	ring    *Ring
	sensors Sensors
	subs    *Subscribers
	limiter *rate.Limiter
	now     func() time.Time
	Log     func(format string, args ...interface{})

	condPending bool
}

// NewProducer builds a Producer that publishes into ring, reading subs
// each tick to decide whether to keep running. now defaults to
// time.Now if nil.
func NewProducer(sched *kernel.Scheduler, ring *Ring, sensors Sensors, subs *Subscribers, now func() time.Time) *Producer {
	if now == nil {
		now = time.Now
	}
	return &Producer{
		sched:   sched,
		ring:    ring,
		sensors: sensors,
		subs:    subs,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		now:     now,
		Log:     func(string, ...interface{}) {},
	}
}

// Run polls the tick source and publishes one record per second until
// the subscriber count reaches zero, then returns. It is meant to be
// passed to kernel.Scheduler.Start as the task entry point.
func (p *Producer) Run(ctx context.Context) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		p.sched.Yield()

		if p.subs.Count() == 0 {
			return
		}

		rec := p.sample()
		p.ring.Publish(rec)
		p.sched.EventHint()
		p.sched.Yield()
	}
}

func (p *Producer) sample() SampleRecord {
	rec := SampleRecord{TimestampUS: uint64(p.now().UnixMicro())}

	if p.sensors.Temperature != nil {
		if raw, err := p.sensors.Temperature.RawSample(); err == nil {
			rec.Temperature = rawCounts(raw)
		} else {
			p.Log("pipeline: temperature sample: %v", err)
		}
	}

	if p.sensors.Pressure != nil {
		if raw, err := p.sensors.Pressure.RawSample(); err == nil {
			rec.Pressure = rawCounts(raw)
		} else {
			p.Log("pipeline: pressure sample: %v", err)
		}
	}

	if p.sensors.Conductivity != nil {
		// Collect the reading requested on the previous tick before
		// issuing the next request, pipelining the probe's >=600ms
		// reaction time across ticks (§4.G).
		if p.condPending {
			if text, err := p.sensors.Conductivity.FinishRead(); err == nil {
				rec.Conductivity = parseMicroSiemens(text)
			} else {
				p.Log("pipeline: conductivity read: %v", err)
			}
		}
		if err := p.sensors.Conductivity.RequestRead(); err == nil {
			p.condPending = true
		} else {
			p.condPending = false
			p.Log("pipeline: conductivity request: %v", err)
		}
	}

	return rec
}

// rawCounts stands in for the calibration-coefficient decode this spec
// places out of scope (§1): it is a fixed, deterministic function of the
// sensor's raw register burst, not a physical-unit conversion, so the CSV
// output is reproducible and testable without modeling any particular
// sensor's datasheet math.
func rawCounts(raw []byte) int32 {
	if len(raw) < 2 {
		return 0
	}
	return int32(int16(uint16(raw[0])<<8 | uint16(raw[1])))
}

// parseMicroSiemens converts the EZO probe's ASCII decimal reading (e.g.
// "784.50") into the fixed-point, physical-units-times-1000 form the CSV
// layout and SampleRecord use. This is text parsing of an already-decoded
// vendor reading, not the calibration math §1 excludes.
func parseMicroSiemens(text string) int32 {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0
	}
	return int32(f * 1000)
}
