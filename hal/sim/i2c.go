// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import "fmt"

// I2CBus implements hal.I2CPort as an address-routed map of registered
// devices, standing in for the single shared bus the RTC and the sensor
// drivers arbitrate over with kernel.Resource (§4.F).
type I2CBus struct {
	hz      int
	devices map[byte]I2CDevice
}

// I2CDevice is a single simulated peripheral hanging off an I2CBus.
type I2CDevice interface {
	// WriteFrom is called with the bytes a Write(addr, data) sent it.
	WriteFrom(data []byte)
	// ReadInto is called to fill the buffer for a Read(addr, data) call.
	ReadInto(data []byte)
}

// NewI2CBus returns an empty bus; use Attach to register devices by
// address before use.
func NewI2CBus() *I2CBus {
	return &I2CBus{devices: make(map[byte]I2CDevice)}
}

// Attach registers dev at the given 7-bit address.
func (b *I2CBus) Attach(addr byte, dev I2CDevice) {
	b.devices[addr] = dev
}

// Configure implements hal.I2CPort.
func (b *I2CBus) Configure(hz int) { b.hz = hz }

// Write implements hal.I2CPort.
func (b *I2CBus) Write(addr byte, data []byte) error {
	dev, ok := b.devices[addr]
	if !ok {
		return fmt.Errorf("sim: no device at i2c address %#x", addr)
	}
	dev.WriteFrom(data)
	return nil
}

// Read implements hal.I2CPort.
func (b *I2CBus) Read(addr byte, data []byte) error {
	dev, ok := b.devices[addr]
	if !ok {
		return fmt.Errorf("sim: no device at i2c address %#x", addr)
	}
	dev.ReadInto(data)
	return nil
}

// DS3231 simulates the BCD time-keeping register file of a DS3231-class
// RTC chip (registers 0x00-0x06: seconds, minutes, hours, day, date,
// month, year), addressed the way rtc.Clock expects: a Write of
// []byte{reg} sets the read cursor, a subsequent Write of []byte{reg,
// v...} stores starting at reg, and a Read continues from the cursor.
type DS3231 struct {
	regs   [7]byte
	cursor int
}

// NewDS3231 returns a register file initialized to the zero time
// (2000-01-01 00:00:00 in BCD).
func NewDS3231() *DS3231 {
	return &DS3231{regs: [7]byte{0x00, 0x00, 0x00, 0x01, 0x01, 0x01, 0x00}}
}

// WriteFrom implements I2CDevice. The first byte is always the register
// address; any following bytes are stored starting there.
func (d *DS3231) WriteFrom(data []byte) {
	if len(data) == 0 {
		return
	}
	d.cursor = int(data[0]) % len(d.regs)
	for i, b := range data[1:] {
		idx := (d.cursor + i) % len(d.regs)
		d.regs[idx] = b
	}
}

// ReadInto implements I2CDevice, reading sequentially from the cursor
// left by the last WriteFrom.
func (d *DS3231) ReadInto(data []byte) {
	for i := range data {
		data[i] = d.regs[(d.cursor+i)%len(d.regs)]
	}
}

// SetBCD loads the register file directly (test convenience), in the
// order seconds, minutes, hours, day-of-week, date, month, year-of-century.
func (d *DS3231) SetBCD(sec, min, hour, dow, date, month, year byte) {
	d.regs = [7]byte{sec, min, hour, dow, date, month, year}
}

// BCD returns the current register contents in the same order.
func (d *DS3231) BCD() [7]byte { return d.regs }

// RegisterSensor simulates a fixed-width raw-register burst read, the
// shape shared by the TSYS01 and KellerLD drivers: a Write selects (or
// triggers) a reading and a Read returns whatever fixed-width payload the
// test last queued via SetReading, independent of what was written.
type RegisterSensor struct {
	reading []byte
}

// SetReading queues the exact bytes the next Read should return.
func (s *RegisterSensor) SetReading(data []byte) { s.reading = data }

// WriteFrom implements I2CDevice; commands are observed but otherwise
// ignored since the reading is set directly via SetReading in tests.
func (s *RegisterSensor) WriteFrom(data []byte) {}

// ReadInto implements I2CDevice, copying the queued reading (short or
// zero-padded to fit).
func (s *RegisterSensor) ReadInto(data []byte) {
	n := copy(data, s.reading)
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

// ASCIISensor simulates the request/response ASCII-over-I2C shape shared
// by the ecezo conductivity probe and similar modules: a Write carries a
// single command byte or string, and the following Read returns a
// NUL-terminated ASCII response queued by the test via Respond.
type ASCIISensor struct {
	pending []byte
	cursor  int
}

// Respond queues the exact bytes (including the trailing NUL) the next
// Read should return.
func (s *ASCIISensor) Respond(msg string) {
	s.pending = append([]byte(msg), 0x00)
	s.cursor = 0
}

// WriteFrom implements I2CDevice; commands are observed but otherwise
// ignored since response content is set directly via Respond in tests.
func (s *ASCIISensor) WriteFrom(data []byte) {}

// ReadInto implements I2CDevice, draining the queued response one byte at
// a time and returning zero bytes once exhausted (mirroring the firmware
// read-until-NUL convention in §4.F).
func (s *ASCIISensor) ReadInto(data []byte) {
	for i := range data {
		if s.cursor < len(s.pending) {
			data[i] = s.pending[s.cursor]
			s.cursor++
		} else {
			data[i] = 0x00
		}
	}
}
