// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package i2cbus

import "fmt"

// BME280 talks to a Bosch BME280-class pressure/humidity/temperature
// sensor at the register level only; decoding the manufacturer
// compensation formulas into physical units is explicitly out of scope
// (§1 non-goal) and left to a caller layered on top of RawSample.
type BME280 struct {
	bus  *Bus
	addr byte
}

// NewBME280 returns a driver for the sensor at addr (typically 0x76 or
// 0x77).
func NewBME280(bus *Bus, addr byte) *BME280 { return &BME280{bus: bus, addr: addr} }

// RawSample reads the eight raw pressure/temperature/humidity burst
// registers starting at 0xf7, undecoded.
func (s *BME280) RawSample() ([]byte, error) {
	if err := s.bus.Request(); err != nil {
		return nil, err
	}
	defer s.bus.Release()

	if err := s.bus.Port().Write(s.addr, []byte{0xf7}); err != nil {
		return nil, fmt.Errorf("i2cbus: bme280 select register: %w", err)
	}
	raw := make([]byte, 8)
	if err := s.bus.Port().Read(s.addr, raw); err != nil {
		return nil, fmt.Errorf("i2cbus: bme280 read: %w", err)
	}
	return raw, nil
}

// TSYS01 talks to a TE Connectivity TSYS01-class precision temperature
// sensor. As with BME280, coefficient-based decoding is out of scope.
type TSYS01 struct {
	bus  *Bus
	addr byte
}

// NewTSYS01 returns a driver for the sensor at addr (typically 0x77).
func NewTSYS01(bus *Bus, addr byte) *TSYS01 { return &TSYS01{bus: bus, addr: addr} }

// RawSample issues the ADC conversion command (0x48) and reads back the
// 3-byte raw result.
func (s *TSYS01) RawSample() ([]byte, error) {
	if err := s.bus.Request(); err != nil {
		return nil, err
	}
	defer s.bus.Release()

	if err := s.bus.Port().Write(s.addr, []byte{0x48}); err != nil {
		return nil, fmt.Errorf("i2cbus: tsys01 convert: %w", err)
	}
	if err := s.bus.Port().Write(s.addr, []byte{0x00}); err != nil {
		return nil, fmt.Errorf("i2cbus: tsys01 select ADC read: %w", err)
	}
	raw := make([]byte, 3)
	if err := s.bus.Port().Read(s.addr, raw); err != nil {
		return nil, fmt.Errorf("i2cbus: tsys01 read: %w", err)
	}
	return raw, nil
}

// KellerLD talks to a Keller LD-class pressure transmitter over the
// vendor's simple request/read protocol. Pressure/temperature decoding
// from the raw counts is out of scope.
type KellerLD struct {
	bus  *Bus
	addr byte
}

// NewKellerLD returns a driver for the sensor at addr (typically 0x40).
func NewKellerLD(bus *Bus, addr byte) *KellerLD { return &KellerLD{bus: bus, addr: addr} }

// RawSample issues the measurement request (0xac) and reads back the
// 5-byte status+pressure+temperature result.
func (s *KellerLD) RawSample() ([]byte, error) {
	if err := s.bus.Request(); err != nil {
		return nil, err
	}
	defer s.bus.Release()

	if err := s.bus.Port().Write(s.addr, []byte{0xac}); err != nil {
		return nil, fmt.Errorf("i2cbus: kellerld request: %w", err)
	}
	raw := make([]byte, 5)
	if err := s.bus.Port().Read(s.addr, raw); err != nil {
		return nil, fmt.Errorf("i2cbus: kellerld read: %w", err)
	}
	return raw, nil
}

// ECEZO talks to an Atlas Scientific EZO-class conductivity probe's
// ASCII command protocol. A conductivity conversion takes upwards of
// 600ms, so the driver splits the transaction into RequestRead (issue the
// command and return immediately) and FinishRead (read back whatever
// response has since arrived), grounded on
// original_source/rp2350_ecezo.c's ecezo_request_read/ecezo_finish_read
// pipelining: the pipeline producer calls RequestRead on one tick and
// FinishRead on the next (§4.G).
type ECEZO struct {
	bus  *Bus
	addr byte
}

// NewECEZO returns a driver for the probe at addr (typically 0x64).
func NewECEZO(bus *Bus, addr byte) *ECEZO { return &ECEZO{bus: bus, addr: addr} }

// RequestRead issues the "R" (single reading) command and returns without
// waiting for the result.
func (e *ECEZO) RequestRead() error {
	if err := e.bus.Request(); err != nil {
		return err
	}
	defer e.bus.Release()
	if err := e.bus.Port().Write(e.addr, []byte("R")); err != nil {
		return fmt.Errorf("i2cbus: ecezo request: %w", err)
	}
	return nil
}

// FinishRead reads back the NUL-terminated ASCII response to the most
// recent RequestRead, per original_source's get_response_string: bytes
// are read one at a time until a NUL is seen or the buffer is exhausted.
func (e *ECEZO) FinishRead() (string, error) {
	if err := e.bus.Request(); err != nil {
		return "", err
	}
	defer e.bus.Release()

	var resp []byte
	buf := make([]byte, 1)
	for i := 0; i < 32; i++ {
		if err := e.bus.Port().Read(e.addr, buf); err != nil {
			return "", fmt.Errorf("i2cbus: ecezo read: %w", err)
		}
		if buf[0] == 0 {
			break
		}
		resp = append(resp, buf[0])
	}
	return string(resp), nil
}

// Command sends a generic ASCII command with no pipelined response,
// matching original_source's ecezo_command path used for configuration
// commands (e.g. calibration) rather than readings.
func (e *ECEZO) Command(cmd string) error {
	if err := e.bus.Request(); err != nil {
		return err
	}
	defer e.bus.Release()
	if err := e.bus.Port().Write(e.addr, []byte(cmd)); err != nil {
		return fmt.Errorf("i2cbus: ecezo command %q: %w", cmd, err)
	}
	return nil
}
