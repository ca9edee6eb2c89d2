// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

// UART implements hal.UARTHardware as a pair of plain byte-slice FIFOs,
// standing in for the real 16-byte transmit/receive hardware FIFOs the
// console's interrupt-driven ring buffers drain and fill (§4.C). Tests
// feed Inject to simulate incoming bytes and drain Sent to observe what
// the console wrote.
type UART struct {
	baud int
	rx   []byte
	tx   []byte
}

// NewUART returns an idle UART with empty FIFOs.
func NewUART() *UART { return &UART{} }

// Configure implements hal.UARTHardware.
func (u *UART) Configure(baud int) { u.baud = baud }

// TXReady implements hal.UARTHardware. The simulated FIFO has unlimited
// depth, so it is always ready.
func (u *UART) TXReady() bool { return true }

// TXByte implements hal.UARTHardware.
func (u *UART) TXByte(b byte) { u.tx = append(u.tx, b) }

// RXReady implements hal.UARTHardware.
func (u *UART) RXReady() bool { return len(u.rx) > 0 }

// RXByte implements hal.UARTHardware. Calling it with an empty FIFO
// returns 0, matching reading a hardware FIFO's empty-sentinel register.
func (u *UART) RXByte() byte {
	if len(u.rx) == 0 {
		return 0
	}
	b := u.rx[0]
	u.rx = u.rx[1:]
	return b
}

// Inject appends bytes to the receive FIFO as if they had just arrived on
// the wire.
func (u *UART) Inject(data []byte) { u.rx = append(u.rx, data...) }

// Sent drains and returns everything written to the transmit FIFO so far.
func (u *UART) Sent() []byte {
	out := u.tx
	u.tx = nil
	return out
}
