// SD SPI-mode command framing and CRC
// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sdio implements the SD SPI-mode command protocol (§4.D):
// initialization handshake, block read/write with CRC7 command framing
// and CRC16 data integrity, and the PIO-assisted busy wait between
// transactions. It talks to the card through the hal.SPIBus/hal.BusyLine
// interfaces rather than a fixed register set, following the teacher's
// driver shape (github.com/usbarmory/tamago's soc/imx6/usdhc and
// soc/nxp/usdhc) generalized from a memory-mapped host controller to an
// arbitrary bit-banged or hardware SPI peripheral.
package sdio

// CRC7 computes the SD command CRC over msg using the SD SPI-mode
// polynomial 0x89, MSB-first, left-shifted so the result occupies the
// high 7 bits of a byte (bit 0 clear). CommandFrame ORs in the mandatory
// stop bit.
func CRC7(msg []byte) byte {
	const poly = 0x89

	var crc byte
	for _, b := range msg {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ (poly << 1 & 0xff)
			} else {
				crc = crc << 1
			}
		}
	}

	return crc & 0xfe
}

// CommandFrame builds the 6-byte SPI-mode command frame for cmd and arg,
// per §8 property 8: byte 0 is cmd|0x40, bytes 1-4 are arg big-endian,
// byte 5 is CRC7(bytes 0-4)<<1|1 (CRC7 already left-shifts internally, so
// this is CRC7(...)|1).
func CommandFrame(cmd byte, arg uint32) [6]byte {
	var msg [6]byte
	msg[0] = cmd | 0x40
	msg[1] = byte(arg >> 24)
	msg[2] = byte(arg >> 16)
	msg[3] = byte(arg >> 8)
	msg[4] = byte(arg)
	msg[5] = CRC7(msg[:5]) | 0x01
	return msg
}

// CRC16CCITT computes the CRC-16-CCITT (polynomial 0x1021, MSB-first,
// zero-initialized) used to protect each 512-byte data block on the wire
// (§4.D "CRC semantics").
func CRC16CCITT(data []byte) uint16 {
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
