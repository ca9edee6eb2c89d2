// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pipeline

import "fmt"

// FormatCSV renders rec as the fixed 44-byte CSV line §6 specifies:
// "SSSSSSSSSS.mmm,±TTT.ttt,±PPPP.ppp,CCCCC.ccc\n".
func FormatCSV(rec SampleRecord) string {
	seconds := rec.TimestampUS / 1_000_000
	millis := (rec.TimestampUS / 1_000) % 1_000

	return fmt.Sprintf("%010d.%03d,%s,%s,%s\n",
		seconds, millis,
		formatSigned(rec.Temperature, 3),
		formatSigned(rec.Pressure, 4),
		formatUnsigned(rec.Conductivity, 5),
	)
}

// formatSigned renders a thousandths-scaled value with an explicit sign
// and intDigits zero-padded integer digits, e.g. formatSigned(23456, 3)
// == "+023.456".
func formatSigned(v int32, intDigits int) string {
	sign := byte('+')
	if v < 0 {
		sign = '-'
		v = -v
	}
	return fmt.Sprintf("%c%0*d.%03d", sign, intDigits, v/1000, v%1000)
}

// formatUnsigned renders a thousandths-scaled non-negative value with
// intDigits zero-padded integer digits and no sign, e.g.
// formatUnsigned(1500000, 5) == "01500.000".
func formatUnsigned(v int32, intDigits int) string {
	if v < 0 {
		v = 0
	}
	return fmt.Sprintf("%0*d.%03d", intDigits, v/1000, v%1000)
}
