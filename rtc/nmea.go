// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package rtc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrChecksum is returned when a sentence's trailing checksum does not
// match the XOR of the bytes between '$' and '*'.
var ErrChecksum = errors.New("rtc: nmea checksum mismatch")

// ErrNoFix is returned by ParseNMEATime for an RMC sentence whose status
// field reports the receiver has no fix yet.
var ErrNoFix = errors.New("rtc: nmea sentence has no fix")

// ParseNMEATime extracts wall-clock time from a $..ZDA or $..RMC sentence
// (the two talker-agnostic forms original_source/rp2350_ds3231.c's
// gpzda_to_sys recognizes via the sentence type at line[3:6]), correcting
// for the serial transmission delay between when the receiver generated
// the sentence and when the last byte finished arriving: at baud bits per
// second with 10 bits per byte (8N1 framing), that delay is
// len(line)*10/baud seconds, and the returned time is the sentence's
// encoded time plus that delay, i.e. the instant the last byte of line was
// clocked in.
func ParseNMEATime(line string, baud int) (time.Time, error) {
	if err := verifyNMEAChecksum(line); err != nil {
		return time.Time{}, err
	}

	if len(line) < 6 {
		return time.Time{}, fmt.Errorf("rtc: nmea sentence too short")
	}

	tokens := splitNMEA(line)

	var t time.Time
	var err error
	switch line[3:6] {
	case "ZDA":
		t, err = parseZDA(tokens)
	case "RMC":
		t, err = parseRMC(tokens)
	default:
		return time.Time{}, fmt.Errorf("rtc: unsupported nmea sentence type %q", line[3:6])
	}
	if err != nil {
		return time.Time{}, err
	}

	if baud > 0 {
		delay := time.Duration(len(line)) * 10 * time.Second / time.Duration(baud)
		t = t.Add(delay)
	}

	return t, nil
}

// splitNMEA tokenizes on both ',' and '*', matching the original parser's
// strcspn(line, ",*") token boundaries so the checksum lands in its own
// token rather than stuck to the preceding field.
func splitNMEA(line string) []string {
	var tokens []string
	start := 0
	for i := 0; i < len(line); i++ {
		if line[i] == ',' || line[i] == '*' {
			tokens = append(tokens, line[start:i])
			start = i + 1
		}
	}
	tokens = append(tokens, strings.TrimRight(line[start:], "\r\n"))
	return tokens
}

func verifyNMEAChecksum(line string) error {
	dollar := strings.IndexByte(line, '$')
	star := strings.IndexByte(line, '*')
	if dollar < 0 || star < 0 || star+3 > len(line) {
		return fmt.Errorf("rtc: nmea sentence malformed")
	}

	var crc byte
	for i := dollar + 1; i < star; i++ {
		crc ^= line[i]
	}

	want, err := strconv.ParseUint(line[star+1:star+3], 16, 8)
	if err != nil {
		return fmt.Errorf("rtc: nmea checksum field: %w", err)
	}
	if byte(want) != crc {
		return ErrChecksum
	}
	return nil
}

func parseZDA(tokens []string) (time.Time, error) {
	if len(tokens) < 5 {
		return time.Time{}, fmt.Errorf("rtc: zda sentence has too few fields")
	}
	hh, mm, ss, nsec, err := parseHHMMSS(tokens[1])
	if err != nil {
		return time.Time{}, err
	}
	day, err := strconv.Atoi(tokens[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("rtc: zda day: %w", err)
	}
	month, err := strconv.Atoi(tokens[3])
	if err != nil {
		return time.Time{}, fmt.Errorf("rtc: zda month: %w", err)
	}
	year, err := strconv.Atoi(tokens[4])
	if err != nil {
		return time.Time{}, fmt.Errorf("rtc: zda year: %w", err)
	}
	return time.Date(year, time.Month(month), day, hh, mm, ss, nsec, time.UTC), nil
}

func parseRMC(tokens []string) (time.Time, error) {
	if len(tokens) < 10 {
		return time.Time{}, fmt.Errorf("rtc: rmc sentence has too few fields")
	}
	if tokens[2] != "A" {
		return time.Time{}, ErrNoFix
	}
	hh, mm, ss, nsec, err := parseHHMMSS(tokens[1])
	if err != nil {
		return time.Time{}, err
	}
	if len(tokens[9]) != 6 {
		return time.Time{}, fmt.Errorf("rtc: rmc date field malformed")
	}
	day, err1 := strconv.Atoi(tokens[9][0:2])
	month, err2 := strconv.Atoi(tokens[9][2:4])
	year, err3 := strconv.Atoi(tokens[9][4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, fmt.Errorf("rtc: rmc date field malformed")
	}
	return time.Date(2000+year, time.Month(month), day, hh, mm, ss, nsec, time.UTC), nil
}

// parseHHMMSS parses the leading "HHMMSS" of a UTC time field, plus any
// fractional-seconds suffix (".ss", hundredths in practice, but parsed to
// whatever precision is present) into nsec, so a sentence like
// "172809.50" contributes its 500ms fraction to the decoded instant
// instead of being truncated to whole seconds.
func parseHHMMSS(field string) (hh, mm, ss, nsec int, err error) {
	if len(field) < 6 {
		return 0, 0, 0, 0, fmt.Errorf("rtc: time field %q malformed", field)
	}
	hh, err1 := strconv.Atoi(field[0:2])
	mm, err2 := strconv.Atoi(field[2:4])
	ss, err3 := strconv.Atoi(field[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, 0, fmt.Errorf("rtc: time field %q malformed", field)
	}
	if len(field) > 7 && field[6] == '.' {
		frac := field[7:]
		n, ferr := strconv.Atoi(frac)
		if ferr == nil {
			nsec = n * 1_000_000_000 / pow10(len(frac))
		}
	}
	return hh, mm, ss, nsec, nil
}

func pow10(n int) int {
	p := 1
	for i := 0; i < n; i++ {
		p *= 10
	}
	return p
}
