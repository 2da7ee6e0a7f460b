// Copyright 2020, 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

// Package num encodes and decodes the native NUMBER value slot.
package num

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// SlotSize is the size of the native NUMBER value (OCINumber).
const SlotSize = 22

// Slot is an OCINumber: a length byte, then the value in
// the variable-length NUMBER format.
//
// The first value byte is the exponent, followed by 1 to 20 base-100 mantissa digits.
// The high bit of the exponent is set for positive numbers, and the lower 7 bits
// are the base-100 exponent offset by 65. For negative numbers the exponent bits are inverted.
//
// Positive mantissa digits are stored with 1 added, negative ones subtracted from 101,
// and negative numbers with less than 20 mantissa digits get a terminating 102.
//
// A zero length byte means NULL.
//
// So the number is sign * significand * 100^exponent, where significand is in 1.xxx format.
type Slot [SlotSize]byte

const (
	maxMantissa = 20
	zeroExp     = 0x80
	negTerm     = 102
)

var (
	ErrTooLong      = errors.New("input string too long")
	ErrNoDigit      = errors.New("no digit found")
	ErrBadCharacter = errors.New("bad character")
)

// IsNull reports whether the slot holds NULL.
func (s *Slot) IsNull() bool { return s[0] == 0 }

// SetNull sets the slot to NULL.
func (s *Slot) SetNull() { *s = Slot{} }

// Bytes returns the value bytes (without the length byte).
func (s *Slot) Bytes() []byte {
	n := int(s[0])
	if n > SlotSize-1 {
		n = SlotSize - 1
	}
	return s[1 : 1+n]
}

var bufPool = sync.Pool{New: func() interface{} { z := make([]byte, 0, 48); return &z }}

// String returns the decimal representation, "" for NULL.
func (s *Slot) String() string {
	bp := bufPool.Get().(*[]byte)
	b := s.Append((*bp)[:0])
	str := string(b)
	*bp = b
	bufPool.Put(bp)
	return str
}

// Append appends the decimal representation to buf.
func (s *Slot) Append(buf []byte) []byte {
	v := s.Bytes()
	if len(v) == 0 {
		return buf
	}
	if len(v) == 1 && v[0] == zeroExp {
		return append(buf, '0')
	}
	b, mantissa := v[0], v[1:]
	negative := b&0x80 == 0
	digit := func(m byte) byte { return m - 1 }
	exp := int(b&0x7f) - 65
	if negative {
		buf = append(buf, '-')
		exp = int((^b)&0x7f) - 65
		if n := len(mantissa); n > 0 && mantissa[n-1] == negTerm {
			mantissa = mantissa[:n-1]
		}
		digit = func(m byte) byte { return 101 - m }
	}

	// number of base-100 digits before the decimal point
	intPairs := exp + 1
	if intPairs <= 0 {
		buf = append(buf, '0', '.')
		for i := intPairs; i < 0; i++ {
			buf = append(buf, '0', '0')
		}
		for _, m := range mantissa {
			d := digit(m)
			buf = append(buf, '0'+d/10, '0'+d%10)
		}
		return trimFraction(buf)
	}
	for i := 0; i < intPairs; i++ {
		var d byte
		if i < len(mantissa) {
			d = digit(mantissa[i])
		}
		if i == 0 && d < 10 {
			buf = append(buf, '0'+d)
		} else {
			buf = append(buf, '0'+d/10, '0'+d%10)
		}
	}
	if intPairs >= len(mantissa) {
		return buf
	}
	buf = append(buf, '.')
	for _, m := range mantissa[intPairs:] {
		d := digit(m)
		buf = append(buf, '0'+d/10, '0'+d%10)
	}
	return trimFraction(buf)
}

func trimFraction(buf []byte) []byte {
	for len(buf) > 0 && buf[len(buf)-1] == '0' {
		buf = buf[:len(buf)-1]
	}
	if len(buf) > 0 && buf[len(buf)-1] == '.' {
		buf = buf[:len(buf)-1]
	}
	return buf
}

// SetString sets the slot to the decimal number in str.
// Digits beyond the 20 base-100 mantissa digits are truncated.
func (s *Slot) SetString(str string) error {
	str = strings.TrimSpace(str)
	orig := str
	var negative bool
	if strings.HasPrefix(str, "-") {
		negative, str = true, str[1:]
	}
	intPart, fracPart := str, ""
	if i := strings.IndexByte(str, '.'); i >= 0 {
		intPart, fracPart = str[:i], str[i+1:]
	}
	if intPart == "" && fracPart == "" {
		if orig == "" {
			s.setZero()
			return nil
		}
		return fmt.Errorf("%q: %w", orig, ErrNoDigit)
	}
	// leading zeros are not significant
	var count int
	for _, part := range [2]string{intPart, fracPart} {
		for _, r := range part {
			if r < '0' || '9' < r {
				return fmt.Errorf("%c in %q: %w", r, orig, ErrBadCharacter)
			}
			if count == 0 && r == '0' {
				continue
			}
			if count++; count == 40 {
				return fmt.Errorf("got %d digits, max 39 (%q): %w", count, orig, ErrTooLong)
			}
		}
	}
	intPart = strings.TrimLeft(intPart, "0")
	fracPart = strings.TrimRight(fracPart, "0")
	if intPart == "" && fracPart == "" {
		s.setZero()
		return nil
	}
	if len(intPart)%2 == 1 {
		intPart = "0" + intPart
	}
	if len(fracPart)%2 == 1 {
		fracPart += "0"
	}
	digits := intPart + fracPart
	exp := len(intPart)/2 - 1
	for len(digits) >= 2 && digits[0] == '0' && digits[1] == '0' {
		digits = digits[2:]
		exp--
	}
	for len(digits) >= 2 && digits[len(digits)-2] == '0' && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-2]
	}
	if len(digits) > 2*maxMantissa {
		digits = digits[:2*maxMantissa]
	}

	*s = Slot{}
	v := s[1:1]
	if negative {
		v = append(v, byte(^(exp+65))&0x7f)
	} else {
		v = append(v, byte(exp+65)|0x80)
	}
	for i := 0; i+1 < len(digits); i += 2 {
		d := 10*(digits[i]-'0') + digits[i+1] - '0'
		if negative {
			v = append(v, 101-d)
		} else {
			v = append(v, d+1)
		}
	}
	if negative && len(v)-1 < maxMantissa {
		v = append(v, negTerm)
	}
	s[0] = byte(len(v))
	return nil
}

func (s *Slot) setZero() {
	*s = Slot{}
	s[0], s[1] = 1, zeroExp
}

// SetInt64 sets the slot to i.
func (s *Slot) SetInt64(i int64) error { return s.SetString(strconv.FormatInt(i, 10)) }

// Int64 returns the value as an int64.
func (s *Slot) Int64() (int64, error) {
	if s.IsNull() {
		return 0, fmt.Errorf("NULL: %w", strconv.ErrSyntax)
	}
	return strconv.ParseInt(s.String(), 10, 64)
}
