// Copyright 2020, 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package num_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/godror/ocibind/num"
)

func TestSlotRoundTrip(t *testing.T) {
	for i, s := range []string{
		"0",
		"1",
		"7",
		"-2",
		"-5",
		"3.14",
		"-3.14",
		"12.5",
		"1000",
		"3.456789",
		"0.1",
		"0.01",
		"0.001",
		"-0.05",
		"-0.09",
		"-0.89",
		"0.0000000001",
		"12345678901234567890123456789012345678",
		"-12345678901234567890123456789012345678",
	} {
		var n num.Slot
		if err := n.SetString(s); err != nil {
			t.Fatalf("%d. SetString(%q): %+v", i, s, err)
		}
		if got := n.String(); got != s {
			t.Errorf("%d. got %q (% x) wanted %q", i, got, n.Bytes(), s)
		}
	}
}

func TestSlotEncoding(t *testing.T) {
	for _, tc := range []struct {
		In   string
		Want []byte
	}{
		{In: "0", Want: []byte{0x80}},
		{In: "5", Want: []byte{0xc1, 6}},
		{In: "-5", Want: []byte{0x3e, 96, 102}},
		{In: "100", Want: []byte{0xc2, 2}},
		{In: "0.1", Want: []byte{0xc0, 11}},
		{In: "0.001", Want: []byte{0xbf, 11}},
	} {
		var n num.Slot
		if err := n.SetString(tc.In); err != nil {
			t.Fatalf("%q: %+v", tc.In, err)
		}
		if d := cmp.Diff(tc.Want, n.Bytes()); d != "" {
			t.Errorf("%q: %s", tc.In, d)
		}
	}
}

func TestSlotNormalize(t *testing.T) {
	for in, want := range map[string]string{
		" 42 ":  "42",
		"007":   "7",
		"1.500": "1.5",
		"-0.0":  "0",
		"":      "0",
		".5":    "0.5",
	} {
		var n num.Slot
		if err := n.SetString(in); err != nil {
			t.Fatalf("%q: %+v", in, err)
		}
		if got := n.String(); got != want {
			t.Errorf("%q: got %q wanted %q", in, got, want)
		}
	}
}

func TestSlotErrors(t *testing.T) {
	for in, want := range map[string]error{
		"-":                     num.ErrNoDigit,
		"1a":                    num.ErrBadCharacter,
		"1.2.3":                 num.ErrBadCharacter,
		strings.Repeat("9", 40): num.ErrTooLong,
	} {
		var n num.Slot
		if err := n.SetString(in); !errors.Is(err, want) {
			t.Errorf("%q: got %v wanted %v", in, err, want)
		}
	}
}

func TestSlotNull(t *testing.T) {
	var n num.Slot
	if !n.IsNull() || n.String() != "" {
		t.Errorf("zero slot should be NULL, got %q", n.String())
	}
	if _, err := n.Int64(); err == nil {
		t.Error("Int64 of NULL should fail")
	}
	if err := n.SetInt64(-1234567); err != nil {
		t.Fatal(err)
	}
	if i, err := n.Int64(); err != nil || i != -1234567 {
		t.Errorf("got %d, %v", i, err)
	}
	n.SetNull()
	if !n.IsNull() {
		t.Error("SetNull")
	}
}

func FuzzSlot(f *testing.F) {
	for _, s := range []string{"0", "-1.5", "0.001", "123456789"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, s string) {
		var n num.Slot
		if err := n.SetString(s); err != nil {
			return
		}
		var m num.Slot
		if err := m.SetString(n.String()); err != nil {
			t.Fatalf("SetString(%q) of printed %q: %+v", s, n.String(), err)
		}
		if m != n {
			t.Errorf("%q: % x != % x", s, m.Bytes(), n.Bytes())
		}
	})
}
