// Copyright 2019, 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package envconf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParse(t *testing.T) {
	t.Parallel()
	for name, tc := range map[string]struct {
		In   string
		Want Params
	}{
		"empty": {In: "", Want: Default()},
		"logfmt": {
			In:   "threaded=0 events=1 memLimit=64KiB warnLeaks=false metricsPrefix=ocibind.test",
			Want: Params{Events: true, MemLimit: 64 << 10, MetricsPrefix: "ocibind.test"},
		},
		"query": {
			In:   "?events=1&memLimit=1000",
			Want: Params{Threaded: true, WarnLeaks: true, Events: true, MemLimit: 1000},
		},
		"multiline": {
			In:   "events=1\nmemLimit=2MB",
			Want: Params{Threaded: true, WarnLeaks: true, Events: true, MemLimit: 2000000},
		},
	} {
		tc := tc
		t.Run(name, func(t *testing.T) {
			P, err := Parse(tc.In)
			if err != nil {
				t.Fatalf("%q: %+v", tc.In, err)
			}
			if d := cmp.Diff(tc.Want, P, cmpopts.IgnoreFields(Params{}, "Logger")); d != "" {
				t.Errorf("%q: %s", tc.In, d)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	for _, s := range []string{
		"threaded=maybe",
		"memLimit=-1",
		"memLimit=lots",
		"unknown=1",
	} {
		if P, err := Parse(s); err == nil {
			t.Errorf("%q: wanted error, got %v", s, P)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()
	want := Params{Threaded: true, Events: true, MemLimit: 12345, MetricsPrefix: "a.b"}
	s := want.String()
	got, err := Parse(s)
	if err != nil {
		t.Fatalf("%q: %+v", s, err)
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("%q: %s", s, d)
	}
}
