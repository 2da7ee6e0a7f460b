// Copyright 2019, 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

// Package envconf parses the parameters of an Environment.
//
// The parameters are given in logfmt:
//
//	threaded=1 events=1 memLimit=64MiB warnLeaks=1 metricsPrefix=ocibind.env
//
// or as URL query values (threaded=1&events=1).
package envconf

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logfmt/logfmt"
	"golang.org/x/exp/slog"
	errors "golang.org/x/xerrors"
)

const (
	// DefaultThreaded is the default of the threaded mode.
	DefaultThreaded = true
	// DefaultWarnLeaks is the default of WarnLeaks.
	DefaultWarnLeaks = true
)

// Params of an Environment.
type Params struct {
	// Logger is the Environment's logger; when nil, the package level one is used.
	Logger *slog.Logger
	// MetricsPrefix is the dot separated go-metrics key prefix, metrics are off when empty.
	MetricsPrefix string
	// MemLimit is the limit of the allocated wrapper memory in bytes, 0 means unlimited.
	MemLimit int64
	// Threaded mode guards the shared pools with mutexes.
	Threaded bool
	// Events mode enables HA and change notifications.
	Events bool
	// WarnLeaks logs the resources still alive at Close.
	WarnLeaks bool
}

// Default returns the default Params.
func Default() Params {
	return Params{Threaded: DefaultThreaded, WarnLeaks: DefaultWarnLeaks}
}

// String returns the logfmt representation of P, which Parse reads back.
func (P Params) String() string {
	q := NewParamsArray(8)
	B := func(b bool) string {
		if b {
			return "1"
		}
		return "0"
	}
	q.Add("threaded", B(P.Threaded))
	q.Add("events", B(P.Events))
	q.Add("warnLeaks", B(P.WarnLeaks))
	if P.MemLimit > 0 {
		q.Add("memLimit", strconv.FormatInt(P.MemLimit, 10))
	}
	if P.MetricsPrefix != "" {
		q.Add("metricsPrefix", P.MetricsPrefix)
	}
	return q.String()
}

// Parse the parameters string, starting from the Default.
func Parse(s string) (Params, error) {
	P := Default()
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "?"))
	if s == "" {
		return P, nil
	}
	var q url.Values
	if isLogfmt(s) {
		q = make(url.Values, 8)
		d := logfmt.NewDecoder(strings.NewReader(s))
		for d.ScanRecord() {
			for d.ScanKeyval() {
				q.Set(string(d.Key()), string(d.Value()))
			}
		}
		if err := d.Err(); err != nil {
			return P, errors.Errorf("parsing parameters %q: %w", s, err)
		}
	} else {
		var err error
		if q, err = url.ParseQuery(s); err != nil {
			return P, errors.Errorf("parsing parameters %q: %w", s, err)
		}
	}

	for key := range q {
		switch key {
		case "threaded", "events", "warnLeaks", "memLimit", "metricsPrefix":
		default:
			return P, errors.Errorf("unknown parameter %q", key)
		}
	}
	for _, task := range []struct {
		Dest *bool
		Key  string
	}{
		{&P.Threaded, "threaded"},
		{&P.Events, "events"},
		{&P.WarnLeaks, "warnLeaks"},
	} {
		v := q.Get(task.Key)
		if v == "" {
			continue
		}
		var err error
		if *task.Dest, err = strconv.ParseBool(v); err != nil {
			return P, errors.Errorf("%s=%q: %w", task.Key, v, err)
		}
	}
	if v := q.Get("memLimit"); v != "" {
		var err error
		if P.MemLimit, err = ParseSize(v); err != nil {
			return P, errors.Errorf("memLimit=%q: %w", v, err)
		}
	}
	P.MetricsPrefix = q.Get("metricsPrefix")
	return P, nil
}

var sizeSuffixes = []struct {
	Suffix string
	Mul    int64
}{
	{"KiB", 1 << 10}, {"MiB", 1 << 20}, {"GiB", 1 << 30},
	{"kB", 1000}, {"MB", 1000 * 1000}, {"GB", 1000 * 1000 * 1000},
	{"B", 1},
}

// ParseSize parses a byte size, with an optional KiB/MiB/GiB (or kB/MB/GB) suffix.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mul := int64(1)
	for _, x := range sizeSuffixes {
		if strings.HasSuffix(s, x.Suffix) {
			s, mul = strings.TrimSpace(strings.TrimSuffix(s, x.Suffix)), x.Mul
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.Errorf("negative size %d", n)
	}
	return n * mul, nil
}

// ParamsArray is url.Values, printed logfmt-formatted.
type ParamsArray struct {
	url.Values
}

func NewParamsArray(cap int) ParamsArray { return ParamsArray{Values: make(url.Values, cap)} }

// WriteTo writes the values in key order.
func (p ParamsArray) WriteTo(w io.Writer) (int64, error) {
	keys := make([]string, 0, len(p.Values))
	for k := range p.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cw := &countingWriter{W: w}
	enc := logfmt.NewEncoder(cw)
	var firstErr error
	for _, k := range keys {
		for _, v := range p.Values[k] {
			if err := enc.EncodeKeyval(k, v); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := enc.EndRecord(); err != nil && firstErr == nil {
		firstErr = err
	}
	return cw.N, firstErr
}

func (p ParamsArray) String() string {
	var buf strings.Builder
	if _, err := p.WriteTo(&buf); err != nil {
		fmt.Fprintf(&buf, "\tERROR: %+v", err)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

type countingWriter struct {
	W io.Writer
	N int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	cw.N += int64(n)
	return n, err
}

// isLogfmt reports whether s is logfmt and not a URL query.
func isLogfmt(s string) bool {
	if strings.Contains(s, "&") && !strings.ContainsAny(s, " \t\n") {
		return false
	}
	d := logfmt.NewDecoder(strings.NewReader(s))
	var n int
	for d.ScanRecord() {
		for d.ScanKeyval() {
			if d.Value() == nil {
				return false
			}
			n++
		}
	}
	return d.Err() == nil && n > 0
}
