// Copyright 2022, 2024 The Godror Authors
// Copyright (c) 2019 Josh Bleecher Snyder
//
// SPDX-License-Identifier: MIT

package ocibind

import "sync"

// interner interns the strings decoded from notifications (database and table names),
// which repeat in every message.
//
// Interning is best effort only: the pooled maps may be dropped at any time.
// It may be used concurrently.
type interner struct {
	pool sync.Pool
}

func (in *interner) intern(s string) string {
	if s == "" {
		return ""
	}
	m, _ := in.pool.Get().(map[string]string)
	if m == nil {
		m = make(map[string]string)
	}
	c, ok := m[s]
	if !ok {
		m[s], c = s, s
	}
	in.pool.Put(m)
	return c
}
