// Copyright 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocitest

import (
	"sync"

	errors "golang.org/x/xerrors"

	"github.com/godror/ocibind"
)

// Allocator is an ocibind.Allocator counting the block allocations,
// able to refuse the n-th one.
type Allocator struct {
	allocs map[ocibind.BlockKind]int
	frees  map[ocibind.BlockKind]int
	bytes  map[ocibind.BlockKind]int64
	failAt int
	n      int
	mu     sync.Mutex
}

var _ ocibind.Allocator = (*Allocator)(nil)

func NewAllocator() *Allocator {
	return &Allocator{
		allocs: make(map[ocibind.BlockKind]int),
		frees:  make(map[ocibind.BlockKind]int),
		bytes:  make(map[ocibind.BlockKind]int64),
	}
}

// FailAt makes the n-th Alloc (1-based, counted from now) fail with ocibind.ErrOutOfMemory.
func (a *Allocator) FailAt(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 {
		a.failAt = 0
		return
	}
	a.failAt = a.n + n
}

func (a *Allocator) Alloc(kind ocibind.BlockKind, size int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	if a.n == a.failAt {
		a.failAt = 0
		return errors.Errorf("alloc #%d of %s: %w", a.n, kind, ocibind.ErrOutOfMemory)
	}
	a.allocs[kind]++
	a.bytes[kind] += int64(size)
	return nil
}

func (a *Allocator) Free(kind ocibind.BlockKind, size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frees[kind]++
	a.bytes[kind] -= int64(size)
}

// Allocs returns the number of successful allocations of kind.
func (a *Allocator) Allocs(kind ocibind.BlockKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs[kind]
}

// Frees returns the number of frees of kind.
func (a *Allocator) Frees(kind ocibind.BlockKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frees[kind]
}

// Balanced reports whether every allocation has been freed.
func (a *Allocator) Balanced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, n := range a.allocs {
		if a.frees[k] != n || a.bytes[k] != 0 {
			return false
		}
	}
	for k, n := range a.frees {
		if a.allocs[k] != n {
			return false
		}
	}
	return true
}
