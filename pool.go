// Copyright 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind

import "sync"

// ConcurrentPool is a key/value pool shared by an Environment.
//
// It is guarded by a mutex only when initialized in threaded mode,
// as the single threaded environment mode promises no concurrent callers.
// The zero value must be Initialize-d before use.
type ConcurrentPool[K comparable, V any] struct {
	mu *sync.RWMutex
	m  map[K]V
}

// NewConcurrentPool returns an initialized pool.
func NewConcurrentPool[K comparable, V any](threaded bool) *ConcurrentPool[K, V] {
	var p ConcurrentPool[K, V]
	p.Initialize(threaded)
	return &p
}

// Initialize (re)sets the pool to empty.
func (p *ConcurrentPool[K, V]) Initialize(threaded bool) {
	p.m = make(map[K]V)
	if threaded {
		p.mu = new(sync.RWMutex)
	} else {
		p.mu = nil
	}
}

// Release drops every entry; the pool must be Initialize-d again before reuse.
func (p *ConcurrentPool[K, V]) Release() {
	p.lock()
	p.m = nil
	p.unlock()
}

// Get returns the value stored under key.
func (p *ConcurrentPool[K, V]) Get(key K) (V, bool) {
	p.rlock()
	v, ok := p.m[key]
	p.runlock()
	return v, ok
}

// Set stores value under key.
func (p *ConcurrentPool[K, V]) Set(key K, value V) {
	p.lock()
	if p.m != nil {
		p.m[key] = value
	}
	p.unlock()
}

// Remove deletes key from the pool.
func (p *ConcurrentPool[K, V]) Remove(key K) {
	p.lock()
	delete(p.m, key)
	p.unlock()
}

// Len returns the number of entries.
func (p *ConcurrentPool[K, V]) Len() int {
	p.rlock()
	n := len(p.m)
	p.runlock()
	return n
}

// Values returns a snapshot of the stored values.
func (p *ConcurrentPool[K, V]) Values() []V {
	p.rlock()
	vv := make([]V, 0, len(p.m))
	for _, v := range p.m {
		vv = append(vv, v)
	}
	p.runlock()
	return vv
}

// Keys returns a snapshot of the keys.
func (p *ConcurrentPool[K, V]) Keys() []K {
	p.rlock()
	kk := make([]K, 0, len(p.m))
	for k := range p.m {
		kk = append(kk, k)
	}
	p.runlock()
	return kk
}

func (p *ConcurrentPool[K, V]) lock() {
	if p.mu != nil {
		p.mu.Lock()
	}
}
func (p *ConcurrentPool[K, V]) unlock() {
	if p.mu != nil {
		p.mu.Unlock()
	}
}
func (p *ConcurrentPool[K, V]) rlock() {
	if p.mu != nil {
		p.mu.RLock()
	}
}
func (p *ConcurrentPool[K, V]) runlock() {
	if p.mu != nil {
		p.mu.RUnlock()
	}
}
