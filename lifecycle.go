// Copyright 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind

import (
	"sync"

	metrics "github.com/armon/go-metrics"
	"github.com/oklog/ulid/v2"
)

// LifecycleEventType is the type of a LifecycleEvent.
type LifecycleEventType uint8

const (
	EventArrayCreated = LifecycleEventType(iota + 1)
	EventArrayDisposed
	EventElementFreed
	EventHandleReleased
)

func (t LifecycleEventType) String() string {
	switch t {
	case EventArrayCreated:
		return "array_created"
	case EventArrayDisposed:
		return "array_disposed"
	case EventElementFreed:
		return "element_freed"
	case EventHandleReleased:
		return "handle_released"
	default:
		return "unknown"
	}
}

// LifecycleEvent describes a resource transition.
type LifecycleEvent struct {
	// Err is the native free error, if any.
	Err error
	// Array is the id of the array concerned (zero for handles).
	Array  ulid.ULID
	Handle Handle
	// Count is the element count for array events.
	Count int
	Kind  ElemKind
	Type  LifecycleEventType
}

// Observer receives LifecycleEvents synchronously,
// on the goroutine that caused the transition.
type Observer interface {
	OnLifecycleEvent(LifecycleEvent)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(LifecycleEvent)

func (f ObserverFunc) OnLifecycleEvent(e LifecycleEvent) { f(e) }

type observers struct {
	mu     sync.RWMutex
	list   []registeredObserver
	nextID uint64
}

type registeredObserver struct {
	Observer
	id uint64
}

// add registers obs, returning the function that unregisters it.
func (o *observers) add(obs Observer) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.list = append(o.list[:len(o.list):len(o.list)], registeredObserver{Observer: obs, id: id})
	o.mu.Unlock()
	return func() { o.remove(id) }
}

func (o *observers) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := make([]registeredObserver, 0, len(o.list))
	for _, x := range o.list {
		if x.id != id {
			list = append(list, x)
		}
	}
	o.list = list
}

func (o *observers) notify(e LifecycleEvent) {
	if o == nil {
		return
	}
	o.mu.RLock()
	list := o.list
	o.mu.RUnlock()
	for _, obs := range list {
		obs.OnLifecycleEvent(e)
	}
}

// meter emits go-metrics under prefix; a nil prefix switches it off.
type meter struct {
	prefix []string
}

func (m meter) key(name ...string) []string {
	k := make([]string, 0, len(m.prefix)+len(name))
	return append(append(k, m.prefix...), name...)
}

func (m meter) incr(n int, name ...string) {
	if m.prefix == nil || n == 0 {
		return
	}
	metrics.IncrCounter(m.key(name...), float32(n))
}

func (m meter) gauge(v int, name ...string) {
	if m.prefix == nil {
		return
	}
	metrics.SetGauge(m.key(name...), float32(v))
}
