// Copyright 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

// Package ocitest provides an in-memory client library, counting every
// allocation and free, for testing code using ocibind.
package ocitest

import (
	"fmt"
	"sort"
	"sync"

	errors "golang.org/x/xerrors"

	"github.com/godror/ocibind"
)

// ErrInjected is the error returned by the injected failures.
var ErrInjected = errors.New("injected failure")

type entry struct {
	kind     ocibind.HandleKind
	elem     ocibind.ElemKind
	instance bool
	plain    bool
}

// Library is an in-memory ocibind.Library.
//
// Handles are unique, never dereferenced numbers.
// Double frees and frees of unknown handles are recorded as errors.
type Library struct {
	live   map[ocibind.Handle]entry
	freed  map[ocibind.Handle]int
	order  []ocibind.Handle
	errs   []error
	calls  map[string]int
	failAt map[string]int
	next   ocibind.Handle
	mu     sync.Mutex
}

// New returns an empty Library.
func New() *Library {
	return &Library{
		live:   make(map[ocibind.Handle]entry),
		freed:  make(map[ocibind.Handle]int),
		calls:  make(map[string]int),
		failAt: make(map[string]int),
		next:   0x1000,
	}
}

var _ ocibind.Library = (*Library)(nil)

// FailAt makes the n-th (1-based, counted from now) call of method fail with ErrInjected.
// method is one of AllocDescriptors, FreeDescriptors, NewInstance, FreeInstance and Free.
func (L *Library) FailAt(method string, n int) {
	L.mu.Lock()
	defer L.mu.Unlock()
	if n <= 0 {
		delete(L.failAt, method)
		return
	}
	L.failAt[method] = L.calls[method] + n
}

// call counts a call of method, returning ErrInjected if it has to fail.
func (L *Library) call(method string) error {
	L.calls[method]++
	if n, ok := L.failAt[method]; ok && n == L.calls[method] {
		delete(L.failAt, method)
		return errors.Errorf("%s #%d: %w", method, n, ErrInjected)
	}
	return nil
}

func (L *Library) newHandle(e entry) ocibind.Handle {
	L.next += 0x10
	L.live[L.next] = e
	return L.next
}

func (L *Library) free(h ocibind.Handle, check func(entry) bool) {
	L.freed[h]++
	L.order = append(L.order, h)
	e, ok := L.live[h]
	switch {
	case L.freed[h] > 1:
		L.errs = append(L.errs, fmt.Errorf("double free of %#x", uintptr(h)))
	case !ok:
		L.errs = append(L.errs, fmt.Errorf("free of unknown %#x", uintptr(h)))
	case !check(e):
		L.errs = append(L.errs, fmt.Errorf("free of %#x (%+v) with the wrong function", uintptr(h), e))
	}
	delete(L.live, h)
}

// AllocDescriptors allocates len(dst) descriptors of kind into dst, all or none.
func (L *Library) AllocDescriptors(kind ocibind.HandleKind, dst []ocibind.Handle) error {
	L.mu.Lock()
	defer L.mu.Unlock()
	if err := L.call("AllocDescriptors"); err != nil {
		return err
	}
	if kind == ocibind.HandleKindNone {
		return errors.Errorf("alloc %s: %w", kind, ocibind.ErrInvalidArgument)
	}
	for i := range dst {
		dst[i] = L.newHandle(entry{kind: kind})
	}
	return nil
}

// FreeDescriptors frees the non-null descriptors of src.
// An injected failure frees nothing.
func (L *Library) FreeDescriptors(kind ocibind.HandleKind, src []ocibind.Handle) error {
	L.mu.Lock()
	defer L.mu.Unlock()
	if err := L.call("FreeDescriptors"); err != nil {
		return err
	}
	for _, h := range src {
		if h != 0 {
			L.free(h, func(e entry) bool { return !e.instance && !e.plain && e.kind == kind })
		}
	}
	return nil
}

// NewInstance creates an object instance.
func (L *Library) NewInstance(con ocibind.Handle, kind ocibind.ElemKind, typ ocibind.Handle) (ocibind.Handle, error) {
	L.mu.Lock()
	defer L.mu.Unlock()
	if err := L.call("NewInstance"); err != nil {
		return 0, err
	}
	return L.newHandle(entry{elem: kind, instance: true}), nil
}

// FreeInstance frees an object instance.
func (L *Library) FreeInstance(h ocibind.Handle) error {
	L.mu.Lock()
	defer L.mu.Unlock()
	if err := L.call("FreeInstance"); err != nil {
		return err
	}
	L.free(h, func(e entry) bool { return e.instance })
	return nil
}

// NewHandle returns a new plain handle (connection, statement ...),
// to be freed with Free.
func (L *Library) NewHandle() ocibind.Handle {
	L.mu.Lock()
	defer L.mu.Unlock()
	L.calls["NewHandle"]++
	return L.newHandle(entry{plain: true})
}

// Free is the ocibind.FreeFunc of the plain handles.
// An injected failure still frees the handle.
func (L *Library) Free(h ocibind.Handle) error {
	L.mu.Lock()
	defer L.mu.Unlock()
	err := L.call("Free")
	L.free(h, func(e entry) bool { return e.plain })
	return err
}

// Calls returns the number of calls of method.
func (L *Library) Calls(method string) int {
	L.mu.Lock()
	defer L.mu.Unlock()
	return L.calls[method]
}

// Live returns the number of allocated, not yet freed handles.
func (L *Library) Live() int {
	L.mu.Lock()
	defer L.mu.Unlock()
	return len(L.live)
}

// LiveHandles returns the allocated, not yet freed handles, sorted.
func (L *Library) LiveHandles() []ocibind.Handle {
	L.mu.Lock()
	defer L.mu.Unlock()
	hh := make([]ocibind.Handle, 0, len(L.live))
	for h := range L.live {
		hh = append(hh, h)
	}
	sort.Slice(hh, func(i, j int) bool { return hh[i] < hh[j] })
	return hh
}

// Freed returns how many times h has been freed.
func (L *Library) Freed(h ocibind.Handle) int {
	L.mu.Lock()
	defer L.mu.Unlock()
	return L.freed[h]
}

// FreeOrder returns the handles in the order they were freed.
func (L *Library) FreeOrder() []ocibind.Handle {
	L.mu.Lock()
	defer L.mu.Unlock()
	return append([]ocibind.Handle(nil), L.order...)
}

// Err returns the recorded misuses (double or wrong frees), nil if none.
func (L *Library) Err() error {
	L.mu.Lock()
	defer L.mu.Unlock()
	if len(L.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%d errors, first: %w", len(L.errs), L.errs[0])
}
