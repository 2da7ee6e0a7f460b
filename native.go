// Copyright 2017, 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind

import (
	"fmt"
	"sync/atomic"

	errors "golang.org/x/xerrors"
)

// Handle is an opaque pointer owned by the native client library.
// It is never dereferenced here, only passed back to the library.
// The zero Handle is the null handle.
type Handle uintptr

// FreeFunc releases a native handle.
//
// The client library does not report recoverable errors on free,
// so a returned error is logged and aggregated, never retried.
type FreeFunc[T ~uintptr] func(T) error

// HandleKind is the native descriptor type.
type HandleKind uint32

const (
	// HandleKindNone means no descriptor memory is needed.
	HandleKindNone = HandleKind(iota)
	HandleKindTimestamp
	HandleKindTimestampTZ
	HandleKindTimestampLTZ
	HandleKindIntervalYM
	HandleKindIntervalDS
	HandleKindLob
	HandleKindFile
)

func (k HandleKind) String() string {
	switch k {
	case HandleKindNone:
		return "none"
	case HandleKindTimestamp:
		return "timestamp"
	case HandleKindTimestampTZ:
		return "timestamp_tz"
	case HandleKindTimestampLTZ:
		return "timestamp_ltz"
	case HandleKindIntervalYM:
		return "interval_ym"
	case HandleKindIntervalDS:
		return "interval_ds"
	case HandleKindLob:
		return "lob_locator"
	case HandleKindFile:
		return "file_locator"
	default:
		return fmt.Sprintf("HandleKind(%d)", uint32(k))
	}
}

// Library is the allocation surface of the native client library.
//
// The real implementation is a thin cgo bridge over the OCI
// descriptor and object cache calls; see package ocitest for
// an in-memory one.
type Library interface {
	// AllocDescriptors allocates len(dst) descriptors of kind into dst.
	// It either fills every slot or none.
	AllocDescriptors(kind HandleKind, dst []Handle) error
	// FreeDescriptors frees the non-null descriptors in src.
	FreeDescriptors(kind HandleKind, src []Handle) error
	// NewInstance creates an object cache instance (object, collection or REF)
	// of type typ, pinned by the connection con.
	NewInstance(con Handle, kind ElemKind, typ Handle) (Handle, error)
	// FreeInstance frees an instance created by NewInstance.
	FreeInstance(h Handle) error
}

// BlockKind names the wrapper-side memory blocks accounted by an Allocator.
type BlockKind uint8

const (
	// BlockObjects is the object index handed out to callers.
	BlockObjects = BlockKind(iota)
	// BlockHandles is the native handle (or embedded value) block.
	BlockHandles
	// BlockStructs is the element wrapper struct block.
	BlockStructs
	// BlockElement is a singly allocated element wrapper.
	BlockElement

	numBlockKinds
)

func (b BlockKind) String() string {
	switch b {
	case BlockObjects:
		return "objects"
	case BlockHandles:
		return "handles"
	case BlockStructs:
		return "structs"
	case BlockElement:
		return "element"
	default:
		return fmt.Sprintf("BlockKind(%d)", uint8(b))
	}
}

// ErrOutOfMemory is returned when an Allocator refuses an allocation.
var ErrOutOfMemory = errors.New("out of memory")

// Allocator accounts the memory blocks allocated by this package.
//
// Memory exhaustion is not transient: a refused Alloc is never retried.
type Allocator interface {
	Alloc(kind BlockKind, size int) error
	Free(kind BlockKind, size int)
}

// countingAllocator counts the allocated bytes per block kind,
// refusing allocations above limit (if positive).
// Allocations accepted by it are passed on to next, if set.
type countingAllocator struct {
	next  Allocator
	limit int64
	total atomic.Int64
	bytes [numBlockKinds]atomic.Int64
}

func newCountingAllocator(limit int64, next Allocator) *countingAllocator {
	return &countingAllocator{limit: limit, next: next}
}

func (a *countingAllocator) Alloc(kind BlockKind, size int) error {
	if size < 0 {
		return errors.Errorf("alloc %s size=%d: %w", kind, size, ErrInvalidArgument)
	}
	if a.next != nil {
		if err := a.next.Alloc(kind, size); err != nil {
			return err
		}
	}
	if n := a.total.Add(int64(size)); a.limit > 0 && n > a.limit {
		a.total.Add(-int64(size))
		if a.next != nil {
			a.next.Free(kind, size)
		}
		return errors.Errorf("alloc %d bytes of %s (limit=%d): %w", size, kind, a.limit, ErrOutOfMemory)
	}
	a.bytes[kind].Add(int64(size))
	return nil
}

func (a *countingAllocator) Free(kind BlockKind, size int) {
	a.total.Add(-int64(size))
	a.bytes[kind].Add(-int64(size))
	if a.next != nil {
		a.next.Free(kind, size)
	}
}

func (a *countingAllocator) allocated(kind BlockKind) int64 {
	if kind >= numBlockKinds {
		return a.total.Load()
	}
	return a.bytes[kind].Load()
}
