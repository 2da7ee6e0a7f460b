// Copyright 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind

import (
	"fmt"
	"unsafe"

	"github.com/godror/ocibind/num"
)

// ElemKind is the kind of an Array element.
type ElemKind uint8

const (
	KindNumeric = ElemKind(iota + 1)
	KindDateTime
	KindLob
	KindFile
	KindTimestamp
	KindInterval
	KindObject
	KindCollection
	KindReference
)

func (k ElemKind) String() string {
	if ops := lookupKind(k); ops != nil {
		return ops.name
	}
	return fmt.Sprintf("ElemKind(%d)", uint8(k))
}

// SubKind refines an ElemKind: the LOB, file, timestamp or interval flavour.
type SubKind uint8

const (
	SubNone = SubKind(iota)
	// SubNumber is the only numeric subkind with element wrappers:
	// plain integer and float host arrays need no wrapping.
	SubNumber

	SubCLOB
	SubNCLOB
	SubBLOB

	SubBFILE
	SubCFILE

	SubTimestamp
	SubTimestampTZ
	SubTimestampLTZ

	SubIntervalYM
	SubIntervalDS
)

// TypeInfo describes a named object type (object, collection or REF target).
type TypeInfo struct {
	Schema, Name string
	// TDO is the native type descriptor.
	TDO Handle
}

func (t *TypeInfo) FullName() string {
	if t == nil {
		return ""
	}
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

const (
	handleSize = int(unsafe.Sizeof(Handle(0)))
	ptrSize    = int(unsafe.Sizeof(uintptr(0)))
	// dateSize is the size of the embedded native DATE value:
	// int16 year, then month, day, hour, minute, second, padded.
	dateSize = 8
)

// kindOps holds the kind specific parts of array and element management.
type kindOps struct {
	// newBlock returns the (not yet allocated) element block of the kind.
	newBlock func() elementBlock
	// subs lists the valid subkinds, mapped to their descriptor kinds.
	subs map[SubKind]HandleKind
	name string
	// valueSize is the size of a native value embedded in the handle block,
	// zero for kinds referencing native handles.
	valueSize int
	// structSize is the wrapper struct size.
	structSize int
	// instance kinds get a new object cache instance per element.
	instance bool
}

func (ops *kindOps) elemSize() int {
	if ops.valueSize > 0 {
		return ops.valueSize
	}
	return handleSize
}

var kindTable = [...]kindOps{
	KindNumeric: {
		name: "number", valueSize: num.SlotSize, structSize: int(unsafe.Sizeof(Number{})),
		subs:     map[SubKind]HandleKind{SubNumber: HandleKindNone},
		newBlock: func() elementBlock { return &typedBlock[Number, *Number]{} },
	},
	KindDateTime: {
		name: "date", valueSize: dateSize, structSize: int(unsafe.Sizeof(Date{})),
		subs:     map[SubKind]HandleKind{SubNone: HandleKindNone},
		newBlock: func() elementBlock { return &typedBlock[Date, *Date]{} },
	},
	KindLob: {
		name: "lob", structSize: int(unsafe.Sizeof(Lob{})),
		subs:     map[SubKind]HandleKind{SubCLOB: HandleKindLob, SubNCLOB: HandleKindLob, SubBLOB: HandleKindLob},
		newBlock: func() elementBlock { return &typedBlock[Lob, *Lob]{} },
	},
	KindFile: {
		name: "file", structSize: int(unsafe.Sizeof(File{})),
		subs:     map[SubKind]HandleKind{SubBFILE: HandleKindFile, SubCFILE: HandleKindFile},
		newBlock: func() elementBlock { return &typedBlock[File, *File]{} },
	},
	KindTimestamp: {
		name: "timestamp", structSize: int(unsafe.Sizeof(Timestamp{})),
		subs: map[SubKind]HandleKind{
			SubTimestamp:    HandleKindTimestamp,
			SubTimestampTZ:  HandleKindTimestampTZ,
			SubTimestampLTZ: HandleKindTimestampLTZ,
		},
		newBlock: func() elementBlock { return &typedBlock[Timestamp, *Timestamp]{} },
	},
	KindInterval: {
		name: "interval", structSize: int(unsafe.Sizeof(Interval{})),
		subs:     map[SubKind]HandleKind{SubIntervalYM: HandleKindIntervalYM, SubIntervalDS: HandleKindIntervalDS},
		newBlock: func() elementBlock { return &typedBlock[Interval, *Interval]{} },
	},
	KindObject: {
		name: "object", structSize: int(unsafe.Sizeof(Object{})), instance: true,
		subs:     map[SubKind]HandleKind{SubNone: HandleKindNone},
		newBlock: func() elementBlock { return &typedBlock[Object, *Object]{} },
	},
	KindCollection: {
		name: "collection", structSize: int(unsafe.Sizeof(Collection{})), instance: true,
		subs:     map[SubKind]HandleKind{SubNone: HandleKindNone},
		newBlock: func() elementBlock { return &typedBlock[Collection, *Collection]{} },
	},
	KindReference: {
		name: "reference", structSize: int(unsafe.Sizeof(Reference{})), instance: true,
		subs:     map[SubKind]HandleKind{SubNone: HandleKindNone},
		newBlock: func() elementBlock { return &typedBlock[Reference, *Reference]{} },
	},
}

func lookupKind(k ElemKind) *kindOps {
	if k == 0 || int(k) >= len(kindTable) {
		return nil
	}
	return &kindTable[k]
}

// DescriptorKind returns the native descriptor kind for the element kind and subkind,
// and whether the pair is valid.
func DescriptorKind(kind ElemKind, sub SubKind) (HandleKind, bool) {
	ops := lookupKind(kind)
	if ops == nil {
		return HandleKindNone, false
	}
	hk, ok := ops.subs[sub]
	return hk, ok
}

// elementPtr is the pointer of an element wrapper struct.
type elementPtr[T any] interface {
	*T
	Element
}

// elementBlock is the wrapper struct block of an Array together with
// its object index, the slice of pointers into it handed to callers.
type elementBlock interface {
	allocObjects(n int)
	allocStructs(n int)
	freeObjects()
	freeStructs()
	// bind points the i-th object slot at the i-th struct, returning it.
	bind(i int) Element
	at(i int) Element
	objects() interface{}
}

type typedBlock[T any, P elementPtr[T]] struct {
	structs []T
	objs    []P
}

// Both blocks get a capacity of at least one, so that even an empty
// block has a unique address to be found by.
func blockCap(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (b *typedBlock[T, P]) allocObjects(n int) { b.objs = make([]P, n, blockCap(n)) }
func (b *typedBlock[T, P]) allocStructs(n int) { b.structs = make([]T, n, blockCap(n)) }
func (b *typedBlock[T, P]) freeObjects() { b.objs = nil }
func (b *typedBlock[T, P]) freeStructs() { b.structs = nil }
func (b *typedBlock[T, P]) bind(i int) Element {
	b.objs[i] = P(&b.structs[i])
	return b.objs[i]
}
func (b *typedBlock[T, P]) at(i int) Element {
	if p := b.objs[i]; p != nil {
		return p
	}
	return nil
}
func (b *typedBlock[T, P]) objects() interface{} { return b.objs }
