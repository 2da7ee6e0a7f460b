// Copyright 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind

import (
	"encoding/binary"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/godror/ocibind/num"
)

// ObjectState tells who owns the native resources of an element.
type ObjectState uint8

const (
	StateNone = ObjectState(iota)
	// StateAllocated elements were allocated one by one, and own their native resources.
	StateAllocated
	// StateAllocatedArray elements are owned by an Array.
	StateAllocatedArray
	// StateFetchedClean elements wrap resources owned by the client library.
	StateFetchedClean
	// StateFetchedDirty elements wrap library owned resources, but their wrapper can be freed.
	StateFetchedDirty
	StateFreed
)

func (s ObjectState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateAllocated:
		return "allocated"
	case StateAllocatedArray:
		return "allocated_array"
	case StateFetchedClean:
		return "fetched_clean"
	case StateFetchedDirty:
		return "fetched_dirty"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

var (
	// ErrArrayOwned is returned when freeing an element of an Array.
	ErrArrayOwned = errors.New("element is owned by an array")
	// ErrFetched is returned when freeing an element owned by the client library.
	ErrFetched = errors.New("element is owned by the client library")
)

// Element is the wrapper of a native value: an Array element or a single one.
type Element interface {
	Kind() ElemKind
	State() ObjectState
	// Handle returns the native handle (descriptor, locator or instance),
	// zero for embedded values.
	Handle() Handle
	header() *elemHeader
}

// valueElement is an element embedding its native value instead of a handle.
type valueElement interface {
	bindValue([]byte)
}

type elemHeader struct {
	con    *Conn
	typ    *TypeInfo
	handle Handle
	sub    SubKind
	state  ObjectState
}

func (h *elemHeader) header() *elemHeader { return h }
func (h *elemHeader) State() ObjectState { return h.state }
func (h *elemHeader) Handle() Handle { return h.handle }
func (h *elemHeader) SubKind() SubKind { return h.sub }

// Conn returns the connection the element was created for (may be nil).
func (h *elemHeader) Conn() *Conn { return h.con }

type Number struct {
	slot *num.Slot
	elemHeader
}

func (*Number) Kind() ElemKind { return KindNumeric }
func (n *Number) bindValue(b []byte) {
	if b == nil {
		n.slot = nil
		return
	}
	n.slot = (*num.Slot)(b[:num.SlotSize])
}

// Slot returns the native value, nil after Free.
func (n *Number) Slot() *num.Slot { return n.slot }

func (n *Number) SetString(s string) error {
	if n.slot == nil {
		return ErrReleased
	}
	return n.slot.SetString(s)
}
func (n *Number) String() string {
	if n.slot == nil {
		return ""
	}
	return n.slot.String()
}
func (n *Number) SetInt64(i int64) error {
	if n.slot == nil {
		return ErrReleased
	}
	return n.slot.SetInt64(i)
}
func (n *Number) Int64() (int64, error) {
	if n.slot == nil {
		return 0, ErrReleased
	}
	return n.slot.Int64()
}

// Date is the 7 byte native DATE: year, month, day, hour, minute, second.
type Date struct {
	slot *[dateSize]byte
	elemHeader
}

func (*Date) Kind() ElemKind { return KindDateTime }
func (d *Date) bindValue(b []byte) {
	if b == nil {
		d.slot = nil
		return
	}
	d.slot = (*[dateSize]byte)(b[:dateSize])
}

// Set the date to t, truncated to seconds.
func (d *Date) Set(t time.Time) error {
	if d.slot == nil {
		return ErrReleased
	}
	if y := t.Year(); y < -4712 || y > 9999 {
		return errors.Errorf("year %d out of range: %w", y, ErrInvalidArgument)
	}
	binary.LittleEndian.PutUint16(d.slot[0:2], uint16(int16(t.Year())))
	d.slot[2], d.slot[3] = byte(t.Month()), byte(t.Day())
	d.slot[4], d.slot[5], d.slot[6] = byte(t.Hour()), byte(t.Minute()), byte(t.Second())
	return nil
}

// Time returns the date in loc (time.Local if nil).
func (d *Date) Time(loc *time.Location) (time.Time, error) {
	if d.slot == nil {
		return time.Time{}, ErrReleased
	}
	if loc == nil {
		loc = time.Local
	}
	y := int(int16(binary.LittleEndian.Uint16(d.slot[0:2])))
	if y == 0 && d.slot[2] == 0 {
		return time.Time{}, nil
	}
	return time.Date(y, time.Month(d.slot[2]), int(d.slot[3]),
		int(d.slot[4]), int(d.slot[5]), int(d.slot[6]), 0, loc), nil
}

type Lob struct{ elemHeader }

func (*Lob) Kind() ElemKind { return KindLob }

// IsCLOB reports whether the locator is a character (CLOB or NCLOB) one.
func (l *Lob) IsCLOB() bool { return l.sub == SubCLOB || l.sub == SubNCLOB }

type File struct{ elemHeader }

func (*File) Kind() ElemKind { return KindFile }

type Timestamp struct{ elemHeader }

func (*Timestamp) Kind() ElemKind { return KindTimestamp }

type Interval struct{ elemHeader }

func (*Interval) Kind() ElemKind { return KindInterval }

type Object struct{ elemHeader }

func (*Object) Kind() ElemKind { return KindObject }
func (o *Object) Type() *TypeInfo { return o.typ }

type Collection struct{ elemHeader }

func (*Collection) Kind() ElemKind { return KindCollection }
func (c *Collection) Type() *TypeInfo { return c.typ }

type Reference struct{ elemHeader }

func (*Reference) Kind() ElemKind { return KindReference }
func (r *Reference) Type() *TypeInfo { return r.typ }

// nativeSlot is what an element is wired to: a handle slot or an embedded value.
type nativeSlot struct {
	con    *Conn
	typ    *TypeInfo
	handle *Handle
	value  []byte
	sub    SubKind
	state  ObjectState
}

// initElement wires e to slot, creating its object cache instance if needed.
func (env *Environment) initElement(e Element, slot nativeSlot) error {
	h := e.header()
	h.con, h.typ, h.sub, h.state = slot.con, slot.typ, slot.sub, slot.state
	if v, ok := e.(valueElement); ok {
		v.bindValue(slot.value)
		return nil
	}
	if lookupKind(e.Kind()).instance && *slot.handle == 0 {
		con, err := slot.con.nativeHandle()
		if err != nil {
			return err
		}
		var tdo Handle
		if slot.typ != nil {
			tdo = slot.typ.TDO
		}
		nh, err := env.lib.NewInstance(con, e.Kind(), tdo)
		if err != nil {
			return errors.Errorf("new %s instance of %q: %w", e.Kind(), slot.typ.FullName(), err)
		}
		*slot.handle = nh
	}
	h.handle = *slot.handle
	return nil
}

// freeElement frees the native resources e owns.
// Array elements are freed only by their array (byArray).
func (env *Environment) freeElement(e Element, byArray bool) error {
	h := e.header()
	switch h.state {
	case StateFreed:
		return nil
	case StateFetchedClean:
		return errors.Errorf("free %s: %w", e.Kind(), ErrFetched)
	case StateAllocatedArray:
		if !byArray {
			return errors.Errorf("free %s: %w", e.Kind(), ErrArrayOwned)
		}
	}
	ops := lookupKind(e.Kind())
	handle := h.handle
	var err error
	if handle != 0 {
		switch {
		case ops.instance && (h.state == StateAllocated || h.state == StateAllocatedArray):
			err = env.lib.FreeInstance(handle)
		case ops.valueSize == 0 && !ops.instance && h.state == StateAllocated:
			hk, _ := DescriptorKind(e.Kind(), h.sub)
			err = env.lib.FreeDescriptors(hk, []Handle{handle})
		}
		if err != nil {
			err = errors.Errorf("free %s %#x: %w", e.Kind(), uintptr(handle), err)
		}
	}
	switch h.state {
	case StateAllocated:
		env.alloc.Free(BlockElement, ops.structSize+ops.elemSize())
	case StateFetchedDirty:
		env.alloc.Free(BlockElement, ops.structSize)
	}
	h.state, h.handle, h.con = StateFreed, 0, nil
	if v, ok := e.(valueElement); ok {
		v.bindValue(nil)
	}
	env.obs.notify(LifecycleEvent{Type: EventElementFreed, Kind: e.Kind(), Handle: handle, Err: err})
	return err
}

// Free frees a singly allocated element.
//
// Array elements are refused with ErrArrayOwned, library owned ones with ErrFetched.
// Freeing a freed element is a no-op.
func (env *Environment) Free(e Element) error {
	if e == nil {
		return nil
	}
	if err := env.freeElement(e, false); err != nil {
		return err
	}
	env.meter.incr(1, "element", "freed")
	return nil
}

// ReleaseFetched frees the wrapper of a library owned element,
// leaving its native resource to the library.
//
// Elements the wrapper allocated are refused with ErrInvalidArgument:
// those are freed by Free or by their Array.
func (env *Environment) ReleaseFetched(e Element) error {
	if e == nil {
		return nil
	}
	h := e.header()
	switch h.state {
	case StateFreed:
		return nil
	case StateFetchedClean:
		h.state = StateFetchedDirty
	case StateFetchedDirty:
	default:
		return errors.Errorf("release %s in state %s: %w", e.Kind(), h.state, ErrInvalidArgument)
	}
	return env.Free(e)
}

func newElement[T any, P elementPtr[T]](env *Environment, con *Conn, kind ElemKind, sub SubKind, typ *TypeInfo) (P, error) {
	if err := env.checkOpen(); err != nil {
		return nil, err
	}
	ops := lookupKind(kind)
	hk, ok := ops.subs[sub]
	if !ok {
		return nil, errors.Errorf("new %s: subkind %d: %w", kind, sub, ErrInvalidArgument)
	}
	if ops.instance && typ == nil {
		return nil, errors.Errorf("new %s: no type: %w", kind, ErrInvalidArgument)
	}
	size := ops.structSize + ops.elemSize()
	if err := env.alloc.Alloc(BlockElement, size); err != nil {
		return nil, errors.Errorf("new %s: %w", kind, err)
	}
	hs := make([]Handle, 1)
	slot := nativeSlot{con: con, typ: typ, sub: sub, state: StateAllocated, handle: &hs[0]}
	if ops.valueSize > 0 {
		slot.value = make([]byte, ops.valueSize)
	}
	if hk != HandleKindNone {
		if err := env.lib.AllocDescriptors(hk, hs); err != nil {
			env.alloc.Free(BlockElement, size)
			return nil, errors.Errorf("new %s: alloc %s: %w", kind, hk, err)
		}
	}
	e := P(new(T))
	if err := env.initElement(e, slot); err != nil {
		if hk != HandleKindNone {
			env.discardDescriptors(hk, hs)
		}
		env.alloc.Free(BlockElement, size)
		return nil, err
	}
	env.meter.incr(1, "element", "allocated")
	return e, nil
}

// discardDescriptors frees descriptors nothing refers to yet.
// The error has nowhere to go, so it is logged.
func (env *Environment) discardDescriptors(hk HandleKind, hs []Handle) {
	if err := env.lib.FreeDescriptors(hk, hs); err != nil && env.logger != nil {
		env.logger.Warn("free unused descriptors", "kind", hk, "count", len(hs), "error", err)
	}
}

func wrapElement[T any, P elementPtr[T]](env *Environment, con *Conn, kind ElemKind, sub SubKind, typ *TypeInfo, h Handle, value []byte) (P, error) {
	if err := env.checkOpen(); err != nil {
		return nil, err
	}
	ops := lookupKind(kind)
	if _, ok := ops.subs[sub]; !ok {
		return nil, errors.Errorf("wrap %s: subkind %d: %w", kind, sub, ErrInvalidArgument)
	}
	if ops.valueSize > 0 && len(value) < ops.valueSize {
		return nil, errors.Errorf("wrap %s: value of %d bytes, need %d: %w", kind, len(value), ops.valueSize, ErrInvalidArgument)
	}
	if ops.valueSize == 0 && h == 0 {
		return nil, errors.Errorf("wrap %s: null handle: %w", kind, ErrInvalidArgument)
	}
	if err := env.alloc.Alloc(BlockElement, ops.structSize); err != nil {
		return nil, errors.Errorf("wrap %s: %w", kind, err)
	}
	e := P(new(T))
	if err := env.initElement(e, nativeSlot{
		con: con, typ: typ, sub: sub, state: StateFetchedClean,
		handle: &h, value: value,
	}); err != nil {
		env.alloc.Free(BlockElement, ops.structSize)
		return nil, err
	}
	return e, nil
}

// NewNumber allocates a NUMBER with its own value slot.
func (env *Environment) NewNumber(con *Conn) (*Number, error) {
	return newElement[Number](env, con, KindNumeric, SubNumber, nil)
}

// NewDate allocates a DATE with its own value slot.
func (env *Environment) NewDate(con *Conn) (*Date, error) {
	return newElement[Date](env, con, KindDateTime, SubNone, nil)
}

// NewLob allocates a LOB locator descriptor.
func (env *Environment) NewLob(con *Conn, sub SubKind) (*Lob, error) {
	return newElement[Lob](env, con, KindLob, sub, nil)
}

// NewFile allocates a BFILE locator descriptor.
func (env *Environment) NewFile(con *Conn, sub SubKind) (*File, error) {
	return newElement[File](env, con, KindFile, sub, nil)
}

// NewTimestamp allocates a timestamp descriptor.
func (env *Environment) NewTimestamp(con *Conn, sub SubKind) (*Timestamp, error) {
	return newElement[Timestamp](env, con, KindTimestamp, sub, nil)
}

// NewInterval allocates an interval descriptor.
func (env *Environment) NewInterval(con *Conn, sub SubKind) (*Interval, error) {
	return newElement[Interval](env, con, KindInterval, sub, nil)
}

// NewObject creates an object instance of type typ.
func (env *Environment) NewObject(con *Conn, typ *TypeInfo) (*Object, error) {
	return newElement[Object](env, con, KindObject, SubNone, typ)
}

// NewCollection creates a collection instance of type typ.
func (env *Environment) NewCollection(con *Conn, typ *TypeInfo) (*Collection, error) {
	return newElement[Collection](env, con, KindCollection, SubNone, typ)
}

// NewReference creates a REF instance to objects of type typ.
func (env *Environment) NewReference(con *Conn, typ *TypeInfo) (*Reference, error) {
	return newElement[Reference](env, con, KindReference, SubNone, typ)
}

// WrapNumber wraps a fetched NUMBER value, which must be at least num.SlotSize long.
func (env *Environment) WrapNumber(con *Conn, value []byte) (*Number, error) {
	return wrapElement[Number](env, con, KindNumeric, SubNumber, nil, 0, value)
}

// WrapDate wraps a fetched DATE value.
func (env *Environment) WrapDate(con *Conn, value []byte) (*Date, error) {
	return wrapElement[Date](env, con, KindDateTime, SubNone, nil, 0, value)
}

func (env *Environment) WrapLob(con *Conn, sub SubKind, h Handle) (*Lob, error) {
	return wrapElement[Lob](env, con, KindLob, sub, nil, h, nil)
}

func (env *Environment) WrapFile(con *Conn, sub SubKind, h Handle) (*File, error) {
	return wrapElement[File](env, con, KindFile, sub, nil, h, nil)
}

func (env *Environment) WrapTimestamp(con *Conn, sub SubKind, h Handle) (*Timestamp, error) {
	return wrapElement[Timestamp](env, con, KindTimestamp, sub, nil, h, nil)
}

func (env *Environment) WrapInterval(con *Conn, sub SubKind, h Handle) (*Interval, error) {
	return wrapElement[Interval](env, con, KindInterval, sub, nil, h, nil)
}

func (env *Environment) WrapObject(con *Conn, typ *TypeInfo, h Handle) (*Object, error) {
	return wrapElement[Object](env, con, KindObject, SubNone, typ, h, nil)
}

func (env *Environment) WrapCollection(con *Conn, typ *TypeInfo, h Handle) (*Collection, error) {
	return wrapElement[Collection](env, con, KindCollection, SubNone, typ, h, nil)
}

func (env *Environment) WrapReference(con *Conn, typ *TypeInfo, h Handle) (*Reference, error) {
	return wrapElement[Reference](env, con, KindReference, SubNone, typ, h, nil)
}
