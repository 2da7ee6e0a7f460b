// Copyright 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind

import (
	"math"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	errors "golang.org/x/xerrors"
)

// Array is a contiguous array of elements of one kind, for bulk binds and fetches.
//
// It owns three blocks: the native block (handles, or embedded values
// for DATE and NUMBER), the element wrapper structs, and the object index:
// the slice of pointers into the wrapper structs handed to the caller.
type Array struct {
	env   *Environment
	con   *Conn
	typ   *TypeInfo
	ops   *kindOps
	block elementBlock
	// exactly one of handles and values is used, depending on the kind
	handles []Handle
	values  []byte

	count, elemSize, structSize int
	// inited is the number of initialized elements.
	inited int

	ID         ulid.ULID
	handleKind HandleKind
	kind       ElemKind
	sub        SubKind

	accounted   [BlockStructs + 1]bool
	descriptors bool
	disposed    bool
}

func (a *Array) Len() int { return a.count }
func (a *Array) Kind() ElemKind { return a.kind }
func (a *Array) SubKind() SubKind { return a.sub }
func (a *Array) HandleKind() HandleKind { return a.handleKind }

// At returns the i-th element, nil after Dispose.
func (a *Array) At(i int) Element {
	if a.disposed || i < 0 || i >= a.inited {
		return nil
	}
	return a.block.at(i)
}

// Objects returns the object index, a []*Number for a KindNumeric array and so on.
func (a *Array) Objects() interface{} {
	if a.disposed {
		return nil
	}
	return a.block.objects()
}

// Handles returns the native handle block, nil for embedded value kinds.
func (a *Array) Handles() []Handle { return a.handles }

// Values returns the embedded native value block (elemSize bytes per element).
func (a *Array) Values() []byte { return a.values }

// CreateArray creates an Array of count elements of kind and sub.
//
// elemSize is the native element size: the embedded value size for DATE and NUMBER,
// the handle size otherwise. structSize is the wrapper struct size.
// handleKind must be the descriptor kind of sub (see DescriptorKind):
// descriptors are allocated for all elements at once.
// Object, collection and REF arrays need typ, and get a new instance per element.
//
// On any failure everything allocated so far is freed,
// and the array is not registered.
func (env *Environment) CreateArray(con *Conn, count int, kind ElemKind, sub SubKind, elemSize, structSize int, handleKind HandleKind, typ *TypeInfo) (*Array, error) {
	if err := env.checkOpen(); err != nil {
		return nil, err
	}
	ops := lookupKind(kind)
	if ops == nil {
		return nil, errors.Errorf("unknown element kind %d: %w", kind, ErrInvalidArgument)
	}
	wantHK, ok := ops.subs[sub]
	switch {
	case !ok:
		return nil, errors.Errorf("%s array: subkind %d: %w", kind, sub, ErrInvalidArgument)
	case handleKind != wantHK:
		return nil, errors.Errorf("%s array: handle kind %s, wanted %s: %w", kind, handleKind, wantHK, ErrInvalidArgument)
	case count < 0:
		return nil, errors.Errorf("%s array: count=%d: %w", kind, count, ErrInvalidArgument)
	case elemSize < ops.elemSize() || (ops.valueSize == 0 && elemSize != handleSize):
		return nil, errors.Errorf("%s array: element size %d, wanted %d: %w", kind, elemSize, ops.elemSize(), ErrInvalidArgument)
	case structSize < ops.structSize:
		return nil, errors.Errorf("%s array: struct size %d, wanted %d: %w", kind, structSize, ops.structSize, ErrInvalidArgument)
	case ops.instance && typ == nil:
		return nil, errors.Errorf("%s array: no type: %w", kind, ErrInvalidArgument)
	case int64(count) > maxArrayCount(elemSize, structSize, ptrSize):
		return nil, errors.Errorf("%s array: count=%d is too large: %w", kind, count, ErrInvalidArgument)
	}
	a := &Array{
		env: env, con: con, typ: typ, ops: ops,
		ID:    env.ids.next(),
		count: count, elemSize: elemSize, structSize: structSize,
		kind: kind, sub: sub, handleKind: handleKind,
	}
	if err := a.alloc(); err != nil {
		if dErr := a.dispose(); dErr != nil && env.logger != nil {
			env.logger.Warn("dispose partial array", "id", a.ID, "error", dErr)
		}
		return nil, errors.Errorf("create %s array of %d: %w", kind, count, err)
	}
	env.arrays.add(a)
	env.obs.notify(LifecycleEvent{Type: EventArrayCreated, Array: a.ID, Kind: kind, Count: count})
	if debugEnabled(env.logger) {
		env.logger.Debug("array created", "id", a.ID, "kind", kind, "count", count, "type", typ.FullName())
	}
	env.meter.incr(1, "array", "created")
	env.meter.gauge(env.arrays.len(), "array", "live")
	return a, nil
}

// maxArrayCount returns the largest element count whose blocks,
// of the given element sizes, fit in an int and the native unsigned count.
func maxArrayCount(sizes ...int) int64 {
	n := int64(math.MaxUint32)
	for _, s := range sizes {
		if s > 0 && int64(math.MaxInt/s) < n {
			n = int64(math.MaxInt / s)
		}
	}
	return n
}

// alloc allocates the object index, the native block and the wrapper structs,
// then the descriptors, and initializes the elements.
func (a *Array) alloc() error {
	env, n := a.env, a.count
	a.block = a.ops.newBlock()

	if err := env.alloc.Alloc(BlockObjects, n*ptrSize); err != nil {
		return err
	}
	a.block.allocObjects(n)
	a.accounted[BlockObjects] = true

	if err := env.alloc.Alloc(BlockHandles, n*a.elemSize); err != nil {
		return err
	}
	if a.ops.valueSize > 0 {
		a.values = make([]byte, n*a.elemSize, blockCap(n*a.elemSize))
	} else {
		a.handles = make([]Handle, n, blockCap(n))
	}
	a.accounted[BlockHandles] = true

	if err := env.alloc.Alloc(BlockStructs, n*a.structSize); err != nil {
		return err
	}
	a.block.allocStructs(n)
	a.accounted[BlockStructs] = true

	if a.handleKind != HandleKindNone && n > 0 {
		if err := env.lib.AllocDescriptors(a.handleKind, a.handles); err != nil {
			return errors.Errorf("alloc %d %s descriptors: %w", n, a.handleKind, err)
		}
		a.descriptors = true
	}
	return a.initialize()
}

// initialize wires every element to its native slot.
// The first failure aborts, leaving the already initialized elements to dispose.
func (a *Array) initialize() error {
	for i := 0; i < a.count; i++ {
		slot := nativeSlot{con: a.con, typ: a.typ, sub: a.sub, state: StateAllocatedArray}
		if a.values != nil {
			slot.value = a.values[i*a.elemSize : (i+1)*a.elemSize]
		} else {
			slot.handle = &a.handles[i]
		}
		if err := a.env.initElement(a.block.bind(i), slot); err != nil {
			return errors.Errorf("element %d: %w", i, err)
		}
		a.inited++
	}
	return nil
}

// dispose frees the initialized elements, the descriptors and the blocks.
// It is idempotent.
func (a *Array) dispose() error {
	if a.disposed {
		return nil
	}
	a.disposed = true
	env := a.env
	var result *multierror.Error
	freed := a.inited
	for i := 0; i < a.inited; i++ {
		if err := env.freeElement(a.block.at(i), true); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.inited = 0
	if a.descriptors {
		if err := env.lib.FreeDescriptors(a.handleKind, a.handles); err != nil {
			result = multierror.Append(result, errors.Errorf("free %d %s descriptors: %w", a.count, a.handleKind, err))
		}
		a.descriptors = false
	}
	if a.accounted[BlockHandles] {
		env.alloc.Free(BlockHandles, a.count*a.elemSize)
		a.handles, a.values = nil, nil
	}
	if a.accounted[BlockStructs] {
		env.alloc.Free(BlockStructs, a.count*a.structSize)
		a.block.freeStructs()
	}
	if a.accounted[BlockObjects] {
		env.alloc.Free(BlockObjects, a.count*ptrSize)
		a.block.freeObjects()
	}
	a.accounted = [BlockStructs + 1]bool{}

	err := result.ErrorOrNil()
	env.obs.notify(LifecycleEvent{Type: EventArrayDisposed, Array: a.ID, Kind: a.kind, Count: freed, Err: err})
	if err != nil && env.logger != nil {
		env.logger.Warn("array dispose", "id", a.ID, "kind", a.kind, "error", err)
	} else if debugEnabled(env.logger) {
		env.logger.Debug("array disposed", "id", a.ID, "kind", a.kind, "elements", freed)
	}
	env.meter.incr(freed, "element", "freed")
	env.meter.incr(1, "array", "disposed")
	return err
}

// Dispose unregisters and frees the array.
// Disposing a nil or an already disposed Array is a no-op.
func (a *Array) Dispose() error {
	if a == nil || !a.env.arrays.remove(a) {
		return nil
	}
	err := a.dispose()
	a.env.meter.gauge(a.env.arrays.len(), "array", "live")
	return err
}

// FindByHandleBlock returns the live Array whose native block is block
// (a []Handle or a []byte), or nil.
func (env *Environment) FindByHandleBlock(block interface{}) *Array {
	return env.arrays.find(&env.arrays.byHandles, block)
}

// FindByObjectBlock returns the live Array whose object index is objects, or nil.
func (env *Environment) FindByObjectBlock(objects interface{}) *Array {
	return env.arrays.find(&env.arrays.byObjects, objects)
}

// FreeFromHandles disposes the Array whose object index (or native block) is block.
// It reports whether such an Array was found.
func (env *Environment) FreeFromHandles(block interface{}) (bool, error) {
	a := env.FindByObjectBlock(block)
	if a == nil {
		if a = env.FindByHandleBlock(block); a == nil {
			return false, nil
		}
	}
	if !env.arrays.remove(a) {
		// disposed concurrently
		return false, nil
	}
	err := a.dispose()
	env.meter.gauge(env.arrays.len(), "array", "live")
	return true, err
}

// FreeArray disposes the Array of the object index returned by one of the New*Array functions.
func (env *Environment) FreeArray(objects interface{}) error {
	found, err := env.FreeFromHandles(objects)
	if !found && err == nil {
		return errors.Errorf("free array: %w", ErrNotFound)
	}
	return err
}

func newArray[T any, P elementPtr[T]](env *Environment, con *Conn, count int, kind ElemKind, sub SubKind, typ *TypeInfo) ([]P, error) {
	ops := lookupKind(kind)
	hk, ok := ops.subs[sub]
	if !ok {
		return nil, errors.Errorf("%s array: subkind %d: %w", kind, sub, ErrInvalidArgument)
	}
	a, err := env.CreateArray(con, count, kind, sub, ops.elemSize(), ops.structSize, hk, typ)
	if err != nil {
		return nil, err
	}
	return a.block.objects().([]P), nil
}

// NewNumberArray returns count NUMBERs, to be freed with FreeArray.
func (env *Environment) NewNumberArray(con *Conn, count int) ([]*Number, error) {
	return newArray[Number](env, con, count, KindNumeric, SubNumber, nil)
}

func (env *Environment) NewDateArray(con *Conn, count int) ([]*Date, error) {
	return newArray[Date](env, con, count, KindDateTime, SubNone, nil)
}

func (env *Environment) NewLobArray(con *Conn, sub SubKind, count int) ([]*Lob, error) {
	return newArray[Lob](env, con, count, KindLob, sub, nil)
}

func (env *Environment) NewFileArray(con *Conn, sub SubKind, count int) ([]*File, error) {
	return newArray[File](env, con, count, KindFile, sub, nil)
}

func (env *Environment) NewTimestampArray(con *Conn, sub SubKind, count int) ([]*Timestamp, error) {
	return newArray[Timestamp](env, con, count, KindTimestamp, sub, nil)
}

func (env *Environment) NewIntervalArray(con *Conn, sub SubKind, count int) ([]*Interval, error) {
	return newArray[Interval](env, con, count, KindInterval, sub, nil)
}

// NewObjectArray returns count new instances of typ.
func (env *Environment) NewObjectArray(con *Conn, typ *TypeInfo, count int) ([]*Object, error) {
	return newArray[Object](env, con, count, KindObject, SubNone, typ)
}

func (env *Environment) NewCollectionArray(con *Conn, typ *TypeInfo, count int) ([]*Collection, error) {
	return newArray[Collection](env, con, count, KindCollection, SubNone, typ)
}

func (env *Environment) NewReferenceArray(con *Conn, typ *TypeInfo, count int) ([]*Reference, error) {
	return newArray[Reference](env, con, count, KindReference, SubNone, typ)
}

// arrayRegistry holds the live arrays, findable by the identity of their blocks.
type arrayRegistry struct {
	byObjects map[uintptr]*Array
	byHandles map[uintptr]*Array
	mu        sync.Mutex
}

func (r *arrayRegistry) init() {
	r.byObjects = make(map[uintptr]*Array)
	r.byHandles = make(map[uintptr]*Array)
}

// blockID returns the address of the first element of the slice x,
// or zero if x is not a non-nil slice.
//
// Every block has a capacity of at least one, so the address is unique
// while the array is alive.
func blockID(x interface{}) uintptr {
	if x == nil {
		return 0
	}
	v := reflect.ValueOf(x)
	if v.Kind() != reflect.Slice || v.IsNil() {
		return 0
	}
	return v.Pointer()
}

func (a *Array) nativeBlock() interface{} {
	if a.values != nil {
		return a.values
	}
	return a.handles
}

func (r *arrayRegistry) add(a *Array) {
	r.mu.Lock()
	r.byObjects[blockID(a.block.objects())] = a
	r.byHandles[blockID(a.nativeBlock())] = a
	r.mu.Unlock()
}

// remove unregisters a, reporting whether it was registered.
func (r *arrayRegistry) remove(a *Array) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := blockID(a.block.objects())
	if id == 0 || r.byObjects[id] != a {
		return false
	}
	delete(r.byObjects, id)
	delete(r.byHandles, blockID(a.nativeBlock()))
	return true
}

func (r *arrayRegistry) find(m *map[uintptr]*Array, block interface{}) *Array {
	id := blockID(block)
	if id == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return (*m)[id]
}

func (r *arrayRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byObjects)
}

// drain unregisters and returns every live array.
func (r *arrayRegistry) drain() []*Array {
	r.mu.Lock()
	defer r.mu.Unlock()
	arrays := make([]*Array, 0, len(r.byObjects))
	for _, a := range r.byObjects {
		arrays = append(arrays, a)
	}
	r.init()
	return arrays
}

// idSource generates monotonic ULIDs.
type idSource struct {
	entropy *ulid.MonotonicEntropy
	mu      sync.Mutex
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)}
}

func (s *idSource) next() ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy)
}
