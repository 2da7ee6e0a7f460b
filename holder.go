// Copyright 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/slog"
	errors "golang.org/x/xerrors"
)

// ErrReleased is returned when using a holder whose handle has already been released,
// either by its last holder or by the release of one of its ancestors.
var ErrReleased = errors.New("handle released")

// blockRef addresses a control block in the Graph's arena.
// idx is 1-based, so the zero blockRef means "none".
type blockRef struct {
	idx, gen uint32
}

func (r blockRef) isZero() bool { return r.idx == 0 }

// controlBlock owns exactly one native handle.
//
// parent is a non-owning back reference, children are the blocks
// force-released together with this one.
type controlBlock struct {
	free     func() error
	extra    interface{}
	children []blockRef
	holders  []uint64
	handle   Handle
	parent   blockRef
	gen      uint32
	live     bool
}

// pendingFree is a native free collected under the Graph lock,
// and called after it is unlocked.
type pendingFree struct {
	free   func() error
	handle Handle
}

// Graph is the arena of control blocks, tracking native handles
// and their parent/child ownership.
//
// Each block is released exactly once: when its last Holder is released,
// or when its parent is released, whichever comes first.
// Children are always freed before their parent.
type Graph struct {
	logger   *slog.Logger
	index    *ConcurrentPool[Handle, blockRef]
	obs      *observers
	blocks   []controlBlock
	freeList []uint32
	meter    meter
	mu       sync.Mutex
	nextID   atomic.Uint64
	live     int
}

// NewGraph returns an empty Graph.
func NewGraph(logger *slog.Logger) *Graph {
	return &Graph{
		logger: logger,
		index:  NewConcurrentPool[Handle, blockRef](true),
		blocks: make([]controlBlock, 0, 64),
	}
}

// Len returns the number of live control blocks.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live
}

// get returns the live block referenced by ref, or nil.
func (g *Graph) get(ref blockRef) *controlBlock {
	if ref.isZero() || int(ref.idx) > len(g.blocks) {
		return nil
	}
	b := &g.blocks[ref.idx-1]
	if !b.live || b.gen != ref.gen {
		return nil
	}
	return b
}

func (g *Graph) newBlock(h Handle, free func() error, parent blockRef) blockRef {
	b := controlBlock{handle: h, free: free, parent: parent, live: true}
	var ref blockRef
	if n := len(g.freeList); n > 0 {
		ref.idx = g.freeList[n-1]
		g.freeList = g.freeList[:n-1]
		b.gen = g.blocks[ref.idx-1].gen
		g.blocks[ref.idx-1] = b
	} else {
		g.blocks = append(g.blocks, b)
		ref.idx = uint32(len(g.blocks))
	}
	ref.gen = b.gen
	g.live++
	g.index.Set(h, ref)
	return ref
}

// attach registers a new holder id on the live block ref.
func (g *Graph) attach(ref blockRef) (uint64, bool) {
	b := g.get(ref)
	if b == nil {
		return 0, false
	}
	id := g.nextID.Add(1)
	b.holders = append(b.holders, id)
	return id, true
}

// detachLocked removes holder id from ref's block,
// releasing the block when it was the last one.
func (g *Graph) detachLocked(ref blockRef, id uint64) []pendingFree {
	b := g.get(ref)
	if b == nil {
		return nil
	}
	found := false
	for i, x := range b.holders {
		if x == id {
			b.holders = append(b.holders[:i], b.holders[i+1:]...)
			found = true
			break
		}
	}
	if !found || len(b.holders) != 0 {
		return nil
	}
	return g.releaseLocked(ref, nil)
}

// releaseLocked releases ref and all its descendants,
// appending their native frees to dst, children first.
func (g *Graph) releaseLocked(ref blockRef, dst []pendingFree) []pendingFree {
	b := g.get(ref)
	if b == nil {
		return dst
	}
	if p := g.get(b.parent); p != nil {
		for i, c := range p.children {
			if c == ref {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}
	return g.collectLocked(ref, dst)
}

func (g *Graph) collectLocked(ref blockRef, dst []pendingFree) []pendingFree {
	b := g.get(ref)
	if b == nil {
		return dst
	}
	children := b.children
	b.children = nil
	// Retire the block before descending, so a child can never reach it.
	b.live = false
	b.gen++
	for _, c := range children {
		dst = g.collectLocked(c, dst)
	}
	dst = append(dst, pendingFree{handle: b.handle, free: b.free})
	if cur, ok := g.index.Get(b.handle); ok && cur == ref {
		g.index.Remove(b.handle)
	}
	b.free, b.extra, b.holders, b.parent, b.handle = nil, nil, nil, blockRef{}, 0
	g.freeList = append(g.freeList, ref.idx)
	g.live--
	return dst
}

// runFrees calls the collected native frees. Failures are not retried,
// only logged and returned together.
func (g *Graph) runFrees(pending []pendingFree) error {
	if len(pending) == 0 {
		return nil
	}
	var result *multierror.Error
	for _, p := range pending {
		var err error
		if p.free != nil {
			if err = p.free(); err != nil {
				err = errors.Errorf("free %#x: %w", uintptr(p.handle), err)
				result = multierror.Append(result, err)
				if g.logger != nil {
					g.logger.Warn("native free failed", "handle", p.handle, "error", err)
				}
			}
		}
		g.obs.notify(LifecycleEvent{Type: EventHandleReleased, Handle: p.handle, Err: err})
	}
	if debugEnabled(g.logger) {
		g.logger.Debug("released", "handles", len(pending), "live", g.Len())
	}
	g.meter.incr(len(pending), "handle", "released")
	return result.ErrorOrNil()
}

// releaseAll releases every live block (used on Environment close),
// returning the number of root blocks that were still alive.
func (g *Graph) releaseAll() (int, error) {
	g.mu.Lock()
	var pending []pendingFree
	var roots int
	for i := range g.blocks {
		b := &g.blocks[i]
		if !b.live || !b.parent.isZero() {
			continue
		}
		roots++
		pending = g.releaseLocked(blockRef{idx: uint32(i + 1), gen: b.gen}, pending)
	}
	g.mu.Unlock()
	return roots, g.runFrees(pending)
}

// Owner is something that can parent native handles in a Graph:
// a Holder or a Conn.
type Owner interface {
	// owner returns the Graph and block of the owner,
	// ErrReleased if it has been released.
	owner() (*Graph, blockRef, error)
}

// Holder is a reference to a native handle tracked by a Graph.
//
// Holders must be used through pointers: Share or Acquire creates
// another reference to the same handle, and the handle is freed
// when all of them are released.
//
// A Holder is not safe for concurrent use; the Graph it belongs to is.
type Holder[T ~uintptr] struct {
	g        *Graph
	ref      blockRef
	id       uint64
	released bool
}

// Acquire returns a Holder for the native handle h, to be freed with free,
// registered as a child of parent (if not nil).
//
// A null h returns a null Holder.
// If h is already tracked, the new Holder shares its control block.
// Acquiring under an already released parent returns ErrReleased.
func Acquire[T ~uintptr](g *Graph, h T, free FreeFunc[T], parent Owner) (*Holder[T], error) {
	H := &Holder[T]{g: g}
	if h == 0 {
		return H, nil
	}
	var parentRef blockRef
	if parent != nil {
		pg, pref, err := parent.owner()
		if err != nil {
			return nil, errors.Errorf("acquire %#x: parent: %w", uintptr(h), err)
		}
		if pg != nil && !pref.isZero() {
			if pg != g {
				return nil, errors.Errorf("parent belongs to another graph: %w", ErrInvalidArgument)
			}
			parentRef = pref
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !parentRef.isZero() && g.get(parentRef) == nil {
		return nil, errors.Errorf("acquire %#x: parent: %w", uintptr(h), ErrReleased)
	}
	if ref, ok := g.index.Get(Handle(h)); ok && g.get(ref) != nil {
		H.ref = ref
		H.id, _ = g.attach(ref)
		return H, nil
	}
	var freeBlock func() error
	if free != nil {
		freeBlock = func() error { return free(h) }
	}
	H.ref = g.newBlock(Handle(h), freeBlock, parentRef)
	if p := g.get(parentRef); p != nil {
		p.children = append(p.children, H.ref)
	}
	H.id, _ = g.attach(H.ref)
	return H, nil
}

func (H *Holder[T]) owner() (*Graph, blockRef, error) {
	if H == nil {
		return nil, blockRef{}, nil
	}
	if H.released {
		return H.g, blockRef{}, ErrReleased
	}
	return H.g, H.ref, nil
}

// IsNull reports whether the holder does not reference a live handle.
func (H *Holder[T]) IsNull() bool {
	if H == nil || H.g == nil || H.ref.isZero() {
		return true
	}
	H.g.mu.Lock()
	defer H.g.mu.Unlock()
	return H.g.get(H.ref) == nil
}

// Handle returns the native handle, valid while the holder is attached.
func (H *Holder[T]) Handle() (T, error) {
	if H == nil || H.g == nil || H.ref.isZero() {
		return 0, ErrReleased
	}
	H.g.mu.Lock()
	defer H.g.mu.Unlock()
	b := H.g.get(H.ref)
	if b == nil {
		return 0, ErrReleased
	}
	return T(b.handle), nil
}

// Share returns a new Holder referencing the same handle.
func (H *Holder[T]) Share() *Holder[T] {
	if H == nil {
		return &Holder[T]{}
	}
	S := &Holder[T]{g: H.g}
	if H.g == nil || H.ref.isZero() {
		return S
	}
	H.g.mu.Lock()
	defer H.g.mu.Unlock()
	if id, ok := H.g.attach(H.ref); ok {
		S.ref, S.id = H.ref, id
	}
	return S
}

// Acquire makes H reference other's handle, releasing its current one.
// It is a no-op if they already share the same handle.
func (H *Holder[T]) Acquire(other *Holder[T]) error {
	if other == H {
		return nil
	}
	if other != nil && H.g == other.g && H.ref == other.ref && !H.ref.isZero() {
		return nil
	}
	err := H.Release()
	if other == nil || other.g == nil || other.ref.isZero() {
		return err
	}
	other.g.mu.Lock()
	if id, ok := other.g.attach(other.ref); ok {
		H.g, H.ref, H.id, H.released = other.g, other.ref, id, false
	}
	other.g.mu.Unlock()
	return err
}

// Release detaches H from its handle.
// When H was the last holder, the handle and all its descendants are freed.
//
// Releasing a released or null holder is a no-op.
// The returned error aggregates the native free failures;
// the bookkeeping is complete regardless.
func (H *Holder[T]) Release() error {
	if H == nil || H.g == nil || H.ref.isZero() {
		return nil
	}
	g, ref, id := H.g, H.ref, H.id
	H.ref, H.id, H.released = blockRef{}, 0, true
	g.mu.Lock()
	pending := g.detachLocked(ref, id)
	g.mu.Unlock()
	return g.runFrees(pending)
}

// SetExtraInfo attaches an opaque payload to the handle, shared by all its holders.
func (H *Holder[T]) SetExtraInfo(extra interface{}) error {
	if H == nil || H.g == nil {
		return ErrReleased
	}
	H.g.mu.Lock()
	defer H.g.mu.Unlock()
	b := H.g.get(H.ref)
	if b == nil {
		return ErrReleased
	}
	b.extra = extra
	return nil
}

// ExtraInfo returns the payload set by SetExtraInfo, or nil.
func (H *Holder[T]) ExtraInfo() interface{} {
	if H == nil || H.g == nil {
		return nil
	}
	H.g.mu.Lock()
	defer H.g.mu.Unlock()
	if b := H.g.get(H.ref); b != nil {
		return b.extra
	}
	return nil
}

// Holders returns the number of holders attached to the handle.
func (H *Holder[T]) Holders() int {
	if H == nil || H.g == nil {
		return 0
	}
	H.g.mu.Lock()
	defer H.g.mu.Unlock()
	if b := H.g.get(H.ref); b != nil {
		return len(b.holders)
	}
	return 0
}

// Children returns the number of live handles directly owned by this one.
func (H *Holder[T]) Children() int {
	if H == nil || H.g == nil {
		return 0
	}
	H.g.mu.Lock()
	defer H.g.mu.Unlock()
	if b := H.g.get(H.ref); b != nil {
		return len(b.children)
	}
	return 0
}
