// Copyright 2017, 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

// Package ocibind tracks the native resources of an Oracle client library binding.
//
// Native handles are tracked in a Graph of parent/child ownership:
// every handle is freed exactly once, children before their parent,
// when its last Holder is released or when its parent is.
//
// Element wrappers (NUMBER, DATE, LOB, BFILE, TIMESTAMP, INTERVAL,
// object, collection and REF) are allocated one by one, or in bulk with
// an Array, which owns the contiguous native block, the wrapper structs
// and the object index handed to the caller.
//
// Everything is owned by an Environment, which frees what has been left
// alive on Close.
package ocibind

import (
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/slog"
	errors "golang.org/x/xerrors"

	"github.com/godror/ocibind/envconf"
)

var (
	// ErrInvalidArgument is returned for invalid arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClosed is returned by the operations of a closed Environment.
	ErrClosed = errors.New("environment closed")
	// ErrNotFound is returned when an array or subscription is not registered.
	ErrNotFound = errors.New("not found")
	// ErrEventsDisabled is returned when registering notification handlers
	// in an Environment without the events mode.
	ErrEventsDisabled = errors.New("events mode is not enabled")
)

// Environment is the owner of every process-wide registry:
// the handle Graph, the arrays, the connections and the subscriptions.
type Environment struct {
	lib       Library
	alloc     *countingAllocator
	graph     *Graph
	logger    *slog.Logger
	obs       *observers
	ids       *idSource
	conns     *ConcurrentPool[*Conn, struct{}]
	subs      *ConcurrentPool[uint64, *Subscription]
	haHandler func(HAEvent)
	interned  interner
	arrays    arrayRegistry
	meter     meter
	params    envconf.Params
	mu        sync.RWMutex
	closed    bool
}

// Option of an Environment.
type Option func(*Environment)

// WithAllocator passes every wrapper memory allocation to a, too.
func WithAllocator(a Allocator) Option {
	return func(env *Environment) { env.alloc.next = a }
}

// NewEnvironment returns a new Environment over the client library lib.
func NewEnvironment(lib Library, P envconf.Params, options ...Option) (*Environment, error) {
	if lib == nil {
		return nil, errors.Errorf("no library: %w", ErrInvalidArgument)
	}
	if P.MemLimit < 0 {
		return nil, errors.Errorf("memLimit=%d: %w", P.MemLimit, ErrInvalidArgument)
	}
	logger := P.Logger
	if logger == nil {
		logger = globalLogger.Load()
	}
	env := &Environment{
		lib:    lib,
		params: P,
		logger: logger,
		obs:    new(observers),
		ids:    newIDSource(),
		alloc:  newCountingAllocator(P.MemLimit, nil),
		conns:  NewConcurrentPool[*Conn, struct{}](P.Threaded),
		subs:   NewConcurrentPool[uint64, *Subscription](P.Threaded),
	}
	if P.MetricsPrefix != "" {
		env.meter.prefix = strings.Split(P.MetricsPrefix, ".")
	}
	for _, o := range options {
		o(env)
	}
	env.arrays.init()
	env.graph = NewGraph(logger)
	env.graph.index.Initialize(P.Threaded)
	env.graph.obs, env.graph.meter = env.obs, env.meter
	if debugEnabled(logger) {
		logger.Debug("environment created", "version", Version, "params", P.String())
	}
	return env, nil
}

func (env *Environment) checkOpen() error {
	env.mu.RLock()
	defer env.mu.RUnlock()
	if env.closed {
		return ErrClosed
	}
	return nil
}

// Params returns the parameters the Environment was created with.
func (env *Environment) Params() envconf.Params { return env.params }

// Graph returns the handle ownership Graph, to Acquire handles in.
func (env *Environment) Graph() *Graph { return env.graph }

// Observe registers obs for the lifecycle events, returning the function that unregisters it.
func (env *Environment) Observe(obs Observer) func() { return env.obs.add(obs) }

// AllocatedBytes returns the wrapper memory allocated in blocks of kind.
func (env *Environment) AllocatedBytes(kind BlockKind) int64 { return env.alloc.allocated(kind) }

// TotalAllocatedBytes returns all the allocated wrapper memory.
func (env *Environment) TotalAllocatedBytes() int64 { return env.alloc.allocated(numBlockKinds) }

// Stats of the resources alive.
type Stats struct {
	Arrays, Connections, Subscriptions, Handles int
	Bytes                                      int64
}

// Stats returns the number of live resources.
func (env *Environment) Stats() Stats {
	return Stats{
		Arrays:        env.arrays.len(),
		Connections:   env.conns.Len(),
		Subscriptions: env.subs.Len(),
		Handles:       env.graph.Len(),
		Bytes:         env.TotalAllocatedBytes(),
	}
}

// Close frees everything left alive: the arrays, the subscriptions,
// the connections with all their handles, and the remaining root handles.
// The leftovers are logged when WarnLeaks is set.
//
// After Close, the constructors return ErrClosed. Closing twice is a no-op.
func (env *Environment) Close() error {
	env.mu.Lock()
	if env.closed {
		env.mu.Unlock()
		return nil
	}
	env.closed = true
	env.haHandler = nil
	env.mu.Unlock()

	var result *multierror.Error
	arrays := env.arrays.drain()
	for _, a := range arrays {
		if err := a.dispose(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	subs := env.subs.Values()
	for _, s := range subs {
		s.Close()
	}
	conns := env.conns.Keys()
	for _, c := range conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	roots, err := env.graph.releaseAll()
	if err != nil {
		result = multierror.Append(result, err)
	}
	// singly allocated elements are not tracked one by one
	leftBytes := env.TotalAllocatedBytes()
	if env.params.WarnLeaks && env.logger != nil &&
		(len(arrays) != 0 || len(subs) != 0 || len(conns) != 0 || roots != 0 || leftBytes != 0) {
		env.logger.Warn("unfreed resources at environment close",
			"arrays", len(arrays), "subscriptions", len(subs), "connections", len(conns),
			"handles", roots, "bytes", leftBytes)
	}
	env.conns.Release()
	env.subs.Release()
	env.graph.index.Release()
	env.meter.gauge(0, "array", "live")
	env.meter.gauge(0, "connection", "live")
	return result.ErrorOrNil()
}
