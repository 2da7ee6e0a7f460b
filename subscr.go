// Copyright 2017, 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind

import (
	"context"
	"fmt"
	"sync"
	"time"

	errors "golang.org/x/xerrors"
)

// EventType is the type of a change notification.
type EventType uint32

// Events that can be watched.
const (
	EvtNone        = EventType(0)
	EvtStartup     = EventType(1)
	EvtShutdown    = EventType(2)
	EvtShutdownAny = EventType(3)
	EvtDropDB      = EventType(4)
	EvtDereg       = EventType(5)
	EvtObjChange   = EventType(6)
	EvtQueryChange = EventType(7)
)

// Operation in the DB.
type Operation uint32

const (
	// OpAll Indicates that notifications should be sent for all operations on the table or query.
	OpAll = Operation(0)
	// OpAllRows Indicates that all rows have been changed in the table or query (or too many rows were changed or row information was not requested).
	OpAllRows = Operation(0x01)
	// OpInsert Indicates that an insert operation has taken place in the table or query.
	OpInsert = Operation(0x02)
	// OpUpdate Indicates that an update operation has taken place in the table or query.
	OpUpdate = Operation(0x04)
	// OpDelete Indicates that a delete operation has taken place in the table or query.
	OpDelete = Operation(0x08)
	// OpAlter Indicates that the registered table or query has been altered.
	OpAlter = Operation(0x10)
	// OpDrop Indicates that the registered table or query has been dropped.
	OpDrop = Operation(0x20)
	// OpUnknown An unknown operation has taken place.
	OpUnknown = Operation(0x40)
)

// ChangeFlags selects the changes a Subscription is notified of.
type ChangeFlags uint8

const (
	ChangeObjects   = ChangeFlags(0x01)
	ChangeRows      = ChangeFlags(0x02)
	ChangeDatabases = ChangeFlags(0x04)
	ChangeAll       = ChangeObjects | ChangeRows | ChangeDatabases
)

// ChangeDescriptor is a change notification, as delivered by the client library.
type ChangeDescriptor struct {
	DBName string
	Tables []TableChange
	Type   EventType
}

// TableChange is for a Table-related change.
type TableChange struct {
	Name string
	Rows []RowChange
	Operation
}

// RowChange is for a row-related change.
type RowChange struct {
	Rowid string
	Operation
}

// Event is passed to the handler of a Subscription, once per changed row,
// once per changed table if no rows are requested, or once for a database event.
type Event struct {
	Subscription *Subscription
	DBName       string
	ObjectName   string
	Rowid        string
	Type         EventType
	Operation    Operation
}

// Subscription for change notifications.
type Subscription struct {
	env     *Environment
	con     *Conn
	handler func(Event)
	name    string
	id      uint64
	flags   ChangeFlags
	mu      sync.Mutex
}

// NewSubscription registers handler for the changes selected by flags.
// The returned Subscription's ID is the context to pass to the native registration.
func (env *Environment) NewSubscription(con *Conn, name string, flags ChangeFlags, handler func(Event)) (*Subscription, error) {
	if err := env.checkOpen(); err != nil {
		return nil, err
	}
	if !env.params.Events {
		return nil, errors.Errorf("subscription %q: %w", name, ErrEventsDisabled)
	}
	if handler == nil || flags&ChangeAll == 0 {
		return nil, errors.Errorf("subscription %q: no handler or flags: %w", name, ErrInvalidArgument)
	}
	s := &Subscription{env: env, con: con, name: name, flags: flags, handler: handler, id: nextSubscriptionID()}
	env.subs.Set(s.id, s)
	if debugEnabled(env.logger) {
		env.logger.Debug("subscribed", "name", name, "id", s.id, "flags", fmt.Sprintf("%#x", flags))
	}
	return s, nil
}

func (s *Subscription) ID() uint64 { return s.id }
func (s *Subscription) Name() string { return s.name }
func (s *Subscription) Conn() *Conn { return s.con }

// Close unregisters the subscription: no more events are delivered.
func (s *Subscription) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	h := s.handler
	s.handler = nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	s.env.subs.Remove(s.id)
	return nil
}

// NotifyChanges decodes the change descriptor of the subscription registered as id,
// calling its handler for each change it is subscribed to.
// It returns the number of handler calls, ErrNotFound for unknown (or closed) subscriptions.
func (env *Environment) NotifyChanges(ctx context.Context, id uint64, desc ChangeDescriptor) (int, error) {
	s, ok := env.subs.Get(id)
	if !ok {
		return 0, errors.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return 0, errors.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	logger := env.loggerFor(ctx)

	ev := Event{Subscription: s, DBName: env.interned.intern(desc.DBName)}
	switch desc.Type {
	case EvtStartup, EvtShutdown, EvtShutdownAny:
		if s.flags&ChangeDatabases != 0 {
			ev.Type = desc.Type
		}
	case EvtDereg:
		ev.Type = desc.Type
	case EvtObjChange:
		if s.flags&ChangeObjects != 0 {
			ev.Type = desc.Type
		}
	}

	var calls int
	call := func(ev Event) {
		calls++
		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.Error("subscription handler panicked", "id", id, "event", ev.Type, "panic", r)
			}
		}()
		handler(ev)
	}
	switch {
	case ev.Type == EvtObjChange:
		for _, tbl := range desc.Tables {
			ev.ObjectName, ev.Rowid = env.interned.intern(tbl.Name), ""
			ev.Operation = tbl.Operation &^ (OpAllRows | OpAll)
			var rows int
			if s.flags&ChangeRows != 0 {
				for _, row := range tbl.Rows {
					rows++
					ev.Rowid, ev.Operation = row.Rowid, row.Operation
					call(ev)
				}
			}
			if rows == 0 {
				call(ev)
			}
		}
	case ev.Type != EvtNone:
		call(ev)
	}
	if debugEnabled(logger) {
		logger.Debug("change notification", "id", id, "type", desc.Type, "tables", len(desc.Tables), "calls", calls)
	}
	return calls, nil
}

// HASource is the source of a high availability event.
type HASource uint32

const (
	HASourceInstance         = HASource(0)
	HASourceDatabase         = HASource(1)
	HASourceNode             = HASource(2)
	HASourceService          = HASource(3)
	HASourceServiceMember    = HASource(4)
	HASourceASMInstance      = HASource(5)
	HASourceServicePrecommit = HASource(6)
)

// HAStatus is the status reported by a high availability event.
type HAStatus uint32

const (
	HAStatusDown = HAStatus(0)
	HAStatusUp   = HAStatus(1)
)

// HAServerEvent is one server of a native high availability event.
type HAServerEvent struct {
	// Time is the decoded Timestamp.
	Time      time.Time
	Server    Handle
	Timestamp Handle
	Source    HASource
	Status    HAStatus
}

// HAEvent is passed to the HA handler, for each connection of an affected server.
type HAEvent struct {
	Time time.Time
	Conn *Conn
	// Timestamp wraps the native event timestamp (nil if none), valid only during the call.
	Timestamp *Timestamp
	Source    HASource
	Status    HAStatus
}

// SetHAHandler sets the high availability event handler, nil to remove it.
func (env *Environment) SetHAHandler(h func(HAEvent)) error {
	if err := env.checkOpen(); err != nil {
		return err
	}
	if !env.params.Events {
		return errors.Errorf("HA handler: %w", ErrEventsDisabled)
	}
	env.mu.Lock()
	env.haHandler = h
	env.mu.Unlock()
	return nil
}

// DispatchHA delivers the servers' events to the HA handler,
// once for each connection attached to the server.
// It returns the number of handler calls.
func (env *Environment) DispatchHA(ctx context.Context, servers []HAServerEvent) int {
	env.mu.RLock()
	h := env.haHandler
	env.mu.RUnlock()
	if h == nil {
		return 0
	}
	logger := env.loggerFor(ctx)
	conns := env.conns.Keys()
	var calls int
	for _, srv := range servers {
		if srv.Server == 0 {
			continue
		}
		for _, c := range conns {
			if c.server != srv.Server {
				continue
			}
			ev := HAEvent{Conn: c, Source: srv.Source, Status: srv.Status, Time: srv.Time}
			if srv.Timestamp != 0 {
				var err error
				if ev.Timestamp, err = env.WrapTimestamp(c, SubTimestamp, srv.Timestamp); err != nil && logger != nil {
					logger.Warn("wrap HA timestamp", "error", err)
				}
			}
			h(ev)
			calls++
			if ev.Timestamp != nil {
				if err := env.ReleaseFetched(ev.Timestamp); err != nil && logger != nil {
					logger.Warn("release HA timestamp", "error", err)
				}
			}
		}
	}
	if logger != nil && calls != 0 {
		logger.Info("HA event", "servers", len(servers), "calls", calls)
	}
	return calls
}
