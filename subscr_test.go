// Copyright 2017, 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/godror/ocibind"
)

func newSubscription(t *testing.T, env *ocibind.Environment, flags ocibind.ChangeFlags) (*ocibind.Subscription, *[]ocibind.Event) {
	t.Helper()
	var events []ocibind.Event
	s, err := env.NewSubscription(nil, "test", flags, func(ev ocibind.Event) { events = append(events, ev) })
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, &events
}

var ignoreSubscription = cmpopts.IgnoreFields(ocibind.Event{}, "Subscription")

func TestNotifyChanges(t *testing.T) {
	env, _, _ := newTestEnv(t, "events=1")
	ctx := context.Background()
	desc := ocibind.ChangeDescriptor{
		DBName: "ORCL",
		Type:   ocibind.EvtObjChange,
		Tables: []ocibind.TableChange{
			{Name: "SCOTT.EMP", Operation: ocibind.OpUpdate | ocibind.OpAllRows, Rows: []ocibind.RowChange{
				{Rowid: "AAA", Operation: ocibind.OpUpdate},
				{Rowid: "AAB", Operation: ocibind.OpDelete},
			}},
			{Name: "SCOTT.DEPT", Operation: ocibind.OpInsert},
		},
	}

	t.Run("tables", func(t *testing.T) {
		s, events := newSubscription(t, env, ocibind.ChangeObjects)
		n, err := env.NotifyChanges(ctx, s.ID(), desc)
		if err != nil {
			t.Fatal(err)
		}
		want := []ocibind.Event{
			{DBName: "ORCL", ObjectName: "SCOTT.EMP", Type: ocibind.EvtObjChange, Operation: ocibind.OpUpdate},
			{DBName: "ORCL", ObjectName: "SCOTT.DEPT", Type: ocibind.EvtObjChange, Operation: ocibind.OpInsert},
		}
		if d := cmp.Diff(want, *events, ignoreSubscription); d != "" || n != len(want) {
			t.Errorf("%d calls: %s", n, d)
		}
		for _, ev := range *events {
			if ev.Subscription != s {
				t.Errorf("event of %v", ev.Subscription)
			}
		}
	})

	t.Run("rows", func(t *testing.T) {
		s, events := newSubscription(t, env, ocibind.ChangeObjects|ocibind.ChangeRows)
		n, err := env.NotifyChanges(ctx, s.ID(), desc)
		if err != nil {
			t.Fatal(err)
		}
		want := []ocibind.Event{
			{DBName: "ORCL", ObjectName: "SCOTT.EMP", Rowid: "AAA", Type: ocibind.EvtObjChange, Operation: ocibind.OpUpdate},
			{DBName: "ORCL", ObjectName: "SCOTT.EMP", Rowid: "AAB", Type: ocibind.EvtObjChange, Operation: ocibind.OpDelete},
			{DBName: "ORCL", ObjectName: "SCOTT.DEPT", Type: ocibind.EvtObjChange, Operation: ocibind.OpInsert},
		}
		if d := cmp.Diff(want, *events, ignoreSubscription); d != "" || n != len(want) {
			t.Errorf("%d calls: %s", n, d)
		}
	})

	t.Run("databases", func(t *testing.T) {
		objOnly, objEvents := newSubscription(t, env, ocibind.ChangeObjects)
		dbs, dbEvents := newSubscription(t, env, ocibind.ChangeDatabases)
		startup := ocibind.ChangeDescriptor{DBName: "ORCL", Type: ocibind.EvtStartup}
		if n, err := env.NotifyChanges(ctx, objOnly.ID(), startup); err != nil || n != 0 {
			t.Errorf("startup without the databases flag: %d calls, %v", n, err)
		}
		if n, err := env.NotifyChanges(ctx, dbs.ID(), startup); err != nil || n != 1 {
			t.Errorf("startup: %d calls, %v", n, err)
		}
		if n, err := env.NotifyChanges(ctx, dbs.ID(), desc); err != nil || n != 0 {
			t.Errorf("object change without the objects flag: %d calls, %v", n, err)
		}
		// deregistration is always delivered
		if n, err := env.NotifyChanges(ctx, objOnly.ID(), ocibind.ChangeDescriptor{Type: ocibind.EvtDereg}); err != nil || n != 1 {
			t.Errorf("dereg: %d calls, %v", n, err)
		}
		if d := cmp.Diff([]ocibind.Event{{DBName: "ORCL", Type: ocibind.EvtStartup}}, *dbEvents, ignoreSubscription); d != "" {
			t.Error(d)
		}
		if d := cmp.Diff([]ocibind.Event{{Type: ocibind.EvtDereg}}, *objEvents, ignoreSubscription); d != "" {
			t.Error(d)
		}
	})

	t.Run("closed", func(t *testing.T) {
		s, events := newSubscription(t, env, ocibind.ChangeAll)
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := env.NotifyChanges(ctx, s.ID(), desc); !errors.Is(err, ocibind.ErrNotFound) {
			t.Errorf("closed: got %v, wanted ErrNotFound", err)
		}
		if _, err := env.NotifyChanges(ctx, 1<<60, desc); !errors.Is(err, ocibind.ErrNotFound) {
			t.Errorf("unknown: got %v, wanted ErrNotFound", err)
		}
		if len(*events) != 0 {
			t.Errorf("got %d events", len(*events))
		}
	})
}

func TestSubscriptionErrors(t *testing.T) {
	env, _, _ := newTestEnv(t, "events=0")
	if _, err := env.NewSubscription(nil, "x", ocibind.ChangeAll, func(ocibind.Event) {}); !errors.Is(err, ocibind.ErrEventsDisabled) {
		t.Errorf("got %v, wanted ErrEventsDisabled", err)
	}
	if err := env.SetHAHandler(func(ocibind.HAEvent) {}); !errors.Is(err, ocibind.ErrEventsDisabled) {
		t.Errorf("got %v, wanted ErrEventsDisabled", err)
	}

	env, _, _ = newTestEnv(t, "events=1")
	if _, err := env.NewSubscription(nil, "x", ocibind.ChangeAll, nil); !errors.Is(err, ocibind.ErrInvalidArgument) {
		t.Errorf("nil handler: got %v", err)
	}
	if _, err := env.NewSubscription(nil, "x", 0, func(ocibind.Event) {}); !errors.Is(err, ocibind.ErrInvalidArgument) {
		t.Errorf("no flags: got %v", err)
	}
	s1, _ := newSubscription(t, env, ocibind.ChangeAll)
	s2, _ := newSubscription(t, env, ocibind.ChangeAll)
	if s1.ID() == s2.ID() {
		t.Errorf("same ID %d", s1.ID())
	}
	if n := env.Stats().Subscriptions; n != 2 {
		t.Errorf("got %d subscriptions", n)
	}
}

func TestDispatchHA(t *testing.T) {
	env, lib, _ := newTestEnv(t, "events=1")
	ctx := context.Background()
	serverA, serverB := lib.NewHandle(), lib.NewHandle()
	defer lib.Free(serverA)
	defer lib.Free(serverB)
	a1, err := env.Attach(lib.NewHandle(), serverA, lib.Free)
	if err != nil {
		t.Fatal(err)
	}
	defer a1.Close()
	a2, err := env.Attach(lib.NewHandle(), serverA, lib.Free)
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Close()
	b, err := env.Attach(lib.NewHandle(), serverB, lib.Free)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if n := env.DispatchHA(ctx, []ocibind.HAServerEvent{{Server: serverA}}); n != 0 {
		t.Errorf("no handler: %d calls", n)
	}

	ts := lib.NewHandle()
	defer lib.Free(ts)
	type call struct {
		Conn      *ocibind.Conn
		Handle    ocibind.Handle
		State     ocibind.ObjectState
		Timestamp *ocibind.Timestamp
		Status    ocibind.HAStatus
	}
	var calls []call
	if err := env.SetHAHandler(func(ev ocibind.HAEvent) {
		c := call{Conn: ev.Conn, Status: ev.Status, Timestamp: ev.Timestamp}
		if ev.Timestamp != nil {
			c.Handle, c.State = ev.Timestamp.Handle(), ev.Timestamp.State()
		}
		calls = append(calls, c)
	}); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	n := env.DispatchHA(ctx, []ocibind.HAServerEvent{
		{Server: serverA, Timestamp: ts, Time: now, Source: ocibind.HASourceInstance, Status: ocibind.HAStatusDown},
		{Server: 0, Status: ocibind.HAStatusUp},
	})
	if n != 2 || len(calls) != 2 {
		t.Fatalf("got %d calls, wanted 2", n)
	}
	got := map[*ocibind.Conn]bool{}
	for _, c := range calls {
		got[c.Conn] = true
		if c.Handle != ts || c.State != ocibind.StateFetchedClean || c.Status != ocibind.HAStatusDown {
			t.Errorf("got %#x %s %d", c.Handle, c.State, c.Status)
		}
		// the wrapper is freed after the handler returns, the timestamp stays
		if st := c.Timestamp.State(); st != ocibind.StateFreed {
			t.Errorf("timestamp wrapper is %s after the call", st)
		}
	}
	if d := cmp.Diff(map[*ocibind.Conn]bool{a1: true, a2: true}, got); d != "" {
		t.Error(d)
	}
	if lib.Freed(ts) != 0 || lib.Calls("FreeDescriptors") != 0 {
		t.Error("the library owned timestamp has been freed")
	}

	calls = calls[:0]
	if n := env.DispatchHA(ctx, []ocibind.HAServerEvent{{Server: serverB, Status: ocibind.HAStatusUp}}); n != 1 || calls[0].Conn != b || calls[0].Timestamp != nil {
		t.Errorf("server B: %d calls: %+v", n, calls)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if n := env.DispatchHA(ctx, []ocibind.HAServerEvent{{Server: serverB}}); n != 0 {
		t.Errorf("closed connection: %d calls", n)
	}
	if n := env.TotalAllocatedBytes(); n != 0 {
		t.Errorf("%d bytes left", n)
	}
}
