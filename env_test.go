// Copyright 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/exp/slog"

	"github.com/godror/ocibind"
	"github.com/godror/ocibind/envconf"
	"github.com/godror/ocibind/ocitest"
)

// testLogger records the log records, and prints the warnings to the test log.
type testLogger struct {
	t       *testing.T
	mu      sync.Mutex
	records []slog.Record
}

var _ slog.Handler = (*testLogger)(nil)

func (tl *testLogger) Enabled(context.Context, slog.Level) bool { return true }
func (tl *testLogger) WithAttrs([]slog.Attr) slog.Handler { return tl }
func (tl *testLogger) WithGroup(string) slog.Handler { return tl }
func (tl *testLogger) Handle(_ context.Context, r slog.Record) error {
	tl.mu.Lock()
	tl.records = append(tl.records, r.Clone())
	tl.mu.Unlock()
	if r.Level >= slog.LevelWarn {
		var attrs []interface{}
		r.Attrs(func(a slog.Attr) bool {
			attrs = append(attrs, a.Key, a.Value.String())
			return true
		})
		tl.t.Log(r.Level, r.Message, attrs)
	}
	return nil
}

// Messages returns the messages logged at least at level.
func (tl *testLogger) Messages(level slog.Level) []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	var msgs []string
	for _, r := range tl.records {
		if r.Level >= level {
			msgs = append(msgs, r.Message)
		}
	}
	return msgs
}

// newTestEnv returns an Environment over a new ocitest.Library, with the params parsed,
// closed at the end of the test, which fails on any misuse of the library.
func newTestEnv(t *testing.T, params string, options ...ocibind.Option) (*ocibind.Environment, *ocitest.Library, *testLogger) {
	t.Helper()
	P, err := envconf.Parse(params)
	if err != nil {
		t.Fatalf("parse %q: %+v", params, err)
	}
	tl := &testLogger{t: t}
	P.Logger = slog.New(tl)
	lib := ocitest.New()
	env, err := ocibind.NewEnvironment(lib, P, options...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := env.Close(); err != nil {
			t.Errorf("close: %+v", err)
		}
		if err := lib.Err(); err != nil {
			t.Error(err)
		}
		if n := lib.Live(); n != 0 {
			t.Errorf("%d native handles leaked: %v", n, lib.LiveHandles())
		}
	})
	return env, lib, tl
}

func TestNewEnvironmentErrors(t *testing.T) {
	if _, err := ocibind.NewEnvironment(nil, envconf.Default()); !errors.Is(err, ocibind.ErrInvalidArgument) {
		t.Errorf("nil library: got %v", err)
	}
	P := envconf.Default()
	P.MemLimit = -1
	if _, err := ocibind.NewEnvironment(ocitest.New(), P); !errors.Is(err, ocibind.ErrInvalidArgument) {
		t.Errorf("negative memLimit: got %v", err)
	}
}

func TestCloseFreesEverything(t *testing.T) {
	env, lib, tl := newTestEnv(t, "warnLeaks=1")
	conn, err := env.Attach(lib.NewHandle(), 2, lib.Free)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Adopt(lib.NewHandle(), lib.Free); err != nil {
		t.Fatal(err)
	}
	if _, err := ocibind.Acquire(env.Graph(), lib.NewHandle(), lib.Free, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.NewLobArray(conn, ocibind.SubBLOB, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := env.NewNumberArray(nil, 2); err != nil {
		t.Fatal(err)
	}
	lob, err := env.NewLob(conn, ocibind.SubCLOB)
	if err != nil {
		t.Fatal(err)
	}
	want := ocibind.Stats{Arrays: 2, Connections: 1, Handles: 3}
	got := env.Stats()
	got.Bytes = 0
	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("stats: %s", d)
	}

	if err := env.Close(); err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff([]string{"unfreed resources at environment close"}, tl.Messages(slog.LevelWarn)); d != "" {
		t.Errorf("warnings: %s", d)
	}
	if _, err := conn.Handle(); !errors.Is(err, ocibind.ErrReleased) {
		t.Errorf("conn after close: got %v", err)
	}
	// the single LOB is not tracked: still freeable after Close
	if err := env.Free(lob); err != nil {
		t.Fatal(err)
	}
	if n := env.TotalAllocatedBytes(); n != 0 {
		t.Errorf("%d bytes left", n)
	}
	if d := cmp.Diff(ocibind.Stats{}, env.Stats()); d != "" {
		t.Errorf("stats after close: %s", d)
	}
	if _, err := env.NewNumberArray(nil, 1); !errors.Is(err, ocibind.ErrClosed) {
		t.Errorf("after close: got %v, wanted ErrClosed", err)
	}
	if _, err := env.NewNumber(nil); !errors.Is(err, ocibind.ErrClosed) {
		t.Errorf("after close: got %v, wanted ErrClosed", err)
	}
	if err := env.Close(); err != nil {
		t.Errorf("second close: %+v", err)
	}
}

func TestCloseQuiet(t *testing.T) {
	env, _, tl := newTestEnv(t, "warnLeaks=0")
	if _, err := env.NewDateArray(nil, 4); err != nil {
		t.Fatal(err)
	}
	if err := env.Close(); err != nil {
		t.Fatal(err)
	}
	if msgs := tl.Messages(slog.LevelWarn); len(msgs) != 0 {
		t.Errorf("got warnings %q", msgs)
	}
}

func TestObserver(t *testing.T) {
	env, lib, _ := newTestEnv(t, "")
	var events []ocibind.LifecycleEventType
	unregister := env.Observe(ocibind.ObserverFunc(func(e ocibind.LifecycleEvent) {
		events = append(events, e.Type)
	}))

	objs, err := env.NewObjectArray(nil, &ocibind.TypeInfo{Name: "T_POINT", TDO: 1}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.FreeArray(objs); err != nil {
		t.Fatal(err)
	}
	H, err := ocibind.Acquire(env.Graph(), lib.NewHandle(), lib.Free, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := H.Release(); err != nil {
		t.Fatal(err)
	}
	unregister()
	if _, err := env.NewNumberArray(nil, 1); err != nil {
		t.Fatal(err)
	}

	want := []ocibind.LifecycleEventType{
		ocibind.EventArrayCreated,
		ocibind.EventElementFreed, ocibind.EventElementFreed,
		ocibind.EventArrayDisposed,
		ocibind.EventHandleReleased,
	}
	if d := cmp.Diff(want, events); d != "" {
		t.Error(d)
	}
}

func TestAllocatedBytes(t *testing.T) {
	env, _, _ := newTestEnv(t, "")
	nums, err := env.NewNumberArray(nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n := env.AllocatedBytes(ocibind.BlockHandles); n != 10*22 {
		t.Errorf("handle block: got %d bytes, wanted %d", n, 10*22)
	}
	for _, k := range []ocibind.BlockKind{ocibind.BlockObjects, ocibind.BlockStructs} {
		if env.AllocatedBytes(k) <= 0 {
			t.Errorf("%s: nothing allocated", k)
		}
	}
	n, err := env.NewNumber(nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.AllocatedBytes(ocibind.BlockElement) <= 0 {
		t.Error("element: nothing allocated")
	}
	if err := env.Free(n); err != nil {
		t.Fatal(err)
	}
	if err := env.FreeArray(nums); err != nil {
		t.Fatal(err)
	}
	if n := env.TotalAllocatedBytes(); n != 0 {
		t.Errorf("%d bytes left", n)
	}
}

func TestMemLimit(t *testing.T) {
	env, _, _ := newTestEnv(t, "memLimit=100")
	if _, err := env.NewNumberArray(nil, 10); !errors.Is(err, ocibind.ErrOutOfMemory) {
		t.Errorf("got %v, wanted ErrOutOfMemory", err)
	}
	if n := env.TotalAllocatedBytes(); n != 0 {
		t.Errorf("%d bytes left after failure", n)
	}
	if n := env.Stats().Arrays; n != 0 {
		t.Errorf("%d arrays registered", n)
	}
	nums, err := env.NewNumberArray(nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.FreeArray(nums); err != nil {
		t.Fatal(err)
	}
}

func TestLoggerFromContext(t *testing.T) {
	tl := &testLogger{t: t}
	ctx := ocibind.ContextWithLogger(context.Background(), slog.New(tl))
	env, _, envLog := newTestEnv(t, "events=1")
	conn, err := env.Attach(1, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	sub, err := env.NewSubscription(conn, "ctx", ocibind.ChangeAll, func(ocibind.Event) { panic("boom") })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	if _, err := env.NotifyChanges(ctx, sub.ID(), ocibind.ChangeDescriptor{Type: ocibind.EvtShutdown}); err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff([]string{"subscription handler panicked"}, tl.Messages(slog.LevelError)); d != "" {
		t.Error(d)
	}
	if msgs := envLog.Messages(slog.LevelError); len(msgs) != 0 {
		t.Errorf("environment logger got %q", msgs)
	}
}

func TestLoggerPrecedence(t *testing.T) {
	global := &testLogger{t: t}
	ocibind.SetLogger(slog.New(global))
	t.Cleanup(func() { ocibind.SetLogger(nil) })

	notify := func(ctx context.Context, env *ocibind.Environment) {
		t.Helper()
		sub, err := env.NewSubscription(nil, "panic", ocibind.ChangeAll, func(ocibind.Event) { panic("boom") })
		if err != nil {
			t.Fatal(err)
		}
		defer sub.Close()
		if _, err := env.NotifyChanges(ctx, sub.ID(), ocibind.ChangeDescriptor{Type: ocibind.EvtShutdown}); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"subscription handler panicked"}

	// the Environment's own logger wins over the global one
	env, _, envLog := newTestEnv(t, "events=1")
	notify(context.Background(), env)
	if d := cmp.Diff(want, envLog.Messages(slog.LevelError)); d != "" {
		t.Errorf("environment logger: %s", d)
	}
	if msgs := global.Messages(slog.LevelError); len(msgs) != 0 {
		t.Errorf("global logger got %q", msgs)
	}

	// and the context's wins over both
	ctxLog := &testLogger{t: t}
	notify(ocibind.ContextWithLogger(context.Background(), slog.New(ctxLog)), env)
	if d := cmp.Diff(want, ctxLog.Messages(slog.LevelError)); d != "" {
		t.Errorf("context logger: %s", d)
	}
	if n := len(envLog.Messages(slog.LevelError)) + len(global.Messages(slog.LevelError)); n != 1 {
		t.Errorf("%d errors logged elsewhere", n)
	}

	// without its own, the Environment logs to the global one
	P, err := envconf.Parse("events=1")
	if err != nil {
		t.Fatal(err)
	}
	bare, err := ocibind.NewEnvironment(ocitest.New(), P)
	if err != nil {
		t.Fatal(err)
	}
	defer bare.Close()
	notify(context.Background(), bare)
	if d := cmp.Diff(want, global.Messages(slog.LevelError)); d != "" {
		t.Errorf("global logger: %s", d)
	}
}
