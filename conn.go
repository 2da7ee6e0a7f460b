// Copyright 2019, 2024 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind

import (
	"sync"

	errors "golang.org/x/xerrors"
)

// FailoverType is the type of a transparent application failover.
type FailoverType uint32

const (
	FailoverNone    = FailoverType(0x01)
	FailoverSession = FailoverType(0x02)
	FailoverSelect  = FailoverType(0x04)
)

// FailoverEvent is the step of a failover.
type FailoverEvent uint32

const (
	FailoverEnd    = FailoverEvent(0x01)
	FailoverAbort  = FailoverEvent(0x02)
	FailoverReauth = FailoverEvent(0x04)
	FailoverBegin  = FailoverEvent(0x08)
	FailoverError  = FailoverEvent(0x10)
)

// FailoverResult is returned by a TAFHandler.
type FailoverResult int32

const (
	FailoverOK    = FailoverResult(0)
	FailoverRetry = FailoverResult(25410)
)

// TAFHandler is called on each step of a transparent application failover.
type TAFHandler func(c *Conn, typ FailoverType, ev FailoverEvent) FailoverResult

// Conn is a connection: the root of the handles (statements, result sets,
// LOB locators) allocated on its service context.
type Conn struct {
	env    *Environment
	root   *Holder[Handle]
	taf    TAFHandler
	server Handle
	mu     sync.Mutex
}

// Attach registers the native service context svc (attached to server)
// as a root handle, freed with free when the Conn is closed.
func (env *Environment) Attach(svc, server Handle, free FreeFunc[Handle]) (*Conn, error) {
	if err := env.checkOpen(); err != nil {
		return nil, err
	}
	if svc == 0 {
		return nil, errors.Errorf("attach: null service context: %w", ErrInvalidArgument)
	}
	root, err := Acquire(env.graph, svc, free, nil)
	if err != nil {
		return nil, errors.Errorf("attach %#x: %w", uintptr(svc), err)
	}
	c := &Conn{env: env, root: root, server: server}
	env.conns.Set(c, struct{}{})
	if debugEnabled(env.logger) {
		env.logger.Debug("attached", "svc", svc, "server", server)
	}
	env.meter.gauge(env.conns.Len(), "connection", "live")
	return c, nil
}

func (c *Conn) owner() (*Graph, blockRef, error) {
	if c == nil {
		return nil, blockRef{}, nil
	}
	return c.root.owner()
}

// nativeHandle returns the service context, zero for a nil Conn.
func (c *Conn) nativeHandle() (Handle, error) {
	if c == nil {
		return 0, nil
	}
	return c.root.Handle()
}

// Handle returns the native service context, ErrReleased after Close.
func (c *Conn) Handle() (Handle, error) { return c.root.Handle() }

// Server returns the native server handle.
func (c *Conn) Server() Handle { return c.server }

// Adopt tracks h as a child of the connection: it is freed with free
// when the returned Holder (and all its copies) are released, or when the Conn is closed.
func (c *Conn) Adopt(h Handle, free FreeFunc[Handle]) (*Holder[Handle], error) {
	return Acquire(c.env.graph, h, free, c)
}

// Close releases the connection and every handle allocated on it, children first.
// Closing a closed Conn is a no-op.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.env.conns.Remove(c)
	c.mu.Lock()
	c.taf = nil
	c.mu.Unlock()
	err := c.root.Release()
	c.env.meter.gauge(c.env.conns.Len(), "connection", "live")
	return err
}

// SetTAFHandler sets the failover handler, nil to remove it.
func (c *Conn) SetTAFHandler(h TAFHandler) error {
	if c.root.IsNull() {
		return ErrReleased
	}
	c.mu.Lock()
	c.taf = h
	c.mu.Unlock()
	return nil
}

// FailOver is called by the native failover callback, passing the step to the TAFHandler.
// Without a handler it returns FailoverOK.
func (c *Conn) FailOver(typ FailoverType, ev FailoverEvent) FailoverResult {
	if c == nil {
		return FailoverOK
	}
	c.mu.Lock()
	h := c.taf
	c.mu.Unlock()
	if h == nil {
		return FailoverOK
	}
	if logger := c.env.logger; logger != nil {
		logger.Info("failover", "type", typ, "event", ev)
	}
	return h(c, typ, ev)
}
