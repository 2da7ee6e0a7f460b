// Copyright 2017, 2021 The Godror Authors
//
//
// SPDX-License-Identifier: UPL-1.0 OR Apache-2.0

package ocibind

import (
	"context"
	"sync/atomic"

	"golang.org/x/exp/slog"
)

var globalLogger atomic.Pointer[slog.Logger]

// SetLogger sets the logger used by Environments created without one.
// A nil logger switches logging off.
func SetLogger(logger *slog.Logger) { globalLogger.Store(logger) }

type logCtxKey struct{}

// getLogger returns the logger of ctx, or nil.
func getLogger(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if lgr, ok := ctx.Value(logCtxKey{}).(*slog.Logger); ok {
			return lgr
		}
	}
	return nil
}

// loggerFor returns the logger of ctx, the Environment's, or the global one.
func (env *Environment) loggerFor(ctx context.Context) *slog.Logger {
	if lgr := getLogger(ctx); lgr != nil {
		return lgr
	}
	if env.logger != nil {
		return env.logger
	}
	return globalLogger.Load()
}

// ContextWithLogger returns a context with the given logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, logCtxKey{}, logger)
}

// debugEnabled reports whether logger is non-nil and logs at debug level.
func debugEnabled(logger *slog.Logger) bool {
	return logger != nil && logger.Enabled(context.Background(), slog.LevelDebug)
}
