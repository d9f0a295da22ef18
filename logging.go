// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coroloop

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Category tags the subsystem emitting a log entry, mirroring the
// category strings an earlier event-loop incarnation of this runtime used
// ("timer", "promise", "microtask", "poll", "shutdown").
type Category string

const (
	CategoryCoroutine Category = "coroutine"
	CategoryScheduler Category = "scheduler"
	CategoryTimer     Category = "timer"
	CategoryIOLoop    Category = "ioloop"
	CategoryHook      Category = "hook"
)

// Logger is the structured logging interface used throughout the runtime.
// It is intentionally small: every subsystem only ever needs to report a
// category, a set of numeric ids, an optional error, and a message.
type Logger interface {
	Log(entry LogEntry)
}

// LogEntry is a single structured log record.
type LogEntry struct {
	Level       logiface.Level
	Category    Category
	CoroutineID uint64
	FdNum       int
	TimerID     uint64
	Message     string
	Err         error
}

// noopLogger discards every entry; it is the default so importing coroloop
// never forces JSON onto a consumer's stderr.
type noopLogger struct{}

func (noopLogger) Log(LogEntry) {}

// logifaceLogger adapts Logger to a github.com/joeycumines/logiface logger
// backed by github.com/joeycumines/stumpy's JSON writer.
type logifaceLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

// NewJSONLogger returns a Logger that writes newline-delimited JSON records
// to w via logiface/stumpy, at the given minimum level.
func NewJSONLogger(w *os.File, level logiface.Level) Logger {
	return &logifaceLogger{
		l: logiface.New[*stumpy.Event](
			stumpy.WithStumpy(stumpy.WithWriter(w)),
			logiface.WithLevel[*stumpy.Event](level),
		),
	}
}

func (x *logifaceLogger) Log(entry LogEntry) {
	b := x.l.Build(entry.Level)
	if b == nil {
		return
	}
	b = b.Str("category", string(entry.Category))
	if entry.CoroutineID != 0 {
		b = b.Uint64("coroutine_id", entry.CoroutineID)
	}
	if entry.FdNum != 0 {
		b = b.Int("fd", entry.FdNum)
	}
	if entry.TimerID != 0 {
		b = b.Uint64("timer_id", entry.TimerID)
	}
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	b.Log(entry.Message)
}

var globalLogger struct {
	sync.RWMutex
	logger Logger
}

// SetLogger installs the package-level logger used by every Scheduler,
// TimerWheel, IOLoop and hook; there is no per-instance logger.
func SetLogger(logger Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
}

func getGlobalLogger() Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	if globalLogger.logger != nil {
		return globalLogger.logger
	}
	return noopLogger{}
}

func logCoroutine(level logiface.Level, id uint64, msg string, err error) {
	getGlobalLogger().Log(LogEntry{Level: level, Category: CategoryCoroutine, CoroutineID: id, Message: msg, Err: err})
}

func logScheduler(level logiface.Level, msg string, err error) {
	getGlobalLogger().Log(LogEntry{Level: level, Category: CategoryScheduler, Message: msg, Err: err})
}

func logTimer(level logiface.Level, id uint64, msg string) {
	getGlobalLogger().Log(LogEntry{Level: level, Category: CategoryTimer, TimerID: id, Message: msg})
}

func logIOLoop(level logiface.Level, msg string, err error) {
	getGlobalLogger().Log(LogEntry{Level: level, Category: CategoryIOLoop, Message: msg, Err: err})
}

func logHook(level logiface.Level, fd int, msg string, err error) {
	getGlobalLogger().Log(LogEntry{Level: level, Category: CategoryHook, FdNum: fd, Message: msg, Err: err})
}
