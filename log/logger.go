// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

// Package log is the client's leveled logger. Each component (pipeline,
// command queue, pool, proxy) owns a CommonLogger carrying its name, and
// components that exist per server or per instance derive one bound to
// that identity so interleaved per-connection goroutine output stays
// attributable.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
)

type LogLevel int

const (
	LogLevelError LogLevel = iota
	// LogLevelInfo log messages for info
	LogLevelInfo
	// LogLevelDebug log messages for info and debug
	LogLevelDebug
	// LogLevelTrace log messages info, debug and trace
	LogLevelTrace
)

const (
	LOG_LEVEL_ERROR_STR string = "Error"
	LOG_LEVEL_INFO_STR  string = "Info"
	LOG_LEVEL_DEBUG_STR string = "Debug"
	LOG_LEVEL_TRACE_STR string = "Trace"
)

// LoggerContext is the logging environment shared by every component of
// one client instance: where lines go and how verbose they are.
type LoggerContext struct {
	Log_file  io.Writer
	Log_level LogLevel
}

var DefaultLoggerContext = &LoggerContext{os.Stdout, LogLevelInfo}

// CommonLogger tags every line with the owning component and, when set,
// the specific instance of it (a pipeline's endpoint, a pool name).
type CommonLogger struct {
	component string
	id        string
	context   *LoggerContext
	out       *log.Logger
}

func NewLogger(component string, logger_context *LoggerContext) *CommonLogger {
	context := DefaultLoggerContext
	if logger_context != nil {
		context = logger_context
	}
	return &CommonLogger{
		component: component,
		context:   context,
		out:       log.New(context.Log_file, "", log.Lmicroseconds),
	}
}

// ForInstance derives a logger bound to one instance of the component.
// The parent logger is not modified.
func (l *CommonLogger) ForInstance(id string) *CommonLogger {
	return &CommonLogger{
		component: l.component,
		id:        id,
		context:   l.context,
		out:       l.out,
	}
}

func (l *CommonLogger) logf(level LogLevel, format string, v ...interface{}) {
	if l.context.Log_level < level {
		return
	}
	var prefix string
	if l.id == "" {
		prefix = fmt.Sprintf("%v [%v] ", l.component, level)
	} else {
		prefix = fmt.Sprintf("%v(%v) [%v] ", l.component, l.id, level)
	}
	l.out.Printf(prefix+format, v...)
}

func (l *CommonLogger) Errorf(format string, v ...interface{}) {
	l.logf(LogLevelError, format, v...)
}

func (l *CommonLogger) Infof(format string, v ...interface{}) {
	l.logf(LogLevelInfo, format, v...)
}

func (l *CommonLogger) Debugf(format string, v ...interface{}) {
	l.logf(LogLevelDebug, format, v...)
}

func (l *CommonLogger) Tracef(format string, v ...interface{}) {
	l.logf(LogLevelTrace, format, v...)
}

func (l *CommonLogger) LoggerContext() *LoggerContext {
	return l.context
}

func LogLevelFromStr(levelStr string) (LogLevel, error) {
	var level LogLevel
	switch levelStr {
	case LOG_LEVEL_ERROR_STR:
		level = LogLevelError
	case LOG_LEVEL_INFO_STR:
		level = LogLevelInfo
	case LOG_LEVEL_DEBUG_STR:
		level = LogLevelDebug
	case LOG_LEVEL_TRACE_STR:
		level = LogLevelTrace
	default:
		return -1, fmt.Errorf("%v is not a valid log level", levelStr)
	}
	return level, nil
}

func (level LogLevel) String() string {
	switch level {
	case LogLevelError:
		return LOG_LEVEL_ERROR_STR
	case LogLevelInfo:
		return LOG_LEVEL_INFO_STR
	case LogLevelDebug:
		return LOG_LEVEL_DEBUG_STR
	case LogLevelTrace:
		return LOG_LEVEL_TRACE_STR
	}
	return ""
}
