// Copyright 2019 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides the small leveled logger used while a context is
// being constructed. Discovery is a one-shot, synchronous operation so the
// logger carries none of the ratelimiting, signal-driven level toggling, or
// gRPC/klog bridging a long-running daemon would need.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Level is the log message severity level below which messages are suppressed.
type Level int32

const (
	// LevelDebug corresponds to debug messages.
	LevelDebug Level = iota
	// LevelInfo corresponds to informational messages.
	LevelInfo
	// LevelWarn corresponds to warning messages.
	LevelWarn
	// LevelError corresponds to error messages.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})

	DebugEnabled() bool
	Source() string
}

type logger struct {
	source string
}

var (
	mutex   sync.Mutex
	level   = LevelInfo
	debug   = os.Getenv("LIBTOPOLOGY_DEBUG") != ""
	output  = os.Stderr
	loggers = map[string]*logger{}
)

func init() {
	switch strings.ToLower(os.Getenv("LIBTOPOLOGY_LOG_LEVEL")) {
	case "debug":
		level = LevelDebug
		debug = true
	case "warn":
		level = LevelWarn
	case "error":
		level = LevelError
	}
}

// NewLogger creates a new logger, returning the existing one for the same source if present.
func NewLogger(source string) Logger {
	mutex.Lock()
	defer mutex.Unlock()

	source = strings.Trim(source, "[] ")
	if l, ok := loggers[source]; ok {
		return l
	}
	l := &logger{source: source}
	loggers[source] = l
	return l
}

func (l *logger) emit(lvl Level, tag, format string, args ...interface{}) {
	if lvl != LevelDebug && lvl < level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(output, "%s: [%s] %s\n", tag, l.source, msg)
}

// Debug formats and emits a debug message.
func (l *logger) Debug(format string, args ...interface{}) {
	if !debug {
		return
	}
	l.emit(LevelDebug, "D", format, args...)
}

// Info formats and emits an informational message.
func (l *logger) Info(format string, args ...interface{}) {
	l.emit(LevelInfo, "I", format, args...)
}

// Warn formats and emits a warning message.
func (l *logger) Warn(format string, args ...interface{}) {
	l.emit(LevelWarn, "W", format, args...)
}

// Error formats and emits an error message.
func (l *logger) Error(format string, args ...interface{}) {
	l.emit(LevelError, "E", format, args...)
}

// DebugEnabled checks if debug messages are enabled for this Logger.
func (l *logger) DebugEnabled() bool {
	return debug
}

// Source returns the source name of this Logger.
func (l *logger) Source() string {
	return l.source
}
