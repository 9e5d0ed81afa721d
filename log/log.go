// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package log provides simple level logging for the library. Log
// output is implemented by an outputter, which by default writes to
// Go's logging package. Hosts embedding the library can provide their
// own outputter implementation so that logging output is unified.
//
// The library logs at Debug level when verbose tracing is enabled in
// its configuration; regular operation logs nothing below Error.
package log

import (
	"fmt"
	golog "log"
)

// An Outputter provides a destination for leveled log output.
type Outputter interface {
	// Level returns the level at which the outputter is accepting
	// messages.
	Level() Level

	// Output writes the provided message to the outputter at the
	// provided calldepth and level. The message is dropped by the
	// outputter if it is not logging at the desired level.
	Output(calldepth int, level Level, s string) error
}

var out Outputter = gologOutputter{}

// SetOutputter provides a new outputter for use in the log package.
// SetOutputter should not be called concurrently with any log output,
// and is thus suitable to be called only upon program initialization.
// SetOutputter returns the old outputter.
func SetOutputter(newOut Outputter) Outputter {
	old := out
	out = newOut
	return old
}

// At returns whether the logger is currently logging at the provided
// level. Use it to guard messages that are expensive to construct.
func At(level Level) bool {
	return level <= out.Level()
}

// Output outputs a log message to the current outputter at the
// provided level and call depth.
func Output(calldepth int, level Level, s string) error {
	return out.Output(calldepth+1, level, s)
}

// A Level is a log verbosity level. Increasing levels decrease in
// priority and increase in verbosity: if the outputter is logging at
// level L, then all messages with level M <= L are outputted.
type Level int

const (
	// Off never outputs messages.
	Off = Level(-3)
	// Error outputs error messages.
	Error = Level(-2)
	// Info outputs informational messages.
	Info = Level(0)
	// Debug outputs messages intended for debugging and development.
	// Verbose tracing logs at this level.
	Debug = Level(1)
)

// String returns the string representation of the level l.
func (l Level) String() string {
	switch l {
	case Off:
		return "off"
	case Error:
		return "error"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		if l < 0 {
			panic("invalid log level")
		}
		return fmt.Sprintf("debug%d", l)
	}
}

// Print formats a message in the manner of fmt.Sprint and outputs it
// at level l to the current outputter.
func (l Level) Print(v ...interface{}) {
	if At(l) {
		_ = out.Output(2, l, fmt.Sprint(v...))
	}
}

// Printf formats a message in the manner of fmt.Sprintf and outputs
// it at level l to the current outputter.
func (l Level) Printf(format string, v ...interface{}) {
	if At(l) {
		_ = out.Output(2, l, fmt.Sprintf(format, v...))
	}
}

// Printf formats a message in the manner of fmt.Sprintf and outputs
// it at the Info level to the current outputter.
func Printf(format string, v ...interface{}) {
	if At(Info) {
		_ = out.Output(2, Info, fmt.Sprintf(format, v...))
	}
}

var golevel = Info

// SetLevel sets the log level for the default Go-log-backed
// outputter. It should be called once, before any logging activity.
func SetLevel(level Level) {
	golevel = level
}

type gologOutputter struct{}

func (gologOutputter) Level() Level { return golevel }

func (gologOutputter) Output(calldepth int, level Level, s string) error {
	if golevel < level {
		return nil
	}
	return golog.Output(calldepth+1, s)
}
