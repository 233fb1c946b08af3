// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package dispatch

import (
	"os"

	"github.com/intuitivelabs/slog"
)

const NAME = "dispatch"

// Log is the package logger. Configure its level with slog.SetLevel(&Log, ...).
var Log slog.Log

func init() {
	Log.Init(NAME)
}

// DBGon returns true if debug-level logging is enabled.
func DBGon() bool { return Log.DBGon() }

// WARNon returns true if warning-level logging is enabled.
func WARNon() bool { return Log.WARNon() }

// ERRon returns true if error-level logging is enabled.
func ERRon() bool { return Log.ERRon() }

// DBG logs a debug message.
func DBG(f string, a ...interface{}) { Log.DBG(f, a...) }

// WARN logs a warning message.
func WARN(f string, a ...interface{}) { Log.WARN(f, a...) }

// ERR logs an error message.
func ERR(f string, a ...interface{}) { Log.ERR(f, a...) }

// BUG logs an internal consistency error: something the code assumed could
// never happen did.
func BUG(f string, a ...interface{}) { Log.BUG(f, a...) }

// PANIC logs a fatal internal error and aborts the process.
func PANIC(f string, a ...interface{}) {
	Log.PANIC(f, a...)
	os.Exit(1)
}
