// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package tracebench

import (
	"github.com/intuitivelabs/slog"
)

// Log is the generic tracebench logger.
var Log slog.Log

// quick shorthands, bound to Log at init time
var (
	BUG  func(f string, a ...interface{})
	ERR  func(f string, a ...interface{})
	WARN func(f string, a ...interface{})
	DBG  func(f string, a ...interface{})
)

// WARNon returns true if logging at warning level is enabled.
func WARNon() bool {
	return Log.WARNon()
}

// DBGon returns true if debug logging is enabled.
func DBGon() bool {
	return Log.DBGon()
}

func init() {
	slog.Init(&Log, slog.LNOTICE, slog.LOptNone, slog.LStdErr)
	BUG = Log.BUG
	ERR = Log.ERR
	WARN = Log.WARN
	DBG = Log.DBG
}
