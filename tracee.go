// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package tracebench

import (
	"reflect"
	"sync/atomic"
)

// The tracees are the hookable call targets of the benchmark.
// They must stay out-of-line, independently addressable and callable
// (hence the //go:noinline marks) so that the registry can identify them
// by address and the timed loop measures a real call every iteration.

var barrierSink uint32

// barrier keeps the otherwise empty tracee bodies from being treated as
// side-effect free (the atomic load cannot be elided).
func barrier() {
	atomic.LoadUint32(&barrierSink)
}

// TraceeRelevant is the target called by the timed loop.
//
//go:noinline
func TraceeRelevant() {
	defaultReg.dispatch(traceeRelevantIP)
	barrier()
}

// TraceeIrrelevant is never called by the timed loop. Ops attached to it
// exist only to create shared dispatch pressure on the registry.
//
//go:noinline
func TraceeIrrelevant() {
	defaultReg.dispatch(traceeIrrelevantIP)
	barrier()
}

// FuncIP returns the entry address of fn, usable as a registry filter or
// hook site address. fn must be a func value.
func FuncIP(fn interface{}) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// entry addresses of the two tracees, resolved once at init time
var (
	traceeRelevantIP   uintptr
	traceeIrrelevantIP uintptr
)

func init() {
	traceeRelevantIP = FuncIP(TraceeRelevant)
	traceeIrrelevantIP = FuncIP(TraceeIrrelevant)
	defaultReg.addSite(traceeRelevantIP, "TraceeRelevant")
	defaultReg.addSite(traceeIrrelevantIP, "TraceeIrrelevant")
}
