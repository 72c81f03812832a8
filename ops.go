// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package tracebench

import (
	"unsafe"

	"github.com/intuitivelabs/counters"
)

// SampleOp bundles one op registration descriptor with its invocation
// counter. Arrays of SampleOp are always allocated contiguously with
// AllocOps() (one array per tracee).
//
// The counter is intentionally not atomic: each record is incremented
// only from its own hook and possible lost updates from concurrent
// external callers of the tracees count as measurement noise.
type SampleOp struct {
	op    Op // must stay first: the counting hook casts the *Op back
	count uint64
}

// Count returns the number of recorded hook invocations.
func (s *SampleOp) Count() uint64 {
	return s.count
}

// OpFuncNop is the default benchmark hook: immediate return, to
// minimize the overhead added on top of the dispatch itself.
func OpFuncNop(ip, parentIP uintptr, op *Op, regs *Regs) {
	// do nothing
}

// OpFuncCount counts every invocation in the op's own record, for
// consistency checking.
func OpFuncCount(ip, parentIP uintptr, op *Op, regs *Regs) {
	self := (*SampleOp)(unsafe.Pointer(op))
	self.count++
}

// OpResult is the structured per-record setup outcome: the registration
// loops log failures and continue, but keep the errors here so that the
// caller (and the tests) can look at them afterwards.
type OpResult struct {
	FilterErr error
	RegErr    error
}

// Ok returns true if the record was restricted and registered cleanly.
func (r OpResult) Ok() bool {
	return r.FilterErr == nil && r.RegErr == nil
}

// benchmark counters
type benchStatsT struct {
	grp *counters.Group

	hRuns       counters.Handle
	hAllocFail  counters.Handle
	hFilterFail counters.Handle
	hRegFail    counters.Handle
	hUnregFail  counters.Handle
	hMismatch   counters.Handle
}

var benchCnts = newBenchStats()

func newBenchStats() *benchStatsT {
	var s benchStatsT
	cntDefs := [...]counters.Def{
		{H: &s.hRuns, Name: "runs",
			Desc: "total benchmark runs"},
		{H: &s.hAllocFail, Name: "fail_alloc",
			Desc: "op record array allocation failures"},
		{H: &s.hFilterFail, Name: "fail_filter",
			Desc: "op filter restriction failures"},
		{H: &s.hRegFail, Name: "fail_reg",
			Desc: "op registration failures"},
		{H: &s.hUnregFail, Name: "fail_unreg",
			Desc: "op unregistration failures"},
		{H: &s.hMismatch, Name: "count_mismatch",
			Desc: "op invocation count mismatches at validation"},
	}
	entries := 20
	if entries < len(cntDefs) {
		entries = len(cntDefs)
	}
	s.grp = counters.NewGroup("tracebench", nil, entries)
	if s.grp == nil {
		s.grp = &counters.Group{}
		s.grp.Init("tracebench", nil, entries)
	}
	if !s.grp.RegisterDefs(cntDefs[:]) {
		Log.PANIC("tracebench: failed to register benchmark counters\n")
	}
	return &s
}

// opsAllocInit allocates n op records, points each of them at fn with
// the given flags, restricts them to the tracee at ip and registers them
// with f.
// Every per-record failure is logged and recorded in the returned result
// slice, but does not abort the rest of the setup (fail loud, continue:
// a partially registered run still produces a useful timing number).
// On allocation failure (or n == 0) it returns nil, nil.
func opsAllocInit(f Facility, ip uintptr, fn OpFunc, flags OpFlags,
	n uint) ([]SampleOp, []OpResult) {

	if n == 0 {
		return nil, nil
	}
	ops := AllocOps(n)
	if ops == nil {
		benchCnts.grp.Inc(benchCnts.hAllocFail)
		WARN("failed to allocate %d op records for tracee at %x\n", n, ip)
		return nil, nil
	}
	res := make([]OpResult, n)
	for i := 0; i < len(ops); i++ {
		ops[i].op.Func = fn
		ops[i].op.Flags = flags
		if err := f.SetFilterIP(&ops[i].op, ip); err != nil {
			res[i].FilterErr = err
			benchCnts.grp.Inc(benchCnts.hFilterFail)
			WARN("op %d: filter restriction to %x failed: %s\n", i, ip, err)
		}
		if err := f.Register(&ops[i].op); err != nil {
			res[i].RegErr = err
			benchCnts.grp.Inc(benchCnts.hRegFail)
			WARN("op %d: registration failed: %s\n", i, err)
		}
	}
	return ops, res
}

// opsDestroy unregisters and releases all the records in ops.
// Unregistration failures (e.g. records whose registration already
// failed during setup) are logged and skipped over: the backing memory
// is always released. Safe to call with a nil/empty array.
func opsDestroy(f Facility, ops []SampleOp) {
	if len(ops) == 0 {
		return
	}
	for i := 0; i < len(ops); i++ {
		if err := f.Unregister(&ops[i].op); err != nil {
			benchCnts.grp.Inc(benchCnts.hUnregFail)
			WARN("op %d: unregister failed: %s\n", i, err)
		}
		f.FreeFilter(&ops[i].op)
	}
	FreeOps(ops)
}

// opsCheck compares each record's invocation counter against expected
// and returns the number of mismatches (also logged, one warning per
// mismatched record). An empty record set trivially passes.
func opsCheck(ops []SampleOp, expected uint64) int {
	mismatches := 0
	for i := 0; i < len(ops); i++ {
		if ops[i].count == expected {
			continue
		}
		mismatches++
		benchCnts.grp.Inc(benchCnts.hMismatch)
		WARN("op %d counter called %d times (expected %d)\n",
			i, ops[i].count, expected)
	}
	return mismatches
}
