// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package tracebench

import (
	"testing"
)

func TestOpsAllocInitDestroy(t *testing.T) {
	r := DefaultRegistry()
	base := r.RegisteredOps()
	const n = 3
	const calls = 50

	ops, res := opsAllocInit(r, traceeRelevantIP, OpFuncCount, 0, n)
	if len(ops) != n || len(res) != n {
		t.Fatalf("got %d ops / %d results, expected %d\n",
			len(ops), len(res), n)
	}
	for i := 0; i < n; i++ {
		if !res[i].Ok() {
			t.Errorf("op %d setup failed: %v / %v\n",
				i, res[i].FilterErr, res[i].RegErr)
		}
	}
	if got := r.RegisteredOps(); got != base+n {
		t.Errorf("registered ops %d, expected %d\n", got, base+n)
	}

	for i := 0; i < calls; i++ {
		TraceeRelevant()
	}
	if m := opsCheck(ops, calls); m != 0 {
		t.Errorf("%d mismatches, expected 0\n", m)
	}
	// every record must mismatch against a wrong expected value
	if m := opsCheck(ops, calls+1); m != n {
		t.Errorf("%d mismatches against wrong expected, want %d\n", m, n)
	}

	opsDestroy(r, ops)
	if got := r.RegisteredOps(); got != base {
		t.Errorf("registered ops %d after destroy, expected %d\n",
			got, base)
	}
	// no more dispatches after teardown
	TraceeRelevant()
}

func TestOpsZeroRecords(t *testing.T) {
	r := DefaultRegistry()
	ops, res := opsAllocInit(r, traceeRelevantIP, OpFuncCount, 0, 0)
	if ops != nil || res != nil {
		t.Errorf("0 record setup returned %v / %v, expected nil\n",
			ops, res)
	}
	if m := opsCheck(ops, 1000); m != 0 {
		t.Errorf("0 record check reported %d mismatches\n", m)
	}
	// both must be no-ops
	opsDestroy(r, ops)
	opsDestroy(r, nil)
}

func TestOpsDegradedSetupStillTornDown(t *testing.T) {
	f := newFakeFacility()
	f.failReg = true
	ops, res := opsAllocInit(f, traceeRelevantIP, OpFuncNop, 0, 2)
	if len(ops) != 2 {
		t.Fatalf("got %d ops, expected 2\n", len(ops))
	}
	for i := range res {
		if res[i].RegErr == nil {
			t.Errorf("op %d: expected a registration error\n", i)
		}
	}
	// records in a degraded state still go through teardown without
	// faults (the unregister failures are only logged)
	opsDestroy(f, ops)
	if f.RegisteredOps() != 0 {
		t.Errorf("%d ops left on the facility\n", f.RegisteredOps())
	}
	if f.freedFilters != 2 {
		t.Errorf("%d filters freed, expected 2\n", f.freedFilters)
	}
}

func TestOpsFlagsPropagated(t *testing.T) {
	r := DefaultRegistry()
	flags := FRecursion | FRCU
	ops, _ := opsAllocInit(r, traceeIrrelevantIP, OpFuncNop, flags, 2)
	if len(ops) != 2 {
		t.Fatalf("got %d ops, expected 2\n", len(ops))
	}
	for i := range ops {
		if ops[i].op.Flags != flags {
			t.Errorf("op %d flags %s, expected %s\n",
				i, ops[i].op.Flags, flags)
		}
		if ops[i].op.filterIP != traceeIrrelevantIP {
			t.Errorf("op %d filter %x, expected %x\n",
				i, ops[i].op.filterIP, traceeIrrelevantIP)
		}
	}
	opsDestroy(r, ops)
}
