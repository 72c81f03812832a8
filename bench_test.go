// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package tracebench

import (
	"testing"
	"time"
)

func TestBenchCountingRun(t *testing.T) {
	base := DefaultRegistry().RegisteredOps()
	cfg := DefaultConfig
	cfg.NCalls = 1000
	cfg.NOpsRelevant = 1
	cfg.NOpsIrrelevant = 0
	cfg.CheckCount = true
	cfg.Persist = false

	b := NewBench(nil, &cfg)
	if err := b.Init(); err != ErrBenchDone {
		t.Fatalf("Init() = %v, expected ErrBenchDone\n", err)
	}
	rep := b.Report()
	if rep.Calls != 1000 {
		t.Errorf("report calls %d, expected 1000\n", rep.Calls)
	}
	if rep.Elapsed <= 0 {
		t.Errorf("non-positive elapsed time %s\n", rep.Elapsed)
	}
	if rep.PerCall < 0 {
		t.Errorf("negative per-call time %s\n", rep.PerCall)
	}
	if rep.RelevantMismatch != 0 || rep.IrrelevantMismatch != 0 {
		t.Errorf("count mismatches %d/%d, expected 0/0\n",
			rep.RelevantMismatch, rep.IrrelevantMismatch)
	}
	rel, irr := b.SetupResults()
	if len(rel) != 1 || len(irr) != 0 {
		t.Errorf("setup results %d/%d, expected 1/0\n",
			len(rel), len(irr))
	}
	if len(rel) == 1 && !rel[0].Ok() {
		t.Errorf("relevant op setup failed: %v/%v\n",
			rel[0].FilterErr, rel[0].RegErr)
	}
	if got := DefaultRegistry().RegisteredOps(); got != base {
		t.Errorf("%d ops left registered, expected %d\n", got, base)
	}
}

func TestBenchZeroOpsStillTimed(t *testing.T) {
	cfg := DefaultConfig
	cfg.NCalls = 1000
	cfg.NOpsRelevant = 0
	cfg.NOpsIrrelevant = 0
	cfg.CheckCount = true

	b := NewBench(nil, &cfg)
	if err := b.Init(); err != ErrBenchDone {
		t.Fatalf("Init() = %v, expected ErrBenchDone\n", err)
	}
	rep := b.Report()
	if rep.Calls != 1000 || rep.Elapsed <= 0 {
		t.Errorf("bad report with 0 ops: %+v\n", rep)
	}
	if rep.RelevantMismatch != 0 || rep.IrrelevantMismatch != 0 {
		t.Errorf("mismatches possible with 0 records: %d/%d\n",
			rep.RelevantMismatch, rep.IrrelevantMismatch)
	}
}

func TestBenchZeroCalls(t *testing.T) {
	cfg := DefaultConfig
	cfg.NCalls = 0
	cfg.NOpsRelevant = 2
	cfg.CheckCount = true

	b := NewBench(nil, &cfg)
	if err := b.Init(); err != ErrBenchDone {
		t.Fatalf("Init() = %v, expected ErrBenchDone\n", err)
	}
	rep := b.Report()
	if rep.PerCall != 0 {
		t.Errorf("per-call time %s with 0 calls, expected 0\n",
			rep.PerCall)
	}
	if rep.RelevantMismatch != 0 {
		t.Errorf("%d mismatches, records should have counted 0 hits\n",
			rep.RelevantMismatch)
	}
}

func TestBenchIrrelevantPressure(t *testing.T) {
	base := DefaultRegistry().RegisteredOps()
	cfg := DefaultConfig
	cfg.NCalls = 500
	cfg.NOpsRelevant = 2
	cfg.NOpsIrrelevant = 3
	cfg.CheckCount = true

	b := NewBench(nil, &cfg)
	if err := b.Init(); err != ErrBenchDone {
		t.Fatalf("Init() = %v, expected ErrBenchDone\n", err)
	}
	rep := b.Report()
	// the irrelevant tracee is never called: any hit on its ops means
	// broken filtering
	if rep.RelevantMismatch != 0 || rep.IrrelevantMismatch != 0 {
		t.Errorf("count mismatches %d/%d, expected 0/0\n",
			rep.RelevantMismatch, rep.IrrelevantMismatch)
	}
	if got := DefaultRegistry().RegisteredOps(); got != base {
		t.Errorf("%d ops left registered, expected %d\n", got, base)
	}
}

func TestBenchPersist(t *testing.T) {
	base := DefaultRegistry().RegisteredOps()
	cfg := DefaultConfig
	cfg.NCalls = 100
	cfg.NOpsRelevant = 2
	cfg.NOpsIrrelevant = 1
	cfg.CheckCount = true
	cfg.Persist = true
	cfg.StatsIntvl = 0 // no periodic report in this test

	b := NewBench(nil, &cfg)
	if err := b.Init(); err != nil {
		t.Fatalf("persist Init() = %v, expected nil\n", err)
	}
	if got := DefaultRegistry().RegisteredOps(); got != base+3 {
		t.Errorf("%d ops registered while resident, expected %d\n",
			got, base+3)
	}
	// re-running a used session must fail without touching anything
	if err := b.Init(); err != ErrBenchActive {
		t.Errorf("second Init() = %v, expected ErrBenchActive\n", err)
	}

	b.Shutdown()
	if got := DefaultRegistry().RegisteredOps(); got != base {
		t.Errorf("%d ops left after Shutdown, expected %d\n", got, base)
	}
	// unload must be idempotent
	b.Shutdown()
	if got := DefaultRegistry().RegisteredOps(); got != base {
		t.Errorf("%d ops after double Shutdown, expected %d\n", got, base)
	}
}

func TestBenchPersistStatsTimer(t *testing.T) {
	base := DefaultRegistry().RegisteredOps()
	cfg := DefaultConfig
	cfg.NCalls = 10
	cfg.NOpsRelevant = 1
	cfg.Persist = true
	cfg.StatsIntvl = 150 * time.Millisecond

	b := NewBench(nil, &cfg)
	if err := b.Init(); err != nil {
		t.Fatalf("persist Init() = %v, expected nil\n", err)
	}
	// let the periodic report fire at least once
	time.Sleep(400 * time.Millisecond)
	b.Shutdown()
	if got := DefaultRegistry().RegisteredOps(); got != base {
		t.Errorf("%d ops left after Shutdown, expected %d\n", got, base)
	}
}

func TestBenchShutdownWithoutInit(t *testing.T) {
	b := NewBench(nil, nil)
	b.Shutdown() // must not fault on a session that never ran
	b.Shutdown()
}

func TestBenchSaveRegsFallback(t *testing.T) {
	f := newFakeFacility() // does not support saving registers
	cfg := DefaultConfig
	cfg.NCalls = 10
	cfg.NOpsRelevant = 1
	cfg.SaveRegs = true
	cfg.AssistRecursion = true

	b := NewBench(f, &cfg)
	if err := b.Init(); err != ErrBenchDone {
		t.Fatalf("Init() = %v, expected ErrBenchDone\n", err)
	}
	if b.EffectiveFlags().Test(FSaveRegs) {
		t.Errorf("FSaveRegs kept on a facility without support\n")
	}
	if !b.EffectiveFlags().Test(FRecursion) {
		t.Errorf("FRecursion dropped from the effective flags\n")
	}
}

func TestBenchSaveRegsKept(t *testing.T) {
	f := newFakeFacility()
	f.saveRegs = true
	cfg := DefaultConfig
	cfg.NCalls = 10
	cfg.NOpsRelevant = 1
	cfg.SaveRegs = true

	b := NewBench(f, &cfg)
	if err := b.Init(); err != ErrBenchDone {
		t.Fatalf("Init() = %v, expected ErrBenchDone\n", err)
	}
	if !b.EffectiveFlags().Test(FSaveRegs) {
		t.Errorf("FSaveRegs dropped on a supporting facility\n")
	}
}

func TestBenchRegistrationFailuresTolerated(t *testing.T) {
	f := newFakeFacility()
	f.failReg = true
	cfg := DefaultConfig
	cfg.NCalls = 100
	cfg.NOpsRelevant = 2

	b := NewBench(f, &cfg)
	// the run must complete and report timing despite the failed setup
	if err := b.Init(); err != ErrBenchDone {
		t.Fatalf("Init() = %v, expected ErrBenchDone\n", err)
	}
	rep := b.Report()
	if rep.Calls != 100 || rep.Elapsed <= 0 {
		t.Errorf("degraded run lost its timing report: %+v\n", rep)
	}
	rel, _ := b.SetupResults()
	if len(rel) != 2 {
		t.Fatalf("setup results %d, expected 2\n", len(rel))
	}
	for i := range rel {
		if rel[i].RegErr == nil {
			t.Errorf("op %d: expected a registration error\n", i)
		}
	}
}

func benchmarkCalls(b *testing.B, nops uint, fn OpFunc, flags OpFlags) {
	r := DefaultRegistry()
	ops, _ := opsAllocInit(r, traceeRelevantIP, fn, flags, nops)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		TraceeRelevant()
	}
	b.StopTimer()
	opsDestroy(r, ops)
}

func BenchmarkTraceeCall(b *testing.B) {
	b.Run("no_ops", func(b *testing.B) {
		benchmarkCalls(b, 0, OpFuncNop, 0)
	})
	b.Run("1_nop_op", func(b *testing.B) {
		benchmarkCalls(b, 1, OpFuncNop, 0)
	})
	b.Run("1_count_op", func(b *testing.B) {
		benchmarkCalls(b, 1, OpFuncCount, 0)
	})
	b.Run("1_save_regs_op", func(b *testing.B) {
		benchmarkCalls(b, 1, OpFuncNop, FSaveRegs)
	})
	b.Run("8_nop_ops", func(b *testing.B) {
		benchmarkCalls(b, 8, OpFuncNop, 0)
	})
}
