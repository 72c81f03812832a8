// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package tracebench

import (
	"errors"
	"sync"
	"time"

	"github.com/intuitivelabs/timestamp"
	"github.com/intuitivelabs/wtimer"
)

// ErrBenchDone is returned by Bench.Init() on the normal (non-persist)
// success path: the benchmark completed and nothing was left registered,
// so there is no reason for the loader to keep the module around.
// It is a policy decision communicated through the error channel, not a
// failure.
var ErrBenchDone = errors.New("tracebench: run complete, nothing left registered")

// ErrBenchActive is returned by Init() if the session was already run.
var ErrBenchActive = errors.New("tracebench: session already used")

// Report holds the measurement results of one run.
type Report struct {
	Calls   uint          // timed loop iterations
	Elapsed time.Duration // total timed loop duration
	PerCall time.Duration // Elapsed / Calls (0 if Calls == 0)

	// count mismatches found at validation (counting mode only)
	RelevantMismatch   int
	IrrelevantMismatch int
}

type benchState int

const (
	benchNew      benchState = iota
	benchRunning             // Init() in progress
	benchResident            // run done, ops left registered (persist)
	benchDone                // run done, everything torn down
)

// Bench is one benchmark session: it owns the op record arrays of both
// tracees from Init() until teardown (end of a non-persist Init() or
// Shutdown(), whichever comes first).
type Bench struct {
	cfg Config
	f   Facility

	flags OpFlags // effective registration flags

	opsRelevant   []SampleOp
	opsIrrelevant []SampleOp
	resRelevant   []OpResult
	resIrrelevant []OpResult

	report Report

	lock  sync.Mutex // protects state & stats timer arming
	state benchState

	statsTimer wtimer.TimerLnk
	timerOn    bool
}

// NewBench creates a benchmark session dispatching through f and using
// the given config. A nil f means the default registry; a nil cfg means
// a snapshot of the current config (GetCfg()).
func NewBench(f Facility, cfg *Config) *Bench {
	if f == nil {
		f = defaultReg
	}
	if cfg == nil {
		cfg = GetCfg()
	}
	return &Bench{cfg: *cfg, f: f}
}

// Report returns the results of the run (valid after Init()).
func (b *Bench) Report() Report {
	return b.report
}

// EffectiveFlags returns the registration flags actually used by the
// run, after any unsupported capability fallback.
func (b *Bench) EffectiveFlags() OpFlags {
	return b.flags
}

// SetupResults returns the per-record setup outcomes for the relevant
// and the irrelevant tracee.
func (b *Bench) SetupResults() (relevant, irrelevant []OpResult) {
	return b.resRelevant, b.resIrrelevant
}

// Init runs the whole benchmark: registers the configured ops on both
// tracees, times NCalls calls to the relevant tracee, validates the
// invocation counters (counting mode), reports and finally either tears
// everything down (returning ErrBenchDone) or, in persist mode, leaves
// the ops registered for external inspection and returns nil.
// All partial setup failures are logged and the run continues: the
// timing number is reported even if the setup or the validation was
// degraded (timing and correctness checking are independent concerns).
func (b *Bench) Init() error {
	b.lock.Lock()
	if b.state != benchNew {
		b.lock.Unlock()
		return ErrBenchActive
	}
	b.state = benchRunning
	b.lock.Unlock()
	cfg := &b.cfg
	benchCnts.grp.Inc(benchCnts.hRuns)

	// resolve the effective flags from the config
	var flags OpFlags
	if cfg.SaveRegs {
		if !b.f.HasSaveRegs() {
			Log.INFO("saving registers is not supported here," +
				" continuing without it\n")
		} else {
			flags.Set(FSaveRegs)
		}
	}
	if cfg.AssistRecursion {
		flags.Set(FRecursion)
	}
	if cfg.AssistRCU {
		flags.Set(FRCU)
	}
	b.flags = flags

	// trivial immediate-return hook by default, counting hook only if a
	// consistency check was requested
	hook := OpFunc(OpFuncNop)
	if cfg.CheckCount {
		hook = OpFuncCount
	}

	Log.INFO("registering:\n"+
		"  relevant ops: %d\n"+
		"    tracee: %x\n"+
		"  irrelevant ops: %d\n"+
		"    tracee: %x\n"+
		"  flags: %s\n"+
		"  check counts: %v\n"+
		"  persist: %v\n",
		cfg.NOpsRelevant, traceeRelevantIP,
		cfg.NOpsIrrelevant, traceeIrrelevantIP,
		flags, cfg.CheckCount, cfg.Persist)

	b.opsRelevant, b.resRelevant = opsAllocInit(b.f, traceeRelevantIP,
		hook, flags, cfg.NOpsRelevant)
	b.opsIrrelevant, b.resIrrelevant = opsAllocInit(b.f, traceeIrrelevantIP,
		hook, flags, cfg.NOpsIrrelevant)

	// the timed section: nothing but the call loop between the two
	// timestamps (no logging, no allocations)
	start := timestamp.Now()
	for i := uint(0); i < cfg.NCalls; i++ {
		TraceeRelevant()
	}
	end := timestamp.Now()

	if cfg.CheckCount {
		// the irrelevant tracee is never called: its ops must have
		// stayed at 0 or the dispatch filtering is broken
		b.report.RelevantMismatch = opsCheck(b.opsRelevant,
			uint64(cfg.NCalls))
		b.report.IrrelevantMismatch = opsCheck(b.opsIrrelevant, 0)
	}

	elapsed := end.Sub(start)
	b.report.Calls = cfg.NCalls
	b.report.Elapsed = elapsed
	b.report.PerCall = 0
	if cfg.NCalls > 0 {
		b.report.PerCall = elapsed / time.Duration(cfg.NCalls)
	}
	Log.INFO("attempted %d calls to the relevant tracee"+
		" in %d ns (%d ns / call)\n",
		cfg.NCalls, elapsed.Nanoseconds(), b.report.PerCall.Nanoseconds())

	b.lock.Lock()
	defer b.lock.Unlock()
	if cfg.Persist {
		b.state = benchResident
		b.startStatsTimer()
		return nil
	}
	b.teardown()
	b.state = benchDone
	return ErrBenchDone
}

// Shutdown is the unload hook: it always tears down whatever
// registration state is left, independent of how Init() completed.
// Safe to call multiple times and on sessions that never ran.
func (b *Bench) Shutdown() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.stopStatsTimer()
	b.teardown()
	b.state = benchDone
}

// teardown destroys both targets' record arrays (nil-tolerant, so it is
// safe on partially set-up or already torn-down sessions).
// Must be called with b.lock held.
func (b *Bench) teardown() {
	if r, ok := b.f.(*HookRegistry); ok {
		// stop dispatching read-side protected ops while tearing down
		r.EnterGrace()
		defer r.LeaveGrace()
	}
	// the setup results are kept (only the record arrays go away)
	opsDestroy(b.f, b.opsRelevant)
	b.opsRelevant = nil
	opsDestroy(b.f, b.opsIrrelevant)
	b.opsIrrelevant = nil
}

// persist mode periodic stats report

// timer wheel, started lazily on the first persisting session
var timers wtimer.WTimer
var timersOnce sync.Once

const timersFlags = 0
const timerTick = 100 * time.Millisecond // timer tick length

func initTimers() {
	timersOnce.Do(func() {
		if err := timers.Init(timerTick); err != nil {
			Log.PANIC("timers init failed: %s\n", err)
		}
		timers.Start()
	})
}

// must be called with b.lock held
func (b *Bench) startStatsTimer() {
	if b.cfg.StatsIntvl <= 0 {
		return
	}
	initTimers()
	if err := timers.InitTimer(&b.statsTimer, timersFlags); err != nil {
		ERR("stats timer init failed: %s\n", err)
		return
	}
	if err := timers.Add(&b.statsTimer, b.cfg.StatsIntvl,
		benchStatsTimer, b); err != nil {
		ERR("stats timer add failed: %s\n", err)
		return
	}
	b.timerOn = true
	if b.cfg.Dbg&DbgFTimers != 0 {
		DBG("stats timer for %p armed, interval %s\n", b, b.cfg.StatsIntvl)
	}
}

// must be called with b.lock held
func (b *Bench) stopStatsTimer() {
	if !b.timerOn {
		return
	}
	ok, err := timers.DelTry(&b.statsTimer)
	if err != nil {
		ERR("stats timer del for %p returned %v, %q\n", b, ok, err)
	}
	if !ok {
		// the handler is running right now, wait it out (it never
		// takes b.lock, so no deadlock here)
		timers.DelWait(&b.statsTimer)
	}
	b.timerOn = false
}

// benchStatsTimer periodically reports the resident session state.
// It must be of the wtimer.TimerHandleF type, since it is registered as
// a callback for a wtimer timer. Returns true and the next interval to
// keep the timer running.
func benchStatsTimer(wt *wtimer.WTimer, h *wtimer.TimerLnk,
	param interface{}) (bool, time.Duration) {
	b := param.(*Bench)
	b.logStats()
	return true, b.cfg.StatsIntvl
}

// logStats dumps the resident session state. Reads are deliberately
// unsynchronized (report only).
func (b *Bench) logStats() {
	var hits uint64
	for i := 0; i < len(b.opsRelevant); i++ {
		hits += b.opsRelevant[i].count
	}
	Log.INFO("resident: %d ops registered, %d relevant hits,"+
		" %d bytes op memory\n",
		b.f.RegisteredOps(), hits, OpsAllocStats.TotalSize.Get())
}
