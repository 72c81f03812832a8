// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package tracebench

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/intuitivelabs/counters"
)

// Regs is a best-effort snapshot of the dispatch context. It is filled
// and passed to the hook only for ops registered with FSaveRegs
// (for all the other ops the hook receives nil).
type Regs struct {
	IP       uintptr
	ParentIP uintptr
}

// OpFunc is the hook function type: called with the address of the hit
// site, the parent address (0 if not available), the op that matched and
// the saved registers (nil unless the op was registered with FSaveRegs).
type OpFunc func(ip, parentIP uintptr, op *Op, regs *Regs)

// Op is one hook registration descriptor.
// Func and Flags must be filled before Register() and must not be
// changed while the op is registered. The rest of the fields belong to
// the registry.
type Op struct {
	Func  OpFunc
	Flags OpFlags

	filterIP   uintptr        // 0 == match every site
	next       unsafe.Pointer // *Op, next registered op, atomic
	registered bool           // under the registry lock
	busy       int32          // recursion guard, used only with FRecursion
}

// nextOp returns the next op in the registered list (dispatch-safe).
func (op *Op) nextOp() *Op {
	return (*Op)(atomic.LoadPointer(&op.next))
}

var (
	ErrOpRegistered    = errors.New("op already registered")
	ErrOpNotRegistered = errors.New("op not registered")
	ErrUnknownSite     = errors.New("address is not a known hook site")
	ErrNilOpFunc       = errors.New("op has no hook function")
)

// Facility is the hook registration capability set consumed by the
// benchmark. It is implemented by HookRegistry; tests may substitute
// their own (e.g. to exercise the save-regs fallback).
type Facility interface {
	// Register makes op eligible for dispatch on matching sites.
	Register(op *Op) error
	// Unregister removes op from dispatch. After it returns the op's
	// hook will not be called again.
	Unregister(op *Op) error
	// SetFilterIP restricts op (before registration) to a single site.
	SetFilterIP(op *Op, ip uintptr) error
	// FreeFilter releases any filter resource attached to op.
	FreeFilter(op *Op)
	// HasSaveRegs reports whether FSaveRegs is supported.
	HasSaveRegs() bool
	// RegisteredOps returns the number of currently registered ops.
	RegisteredOps() int
}

// hook registry counters
type hookStats struct {
	grp *counters.Group

	hActive counters.Handle // currently registered ops
	hRegs   counters.Handle // total successful registrations
	hUnregs counters.Handle // total successful unregistrations
	hRegErr counters.Handle // failed register/unregister calls
	hFltErr counters.Handle // failed filter restrictions
}

// HookRegistry is the in-process hook facility: it owns the hook sites
// (one per tracee) and the list of registered ops and dispatches site
// hits to the matching hooks.
//
// Dispatch walks the op list without taking any lock (the list head and
// the op link fields are only ever changed with atomic stores, under the
// registry lock), so site hits stay cheap and the timed loop is not
// serialized against registration bookkeeping.
type HookRegistry struct {
	head unsafe.Pointer // *Op, head of the registered ops list, atomic

	lock  sync.Mutex
	sites map[uintptr]string // site address -> name
	nreg  int                // registered ops, under lock

	grace int32 // != 0 while tearing down, skips FRCU ops

	cnts hookStats
}

func newHookRegistry(name string) *HookRegistry {
	r := &HookRegistry{
		sites: make(map[uintptr]string, 8),
	}
	cntDefs := [...]counters.Def{
		{H: &r.cnts.hActive, Flags: counters.CntMaxF, Name: "active",
			Desc: "currently registered ops"},
		{H: &r.cnts.hRegs, Name: "registered",
			Desc: "total successful op registrations"},
		{H: &r.cnts.hUnregs, Name: "unregistered",
			Desc: "total successful op unregistrations"},
		{H: &r.cnts.hRegErr, Name: "reg_fail",
			Desc: "failed register or unregister calls"},
		{H: &r.cnts.hFltErr, Name: "filter_fail",
			Desc: "failed filter restrictions"},
	}
	entries := 20
	if entries < len(cntDefs) {
		entries = len(cntDefs)
	}
	r.cnts.grp = counters.NewGroup(name, nil, entries)
	if r.cnts.grp == nil {
		r.cnts.grp = &counters.Group{}
		r.cnts.grp.Init(name, nil, entries)
	}
	if !r.cnts.grp.RegisterDefs(cntDefs[:]) {
		Log.PANIC("hook registry %q: failed to register counters\n", name)
	}
	return r
}

// the registry used by the tracees' hook sites
// (the tracee sites themselves are added from the tracee init)
var defaultReg = newHookRegistry("hooks")

// DefaultRegistry returns the registry the tracees dispatch through.
func DefaultRegistry() *HookRegistry {
	return defaultReg
}

func (r *HookRegistry) addSite(ip uintptr, name string) {
	r.lock.Lock()
	r.sites[ip] = name
	r.lock.Unlock()
}

// SiteName returns the name of the hook site at ip ("" if unknown).
func (r *HookRegistry) SiteName(ip uintptr) string {
	r.lock.Lock()
	n := r.sites[ip]
	r.lock.Unlock()
	return n
}

// HasSaveRegs reports whether register saving is supported.
// Only the archs on which the dispatch context snapshot is meaningful
// advertise it, everything else falls back to plain dispatch.
func (r *HookRegistry) HasSaveRegs() bool {
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return true
	}
	return false
}

// SetFilterIP restricts op to fire only for the site at ip.
// It must be called before Register() (restricting an already registered
// op is not supported).
func (r *HookRegistry) SetFilterIP(op *Op, ip uintptr) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if op.registered {
		r.cnts.grp.Inc(r.cnts.hFltErr)
		return ErrOpRegistered
	}
	if _, ok := r.sites[ip]; !ok {
		r.cnts.grp.Inc(r.cnts.hFltErr)
		return ErrUnknownSite
	}
	op.filterIP = ip
	return nil
}

// FreeFilter releases op's filter restriction. Safe on ops that never
// had a filter set.
func (r *HookRegistry) FreeFilter(op *Op) {
	r.lock.Lock()
	op.filterIP = 0
	r.lock.Unlock()
}

// Register adds op to the dispatch list. Ops without a filter match
// every site.
func (r *HookRegistry) Register(op *Op) error {
	if op.Func == nil {
		r.cnts.grp.Inc(r.cnts.hRegErr)
		return ErrNilOpFunc
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if op.registered {
		r.cnts.grp.Inc(r.cnts.hRegErr)
		return ErrOpRegistered
	}
	// prepend: the list head change must be atomic (lock-free readers)
	atomic.StorePointer(&op.next, atomic.LoadPointer(&r.head))
	atomic.StorePointer(&r.head, unsafe.Pointer(op))
	op.registered = true
	r.nreg++
	r.cnts.grp.Inc(r.cnts.hRegs)
	r.cnts.grp.Set(r.cnts.hActive, counters.Val(r.nreg))
	if GetCfg().Dbg&DbgFRegistry != 0 {
		DBG("registered op %p (filter %x, flags %s)\n",
			op, op.filterIP, op.Flags)
	}
	return nil
}

// Unregister removes op from the dispatch list.
// A dispatch walk racing the removal may still deliver one last hit to
// the op; the registry gives no stronger guarantee (see the package's
// relaxed counter policy).
func (r *HookRegistry) Unregister(op *Op) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !op.registered {
		r.cnts.grp.Inc(r.cnts.hRegErr)
		return ErrOpNotRegistered
	}
	// unlink with atomic stores, keeping next valid for racing readers
	if (*Op)(atomic.LoadPointer(&r.head)) == op {
		atomic.StorePointer(&r.head, atomic.LoadPointer(&op.next))
	} else {
		prev := (*Op)(atomic.LoadPointer(&r.head))
		for prev != nil && prev.nextOp() != op {
			prev = prev.nextOp()
		}
		if prev == nil {
			// registered set, but not on the list
			BUG("unregister: op %p marked registered but not linked\n", op)
			r.cnts.grp.Inc(r.cnts.hRegErr)
			return ErrOpNotRegistered
		}
		atomic.StorePointer(&prev.next, atomic.LoadPointer(&op.next))
	}
	op.registered = false
	r.nreg--
	r.cnts.grp.Inc(r.cnts.hUnregs)
	r.cnts.grp.Set(r.cnts.hActive, counters.Val(r.nreg))
	if GetCfg().Dbg&DbgFRegistry != 0 {
		DBG("unregistered op %p (filter %x)\n", op, op.filterIP)
	}
	return nil
}

// RegisteredOps returns the number of currently registered ops.
func (r *HookRegistry) RegisteredOps() int {
	r.lock.Lock()
	n := r.nreg
	r.lock.Unlock()
	return n
}

// EnterGrace makes the registry skip all FRCU ops until LeaveGrace.
// Used around teardown phases where read-side protected hooks must not
// run anymore.
func (r *HookRegistry) EnterGrace() {
	atomic.StoreInt32(&r.grace, 1)
}

// LeaveGrace re-enables dispatch of FRCU ops.
func (r *HookRegistry) LeaveGrace() {
	atomic.StoreInt32(&r.grace, 0)
}

// dispatch delivers a site hit to every matching registered op.
// Hot path: no locks, one atomic list head load, no allocations unless
// an op asked for a register snapshot.
func (r *HookRegistry) dispatch(ip uintptr) {
	for op := (*Op)(atomic.LoadPointer(&r.head)); op != nil; op = op.nextOp() {
		if op.filterIP != 0 && op.filterIP != ip {
			continue
		}
		if op.Flags&FRCU != 0 && atomic.LoadInt32(&r.grace) != 0 {
			continue
		}
		if op.Flags&FRecursion != 0 {
			// best-effort self-recursion protection
			if !atomic.CompareAndSwapInt32(&op.busy, 0, 1) {
				continue
			}
		}
		if op.Flags&FSaveRegs != 0 {
			regs := Regs{IP: ip}
			op.Func(ip, 0, op, &regs)
		} else {
			op.Func(ip, 0, op, nil)
		}
		if op.Flags&FRecursion != 0 {
			atomic.StoreInt32(&op.busy, 0)
		}
	}
}
