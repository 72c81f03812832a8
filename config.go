// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package tracebench

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// debugging flags
type DbgFlags uint

const (
	DbgFAllocs DbgFlags = 1 << iota
	DbgFRegistry
	DbgFTimers
)

type MemConfig struct {
	// maximum total memory used for op record arrays (0 == no limit)
	MaxOpsMem uint
}

// Config holds the benchmark configuration. It is read at Init() time
// and must not be changed while a Bench is running.
type Config struct {
	// how many times to call the relevant tracee in the timed loop.
	// Arbitrary large default, chosen to be sufficiently large to
	// minimize noise but sufficiently small to complete quickly.
	NCalls uint

	// how many op records to attach to the relevant tracee.
	// The number of ops associated with a call site affects whether the
	// hook can be dispatched directly or has to go through the generic
	// list walk, which can be significantly more expensive.
	NOpsRelevant uint

	// how many op records to attach to the irrelevant tracee (never
	// called by the timed loop, used only to create shared dispatch
	// pressure).
	NOpsIrrelevant uint

	SaveRegs        bool // request register saving on dispatch
	AssistRecursion bool // request recursion protection from the registry
	AssistRCU       bool // request read-side protection from the registry

	// use the counting hook instead of the no-op one and verify the
	// per-record invocation counts after the timed loop.
	CheckCount bool

	// keep the ops registered after a successful run, for external
	// inspection, until Shutdown() is called.
	Persist bool

	// period of the persist mode stats report (0 == no periodic report)
	StatsIntvl time.Duration

	Mem MemConfig
	Dbg DbgFlags // extra debugging checks/messages
}

var DefaultConfig = Config{
	NCalls:       100000,
	NOpsRelevant: 1,
	StatsIntvl:   10 * time.Second,
}

var crtCfg unsafe.Pointer // *Config, set atomically

// GetCfg returns the current config.
// The returned value must be treated as read-only.
func GetCfg() *Config {
	return (*Config)(atomic.LoadPointer(&crtCfg))
}

// SetCfg atomically replaces the current config.
// The config pointed by cfg must not be changed after the SetCfg() call
// (copy it before if needed).
func SetCfg(cfg *Config) {
	atomic.StorePointer(&crtCfg, unsafe.Pointer(cfg))
}

func init() {
	cfg := DefaultConfig
	SetCfg(&cfg)
}
