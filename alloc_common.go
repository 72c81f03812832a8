// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package tracebench

// op record array allocation sizes are always rounded up to AllocRoundTo
const AllocRoundTo = 16

// constants for recording the used alloc variant
const (
	AllocSimple   = iota // plain make()-based arrays
	AllocOneBlock        // array carved out of a pooled byte block
)

// each conditional build variant should define
// const AllocType = ...
// const AllocTypeName = "..."

// AllocStats keeps the op record array allocation statistics.
type AllocStats struct {
	TotalSize StatCounter // current total allocated size, in bytes
	NewCalls  StatCounter
	FreeCalls StatCounter
	Failures  StatCounter // limit exceeded or backend alloc failure
	ZeroSize  StatCounter // zero length alloc requests
}

var OpsAllocStats AllocStats

// BuildTags records the conditional compilation variants of this build.
var BuildTags []string

// opsArraySize returns the rounded-up allocation size for n op records.
func opsArraySize(n uint, recSize uintptr) uint {
	totalSize := n * uint(recSize)
	if totalSize == 0 {
		return 0
	}
	return ((totalSize-1)/AllocRoundTo + 1) * AllocRoundTo // round up
}

// opsMemLimit accounts sz bytes against cfg.Mem.MaxOpsMem.
// It returns false (and undoes the accounting) if the limit would be
// exceeded.
func opsMemLimit(sz uint) bool {
	cfg := GetCfg()
	maxMem := cfg.Mem.MaxOpsMem
	if OpsAllocStats.TotalSize.Inc(sz) > uint64(maxMem) && maxMem > 0 {
		// limit exceeded
		OpsAllocStats.TotalSize.Dec(sz)
		OpsAllocStats.Failures.Inc(1)
		return false
	}
	return true
}
