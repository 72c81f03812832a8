// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//+build !alloc_oneblock

package tracebench

import (
	"unsafe"
)

// build type constants
const AllocType = AllocSimple        // build time alloc type
const AllocTypeName = "alloc_simple" // alloc type as string

func init() {
	BuildTags = append(BuildTags, AllocTypeName)
}

// AllocOps allocates a contiguous, zero-initialized array of n op
// records. It might return nil if the memory limits are exceeded
// (n == 0 always returns nil).
func AllocOps(n uint) []SampleOp {
	OpsAllocStats.NewCalls.Inc(1)
	if n == 0 {
		OpsAllocStats.ZeroSize.Inc(1)
		return nil
	}
	sz := opsArraySize(n, unsafe.Sizeof(SampleOp{}))
	if !opsMemLimit(sz) {
		return nil
	}
	return make([]SampleOp, n)
}

// FreeOps releases an array allocated with AllocOps.
// Safe to call with a nil/empty array.
func FreeOps(ops []SampleOp) {
	OpsAllocStats.FreeCalls.Inc(1)
	if len(ops) == 0 {
		return
	}
	cfg := GetCfg()
	if cfg.Dbg&DbgFAllocs != 0 {
		// DBG: zero it to force crashes on use after free
		for i := 0; i < len(ops); i++ {
			ops[i] = SampleOp{}
		}
	}
	sz := opsArraySize(uint(len(ops)), unsafe.Sizeof(SampleOp{}))
	OpsAllocStats.TotalSize.Dec(sz)
}
