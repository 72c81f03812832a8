// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//+build alloc_oneblock

package tracebench

import (
	"sync"
	"unsafe"

	"github.com/intuitivelabs/bytespool"
)

// build type constants
const AllocType = AllocOneBlock        // build time alloc type
const AllocTypeName = "alloc_oneblock" // alloc type as string

// Use different size pools for allocating the record arrays.
// bytespool.Bpool uses one sync.Pool for each distinct memory block size
// (block sizes are always rounded to AllocRoundTo).
var bPool bytespool.Bpool

// blocks currently backing op record arrays. Needed both to find the
// original block on FreeOps() and to keep it referenced while the
// records are only reachable through the unsafe aliased slice.
// NOTE: pointers stored inside the aliased records are not traced by the
// GC through the byte block; the record fields may only point to
// statically reachable data (package level hook functions, registry
// owned ops).
var (
	blocksLock sync.Mutex
	blocks     = make(map[*SampleOp][]byte)
)

func init() {
	BuildTags = append(BuildTags, AllocTypeName)
	// init the bytespool with a minimum size of 0 and a maximum pooled
	// block size of 16kb, in sizes multiple of AllocRoundTo
	if !bPool.Init(0, 16384, AllocRoundTo) {
		Log.PANIC("bytes pool init failed\n")
	}
}

// max records in one array, only used for the unsafe slice cast
const maxOpsRecs = 1 << 20

// AllocOps allocates a contiguous, zero-initialized array of n op
// records inside a single pooled byte block. It might return nil if the
// memory limits are exceeded (n == 0 always returns nil).
func AllocOps(n uint) []SampleOp {
	OpsAllocStats.NewCalls.Inc(1)
	if n == 0 {
		OpsAllocStats.ZeroSize.Inc(1)
		return nil
	}
	if n > maxOpsRecs {
		OpsAllocStats.Failures.Inc(1)
		return nil
	}
	sz := opsArraySize(n, unsafe.Sizeof(SampleOp{}))
	if !opsMemLimit(sz) {
		return nil
	}
	// ignore the bool return for now, we could use it for a
	// pool miss/hit counter
	block, _ := bPool.Get(int(sz), true)
	if block == nil {
		OpsAllocStats.Failures.Inc(1)
		OpsAllocStats.TotalSize.Dec(sz)
		return nil
	}
	ops := (*[maxOpsRecs]SampleOp)(unsafe.Pointer(&block[0]))[:n:n]
	blocksLock.Lock()
	blocks[&ops[0]] = block
	blocksLock.Unlock()
	return ops
}

// FreeOps releases an array allocated with AllocOps, returning the
// backing block to the pool. Safe to call with a nil/empty array.
func FreeOps(ops []SampleOp) {
	OpsAllocStats.FreeCalls.Inc(1)
	if len(ops) == 0 {
		return
	}
	blocksLock.Lock()
	block, ok := blocks[&ops[0]]
	delete(blocks, &ops[0])
	blocksLock.Unlock()
	if !ok {
		Log.PANIC("FreeOps called with an array not allocated"+
			" with AllocOps: %p (%d records)\n", &ops[0], len(ops))
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
	// put it back in the pool (ignore return, false if size too big)
	bPool.Put(block)
}
