// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package tracebench

import (
	"sync/atomic"
)

// StatCounter is a simple atomic counter, used for internal statistics
// (allocations, registration failures a.s.o.).
type StatCounter uint64

func (c *StatCounter) Inc(v uint) uint64 {
	return atomic.AddUint64((*uint64)(c), uint64(v))
}

func (c *StatCounter) Dec(v uint) uint64 {
	return atomic.AddUint64((*uint64)(c), ^uint64(v-1))
}

func (c *StatCounter) Get() uint64 {
	return atomic.LoadUint64((*uint64)(c))
}

// Reset sets the counter to 0 and returns the previous value.
func (c *StatCounter) Reset() uint64 {
	return atomic.SwapUint64((*uint64)(c), 0)
}
