// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package tracebench

import (
	"errors"
)

var errFakeReg = errors.New("fake registration failure")
var errFakeFilter = errors.New("fake filter failure")

// fakeFacility is a test stand-in for the hook registry: it records the
// calls it gets and can be told to fail them. It never dispatches
// anything (the tracees always dispatch through the default registry).
type fakeFacility struct {
	saveRegs   bool
	failReg    bool
	failFilter bool

	regd         map[*Op]bool
	freedFilters int
	unregErrs    int
}

func newFakeFacility() *fakeFacility {
	return &fakeFacility{regd: make(map[*Op]bool)}
}

func (f *fakeFacility) Register(op *Op) error {
	if f.failReg {
		return errFakeReg
	}
	f.regd[op] = true
	return nil
}

func (f *fakeFacility) Unregister(op *Op) error {
	if !f.regd[op] {
		f.unregErrs++
		return ErrOpNotRegistered
	}
	delete(f.regd, op)
	return nil
}

func (f *fakeFacility) SetFilterIP(op *Op, ip uintptr) error {
	if f.failFilter {
		return errFakeFilter
	}
	op.filterIP = ip
	return nil
}

func (f *fakeFacility) FreeFilter(op *Op) {
	op.filterIP = 0
	f.freedFilters++
}

func (f *fakeFacility) HasSaveRegs() bool {
	return f.saveRegs
}

func (f *fakeFacility) RegisteredOps() int {
	return len(f.regd)
}
