// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package tracebench

import (
	"strings"

	"github.com/intuitivelabs/bytescase"
)

// OpFlags is the behaviour flags bitset of an op registration.
type OpFlags uint32

const (
	// save the full register set on every dispatch (more expensive,
	// not supported on every arch)
	FSaveRegs OpFlags = 1 << iota
	// ask the registry for recursion protection around the hook
	FRecursion
	// ask the registry for read-side protection around the hook
	FRCU
	opFlagsEnd
)

// all the valid flags or-ed together
const OpFlagsMask = opFlagsEnd - 1

var opFlagNames = [...]string{
	"save_regs",
	"recursion",
	"rcu",
}

// returns previous value
func (f *OpFlags) Set(v OpFlags) bool {
	ret := (*f & v) != 0
	*f |= v
	return ret
}

// returns previous value
func (f *OpFlags) Clear(v OpFlags) bool {
	ret := (*f & v) != 0
	*f &^= v
	return ret
}

func (f OpFlags) Test(v OpFlags) bool {
	return (f & v) != 0
}

func (f OpFlags) String() string {
	if f == 0 {
		return "none"
	}
	var b strings.Builder
	for i := 0; i < len(opFlagNames); i++ {
		if f&(1<<uint(i)) != 0 {
			if b.Len() != 0 {
				b.WriteByte('|')
			}
			b.WriteString(opFlagNames[i])
		}
	}
	return b.String()
}

// ParseOpFlags converts a comma or '|' separated case-insensitive flag
// name list (e.g. "save_regs,rcu") into an OpFlags value.
// Empty entries and the empty string are allowed (no flags).
// It returns the parsed flags and true on success or the flags parsed so
// far and false on the first unknown name.
func ParseOpFlags(s string) (OpFlags, bool) {
	var flags OpFlags
	for len(s) > 0 {
		i := strings.IndexAny(s, ",|")
		var tok string
		if i >= 0 {
			tok, s = s[:i], s[i+1:]
		} else {
			tok, s = s, ""
		}
		tok = strings.TrimSpace(tok)
		if len(tok) == 0 {
			continue
		}
		found := false
		for n := 0; n < len(opFlagNames); n++ {
			if bytescase.CmpEq([]byte(tok), []byte(opFlagNames[n])) {
				flags |= 1 << uint(n)
				found = true
				break
			}
		}
		if !found {
			return flags, false
		}
	}
	return flags, true
}
