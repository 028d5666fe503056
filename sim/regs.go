// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"fmt"
	"strings"
	"sync"
)

// Access represents a register access.
type Access struct {
	Write bool
	Addr  uint32
	Val   uint32
}

func (a Access) String() string {
	op := "R"

	if a.Write {
		op = "W"
	}

	return fmt.Sprintf("%s %#.8x %#.8x", op, a.Addr, a.Val)
}

// Registers represents a set of 32-bit registers which record every access.
type Registers struct {
	sync.Mutex

	// Values holds the current register values, unset registers read as
	// zero.
	Values map[uint32]uint32
	// Log holds every access in order
	Log []Access
	// FaultAt makes any access to this register fail
	FaultAt *uint32
}

// Read implements rproc.Registers.
func (r *Registers) Read(addr uint32) (val uint32, err error) {
	r.Lock()
	defer r.Unlock()

	if r.FaultAt != nil && *r.FaultAt == addr {
		return 0, fmt.Errorf("%w reading %#x", ErrFault, addr)
	}

	val = r.Values[addr]
	r.Log = append(r.Log, Access{Addr: addr, Val: val})

	return
}

// Write implements rproc.Registers.
func (r *Registers) Write(addr uint32, val uint32) error {
	r.Lock()
	defer r.Unlock()

	if r.FaultAt != nil && *r.FaultAt == addr {
		return fmt.Errorf("%w writing %#x", ErrFault, addr)
	}

	if r.Values == nil {
		r.Values = make(map[uint32]uint32)
	}

	r.Values[addr] = val
	r.Log = append(r.Log, Access{Write: true, Addr: addr, Val: val})

	return nil
}

// Writes returns the recorded register writes.
func (r *Registers) Writes() (w []Access) {
	r.Lock()
	defer r.Unlock()

	for _, a := range r.Log {
		if a.Write {
			w = append(w, a)
		}
	}

	return
}

// Trace returns the access log in textual format.
func (r *Registers) Trace() string {
	r.Lock()
	defer r.Unlock()

	var s strings.Builder

	for _, a := range r.Log {
		s.WriteString(a.String())
		s.WriteString("\n")
	}

	return s.String()
}
