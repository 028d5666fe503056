// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sim provides an in-memory model of the shared memory, control
// registers and data cache of an auxiliary core, for dry runs and tests.
package sim

import (
	"errors"
	"fmt"
	"sync"
)

// ErrFault is returned by injected faults.
var ErrFault = errors.New("injected fault")

const pageSize = 4096

// Memory represents a sparse byte addressable memory, unwritten bytes read
// as zero.
type Memory struct {
	sync.Mutex

	// Windows optionally restricts accesses to the given [start, end)
	// ranges, any other access faults.
	Windows [][2]uint
	// FaultAt makes any write covering this address fail.
	FaultAt *uint

	pages map[uint][]byte
	// Writes counts Write and Zero invocations
	Writes int
}

func (m *Memory) check(addr uint, size int) error {
	if size < 0 || addr+uint(size) < addr {
		return fmt.Errorf("invalid access %#x (%d bytes)", addr, size)
	}

	if len(m.Windows) == 0 {
		return nil
	}

	for _, w := range m.Windows {
		if addr >= w[0] && addr+uint(size) <= w[1] {
			return nil
		}
	}

	return fmt.Errorf("access %#x-%#x outside memory windows", addr, addr+uint(size))
}

// Check implements rproc.Bounded.
func (m *Memory) Check(addr uint, size int) error {
	m.Lock()
	defer m.Unlock()

	return m.check(addr, size)
}

func (m *Memory) page(addr uint, alloc bool) []byte {
	if m.pages == nil {
		m.pages = make(map[uint][]byte)
	}

	base := addr &^ (pageSize - 1)
	p, ok := m.pages[base]

	if !ok && alloc {
		p = make([]byte, pageSize)
		m.pages[base] = p
	}

	return p
}

func (m *Memory) access(addr uint, buf []byte, write bool) {
	for i := 0; i < len(buf); {
		a := addr + uint(i)
		off := int(a & (pageSize - 1))
		n := min(pageSize-off, len(buf)-i)

		if p := m.page(a, write); p != nil {
			if write {
				copy(p[off:off+n], buf[i:i+n])
			} else {
				copy(buf[i:i+n], p[off:off+n])
			}
		} else if !write {
			clear(buf[i : i+n])
		}

		i += n
	}
}

// Read implements rproc.Memory.
func (m *Memory) Read(addr uint, size int) (buf []byte, err error) {
	m.Lock()
	defer m.Unlock()

	if err = m.check(addr, size); err != nil {
		return
	}

	buf = make([]byte, size)
	m.access(addr, buf, false)

	return
}

func (m *Memory) write(addr uint, buf []byte) (err error) {
	m.Lock()
	defer m.Unlock()

	if err = m.check(addr, len(buf)); err != nil {
		return
	}

	m.Writes++

	if m.FaultAt != nil && *m.FaultAt >= addr && *m.FaultAt < addr+uint(len(buf)) {
		return fmt.Errorf("%w at %#x", ErrFault, *m.FaultAt)
	}

	m.access(addr, buf, true)

	return
}

// Write implements rproc.Memory.
func (m *Memory) Write(addr uint, buf []byte) error {
	return m.write(addr, buf)
}

// Zero implements rproc.Memory.
func (m *Memory) Zero(addr uint, size int) error {
	if size < 0 {
		return fmt.Errorf("invalid size (%d)", size)
	}

	return m.write(addr, make([]byte, size))
}

// Fill writes size bytes of value val without accounting, it is meant to
// prepare memory contents (e.g. garbage to be overwritten by a load).
func (m *Memory) Fill(addr uint, size int, val byte) {
	m.Lock()
	defer m.Unlock()

	buf := make([]byte, size)

	for i := range buf {
		buf[i] = val
	}

	m.access(addr, buf, true)
}
