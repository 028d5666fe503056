// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build linux

package devmem

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

type mapping struct {
	// physical address of buf[0], page aligned
	base uint
	// requested window
	start uint
	end   uint

	buf []byte
}

// Device represents a set of mapped physical memory windows.
type Device struct {
	sync.Mutex

	f        *os.File
	pageSize uint
	maps     []*mapping
	// windows mapped on first access
	deferred []Window
}

// Open maps the given windows of a physical memory device. Mappings are
// synchronous (O_SYNC) so that register and shared memory accesses are not
// cached by the host.
func Open(path string, windows ...Window) (*Device, error) {
	if len(windows) == 0 {
		return nil, errors.New("missing windows")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)

	if err != nil {
		return nil, err
	}

	d := &Device{
		f:        f,
		pageSize: uint(unix.Getpagesize()),
	}

	if err = d.init(windows); err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

func (d *Device) init(windows []Window) (err error) {
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Start < windows[j].Start
	})

	for i, w := range windows {
		if w.Size == 0 || w.Start+w.Size < w.Start {
			return fmt.Errorf("invalid window %#x (%d bytes)", w.Start, w.Size)
		}

		if i > 0 && w.Start < windows[i-1].Start+windows[i-1].Size {
			return fmt.Errorf("window %#x overlaps window %#x", w.Start, windows[i-1].Start)
		}

		if err = d.mmap(w); err != nil {
			return fmt.Errorf("could not map %#x-%#x, %v", w.Start, w.Start+w.Size, err)
		}
	}

	return
}

func (d *Device) mmap(w Window) (err error) {
	base := w.Start &^ (d.pageSize - 1)
	end := w.Start + w.Size
	size := (end - base + d.pageSize - 1) &^ (d.pageSize - 1)

	buf, err := unix.Mmap(int(d.f.Fd()), int64(base), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return
	}

	d.maps = append(d.maps, &mapping{
		base:  base,
		start: w.Start,
		end:   end,
		buf:   buf,
	})

	return
}

// Allow declares windows which are mapped only once first accessed, as a
// whole. This suits large ranges (e.g. DRAM) of which only a few images are
// ever accessed.
func (d *Device) Allow(windows ...Window) error {
	d.Lock()
	defer d.Unlock()

	for _, w := range windows {
		if w.Size == 0 || w.Start+w.Size < w.Start {
			return fmt.Errorf("invalid window %#x (%d bytes)", w.Start, w.Size)
		}
	}

	d.deferred = append(d.deferred, windows...)

	return nil
}

// Close unmaps all windows and closes the device.
func (d *Device) Close() (err error) {
	d.Lock()
	defer d.Unlock()

	for _, m := range d.maps {
		if e := unix.Munmap(m.buf); e != nil && err == nil {
			err = e
		}
	}

	d.maps = nil

	if e := d.f.Close(); e != nil && err == nil {
		err = e
	}

	return
}

// slice returns the mapped bytes backing [addr, addr+size).
func (d *Device) slice(addr uint, size int) ([]byte, error) {
	if size < 0 || addr+uint(size) < addr {
		return nil, fmt.Errorf("invalid access %#x (%d bytes)", addr, size)
	}

	for _, m := range d.maps {
		if addr >= m.start && addr+uint(size) <= m.end {
			off := addr - m.base
			return m.buf[off : off+uint(size)], nil
		}
	}

	for i, w := range d.deferred {
		if addr < w.Start || addr+uint(size) > w.Start+w.Size {
			continue
		}

		if err := d.mmap(w); err != nil {
			return nil, fmt.Errorf("could not map %#x-%#x, %v", w.Start, w.Start+w.Size, err)
		}

		d.deferred = append(d.deferred[:i], d.deferred[i+1:]...)

		m := d.maps[len(d.maps)-1]
		off := addr - m.base

		return m.buf[off : off+uint(size)], nil
	}

	return nil, fmt.Errorf("%w (%#x-%#x)", ErrNotMapped, addr, addr+uint(size))
}

// Check implements rproc.Bounded, windows declared with Allow are mapped
// if needed.
func (d *Device) Check(addr uint, size int) error {
	d.Lock()
	defer d.Unlock()

	_, err := d.slice(addr, size)

	return err
}

// Read implements rproc.Memory.
func (d *Device) Read(addr uint, size int) ([]byte, error) {
	d.Lock()
	defer d.Unlock()

	b, err := d.slice(addr, size)

	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	load(buf, b)

	return buf, nil
}

// Write implements rproc.Memory.
func (d *Device) Write(addr uint, buf []byte) error {
	d.Lock()
	defer d.Unlock()

	b, err := d.slice(addr, len(buf))

	if err != nil {
		return err
	}

	store(b, buf)

	return nil
}

// Zero implements rproc.Memory.
func (d *Device) Zero(addr uint, size int) error {
	d.Lock()
	defer d.Unlock()

	b, err := d.slice(addr, size)

	if err != nil {
		return err
	}

	zero(b)

	return nil
}

// Flush implements rproc.Cache, it commits the pages covering [start, end)
// with msync.
func (d *Device) Flush(start uint, end uint) error {
	d.Lock()
	defer d.Unlock()

	if end < start {
		return fmt.Errorf("invalid flush window %#x-%#x", start, end)
	}

	for _, m := range d.maps {
		if start >= m.end || end <= m.start {
			continue
		}

		lo := max(start, m.base) - m.base
		hi := min(end, m.base+uint(len(m.buf))) - m.base

		lo &^= d.pageSize - 1
		hi = min((hi+d.pageSize-1)&^(d.pageSize-1), uint(len(m.buf)))

		if err := unix.Msync(m.buf[lo:hi], unix.MS_SYNC|unix.MS_INVALIDATE); err != nil {
			return fmt.Errorf("msync %#x-%#x, %v", m.base+lo, m.base+hi, err)
		}
	}

	return nil
}

// Registers returns 32-bit register access over the mapped windows.
func (d *Device) Registers() *Registers {
	return &Registers{d: d}
}

// Registers implements rproc.Registers over mapped windows.
type Registers struct {
	d *Device
}

func (r *Registers) word(addr uint32) (*uint32, error) {
	if addr%4 != 0 {
		return nil, fmt.Errorf("unaligned register %#x", addr)
	}

	b, err := r.d.slice(uint(addr), 4)

	if err != nil {
		return nil, err
	}

	return (*uint32)(unsafe.Pointer(&b[0])), nil
}

// Read implements rproc.Registers.
func (r *Registers) Read(addr uint32) (uint32, error) {
	r.d.Lock()
	defer r.d.Unlock()

	reg, err := r.word(addr)

	if err != nil {
		return 0, err
	}

	return atomic.LoadUint32(reg), nil
}

// Write implements rproc.Registers.
func (r *Registers) Write(addr uint32, val uint32) error {
	r.d.Lock()
	defer r.d.Unlock()

	reg, err := r.word(addr)

	if err != nil {
		return err
	}

	atomic.StoreUint32(reg, val)

	return nil
}
