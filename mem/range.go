// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mem implements the translation between the address space of an
// auxiliary core and the host physical memory map.
//
// A secondary core frequently sees SRAM and DRAM through aliases which differ
// from the host view, the ranges in a Table describe such aliases and are
// fixed for a given SoC.
package mem

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrAddressNotMapped is returned when an address does not fall within
	// any translation range.
	ErrAddressNotMapped = errors.New("address not mapped")

	// ErrOverlap is returned when two translation ranges overlap.
	ErrOverlap = errors.New("overlapping address ranges")
)

// AddressRange represents a translation rule, any address A with
// Low <= A <= High maps to Base + (A - Low).
type AddressRange struct {
	Low  uint32 `yaml:"low"`
	High uint32 `yaml:"high"`
	Base uint32 `yaml:"base"`
}

// Contains returns whether the address falls within the range.
func (r AddressRange) Contains(addr uint32) bool {
	return addr >= r.Low && addr <= r.High
}

// Size returns the number of addresses covered by the range.
func (r AddressRange) Size() uint64 {
	return uint64(r.High) - uint64(r.Low) + 1
}

func (r AddressRange) String() string {
	return fmt.Sprintf("%#.8x-%#.8x -> %#.8x", r.Low, r.High, r.Base)
}

func (r AddressRange) overlaps(o AddressRange) bool {
	return r.Low <= o.High && o.Low <= r.High
}

// Table represents an ordered set of non-overlapping translation ranges.
type Table struct {
	ranges []AddressRange
}

// NewTable validates and returns a translation table, ranges are scanned in
// the given order.
func NewTable(ranges ...AddressRange) (t *Table, err error) {
	for i, r := range ranges {
		if r.Low > r.High {
			return nil, fmt.Errorf("invalid range %d (%s), low exceeds high", i, r)
		}

		if uint64(r.Base)+(r.Size()-1) > math.MaxUint32 {
			return nil, fmt.Errorf("invalid range %d (%s), destination exceeds 32-bit space", i, r)
		}

		for j := 0; j < i; j++ {
			if r.overlaps(ranges[j]) {
				return nil, fmt.Errorf("%w, %d (%s) and %d (%s)", ErrOverlap, j, ranges[j], i, r)
			}
		}
	}

	t = &Table{
		ranges: append([]AddressRange(nil), ranges...),
	}

	return
}

// Ranges returns a copy of the table ranges.
func (t *Table) Ranges() []AddressRange {
	return append([]AddressRange(nil), t.ranges...)
}

// Lookup returns the first range containing the address.
func (t *Table) Lookup(addr uint32) (r AddressRange, ok bool) {
	for _, r = range t.ranges {
		if r.Contains(addr) {
			return r, true
		}
	}

	return AddressRange{}, false
}

// Translate converts an auxiliary core address to its host physical address.
func (t *Table) Translate(addr uint32) (uint32, error) {
	r, ok := t.Lookup(addr)

	if !ok {
		return 0, fmt.Errorf("%w (%#.8x)", ErrAddressNotMapped, addr)
	}

	return r.Base + (addr - r.Low), nil
}

// TranslateRange converts the span [addr, addr+size) to its host physical
// start address, the whole span must fall within a single range.
func (t *Table) TranslateRange(addr uint32, size uint32) (uint32, error) {
	r, ok := t.Lookup(addr)

	if !ok {
		return 0, fmt.Errorf("%w (%#.8x)", ErrAddressNotMapped, addr)
	}

	if size > 0 && uint64(addr)+uint64(size)-1 > uint64(r.High) {
		return 0, fmt.Errorf("%w (%#.8x-%#.8x exceeds %s)", ErrAddressNotMapped, addr, uint64(addr)+uint64(size)-1, r)
	}

	return r.Base + (addr - r.Low), nil
}
