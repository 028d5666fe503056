// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package rproc

// Memory represents the host physical memory window shared with the
// auxiliary core, addresses are host physical.
type Memory interface {
	// Read copies size bytes starting at addr.
	Read(addr uint, size int) ([]byte, error)
	// Write copies buf at addr.
	Write(addr uint, buf []byte) error
	// Zero clears size bytes starting at addr.
	Zero(addr uint, size int) error
}

// Bounded is optionally implemented by Memory restricted to a set of host
// physical windows.
type Bounded interface {
	// Check returns an error if [addr, addr+size) cannot be accessed, it
	// does not access memory.
	Check(addr uint, size int) error
}

// Cache represents data cache maintenance on the host core.
type Cache interface {
	// Flush cleans and invalidates the data cache lines covering
	// [start, end), both bounds are cache line aligned.
	Flush(start uint, end uint) error
}

// Registers represents 32-bit memory mapped register access.
type Registers interface {
	// Read returns the register value.
	Read(addr uint32) (uint32, error)
	// Write sets the register value.
	Write(addr uint32, val uint32) error
}

// Verifier represents an optional image integrity check, a non-nil error
// rejects the image before any hardware is touched.
type Verifier interface {
	Verify(image []byte, core int) error
}
