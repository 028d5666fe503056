// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package testonly provides helpers which are only meant to be used by tests.
package testonly

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Segment describes a program header to be emitted by ELF.
type Segment struct {
	// Type defaults to PT_LOAD
	Type elf.ProgType
	// Addr is used as both virtual and physical address
	Addr uint64
	// Data is the file backed segment content
	Data []byte
	// MemSize defaults to len(Data)
	MemSize uint64
}

// Image describes an executable image to be emitted by ELF.
type Image struct {
	// Class defaults to ELFCLASS32
	Class elf.Class
	// Machine defaults to EM_RISCV
	Machine  elf.Machine
	Entry    uint64
	Segments []Segment
	// Trailer is appended after all segment data and accounted for in a
	// dummy section header table, to exercise image sizing.
	Trailer []byte
}

const dataAlign = 16

func align(n int) int {
	return (n + dataAlign - 1) &^ (dataAlign - 1)
}

// ELF serializes a little endian executable image.
func ELF(img Image) []byte {
	class := img.Class
	machine := img.Machine

	if class == elf.ELFCLASSNONE {
		class = elf.ELFCLASS32
	}

	if machine == elf.EM_NONE {
		machine = elf.EM_RISCV
	}

	ehsize, phentsize, shentsize := 52, 32, 40

	if class == elf.ELFCLASS64 {
		ehsize, phentsize, shentsize = 64, 56, 64
	}

	phoff := ehsize
	off := align(phoff + phentsize*len(img.Segments))
	offsets := make([]int, len(img.Segments))

	for i, s := range img.Segments {
		offsets[i] = off
		off = align(off + len(s.Data))
	}

	var shoff, shnum int

	if len(img.Trailer) > 0 {
		off = align(off + len(img.Trailer))
		shoff = off
		shnum = 1
	}

	buf := new(bytes.Buffer)

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	if class == elf.ELFCLASS64 {
		binary.Write(buf, binary.LittleEndian, elf.Header64{
			Ident:     ident,
			Type:      uint16(elf.ET_EXEC),
			Machine:   uint16(machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     img.Entry,
			Phoff:     uint64(phoff),
			Shoff:     uint64(shoff),
			Ehsize:    uint16(ehsize),
			Phentsize: uint16(phentsize),
			Phnum:     uint16(len(img.Segments)),
			Shentsize: uint16(shentsize),
			Shnum:     uint16(shnum),
		})
	} else {
		binary.Write(buf, binary.LittleEndian, elf.Header32{
			Ident:     ident,
			Type:      uint16(elf.ET_EXEC),
			Machine:   uint16(machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     uint32(img.Entry),
			Phoff:     uint32(phoff),
			Shoff:     uint32(shoff),
			Ehsize:    uint16(ehsize),
			Phentsize: uint16(phentsize),
			Phnum:     uint16(len(img.Segments)),
			Shentsize: uint16(shentsize),
			Shnum:     uint16(shnum),
		})
	}

	for i, s := range img.Segments {
		typ := s.Type
		memsz := s.MemSize

		if typ == elf.PT_NULL {
			typ = elf.PT_LOAD
		}

		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}

		if class == elf.ELFCLASS64 {
			binary.Write(buf, binary.LittleEndian, elf.Prog64{
				Type:   uint32(typ),
				Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
				Off:    uint64(offsets[i]),
				Vaddr:  s.Addr,
				Paddr:  s.Addr,
				Filesz: uint64(len(s.Data)),
				Memsz:  memsz,
				Align:  dataAlign,
			})
		} else {
			binary.Write(buf, binary.LittleEndian, elf.Prog32{
				Type:   uint32(typ),
				Off:    uint32(offsets[i]),
				Vaddr:  uint32(s.Addr),
				Paddr:  uint32(s.Addr),
				Filesz: uint32(len(s.Data)),
				Memsz:  uint32(memsz),
				Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
				Align:  dataAlign,
			})
		}
	}

	for i, s := range img.Segments {
		pad(buf, offsets[i])
		buf.Write(s.Data)
	}

	if shnum > 0 {
		pad(buf, shoff-align(len(img.Trailer)))
		buf.Write(img.Trailer)
		pad(buf, shoff)
		// SHT_NULL entry
		buf.Write(make([]byte, shentsize))
	}

	return buf.Bytes()
}

func pad(buf *bytes.Buffer, off int) {
	if n := off - buf.Len(); n > 0 {
		buf.Write(make([]byte, n))
	}
}

// Pattern returns n bytes of a recognizable, non-zero pattern.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)

	for i := range b {
		b[i] = seed + byte(i%251) + 1
		if b[i] == 0 {
			b[i] = 0xa5
		}
	}

	return b
}
