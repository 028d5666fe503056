// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package rproc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"
)

// Segment represents a loadable entry of the image program header table.
type Segment struct {
	// Index is the program header table index
	Index int
	// Offset is the segment offset within the image
	Offset uint64
	// Addr is the load address in the auxiliary core address space
	Addr uint32
	// FileSize is the number of bytes backed by the image
	FileSize uint32
	// MemSize is the number of bytes occupied in memory, the bytes past
	// FileSize are zero filled
	MemSize uint32
	// Data is the file backed segment content
	Data []byte
}

// Image represents a parsed executable image, it only references the
// caller buffer.
type Image struct {
	Class    elf.Class
	Machine  elf.Machine
	Entry    uint64
	Segments []*Segment
	// Size is the image length
	Size int
}

// ParseImage parses the header and program header table of an ELF image,
// non PT_LOAD entries are ignored.
func ParseImage(buf []byte) (img *Image, err error) {
	f, err := elf.NewFile(bytes.NewReader(buf))

	if err != nil {
		return nil, fmt.Errorf("%w, %v", ErrMalformedImage, err)
	}

	img = &Image{
		Class:   f.Class,
		Machine: f.Machine,
		Entry:   f.Entry,
		Size:    len(buf),
	}

	for i, prg := range f.Progs {
		if prg.Type != elf.PT_LOAD {
			continue
		}

		if prg.Memsz < prg.Filesz {
			return nil, fmt.Errorf("%w, phdr %d memsz (%d) < filesz (%d)", ErrMalformedImage, i, prg.Memsz, prg.Filesz)
		}

		if prg.Paddr > math.MaxUint32 || prg.Memsz > math.MaxUint32-prg.Paddr+1 {
			return nil, fmt.Errorf("%w, phdr %d exceeds 32-bit address space", ErrMalformedImage, i)
		}

		end := prg.Off + prg.Filesz

		if end < prg.Off || end > uint64(len(buf)) {
			return nil, fmt.Errorf("%w, phdr %d exceeds image size (%d)", ErrMalformedImage, i, len(buf))
		}

		img.Segments = append(img.Segments, &Segment{
			Index:    i,
			Offset:   prg.Off,
			Addr:     uint32(prg.Paddr),
			FileSize: uint32(prg.Filesz),
			MemSize:  uint32(prg.Memsz),
			Data:     buf[prg.Off:end],
		})
	}

	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%w, no loadable segments", ErrMalformedImage)
	}

	return
}

// Check validates the image machine type and word width, zero values are
// not checked.
func (img *Image) Check(machine elf.Machine, class elf.Class) error {
	if machine != elf.EM_NONE && img.Machine != machine {
		return fmt.Errorf("%w, got %v, want %v", ErrMachineMismatch, img.Machine, machine)
	}

	if class != elf.ELFCLASSNONE && img.Class != class {
		return fmt.Errorf("%w, got %v, want %v", ErrMachineMismatch, img.Class, class)
	}

	if img.Entry > math.MaxUint32 {
		return fmt.Errorf("%w, entry %#x exceeds 32-bit address space", ErrMachineMismatch, img.Entry)
	}

	return nil
}

type headerInfo struct {
	order     binary.ByteOrder
	class     elf.Class
	ehsize    uint64
	phoff     uint64
	phentsize uint64
	phnum     uint64
	shoff     uint64
	shentsize uint64
	shnum     uint64
}

func readHeader(m Memory, addr uint) (h *headerInfo, err error) {
	ident, err := m.Read(addr, elf.EI_NIDENT)

	if err != nil {
		return
	}

	if !bytes.Equal(ident[0:4], []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("%w, bad magic number %x", ErrMalformedImage, ident[0:4])
	}

	h = &headerInfo{
		class: elf.Class(ident[elf.EI_CLASS]),
	}

	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		h.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		h.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w, invalid data encoding %d", ErrMalformedImage, ident[elf.EI_DATA])
	}

	switch h.class {
	case elf.ELFCLASS32:
		var hdr elf.Header32
		buf, err := m.Read(addr, binary.Size(hdr))

		if err != nil {
			return nil, err
		}

		if err = binary.Read(bytes.NewReader(buf), h.order, &hdr); err != nil {
			return nil, err
		}

		h.ehsize = uint64(binary.Size(hdr))
		h.phoff, h.phentsize, h.phnum = uint64(hdr.Phoff), uint64(hdr.Phentsize), uint64(hdr.Phnum)
		h.shoff, h.shentsize, h.shnum = uint64(hdr.Shoff), uint64(hdr.Shentsize), uint64(hdr.Shnum)
	case elf.ELFCLASS64:
		var hdr elf.Header64
		buf, err := m.Read(addr, binary.Size(hdr))

		if err != nil {
			return nil, err
		}

		if err = binary.Read(bytes.NewReader(buf), h.order, &hdr); err != nil {
			return nil, err
		}

		h.ehsize = uint64(binary.Size(hdr))
		h.phoff, h.phentsize, h.phnum = hdr.Phoff, uint64(hdr.Phentsize), uint64(hdr.Phnum)
		h.shoff, h.shentsize, h.shnum = hdr.Shoff, uint64(hdr.Shentsize), uint64(hdr.Shnum)
	default:
		return nil, fmt.Errorf("%w, invalid class %v", ErrMalformedImage, h.class)
	}

	return
}

// ImageAt returns an image resident in memory at addr, its length is
// derived from its own header, program header and section header tables.
func ImageAt(m Memory, addr uint, limit int) (buf []byte, err error) {
	h, err := readHeader(m, addr)

	if err != nil {
		return
	}

	size := h.ehsize
	fits := func(off, n uint64) bool {
		return n <= uint64(limit) && off <= uint64(limit)-n
	}

	if !fits(h.phoff, h.phentsize*h.phnum) || !fits(h.shoff, h.shentsize*h.shnum) {
		return nil, fmt.Errorf("%w, header tables exceed %d bytes", ErrMalformedImage, limit)
	}

	size = max(size, h.phoff+h.phentsize*h.phnum, h.shoff+h.shentsize*h.shnum)

	if h.phnum > 0 {
		var prg elf.Prog64

		minEntSize := uint64(binary.Size(prg))

		if h.class == elf.ELFCLASS32 {
			minEntSize = uint64(binary.Size(elf.Prog32{}))
		}

		if h.phentsize < minEntSize {
			return nil, fmt.Errorf("%w, invalid phentsize %d", ErrMalformedImage, h.phentsize)
		}

		phdrs, err := m.Read(addr+uint(h.phoff), int(h.phentsize*h.phnum))

		if err != nil {
			return nil, err
		}

		for i := uint64(0); i < h.phnum; i++ {
			r := bytes.NewReader(phdrs[i*h.phentsize:])

			if h.class == elf.ELFCLASS32 {
				var p32 elf.Prog32

				if err = binary.Read(r, h.order, &p32); err != nil {
					return nil, err
				}

				prg.Off, prg.Filesz = uint64(p32.Off), uint64(p32.Filesz)
			} else if err = binary.Read(r, h.order, &prg); err != nil {
				return nil, err
			}

			if !fits(prg.Off, prg.Filesz) {
				return nil, fmt.Errorf("%w, phdr %d exceeds %d bytes", ErrMalformedImage, i, limit)
			}

			size = max(size, prg.Off+prg.Filesz)
		}
	}

	return m.Read(addr, int(size))
}
