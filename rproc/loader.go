// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package rproc

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/usbarmory/sunxi-rproc/mem"
)

const (
	// DefaultVersionOffset is the offset, within the first segment, of the
	// image version string.
	DefaultVersionOffset = 896

	versionLength = 64
)

// Placement represents a segment along with its translated host physical
// destination.
type Placement struct {
	Segment *Segment
	Dest    uint
}

// End returns the host physical address past the last segment byte.
func (p Placement) End() uint {
	return p.Dest + uint(p.Segment.MemSize)
}

// Loader copies image segments into memory visible to the auxiliary core.
type Loader struct {
	// Table translates auxiliary core addresses to host physical ones
	Table *mem.Table
	// Memory is the host physical memory window
	Memory Memory
	// Cache performs data cache maintenance after each segment copy
	Cache Cache
	// LineSize is the platform cache line size
	LineSize uint
	// VersionOffset locates the version string within the first segment,
	// a negative value disables its report.
	VersionOffset int
	// Diagnostics receives loading progress
	Diagnostics Diagnostics
}

// FlushWindow returns the cache line aligned window covering size bytes at
// dst.
func FlushWindow(dst uint, size uint, line uint) (start uint, end uint) {
	return mem.RoundDown(dst, line), mem.RoundUp(dst+size, line)
}

func (l *Loader) validate() error {
	switch {
	case l.Table == nil:
		return errors.New("missing translation table")
	case l.Memory == nil:
		return errors.New("missing memory")
	case l.Cache == nil:
		return errors.New("missing cache")
	case !mem.IsPow2(l.LineSize):
		return fmt.Errorf("invalid cache line size (%d)", l.LineSize)
	}

	return nil
}

// Plan translates every segment destination and, for Bounded memories,
// confirms that it can be accessed. It performs no memory access and must
// succeed before any hardware state is changed.
func (l *Loader) Plan(img *Image) (plan []Placement, err error) {
	if err = l.validate(); err != nil {
		return
	}

	for _, seg := range img.Segments {
		dst, err := l.Table.TranslateRange(seg.Addr, seg.MemSize)

		if err != nil {
			return nil, fmt.Errorf("%w, phdr %d, %w", ErrUnmappedSegment, seg.Index, err)
		}

		p := Placement{
			Segment: seg,
			Dest:    uint(dst),
		}

		if b, ok := l.Memory.(Bounded); ok && seg.MemSize > 0 {
			if err = b.Check(p.Dest, int(seg.MemSize)); err != nil {
				return nil, fmt.Errorf("%w, phdr %d (%#x-%#x), %v", ErrSegmentInaccessible, seg.Index, p.Dest, p.End(), err)
			}
		}

		for _, prev := range plan {
			if p.Segment.MemSize == 0 || prev.Segment.MemSize == 0 {
				continue
			}

			if p.Dest < prev.End() && prev.Dest < p.End() {
				return nil, fmt.Errorf("%w, phdr %d (%#x-%#x) and phdr %d (%#x-%#x)", ErrSegmentOverlap,
					prev.Segment.Index, prev.Dest, prev.End(), seg.Index, p.Dest, p.End())
			}
		}

		plan = append(plan, p)
	}

	return
}

// Load copies each planned segment, zero fills its uninitialized tail and
// flushes the cache over the written window. The first failure aborts the
// remaining segments.
func (l *Loader) Load(core int, plan []Placement) (err error) {
	if err = l.validate(); err != nil {
		return
	}

	d := diagnostics(l.Diagnostics)

	for i, p := range plan {
		seg := p.Segment

		d.Segment(core, seg, p.Dest)

		if seg.FileSize > 0 {
			if err = l.Memory.Write(p.Dest, seg.Data[:seg.FileSize]); err != nil {
				return fmt.Errorf("%w, phdr %d copy, %v", ErrCopyOrFlushFault, seg.Index, err)
			}
		}

		if seg.MemSize > seg.FileSize {
			if err = l.Memory.Zero(p.Dest+uint(seg.FileSize), int(seg.MemSize-seg.FileSize)); err != nil {
				return fmt.Errorf("%w, phdr %d zero fill, %v", ErrCopyOrFlushFault, seg.Index, err)
			}
		}

		if i == 0 {
			if v, ok := version(seg, l.VersionOffset); ok {
				d.Version(core, v)
			}
		}

		if seg.MemSize == 0 {
			continue
		}

		start, end := FlushWindow(p.Dest, uint(seg.MemSize), l.LineSize)

		if err = l.Cache.Flush(start, end); err != nil {
			return fmt.Errorf("%w, phdr %d flush %#x-%#x, %v", ErrCopyOrFlushFault, seg.Index, start, end, err)
		}
	}

	return
}

// version returns the NUL terminated string found at off within the loaded
// segment.
func version(seg *Segment, off int) (string, bool) {
	if off < 0 || uint64(off) >= uint64(seg.MemSize) {
		return "", false
	}

	if uint64(off) >= uint64(seg.FileSize) {
		// zero filled
		return "", true
	}

	b := seg.Data[off:min(uint64(off)+versionLength, uint64(seg.FileSize))]

	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return strings.TrimSpace(string(b)), true
}
