// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package rproc implements loading and bring-up of auxiliary processor cores
// (e.g. the RISC-V core of Allwinner sun55iw3 SoCs).
//
// An executable image resident in shared memory is verified (optionally),
// its loadable segments are copied to the memory visible to the auxiliary
// core, with address translation and cache maintenance, and the core is then
// released from reset at the resolved entry point.
//
// The package performs no internal serialization of hardware access beyond
// rejecting overlapping bring-ups of the same core, callers driving multiple
// cores through shared registers must serialize them.
package rproc

import (
	"debug/elf"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxImageSize bounds images read from shared memory.
const DefaultMaxImageSize = 16 << 20

// BringupContext represents the per-invocation bring-up arguments.
type BringupContext struct {
	// ImageAddr is the host physical address of the image
	ImageAddr uint
	// RunAddr is the requested boot address, zero selects the image entry
	// point
	RunAddr uint32
	// Core is the auxiliary core identifier
	Core int
}

// Remoteproc represents the auxiliary cores of a platform.
type Remoteproc struct {
	// Machine and Class describe the auxiliary core, images not matching
	// them are rejected (zero values disable the check)
	Machine elf.Machine
	Class   elf.Class

	// MaxImageSize bounds images read with Boot, DefaultMaxImageSize is
	// used when zero
	MaxImageSize int

	Loader    *Loader
	Sequencer *Sequencer

	// Verifier is the optional image integrity check
	Verifier Verifier
	// Diagnostics receives progress reports
	Diagnostics Diagnostics
}

// Boot reads the image resident at ctx.ImageAddr and brings up ctx.Core.
func (r *Remoteproc) Boot(ctx BringupContext) (err error) {
	limit := r.MaxImageSize

	if limit <= 0 {
		limit = DefaultMaxImageSize
	}

	if r.Loader == nil || r.Loader.Memory == nil {
		return &CoreError{Core: ctx.Core, Err: errors.New("missing memory")}
	}

	buf, err := ImageAt(r.Loader.Memory, ctx.ImageAddr, limit)

	if err != nil {
		return &CoreError{Core: ctx.Core, Err: fmt.Errorf("could not read image at %#x, %w", ctx.ImageAddr, err)}
	}

	return r.BootImage(buf, ctx.RunAddr, ctx.Core)
}

// Prepare verifies and parses an image, resolves its entry point and plans
// its segments. It performs no hardware access.
func (r *Remoteproc) Prepare(buf []byte, runAddr uint32, core int) (img *Image, entry uint32, plan []Placement, err error) {
	if r.Loader == nil || r.Sequencer == nil {
		return nil, 0, nil, errors.New("incomplete remoteproc")
	}

	if core < 0 || core >= len(r.Sequencer.Control) {
		return nil, 0, nil, fmt.Errorf("%w (%d)", ErrInvalidCore, core)
	}

	if r.Verifier != nil {
		if err = r.Verifier.Verify(buf, core); err != nil {
			return nil, 0, nil, fmt.Errorf("%w, %v", ErrVerificationFailed, err)
		}
	}

	if img, err = ParseImage(buf); err != nil {
		return
	}

	if err = img.Check(r.Machine, r.Class); err != nil {
		return
	}

	entry = ResolveEntry(img, runAddr)

	if _, err = r.Loader.Table.Translate(entry); err != nil {
		return nil, 0, nil, fmt.Errorf("invalid run address, %w", err)
	}

	if plan, err = r.Loader.Plan(img); err != nil {
		return
	}

	return
}

// BootImage brings up an auxiliary core with the given image. Every
// precondition (verification, image validity, run address and segment
// translation) is confirmed before the first register write.
func (r *Remoteproc) BootImage(buf []byte, runAddr uint32, core int) (err error) {
	defer func() {
		var ce *CoreError

		if err != nil && !errors.As(err, &ce) {
			err = &CoreError{Core: core, Err: err}
		}
	}()

	_, entry, plan, err := r.Prepare(buf, runAddr, core)

	if err != nil {
		return
	}

	start := time.Now()

	err = r.Sequencer.BringUp(core, entry, func() error {
		return r.Loader.Load(core, plan)
	})

	if err != nil {
		return
	}

	diagnostics(r.Diagnostics).Started(core, len(buf), entry, time.Since(start))

	return
}

// State returns the state of an auxiliary core.
func (r *Remoteproc) State(core int) State {
	return r.Sequencer.State(core)
}
