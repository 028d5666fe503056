// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package rproc

import (
	"errors"
	"fmt"

	"github.com/usbarmory/sunxi-rproc/mem"
)

var (
	// ErrVerificationFailed is returned when the image verifier rejects an
	// image, no hardware is touched in this case.
	ErrVerificationFailed = errors.New("image verification failed")

	// ErrMalformedImage is returned for images which cannot be parsed or
	// whose segments do not fit the image.
	ErrMalformedImage = errors.New("malformed image")

	// ErrMachineMismatch is returned when the image machine type or word
	// width does not match the auxiliary core.
	ErrMachineMismatch = errors.New("image machine mismatch")

	// ErrAddressNotMapped is returned when an auxiliary core address does
	// not fall within any translation range.
	ErrAddressNotMapped = mem.ErrAddressNotMapped

	// ErrUnmappedSegment is returned when a segment destination cannot be
	// translated, it always wraps ErrAddressNotMapped.
	ErrUnmappedSegment = errors.New("segment not mapped")

	// ErrSegmentInaccessible is returned when a translated segment
	// destination falls outside the memory accessible to the host.
	ErrSegmentInaccessible = errors.New("segment destination not accessible")

	// ErrSegmentOverlap is returned when two segment destinations overlap.
	ErrSegmentOverlap = errors.New("overlapping segments")

	// ErrCopyOrFlushFault is returned when a memory copy, zero fill or
	// cache flush fails during loading.
	ErrCopyOrFlushFault = errors.New("copy or flush fault")

	// ErrBringupAborted is matched by any failure occurring once the
	// register sequence has started.
	ErrBringupAborted = errors.New("bring-up aborted")

	// ErrCoreBusy is returned when a bring-up is already in flight for the
	// same core.
	ErrCoreBusy = errors.New("bring-up already in progress")

	// ErrCoreRunning is returned when the core has already been released
	// from reset.
	ErrCoreRunning = errors.New("core already running")

	// ErrInvalidCore is returned for core identifiers without a control
	// register set.
	ErrInvalidCore = errors.New("invalid core")
)

// CoreError reports which auxiliary core failed and why.
type CoreError struct {
	Core int
	Err  error
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("rproc%d: %v", e.Core, e.Err)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// BringupError represents a failure of the register sequence after its
// start, the core is left held with an unknown partial configuration. Its
// message omits the core, which CoreError reports.
type BringupError struct {
	Core int
	Step Step
	Err  error
}

func (e *BringupError) Error() string {
	return fmt.Sprintf("bring-up aborted at %s, %v", e.Step, e.Err)
}

func (e *BringupError) Unwrap() error {
	return e.Err
}

// Is matches ErrBringupAborted.
func (e *BringupError) Is(target error) bool {
	return target == ErrBringupAborted
}
