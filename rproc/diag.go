// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package rproc

import (
	"time"

	"k8s.io/klog/v2"
)

// Diagnostics receives purely observational reports, no return value is
// consumed by the loader or sequencer.
type Diagnostics interface {
	// Version reports the version string found in the first segment.
	Version(core int, version string)
	// Segment reports a segment about to be loaded at dst.
	Segment(core int, seg *Segment, dst uint)
	// Step reports a completed bring-up step.
	Step(core int, step Step, elapsed time.Duration)
	// Started reports a core released from reset.
	Started(core int, size int, runAddr uint32, elapsed time.Duration)
}

// LogDiagnostics implements Diagnostics over klog.
type LogDiagnostics struct{}

func (LogDiagnostics) Version(core int, version string) {
	klog.Infof("rproc%d image version: %q", core, version)
}

func (LogDiagnostics) Segment(core int, seg *Segment, dst uint) {
	klog.V(2).Infof("rproc%d loading phdr %d from %#x to %#x (%d bytes, %d in memory)",
		core, seg.Index, seg.Offset, dst, seg.FileSize, seg.MemSize)
}

func (LogDiagnostics) Step(core int, step Step, elapsed time.Duration) {
	klog.V(1).Infof("rproc%d %s done (%v)", core, step, elapsed)
}

func (LogDiagnostics) Started(core int, size int, runAddr uint32, elapsed time.Duration) {
	klog.Infof("rproc%d start ok, img length %d, boot addr %#x (%v)", core, size, runAddr, elapsed)
}

func diagnostics(d Diagnostics) Diagnostics {
	if d == nil {
		return LogDiagnostics{}
	}

	return d
}
