// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/usbarmory/sunxi-rproc/rproc"
)

// progress renders segment loading on a progress bar, reports are otherwise
// logged.
type progress struct {
	rproc.LogDiagnostics

	bar   *pb.ProgressBar
	total int64
	last  *rproc.Segment
}

func newProgress(plan []rproc.Placement, show bool) rproc.Diagnostics {
	if !show {
		return rproc.LogDiagnostics{}
	}

	p := &progress{}

	for _, pl := range plan {
		p.total += int64(pl.Segment.MemSize)
	}

	return p
}

func (p *progress) Segment(core int, seg *rproc.Segment, dst uint) {
	p.LogDiagnostics.Segment(core, seg, dst)

	if p.bar == nil {
		p.bar = pb.New64(p.total).SetTemplate(pb.Full).Set(pb.Bytes, true).SetWriter(os.Stderr).Start()
	}

	if p.last != nil {
		p.bar.Add64(int64(p.last.MemSize))
	}

	p.last = seg
}

func (p *progress) Step(core int, step rproc.Step, elapsed time.Duration) {
	if step == rproc.StepLoad && p.bar != nil {
		p.bar.SetCurrent(p.total)
		p.bar.Finish()
	}

	p.LogDiagnostics.Step(core, step, elapsed)
}
