// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build linux

package main

import (
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/usbarmory/sunxi-rproc/devmem"
	"github.com/usbarmory/sunxi-rproc/platform"
	"github.com/usbarmory/sunxi-rproc/rproc"
)

// hardware returns a remoteproc over the physical memory device, mapping
// the control registers of the given cores and the given windows. Deferred
// windows are only mapped once accessed.
func hardware(pc *platform.Config, cores []int, windows []devmem.Window, deferred []devmem.Window) (*rproc.Remoteproc, error) {
	regs, err := registerWindows(pc, cores...)

	if err != nil {
		return nil, err
	}

	windows = devmem.Coalesce(uint(unix.Getpagesize()), append(windows, regs...)...)

	for _, w := range windows {
		klog.V(1).Infof("mapping %#x-%#x", w.Start, w.Start+w.Size)
	}

	d, err := devmem.Open(conf.device, windows...)

	if err != nil {
		return nil, err
	}

	if err = d.Allow(deferred...); err != nil {
		d.Close()
		return nil, err
	}

	return pc.Remoteproc(d, d.Registers(), d)
}

// residentImage reads an image resident in shared memory.
func residentImage(addr uint) ([]byte, error) {
	d, err := devmem.Open(conf.device, devmem.Window{Start: addr, Size: rproc.DefaultMaxImageSize})

	if err != nil {
		return nil, err
	}
	defer d.Close()

	return rproc.ImageAt(d, addr, rproc.DefaultMaxImageSize)
}
