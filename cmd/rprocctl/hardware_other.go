// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !linux

package main

import (
	"errors"

	"github.com/usbarmory/sunxi-rproc/devmem"
	"github.com/usbarmory/sunxi-rproc/platform"
	"github.com/usbarmory/sunxi-rproc/rproc"
)

var errUnsupported = errors.New("hardware targets are only supported on linux, use -sim or -plan")

func hardware(_ *platform.Config, _ []int, _ []devmem.Window, _ []devmem.Window) (*rproc.Remoteproc, error) {
	return nil, errUnsupported
}

func residentImage(_ uint) ([]byte, error) {
	return nil, errUnsupported
}
