// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/usbarmory/sunxi-rproc/rproc"
)

// readImage reads an image file, decompressing zstd (.zst) and LZ4 (.lz4)
// files.
func readImage(name string) (buf []byte, err error) {
	f, err := os.Open(name)

	if err != nil {
		return
	}
	defer f.Close()

	var r io.Reader = f

	switch {
	case strings.HasSuffix(name, ".zst"):
		dec, err := zstd.NewReader(f)

		if err != nil {
			return nil, fmt.Errorf("could not decompress image, %v", err)
		}
		defer dec.Close()

		r = dec
	case strings.HasSuffix(name, ".lz4"):
		r = lz4.NewReader(f)
	}

	// one byte past the limit detects oversized images
	if buf, err = io.ReadAll(io.LimitReader(r, rproc.DefaultMaxImageSize+1)); err != nil {
		return nil, fmt.Errorf("could not read image, %v", err)
	}

	if len(buf) > rproc.DefaultMaxImageSize {
		return nil, fmt.Errorf("image exceeds %d bytes", rproc.DefaultMaxImageSize)
	}

	return
}
