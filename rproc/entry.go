// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package rproc

// ResolveEntry returns the address at which the auxiliary core starts
// execution, a zero requested address selects the image entry point.
func ResolveEntry(img *Image, requested uint32) uint32 {
	if requested != 0 {
		return requested
	}

	return uint32(img.Entry)
}
