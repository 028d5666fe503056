// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package devmem

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Physical memory mappings of non RAM regions are device memory, which
// faults on unaligned accesses and on the cache maintenance instructions used
// by memmove and memclr. Transfers therefore only use byte and naturally
// aligned 32-bit accesses.

const wordSize = 4

func word(b []byte, i int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[i]))
}

// head returns the number of bytes preceding the first word aligned
// address of b, bounded by n.
func head(b []byte, n int) int {
	if n == 0 {
		return 0
	}

	off := int(uintptr(unsafe.Pointer(&b[0])) % wordSize)

	if off == 0 {
		return 0
	}

	return min(wordSize-off, n)
}

// load copies len(dst) bytes from the mapping src.
func load(dst []byte, src []byte) {
	n := min(len(dst), len(src))
	i := 0

	for h := head(src, n); i < h; i++ {
		dst[i] = src[i]
	}

	for ; i+wordSize <= n; i += wordSize {
		binary.NativeEndian.PutUint32(dst[i:], atomic.LoadUint32(word(src, i)))
	}

	for ; i < n; i++ {
		dst[i] = src[i]
	}
}

// store copies src to the mapping dst.
func store(dst []byte, src []byte) {
	n := min(len(dst), len(src))
	i := 0

	for h := head(dst, n); i < h; i++ {
		dst[i] = src[i]
	}

	for ; i+wordSize <= n; i += wordSize {
		atomic.StoreUint32(word(dst, i), binary.NativeEndian.Uint32(src[i:]))
	}

	for ; i < n; i++ {
		dst[i] = src[i]
	}
}

// zero clears the mapping dst.
func zero(dst []byte) {
	n := len(dst)
	i := 0

	for h := head(dst, n); i < h; i++ {
		dst[i] = 0
	}

	for ; i+wordSize <= n; i += wordSize {
		atomic.StoreUint32(word(dst, i), 0)
	}

	for ; i < n; i++ {
		dst[i] = 0
	}
}
