// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package devmem provides access to host physical memory and control
// registers through memory mappings of a Linux physical memory device
// (e.g. /dev/mem).
//
// Only the declared windows are mapped, any access outside them fails.
package devmem

import (
	"errors"
	"sort"
)

// DefaultPath is the Linux physical memory device.
const DefaultPath = "/dev/mem"

// ErrNotMapped is returned for accesses outside every mapped window.
var ErrNotMapped = errors.New("address outside mapped windows")

// Window represents a host physical address range to be mapped.
type Window struct {
	Start uint
	Size  uint
}

// Coalesce returns the given windows expanded to whole pages, sorted and
// merged when overlapping or adjacent.
func Coalesce(pageSize uint, windows ...Window) (merged []Window) {
	var pages []Window

	for _, w := range windows {
		start := w.Start &^ (pageSize - 1)
		end := (w.Start + w.Size + pageSize - 1) &^ (pageSize - 1)

		pages = append(pages, Window{Start: start, Size: end - start})
	}

	sort.Slice(pages, func(i, j int) bool {
		return pages[i].Start < pages[j].Start
	})

	for _, w := range pages {
		if n := len(merged); n > 0 && w.Start <= merged[n-1].Start+merged[n-1].Size {
			last := &merged[n-1]
			last.Size = max(last.Start+last.Size, w.Start+w.Size) - last.Start
			continue
		}

		merged = append(merged, w)
	}

	return
}
