// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"fmt"
	"sync"
)

// Cache records flushed windows.
type Cache struct {
	sync.Mutex

	// Flushed holds every flushed [start, end) window in order
	Flushed [][2]uint
	// Fail makes every flush fail
	Fail bool
}

// Flush implements rproc.Cache.
func (c *Cache) Flush(start uint, end uint) error {
	c.Lock()
	defer c.Unlock()

	if c.Fail {
		return fmt.Errorf("%w flushing %#x-%#x", ErrFault, start, end)
	}

	c.Flushed = append(c.Flushed, [2]uint{start, end})

	return nil
}
