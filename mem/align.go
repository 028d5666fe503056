// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

// IsPow2 returns whether n is a non-zero power of two.
func IsPow2(n uint) bool {
	return n != 0 && n&(n-1) == 0
}

// RoundDown aligns a to the previous multiple of l, which must be a power of
// two.
func RoundDown(a uint, l uint) uint {
	return a &^ (l - 1)
}

// RoundUp aligns a to the next multiple of l, which must be a power of two.
func RoundUp(a uint, l uint) uint {
	return (a + l - 1) &^ (l - 1)
}
