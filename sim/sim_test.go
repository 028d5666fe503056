// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemoryPages(t *testing.T) {
	m := &Memory{}

	// straddle a page boundary
	addr := uint(3*pageSize - 5)
	buf := []byte("0123456789")

	if err := m.Write(addr, buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := m.Read(addr-2, len(buf)+4)

	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	want := append([]byte{0, 0}, append(buf, 0, 0)...)

	if !bytes.Equal(got, want) {
		t.Fatalf("Got %x, want %x", got, want)
	}

	if err := m.Zero(addr+2, 4); err != nil {
		t.Fatalf("Zero failed: %v", err)
	}

	got, _ = m.Read(addr, len(buf))

	if want := []byte("01\x00\x00\x00\x006789"); !bytes.Equal(got, want) {
		t.Fatalf("Got %q, want %q", got, want)
	}

	if m.Writes != 2 {
		t.Fatalf("Got %d writes, want 2", m.Writes)
	}
}

func TestMemoryWindows(t *testing.T) {
	m := &Memory{
		Windows: [][2]uint{{0x1000, 0x2000}},
	}

	if err := m.Write(0x1ff0, make([]byte, 16)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := m.Write(0x1ff0, make([]byte, 17)); err == nil {
		t.Fatal("Write past window succeeded")
	}

	if _, err := m.Read(0x800, 1); err == nil {
		t.Fatal("Read outside window succeeded")
	}

	if err := m.Check(0x1000, 0x1000); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	if err := m.Check(0x1800, 0x1000); err == nil {
		t.Fatal("Check past window succeeded")
	}

	if m.Writes != 1 {
		t.Fatalf("Got %d writes, want 1", m.Writes)
	}
}

func TestMemoryFault(t *testing.T) {
	at := uint(0x1008)
	m := &Memory{FaultAt: &at}

	if err := m.Write(0x1000, make([]byte, 8)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := m.Zero(0x1004, 8); !errors.Is(err, ErrFault) {
		t.Fatalf("Got %v, want %v", err, ErrFault)
	}
}

func TestRegisters(t *testing.T) {
	r := &Registers{
		Values: map[uint32]uint32{0x10: 0xaa},
	}

	val, err := r.Read(0x10)

	if err != nil || val != 0xaa {
		t.Fatalf("Got %#x, %v", val, err)
	}

	if err := r.Write(0x14, 0x55); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	want := []Access{{Write: true, Addr: 0x14, Val: 0x55}}

	if diff := cmp.Diff(want, r.Writes()); diff != "" {
		t.Fatalf("Got writes diff: %s", diff)
	}

	if got, want := r.Trace(), "R 0x00000010 0x000000aa\nW 0x00000014 0x00000055\n"; got != want {
		t.Fatalf("Got trace %q, want %q", got, want)
	}

	r.FaultAt = new(uint32)
	*r.FaultAt = 0x14

	if _, err := r.Read(0x14); !errors.Is(err, ErrFault) {
		t.Fatalf("Got %v, want %v", err, ErrFault)
	}
}
