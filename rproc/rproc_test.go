// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package rproc

import (
	"bytes"
	"debug/elf"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/sunxi-rproc/internal/testonly"
)

const imageAddr = 0x4a000000

type verifierFunc func([]byte, int) error

func (f verifierFunc) Verify(buf []byte, core int) error {
	return f(buf, core)
}

func testImage() []byte {
	return testonly.ELF(testonly.Image{
		Entry: 0x1040,
		Segments: []testonly.Segment{
			{Addr: 0x1040, Data: testonly.Pattern(64, 3)},
			{Addr: 0x3ffc0000, Data: testonly.Pattern(100, 4), MemSize: 256},
		},
	})
}

func startAddress(t *testing.T, f *fixture) uint32 {
	t.Helper()

	var addr uint32
	found := false

	for _, a := range f.regs.Writes() {
		if a.Addr == testControl.StartAddress {
			addr = a.Val
			found = true
		}
	}

	if !found {
		t.Fatal("boot vector never written")
	}

	return addr
}

func TestBootImage(t *testing.T) {
	for _, test := range []struct {
		name    string
		runAddr uint32
		want    uint32
	}{
		{
			name: "image entry",
			want: 0x1040,
		}, {
			name:    "override",
			runAddr: 0x3ffc0000,
			want:    0x3ffc0000,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)

			if err := f.rp.BootImage(testImage(), test.runAddr, 0); err != nil {
				t.Fatalf("BootImage failed: %v", err)
			}

			if got := startAddress(t, f); got != test.want {
				t.Fatalf("Got boot vector %#x, want %#x", got, test.want)
			}

			if got, want := f.rp.State(0), Running; got != want {
				t.Fatalf("Got state %v, want %v", got, want)
			}

			if diff := cmp.Diff([]uint32{test.want}, f.diag.started); diff != "" {
				t.Fatalf("Got started diff: %s", diff)
			}

			if diff := cmp.Diff([]uint{0x9040, 0x07280000}, f.diag.segments); diff != "" {
				t.Fatalf("Got segments diff: %s", diff)
			}

			want := [][2]uint{
				{0x9040, 0x9080},
				{0x07280000, 0x07280100},
			}

			if diff := cmp.Diff(want, f.cache.Flushed); diff != "" {
				t.Fatalf("Got flush diff: %s", diff)
			}
		})
	}
}

func TestBoot(t *testing.T) {
	f := newFixture(t)
	buf := testImage()

	// image followed by garbage in shared memory
	f.mem.Fill(imageAddr, 2*len(buf), 0xa5)

	if err := f.mem.Write(imageAddr, buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	ctx := BringupContext{
		ImageAddr: imageAddr,
		Core:      0,
	}

	if err := f.rp.Boot(ctx); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}

	got, err := f.mem.Read(0x9040, 64)

	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if !bytes.Equal(got, testonly.Pattern(64, 3)) {
		t.Fatalf("Got segment %x", got)
	}

	if got := startAddress(t, f); got != 0x1040 {
		t.Fatalf("Got boot vector %#x, want %#x", got, 0x1040)
	}
}

func TestBootImageVerification(t *testing.T) {
	f := newFixture(t)
	reject := errors.New("bad signature")

	var gotCore int

	f.rp.Verifier = verifierFunc(func(buf []byte, core int) error {
		gotCore = core
		return reject
	})

	err := f.rp.BootImage(testImage(), 0, 0)

	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Got %v, want %v", err, ErrVerificationFailed)
	}

	var ce *CoreError

	if !errors.As(err, &ce) || ce.Core != 0 {
		t.Fatalf("Got %v, want *CoreError for core 0", err)
	}

	if gotCore != 0 {
		t.Fatalf("Verifier invoked for core %d", gotCore)
	}

	if len(f.regs.Log) != 0 || f.mem.Writes != 0 || len(f.cache.Flushed) != 0 {
		t.Fatalf("Hardware touched after verification failure (%d register accesses, %d writes, %d flushes)",
			len(f.regs.Log), f.mem.Writes, len(f.cache.Flushed))
	}

	if got, want := f.rp.State(0), Held; got != want {
		t.Fatalf("Got state %v, want %v", got, want)
	}
}

func TestBootImagePreconditions(t *testing.T) {
	for _, test := range []struct {
		name    string
		image   []byte
		runAddr uint32
		core    int
		windows [][2]uint
		want    error
	}{
		{
			name:    "unmapped run address",
			image:   testImage(),
			runAddr: 0x2000,
			want:    ErrAddressNotMapped,
		}, {
			name: "unmapped segment",
			image: testonly.ELF(testonly.Image{
				Entry: 0x1000,
				Segments: []testonly.Segment{
					{Addr: 0x1000, Data: testonly.Pattern(16, 1)},
					{Addr: 0x2000, Data: testonly.Pattern(16, 2)},
				},
			}),
			want: ErrUnmappedSegment,
		}, {
			name:    "inaccessible segment",
			image:   testImage(),
			windows: [][2]uint{{0x9000, 0xa000}},
			want:    ErrSegmentInaccessible,
		}, {
			name: "machine",
			image: testonly.ELF(testonly.Image{
				Machine: elf.EM_AARCH64,
				Entry:   0x1000,
				Segments: []testonly.Segment{
					{Addr: 0x1000, Data: testonly.Pattern(16, 1)},
				},
			}),
			want: ErrMachineMismatch,
		}, {
			name:  "malformed",
			image: []byte("not an executable"),
			want:  ErrMalformedImage,
		}, {
			name:  "invalid core",
			image: testImage(),
			core:  3,
			want:  ErrInvalidCore,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			f.mem.Windows = test.windows

			err := f.rp.BootImage(test.image, test.runAddr, test.core)

			if !errors.Is(err, test.want) {
				t.Fatalf("Got %v, want %v", err, test.want)
			}

			if len(f.regs.Log) != 0 || f.mem.Writes != 0 {
				t.Fatalf("Hardware touched (%d register accesses, %d writes)", len(f.regs.Log), f.mem.Writes)
			}
		})
	}
}

func TestBootImageLoadFault(t *testing.T) {
	f := newFixture(t)
	f.cache.Fail = true

	err := f.rp.BootImage(testImage(), 0, 0)

	for _, target := range []error{ErrBringupAborted, ErrCopyOrFlushFault} {
		if !errors.Is(err, target) {
			t.Fatalf("Got %v, want %v", err, target)
		}
	}

	var ce *CoreError

	if !errors.As(err, &ce) {
		t.Fatalf("Got %T, want *CoreError", err)
	}

	if n := strings.Count(err.Error(), "rproc0"); n != 1 {
		t.Fatalf("Got core named %d times in %q, want once", n, err)
	}

	for _, a := range f.regs.Writes() {
		if a.Addr == testControl.StartAddress {
			t.Fatal("Boot vector written after load failure")
		}
	}

	if got, want := f.rp.State(0), Aborted; got != want {
		t.Fatalf("Got state %v, want %v", got, want)
	}

	if err := f.rp.BootImage(testImage(), 0, 0); errors.Is(err, ErrCoreRunning) {
		t.Fatal("Aborted core reported as running")
	}
}

func TestBootTwice(t *testing.T) {
	f := newFixture(t)

	if err := f.rp.BootImage(testImage(), 0, 0); err != nil {
		t.Fatalf("BootImage failed: %v", err)
	}

	n := len(f.regs.Log)
	writes := f.mem.Writes

	if err := f.rp.BootImage(testImage(), 0, 0); !errors.Is(err, ErrCoreRunning) {
		t.Fatalf("Got %v, want %v", err, ErrCoreRunning)
	}

	if len(f.regs.Log) != n || f.mem.Writes != writes {
		t.Fatal("Hardware touched on running core")
	}
}

func TestResolveEntry(t *testing.T) {
	img := &Image{Entry: 0x3ffc0000}

	for requested, want := range map[uint32]uint32{
		0:          0x3ffc0000,
		0x40400000: 0x40400000,
		0x3ffc0000: 0x3ffc0000,
	} {
		if got := ResolveEntry(img, requested); got != want {
			t.Fatalf("ResolveEntry(%#x): got %#x, want %#x", requested, got, want)
		}
	}
}
