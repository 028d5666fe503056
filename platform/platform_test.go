// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package platform

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/sunxi-rproc/internal/testonly"
	"github.com/usbarmory/sunxi-rproc/mem"
	"github.com/usbarmory/sunxi-rproc/rproc"
	"github.com/usbarmory/sunxi-rproc/sim"
)

const testConfig = `
name: test
machine: riscv
class: 32
cache_line_size: 32
ranges:
  - {low: 0x1000, high: 0x1fff, base: 0x9000}
cores:
  - pubsram_cfg: 0x100
    pubsram_rst: 16
    cfg_bgr: 0x104
    cfg_rst: 16
    core_rst: 17
    apb_dbg_rst: 18
    clk: 0x108
    clk_gating: 31
    start_addr: 0x200
`

func TestBuiltin(t *testing.T) {
	if diff := cmp.Diff([]string{"sun55iw3"}, Names()); diff != "" {
		t.Fatalf("Got names diff: %s", diff)
	}

	conf, err := Lookup("sun55iw3")

	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	want := []mem.AddressRange{
		{Low: 0x3ffc0000, High: 0x4003ffff, Base: 0x07280000},
		{Low: 0x40400000, High: 0x7fffffff, Base: 0x40400000},
	}

	if diff := cmp.Diff(want, conf.Ranges); diff != "" {
		t.Fatalf("Got ranges diff: %s", diff)
	}

	if conf.CacheLineSize != 64 || conf.VersionOffset != rproc.DefaultVersionOffset {
		t.Fatalf("Got line size %d, version offset %d", conf.CacheLineSize, conf.VersionOffset)
	}

	machine, class, err := conf.ELF()

	if err != nil || machine != elf.EM_RISCV || class != elf.ELFCLASS32 {
		t.Fatalf("Got %v %v %v", machine, class, err)
	}

	tbl, err := conf.Table()

	if err != nil {
		t.Fatalf("Table failed: %v", err)
	}

	for addr, want := range map[uint32]uint32{
		0x3ffc0000: 0x07280000,
		0x4003ffff: 0x072bffff,
		0x40400000: 0x40400000,
		0x7fffffff: 0x7fffffff,
	} {
		if got, err := tbl.Translate(addr); err != nil || got != want {
			t.Fatalf("Translate(%#x): got %#x %v, want %#x", addr, got, err, want)
		}
	}

	for _, addr := range []uint32{0x3ffbffff, 0x40040000, 0x403fffff, 0x80000000} {
		if _, err := tbl.Translate(addr); !errors.Is(err, mem.ErrAddressNotMapped) {
			t.Fatalf("Translate(%#x): got %v, want %v", addr, err, mem.ErrAddressNotMapped)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup("sun50i"); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("Got %v, want %v", err, ErrUnknownPlatform)
	}
}

func TestParseErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		old  string
		new  string
	}{
		{"machine", "machine: riscv", "machine: mips"},
		{"class", "class: 32", "class: 16"},
		{"line size", "cache_line_size: 32", "cache_line_size: 48"},
		{"range", "high: 0x1fff", "high: 0x0fff"},
		{"register", "start_addr: 0x200", "start_addr: 0x201"},
		{"bit", "clk_gating: 31", "clk_gating: 32"},
		{"unknown field", "class: 32", "class: 32\nendianness: big"},
		{"name", "name: test", "name: \"\""},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := strings.Replace(testConfig, test.old, test.new, 1)

			if _, err := Parse(strings.NewReader(s)); err == nil {
				t.Fatal("Parse accepted invalid configuration")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	name := filepath.Join(t.TempDir(), "test.yaml")

	if err := os.WriteFile(name, []byte(testConfig), 0600); err != nil {
		t.Fatal(err)
	}

	conf, err := Load(name)

	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got, want := conf.Cores[0].StartAddress, uint32(0x200); got != want {
		t.Fatalf("Got start address %#x, want %#x", got, want)
	}

	regs, err := conf.Registers(0)

	if err != nil {
		t.Fatalf("Registers failed: %v", err)
	}

	if got, want := regs["clk"], uint32(0x108); got != want {
		t.Fatalf("Got clk %#x, want %#x", got, want)
	}

	if _, err := conf.Registers(1); !errors.Is(err, rproc.ErrInvalidCore) {
		t.Fatalf("Got %v, want %v", err, rproc.ErrInvalidCore)
	}
}

func TestRemoteproc(t *testing.T) {
	conf, err := Parse(strings.NewReader(testConfig))

	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	m := &sim.Memory{}
	regs := &sim.Registers{}
	cache := &sim.Cache{}

	rp, err := conf.Remoteproc(m, regs, cache)

	if err != nil {
		t.Fatalf("Remoteproc failed: %v", err)
	}

	img := testonly.ELF(testonly.Image{
		Entry: 0x1010,
		Segments: []testonly.Segment{
			{Addr: 0x1010, Data: testonly.Pattern(40, 7)},
		},
	})

	if err := rp.BootImage(img, 0, 0); err != nil {
		t.Fatalf("BootImage failed: %v", err)
	}

	if diff := cmp.Diff([][2]uint{{0x9000, 0x9040}}, cache.Flushed); diff != "" {
		t.Fatalf("Got flush diff: %s", diff)
	}

	if got := regs.Values[0x200]; got != 0x1010 {
		t.Fatalf("Got boot vector %#x, want %#x", got, 0x1010)
	}

	if got, want := rp.State(0), rproc.Running; got != want {
		t.Fatalf("Got state %v, want %v", got, want)
	}
}
