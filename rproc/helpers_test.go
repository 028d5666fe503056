// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package rproc

import (
	"debug/elf"
	"sync"
	"testing"
	"time"

	"github.com/usbarmory/sunxi-rproc/mem"
	"github.com/usbarmory/sunxi-rproc/sim"
)

const lineSize = 64

var testControl = ControlRegisterSet{
	PubSRAMConfig: 0x07102114,
	PubSRAMReset:  16,
	PubSRAMGating: 0,
	ConfigBGR:     0x07102124,
	ConfigReset:   16,
	ConfigGating:  0,
	CoreReset:     17,
	APBDebugReset: 18,
	Clock:         0x07102120,
	ClockGating:   31,
	StartAddress:  0x07130004,
}

// recorder implements Diagnostics for tests.
type recorder struct {
	sync.Mutex

	versions []string
	segments []uint
	steps    []Step
	started  []uint32
}

func (r *recorder) Version(_ int, v string) {
	r.Lock()
	defer r.Unlock()
	r.versions = append(r.versions, v)
}

func (r *recorder) Segment(_ int, _ *Segment, dst uint) {
	r.Lock()
	defer r.Unlock()
	r.segments = append(r.segments, dst)
}

func (r *recorder) Step(_ int, s Step, _ time.Duration) {
	r.Lock()
	defer r.Unlock()
	r.steps = append(r.steps, s)
}

func (r *recorder) Started(_ int, _ int, addr uint32, _ time.Duration) {
	r.Lock()
	defer r.Unlock()
	r.started = append(r.started, addr)
}

type fixture struct {
	mem   *sim.Memory
	regs  *sim.Registers
	cache *sim.Cache
	diag  *recorder
	rp    *Remoteproc
}

func newTable(t *testing.T, ranges ...mem.AddressRange) *mem.Table {
	t.Helper()

	if len(ranges) == 0 {
		ranges = []mem.AddressRange{
			{Low: 0x1000, High: 0x1fff, Base: 0x9000},
			{Low: 0x3ffc0000, High: 0x4003ffff, Base: 0x07280000},
		}
	}

	tbl, err := mem.NewTable(ranges...)

	if err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	return tbl
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		mem:   &sim.Memory{},
		regs:  &sim.Registers{},
		cache: &sim.Cache{},
		diag:  &recorder{},
	}

	f.rp = &Remoteproc{
		Machine: elf.EM_RISCV,
		Class:   elf.ELFCLASS32,
		Loader: &Loader{
			Table:         newTable(t),
			Memory:        f.mem,
			Cache:         f.cache,
			LineSize:      lineSize,
			VersionOffset: DefaultVersionOffset,
			Diagnostics:   f.diag,
		},
		Sequencer: &Sequencer{
			Registers:   f.regs,
			Control:     []ControlRegisterSet{testControl},
			Diagnostics: f.diag,
		},
		Diagnostics: f.diag,
	}

	return f
}
