// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package rproc

import (
	"fmt"
	"sync"
	"time"

	"github.com/usbarmory/tamago/bits"
)

// ControlRegisterSet represents the power, clock and reset registers of an
// auxiliary core instance, bit fields are expressed as bit positions.
type ControlRegisterSet struct {
	// PUBSRAM configuration register
	PubSRAMConfig uint32 `yaml:"pubsram_cfg"`
	PubSRAMReset  int    `yaml:"pubsram_rst"`
	PubSRAMGating int    `yaml:"pubsram_gating"`

	// core configuration block bus gating and reset register
	ConfigBGR     uint32 `yaml:"cfg_bgr"`
	ConfigReset   int    `yaml:"cfg_rst"`
	ConfigGating  int    `yaml:"cfg_gating"`
	CoreReset     int    `yaml:"core_rst"`
	APBDebugReset int    `yaml:"apb_dbg_rst"`

	// core clock register
	Clock       uint32 `yaml:"clk"`
	ClockGating int    `yaml:"clk_gating"`

	// boot vector register
	StartAddress uint32 `yaml:"start_addr"`
}

// Validate checks register alignment and bit positions.
func (c *ControlRegisterSet) Validate() error {
	regs := map[string]uint32{
		"pubsram_cfg": c.PubSRAMConfig,
		"cfg_bgr":     c.ConfigBGR,
		"clk":         c.Clock,
		"start_addr":  c.StartAddress,
	}

	seen := make(map[uint32]string)

	for name, addr := range regs {
		if addr == 0 || addr%4 != 0 {
			return fmt.Errorf("invalid %s register address (%#x)", name, addr)
		}

		if prev, ok := seen[addr]; ok {
			return fmt.Errorf("%s and %s registers share address %#x", prev, name, addr)
		}

		seen[addr] = name
	}

	for name, pos := range map[string]int{
		"pubsram_rst":    c.PubSRAMReset,
		"pubsram_gating": c.PubSRAMGating,
		"cfg_rst":        c.ConfigReset,
		"cfg_gating":     c.ConfigGating,
		"core_rst":       c.CoreReset,
		"apb_dbg_rst":    c.APBDebugReset,
		"clk_gating":     c.ClockGating,
	} {
		if pos < 0 || pos > 31 {
			return fmt.Errorf("invalid %s bit position (%d)", name, pos)
		}
	}

	return nil
}

// Step represents a bring-up sequence step.
type Step int

// Bring-up sequence steps, in execution order.
const (
	StepPowerRelease Step = iota + 1
	StepHold
	StepLoad
	StepConfigReset
	StepBootVector
	StepCoreRelease
	StepClockEnable
)

func (s Step) String() string {
	switch s {
	case StepPowerRelease:
		return "power domain release"
	case StepHold:
		return "core hold"
	case StepLoad:
		return "image load"
	case StepConfigReset:
		return "config reset/gating"
	case StepBootVector:
		return "boot vector"
	case StepCoreRelease:
		return "core reset release"
	case StepClockEnable:
		return "clock enable"
	}

	return fmt.Sprintf("step %d", int(s))
}

// State represents the auxiliary core state as driven by the sequencer.
type State int

// Auxiliary core states.
const (
	// Held is the initial state, the core has not been touched
	Held State = iota
	// InFlight indicates a bring-up sequence in progress
	InFlight
	// Running indicates the core has been released at its boot vector,
	// there is no way back to Held.
	Running
	// Aborted indicates a failed sequence, the core is held with an
	// unknown partial configuration.
	Aborted
)

func (s State) String() string {
	switch s {
	case Held:
		return "held"
	case InFlight:
		return "in flight"
	case Running:
		return "running"
	case Aborted:
		return "aborted"
	}

	return fmt.Sprintf("state %d", int(s))
}

// Sequencer drives the control registers releasing an auxiliary core from
// reset.
type Sequencer struct {
	sync.Mutex

	// Registers provides access to the control registers
	Registers Registers
	// Control holds one register set per core identifier
	Control []ControlRegisterSet
	// Diagnostics receives step timings
	Diagnostics Diagnostics

	state map[int]State
}

// State returns the state of a core.
func (s *Sequencer) State(core int) State {
	s.Lock()
	defer s.Unlock()

	return s.state[core]
}

func (s *Sequencer) acquire(core int) error {
	s.Lock()
	defer s.Unlock()

	if core < 0 || core >= len(s.Control) {
		return fmt.Errorf("%w (%d)", ErrInvalidCore, core)
	}

	switch s.state[core] {
	case InFlight:
		return ErrCoreBusy
	case Running:
		return ErrCoreRunning
	}

	if s.state == nil {
		s.state = make(map[int]State)
	}

	s.state[core] = InFlight

	return nil
}

func (s *Sequencer) release(core int, state State) {
	s.Lock()
	defer s.Unlock()

	s.state[core] = state
}

// set performs a read-modify-write setting the given bit positions.
func (s *Sequencer) set(addr uint32, pos ...int) error {
	val, err := s.Registers.Read(addr)

	if err != nil {
		return err
	}

	for _, p := range pos {
		bits.Set(&val, p)
	}

	return s.Registers.Write(addr, val)
}

// BringUp releases an auxiliary core from reset at runAddr, the load
// function is invoked while the core is held and must complete before any
// reset is released.
//
// The sequence is irreversible: once started any failure leaves the core in
// the Aborted state and is returned as *BringupError, nothing is retried.
// Invocations on a core which is in flight or running are rejected without
// register access.
func (s *Sequencer) BringUp(core int, runAddr uint32, load func() error) (err error) {
	if err = s.acquire(core); err != nil {
		return
	}

	ctl := s.Control[core]
	d := diagnostics(s.Diagnostics)

	if load == nil {
		load = func() error { return nil }
	}

	steps := []struct {
		step Step
		fn   func() error
	}{
		{StepPowerRelease, func() error {
			return s.set(ctl.PubSRAMConfig, ctl.PubSRAMReset, ctl.PubSRAMGating)
		}},
		{StepHold, func() error {
			return s.Registers.Write(ctl.ConfigBGR, 0)
		}},
		{StepLoad, load},
		{StepConfigReset, func() error {
			var val uint32

			bits.Set(&val, ctl.ConfigReset)
			bits.Set(&val, ctl.ConfigGating)

			return s.Registers.Write(ctl.ConfigBGR, val)
		}},
		{StepBootVector, func() error {
			return s.Registers.Write(ctl.StartAddress, runAddr)
		}},
		{StepCoreRelease, func() error {
			return s.set(ctl.ConfigBGR, ctl.CoreReset, ctl.APBDebugReset)
		}},
		{StepClockEnable, func() error {
			return s.set(ctl.Clock, ctl.ClockGating)
		}},
	}

	for _, st := range steps {
		start := time.Now()

		if err = st.fn(); err != nil {
			s.release(core, Aborted)
			return &BringupError{Core: core, Step: st.step, Err: err}
		}

		d.Step(core, st.step, time.Since(start))
	}

	s.release(core, Running)

	return
}
