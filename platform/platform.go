// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package platform provides per-SoC auxiliary core configuration, selected
// at initialization by platform identifier.
package platform

import (
	"bytes"
	"debug/elf"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/usbarmory/sunxi-rproc/mem"
	"github.com/usbarmory/sunxi-rproc/rproc"
)

//go:embed configs/*.yaml
var configs embed.FS

// ErrUnknownPlatform is returned by Lookup for unregistered identifiers.
var ErrUnknownPlatform = errors.New("unknown platform")

var machines = map[string]elf.Machine{
	"riscv":   elf.EM_RISCV,
	"arm":     elf.EM_ARM,
	"aarch64": elf.EM_AARCH64,
}

// Config represents the auxiliary core configuration of a platform.
type Config struct {
	// Name is the platform identifier
	Name string `yaml:"name"`
	// Machine is the auxiliary core ELF machine name (riscv, arm, aarch64)
	Machine string `yaml:"machine"`
	// Class is the auxiliary core word width (32 or 64)
	Class int `yaml:"class"`

	// CacheLineSize is the host data cache line size
	CacheLineSize uint `yaml:"cache_line_size"`
	// VersionOffset locates the image version string within its first
	// segment, a negative value disables its report.
	VersionOffset int `yaml:"version_offset"`

	Ranges []mem.AddressRange          `yaml:"ranges"`
	Cores  []rproc.ControlRegisterSet `yaml:"cores"`
}

var (
	mu        sync.Mutex
	platforms = make(map[string]*Config)
)

func init() {
	entries, err := configs.ReadDir("configs")

	if err != nil {
		panic(err)
	}

	for _, e := range entries {
		buf, err := configs.ReadFile(path.Join("configs", e.Name()))

		if err != nil {
			panic(err)
		}

		conf, err := Parse(bytes.NewReader(buf))

		if err != nil {
			panic(fmt.Sprintf("invalid built-in platform %s, %v", e.Name(), err))
		}

		Register(conf)
	}
}

// Register adds a platform configuration, replacing any existing one with
// the same identifier.
func Register(conf *Config) {
	mu.Lock()
	defer mu.Unlock()

	platforms[conf.Name] = conf
}

// Lookup returns the configuration of a registered platform.
func Lookup(name string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	conf, ok := platforms[name]

	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownPlatform, name)
	}

	return conf, nil
}

// Names returns the sorted identifiers of all registered platforms.
func Names() (names []string) {
	mu.Lock()
	defer mu.Unlock()

	for name := range platforms {
		names = append(names, name)
	}

	sort.Strings(names)

	return
}

// Parse decodes and validates a YAML platform configuration.
func Parse(r io.Reader) (conf *Config, err error) {
	buf, err := io.ReadAll(r)

	if err != nil {
		return
	}

	conf = &Config{
		VersionOffset: rproc.DefaultVersionOffset,
	}

	if err = yaml.UnmarshalStrict(buf, conf); err != nil {
		return nil, fmt.Errorf("could not parse platform configuration, %v", err)
	}

	if err = conf.Validate(); err != nil {
		return nil, err
	}

	return
}

// Load reads a YAML platform configuration file.
func Load(name string) (*Config, error) {
	f, err := os.Open(name)

	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// ELF returns the auxiliary core machine type and class.
func (c *Config) ELF() (machine elf.Machine, class elf.Class, err error) {
	machine, ok := machines[strings.ToLower(c.Machine)]

	if !ok {
		return 0, 0, fmt.Errorf("invalid machine %q", c.Machine)
	}

	switch c.Class {
	case 32:
		class = elf.ELFCLASS32
	case 64:
		class = elf.ELFCLASS64
	default:
		return 0, 0, fmt.Errorf("invalid class (%d)", c.Class)
	}

	return
}

// Validate checks the configuration consistency.
func (c *Config) Validate() (err error) {
	if c.Name == "" {
		return errors.New("missing platform name")
	}

	if _, _, err = c.ELF(); err != nil {
		return
	}

	if !mem.IsPow2(c.CacheLineSize) {
		return fmt.Errorf("invalid cache line size (%d)", c.CacheLineSize)
	}

	if len(c.Ranges) == 0 {
		return errors.New("missing translation ranges")
	}

	if _, err = c.Table(); err != nil {
		return
	}

	if len(c.Cores) == 0 {
		return errors.New("missing core register sets")
	}

	for i := range c.Cores {
		if err = c.Cores[i].Validate(); err != nil {
			return fmt.Errorf("core %d, %v", i, err)
		}
	}

	return
}

// Table returns the platform address translation table.
func (c *Config) Table() (*mem.Table, error) {
	return mem.NewTable(c.Ranges...)
}

// Remoteproc returns an auxiliary core orchestrator for this platform over
// the given hardware access implementations.
func (c *Config) Remoteproc(m rproc.Memory, regs rproc.Registers, cache rproc.Cache) (*rproc.Remoteproc, error) {
	machine, class, err := c.ELF()

	if err != nil {
		return nil, err
	}

	t, err := c.Table()

	if err != nil {
		return nil, err
	}

	control := make([]rproc.ControlRegisterSet, len(c.Cores))
	copy(control, c.Cores)

	return &rproc.Remoteproc{
		Machine: machine,
		Class:   class,
		Loader: &rproc.Loader{
			Table:         t,
			Memory:        m,
			Cache:         cache,
			LineSize:      c.CacheLineSize,
			VersionOffset: c.VersionOffset,
		},
		Sequencer: &rproc.Sequencer{
			Registers: regs,
			Control:   control,
		},
	}, nil
}

// Registers returns the addresses of all control registers of a core.
func (c *Config) Registers(core int) (map[string]uint32, error) {
	if core < 0 || core >= len(c.Cores) {
		return nil, fmt.Errorf("%w (%d)", rproc.ErrInvalidCore, core)
	}

	ctl := c.Cores[core]

	return map[string]uint32{
		"pubsram_cfg": ctl.PubSRAMConfig,
		"cfg_bgr":     ctl.ConfigBGR,
		"clk":         ctl.Clock,
		"start_addr":  ctl.StartAddress,
	}, nil
}
