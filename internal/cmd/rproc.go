// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/usbarmory/tamago/bits"

	"github.com/usbarmory/sunxi-rproc/platform"
	"github.com/usbarmory/sunxi-rproc/rproc"
	"github.com/usbarmory/sunxi-rproc/util"
)

// Platform is the configuration of the platform driven by the console.
var Platform *platform.Config

func init() {
	Add(Cmd{
		Name: "platform",
		Help: "show platform configuration",
		Fn:   platformCmd,
	})

	Add(Cmd{
		Name:    "regs",
		Args:    1,
		Pattern: regexp.MustCompile(`^regs (\d+)$`),
		Syntax:  "<core>",
		Help:    "show core control registers",
		Fn:      regsCmd,
	})

	Add(Cmd{
		Name:    "plan",
		Args:    1,
		Pattern: regexp.MustCompile(`^plan (?:0x)?([[:xdigit:]]+)$`),
		Syntax:  "<hex addr>",
		Help:    "show segment placement of resident image",
		Fn:      planCmd,
	})

	Add(Cmd{
		Name:    "boot",
		Args:    3,
		Pattern: regexp.MustCompile(`^boot (?:0x)?([[:xdigit:]]+) (?:0x)?([[:xdigit:]]+) (\d+)$`),
		Syntax:  "<hex addr> <hex run addr> <core>",
		Help:    "load resident image and start core (0 run addr for entry point)",
		Fn:      bootCmd,
	})

	Add(Cmd{
		Name:    "state",
		Args:    1,
		Pattern: regexp.MustCompile(`^state (\d+)$`),
		Syntax:  "<core>",
		Help:    "show core state",
		Fn:      stateCmd,
	})

	Add(Cmd{
		Name:    "sym",
		Args:    2,
		Pattern: regexp.MustCompile(`^sym (?:0x)?([[:xdigit:]]+) (\S+)$`),
		Syntax:  "<hex addr> <name>",
		Help:    "resolve symbol of resident image",
		Fn:      symCmd,
	})
}

func target() error {
	if Platform == nil || Remoteproc == nil {
		return errors.New("no platform selected")
	}

	return nil
}

func parseCore(s string) (int, error) {
	core, err := strconv.Atoi(s)

	if err != nil {
		return 0, fmt.Errorf("invalid core, %v", err)
	}

	return core, nil
}

// residentImage reads the image resident at the argument host address.
func residentImage(arg string) (buf []byte, err error) {
	m, err := memory()

	if err != nil {
		return
	}

	addr, err := ParseHex(arg, 64)

	if err != nil {
		return nil, fmt.Errorf("invalid address, %v", err)
	}

	limit := Remoteproc.MaxImageSize

	if limit <= 0 {
		limit = rproc.DefaultMaxImageSize
	}

	return rproc.ImageAt(m, uint(addr), limit)
}

func platformCmd(_ *term.Terminal, _ []string) (res string, err error) {
	if err = target(); err != nil {
		return
	}

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "platform ....: %s\n", Platform.Name)
	fmt.Fprintf(&buf, "core ........: %s/%d (%d instances)\n", Platform.Machine, Platform.Class, len(Platform.Cores))
	fmt.Fprintf(&buf, "cache line ..: %d\n", Platform.CacheLineSize)

	for _, r := range Platform.Ranges {
		fmt.Fprintf(&buf, "range .......: %s (%s)\n", r, humanize.IBytes(r.Size()))
	}

	return buf.String(), nil
}

func regsCmd(_ *term.Terminal, arg []string) (res string, err error) {
	if err = target(); err != nil {
		return
	}

	core, err := parseCore(arg[0])

	if err != nil {
		return
	}

	if core < 0 || core >= len(Platform.Cores) {
		return "", fmt.Errorf("%w (%d)", rproc.ErrInvalidCore, core)
	}

	ctl := Platform.Cores[core]
	regs := Remoteproc.Sequencer.Registers

	var buf bytes.Buffer
	t := tabwriter.NewWriter(&buf, 0, 8, 1, ' ', 0)

	for _, reg := range []struct {
		name   string
		addr   uint32
		fields map[string]int
	}{
		{"pubsram_cfg", ctl.PubSRAMConfig, map[string]int{"rst": ctl.PubSRAMReset, "gating": ctl.PubSRAMGating}},
		{"cfg_bgr", ctl.ConfigBGR, map[string]int{"cfg_rst": ctl.ConfigReset, "cfg_gating": ctl.ConfigGating, "core_rst": ctl.CoreReset, "apb_dbg_rst": ctl.APBDebugReset}},
		{"clk", ctl.Clock, map[string]int{"gating": ctl.ClockGating}},
		{"start_addr", ctl.StartAddress, nil},
	} {
		val, err := regs.Read(reg.addr)

		if err != nil {
			return "", fmt.Errorf("could not read %s, %v", reg.name, err)
		}

		fmt.Fprintf(t, "%s\t%#.8x\t%#.8x\t", reg.name, reg.addr, val)

		for _, name := range sortedKeys(reg.fields) {
			fmt.Fprintf(t, " %s:%d", name, bits.Get(&val, reg.fields[name], 1))
		}

		fmt.Fprintln(t)
	}

	_ = t.Flush()

	return buf.String(), nil
}

func planCmd(_ *term.Terminal, arg []string) (res string, err error) {
	if err = target(); err != nil {
		return
	}

	buf, err := residentImage(arg[0])

	if err != nil {
		return
	}

	img, err := rproc.ParseImage(buf)

	if err != nil {
		return
	}

	if err = img.Check(Remoteproc.Machine, Remoteproc.Class); err != nil {
		return
	}

	plan, err := Remoteproc.Loader.Plan(img)

	if err != nil {
		return
	}

	return FormatPlan(img, plan), nil
}

// FormatPlan returns a textual representation of segment placements.
func FormatPlan(img *rproc.Image, plan []rproc.Placement) string {
	var buf bytes.Buffer
	t := tabwriter.NewWriter(&buf, 0, 8, 1, ' ', 0)

	fmt.Fprintf(t, "entry %#.8x, %d segments, %s\n", img.Entry, len(plan), humanize.IBytes(uint64(img.Size)))
	fmt.Fprintf(t, "phdr\taddr\tdest\tfilesz\tmemsz\t\n")

	for _, p := range plan {
		seg := p.Segment
		fmt.Fprintf(t, "%d\t%#.8x\t%#.8x\t%s\t%s\t\n", seg.Index, seg.Addr, p.Dest,
			humanize.IBytes(uint64(seg.FileSize)), humanize.IBytes(uint64(seg.MemSize)))
	}

	_ = t.Flush()

	return buf.String()
}

func bootCmd(_ *term.Terminal, arg []string) (res string, err error) {
	if err = target(); err != nil {
		return
	}

	addr, err := ParseHex(arg[0], 64)

	if err != nil {
		return "", fmt.Errorf("invalid address, %v", err)
	}

	run, err := parseAddr(arg[1])

	if err != nil {
		return
	}

	core, err := parseCore(arg[2])

	if err != nil {
		return
	}

	ctx := rproc.BringupContext{
		ImageAddr: uint(addr),
		RunAddr:   run,
		Core:      core,
	}

	if err = Remoteproc.Boot(ctx); err != nil {
		return
	}

	return fmt.Sprintf("rproc%d %s", core, Remoteproc.State(core)), nil
}

func stateCmd(_ *term.Terminal, arg []string) (res string, err error) {
	if err = target(); err != nil {
		return
	}

	core, err := parseCore(arg[0])

	if err != nil {
		return
	}

	if core < 0 || core >= len(Platform.Cores) {
		return "", fmt.Errorf("%w (%d)", rproc.ErrInvalidCore, core)
	}

	return fmt.Sprintf("rproc%d %s", core, Remoteproc.State(core)), nil
}

func symCmd(_ *term.Terminal, arg []string) (res string, err error) {
	if err = target(); err != nil {
		return
	}

	buf, err := residentImage(arg[0])

	if err != nil {
		return
	}

	sym, err := util.LookupSym(buf, arg[1])

	if err != nil {
		return
	}

	res = fmt.Sprintf("%s %#.8x (%d bytes)", sym.Name, sym.Value, sym.Size)

	if dst, err := Remoteproc.Loader.Table.Translate(uint32(sym.Value)); err == nil {
		res += fmt.Sprintf(" -> %#.8x", dst)
	}

	return
}

func sortedKeys(m map[string]int) (keys []string) {
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return
}
