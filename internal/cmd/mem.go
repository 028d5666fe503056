// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/term"

	"github.com/usbarmory/sunxi-rproc/rproc"
)

const maxBufferSize = 102400

// Remoteproc is the auxiliary core orchestrator driven by the console.
var Remoteproc *rproc.Remoteproc

func init() {
	Add(Cmd{
		Name:    "peek",
		Args:    2,
		Pattern: regexp.MustCompile(`^peek (?:0x)?([[:xdigit:]]+) (\d+)$`),
		Syntax:  "<hex addr> <size>",
		Help:    "memory display (use with caution)",
		Fn:      memReadCmd,
	})

	Add(Cmd{
		Name:    "poke",
		Args:    2,
		Pattern: regexp.MustCompile(`^poke (?:0x)?([[:xdigit:]]+) (?:0x)?([[:xdigit:]]+)$`),
		Syntax:  "<hex addr> <hex value>",
		Help:    "memory write   (use with caution)",
		Fn:      memWriteCmd,
	})

	Add(Cmd{
		Name:    "translate",
		Args:    1,
		Pattern: regexp.MustCompile(`^translate (?:0x)?([[:xdigit:]]+)$`),
		Syntax:  "<hex addr>",
		Help:    "auxiliary core to host physical address",
		Fn:      translateCmd,
	})
}

func memory() (rproc.Memory, error) {
	if Remoteproc == nil || Remoteproc.Loader == nil || Remoteproc.Loader.Memory == nil {
		return nil, errors.New("no memory available")
	}

	return Remoteproc.Loader.Memory, nil
}

// ParseHex parses a hexadecimal value with an optional 0x prefix.
func ParseHex(s string, bitSize int) (uint64, error) {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}

	return strconv.ParseUint(s, 16, bitSize)
}

func parseAddr(s string) (uint32, error) {
	addr, err := ParseHex(s, 32)

	if err != nil {
		return 0, fmt.Errorf("invalid address, %v", err)
	}

	return uint32(addr), nil
}

func memReadCmd(_ *term.Terminal, arg []string) (res string, err error) {
	m, err := memory()

	if err != nil {
		return
	}

	addr, err := parseAddr(arg[0])

	if err != nil {
		return
	}

	size, err := strconv.ParseUint(arg[1], 10, 32)

	if err != nil {
		return "", fmt.Errorf("invalid size, %v", err)
	}

	if (addr%4) != 0 || (size%4) != 0 {
		return "", fmt.Errorf("only 32-bit aligned accesses are supported")
	}

	if size > maxBufferSize {
		return "", fmt.Errorf("size argument must be <= %d", maxBufferSize)
	}

	buf, err := m.Read(uint(addr), int(size))

	if err != nil {
		return
	}

	return hex.Dump(buf), nil
}

func memWriteCmd(_ *term.Terminal, arg []string) (res string, err error) {
	m, err := memory()

	if err != nil {
		return
	}

	addr, err := parseAddr(arg[0])

	if err != nil {
		return
	}

	val, err := ParseHex(arg[1], 32)

	if err != nil {
		return "", fmt.Errorf("invalid data, %v", err)
	}

	if (addr % 4) != 0 {
		return "", fmt.Errorf("only 32-bit aligned accesses are supported")
	}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(val))

	err = m.Write(uint(addr), buf)

	return
}

func translateCmd(_ *term.Terminal, arg []string) (res string, err error) {
	if Remoteproc == nil || Remoteproc.Loader == nil {
		return "", errors.New("no platform selected")
	}

	addr, err := parseAddr(arg[0])

	if err != nil {
		return
	}

	dst, err := Remoteproc.Loader.Table.Translate(addr)

	if err != nil {
		return
	}

	return fmt.Sprintf("%#.8x -> %#.8x", addr, dst), nil
}
