// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cmd implements the operator console commands.
package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
	"k8s.io/klog/v2"
)

// Cmd represents a console command.
type Cmd struct {
	// Name is the command name, or its prefix when it takes arguments
	Name string
	// Args is the number of Pattern submatches passed to Fn
	Args int
	// Pattern matches the full command line, it defaults to Name
	Pattern *regexp.Regexp
	// Syntax describes the command arguments
	Syntax string
	// Help is the command description
	Help string
	// Fn is the command function
	Fn func(term *term.Terminal, arg []string) (res string, err error)
}

// Banner is the console welcome banner.
var Banner string

var cmds = make(map[string]*Cmd)

// Add registers a console command.
func Add(cmd Cmd) {
	if cmd.Pattern == nil {
		cmd.Pattern = regexp.MustCompile(`^` + regexp.QuoteMeta(strings.TrimSpace(cmd.Name)) + `$`)
	}

	cmds[cmd.Name] = &cmd
}

// Help returns the command list.
func Help(term *term.Terminal) string {
	var help bytes.Buffer
	var names []string

	t := tabwriter.NewWriter(&help, 16, 8, 0, '\t', tabwriter.TabIndent)

	for name := range cmds {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		_, _ = fmt.Fprintf(t, "%s\t%s\t # %s\n", cmds[name].Name, cmds[name].Syntax, cmds[name].Help)
	}

	_ = t.Flush()

	if term != nil {
		return string(term.Escape.Cyan) + help.String() + string(term.Escape.Reset)
	}

	return help.String()
}

// Exec runs the command matching a console line.
func Exec(term *term.Terminal, line string) (res string, err error) {
	line = strings.TrimSpace(line)

	if len(line) == 0 {
		return
	}

	for _, cmd := range cmds {
		m := cmd.Pattern.FindStringSubmatch(line)

		if m == nil || len(m) != cmd.Args+1 {
			continue
		}

		return cmd.Fn(term, m[1:])
	}

	return "", errors.New("unknown command, type `help`")
}

// Handler implements the console line handler.
func Handler(term *term.Terminal, line string) (err error) {
	res, err := Exec(term, line)

	if len(res) > 0 {
		_, _ = fmt.Fprintln(term, res)
	}

	if err == io.EOF {
		return
	}

	if err != nil {
		klog.Errorf("%s: %v", line, err)
		_, _ = fmt.Fprintf(term, "error: %v\n", err)
		return nil
	}

	return
}
