// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
	"k8s.io/klog/v2"
)

const outputLimit = 1024
const flushChr = 0x0a // \n

// LineWriter buffers output and forwards it one line at a time, optionally
// wrapped in terminal escape sequences.
type LineWriter struct {
	sync.Mutex

	// Out is the line destination
	Out io.Writer
	// Color and Reset, when set, surround each line
	Color []byte
	Reset []byte

	buf bytes.Buffer
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.Lock()
	defer w.Unlock()

	for _, c := range p {
		w.buf.WriteByte(c)

		if c == flushChr || w.buf.Len() > outputLimit {
			if err := w.flush(); err != nil {
				return 0, err
			}
		}
	}

	return len(p), nil
}

// Flush writes any buffered partial line.
func (w *LineWriter) Flush() error {
	w.Lock()
	defer w.Unlock()

	return w.flush()
}

func (w *LineWriter) flush() (err error) {
	if w.buf.Len() == 0 {
		return
	}

	defer w.buf.Reset()

	if len(w.Color) > 0 {
		if _, err = w.Out.Write(w.Color); err != nil {
			return
		}
	}

	if _, err = w.Out.Write(w.buf.Bytes()); err != nil {
		return
	}

	if len(w.Reset) > 0 {
		_, err = w.Out.Write(w.Reset)
	}

	return
}

// belowError forwards log records of INFO and WARNING severity, klog writes
// ERROR and FATAL ones to standard error itself (stderrthreshold) once
// standard error logging is disabled.
type belowError struct {
	io.Writer
}

func (w belowError) Write(p []byte) (int, error) {
	if len(p) > 0 && (p[0] == 'E' || p[0] == 'F') {
		return len(p), nil
	}

	return w.Writer.Write(p)
}

// mirror forwards log output to every attached console terminal.
type mirror struct {
	sync.Mutex
	out map[*term.Terminal]*LineWriter
}

func (m *mirror) Write(p []byte) (int, error) {
	m.Lock()
	defer m.Unlock()

	for _, w := range m.out {
		// a failing session must not affect logging
		_, _ = w.Write(p)
	}

	return len(p), nil
}

func (m *mirror) set(t *term.Terminal, w *LineWriter) int {
	m.Lock()
	defer m.Unlock()

	if m.out == nil {
		m.out = make(map[*term.Terminal]*LineWriter)
	}

	if w != nil {
		m.out[t] = w
	} else {
		delete(m.out, t)
	}

	return len(m.out)
}

var (
	sessions = &mirror{}
	// serializes klog reconfiguration, klog holds its own lock while
	// writing to sessions
	logMutex sync.Mutex
)

// LogTo mirrors log output to a console terminal until the returned function
// is called, log output to standard error is unaffected.
func LogTo(t *term.Terminal) (detach func()) {
	logMutex.Lock()
	defer logMutex.Unlock()

	w := &LineWriter{
		Out:   t,
		Color: t.Escape.Green,
		Reset: t.Escape.Reset,
	}

	if sessions.set(t, w) == 1 {
		// every severity falls through to INFO
		klog.SetOutputBySeverity("INFO", io.MultiWriter(belowError{os.Stderr}, sessions))

		for _, s := range []string{"WARNING", "ERROR", "FATAL"} {
			klog.SetOutputBySeverity(s, io.Discard)
		}

		klog.LogToStderr(false)
	}

	return func() {
		logMutex.Lock()
		defer logMutex.Unlock()

		if sessions.set(t, nil) == 0 {
			klog.LogToStderr(true)
		}
	}
}
