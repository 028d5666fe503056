// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
	"k8s.io/klog/v2"

	"github.com/usbarmory/sunxi-rproc/internal/testonly"
)

func TestLineWriter(t *testing.T) {
	var out bytes.Buffer

	w := &LineWriter{
		Out:   &out,
		Color: []byte("<"),
		Reset: []byte(">"),
	}

	fmt.Fprint(w, "first line\nsecond")

	if got, want := out.String(), "<first line\n>"; got != want {
		t.Fatalf("Got %q, want %q", got, want)
	}

	fmt.Fprint(w, " line\n")

	if got, want := out.String(), "<first line\n><second line\n>"; got != want {
		t.Fatalf("Got %q, want %q", got, want)
	}

	fmt.Fprint(w, "partial")

	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	if !strings.HasSuffix(out.String(), "<partial>") {
		t.Fatalf("Got %q after flush", out.String())
	}

	out.Reset()
	w.Write(bytes.Repeat([]byte{'a'}, outputLimit+10))

	if got := out.Len(); got != outputLimit+1+2 {
		t.Fatalf("Got %d bytes, want %d", got, outputLimit+3)
	}
}

// sessionTerminal returns a console terminal writing to out.
func sessionTerminal(out *bytes.Buffer) *term.Terminal {
	return term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{
		strings.NewReader(""),
		out,
	}, "")
}

func TestLogTo(t *testing.T) {
	var first, second bytes.Buffer

	detachFirst := LogTo(sessionTerminal(&first))
	detachSecond := LogTo(sessionTerminal(&second))
	defer detachSecond()

	klog.Info("both sessions")
	klog.Error("error record")

	for name, out := range map[string]*bytes.Buffer{"first": &first, "second": &second} {
		for _, want := range []string{"both sessions", "error record"} {
			if got := out.String(); !strings.Contains(got, want) {
				t.Fatalf("%s session lacks %q: %q", name, want, got)
			}
		}

		if n := strings.Count(out.String(), "error record"); n != 1 {
			t.Fatalf("%s session got error record %d times, want once", name, n)
		}
	}

	detachFirst()

	klog.Info("second session only")

	if strings.Contains(first.String(), "second session only") {
		t.Fatal("detached session still receives log output")
	}

	if !strings.Contains(second.String(), "second session only") {
		t.Fatal("detaching one session stopped logging to another")
	}
}

func TestBelowError(t *testing.T) {
	var out bytes.Buffer
	w := belowError{&out}

	for _, rec := range []string{"I0101 info\n", "W0101 warning\n", "E0101 error\n", "F0101 fatal\n"} {
		if n, err := w.Write([]byte(rec)); err != nil || n != len(rec) {
			t.Fatalf("Write(%q) = %d, %v", rec, n, err)
		}
	}

	if got, want := out.String(), "I0101 info\nW0101 warning\n"; got != want {
		t.Fatalf("Got %q, want %q", got, want)
	}
}

func TestLookupSym(t *testing.T) {
	buf := testonly.ELF(testonly.Image{
		Segments: []testonly.Segment{{Addr: 0x1000, Data: []byte("text")}},
	})

	if _, err := LookupSym(buf, "main"); err == nil {
		t.Fatal("LookupSym succeeded on image without symbols")
	}

	if runtime.GOOS != "linux" {
		t.Skip("requires an ELF test executable")
	}

	exe, err := os.Executable()

	if err != nil {
		t.Skip(err)
	}

	buf, err = os.ReadFile(exe)

	if err != nil {
		t.Skip(err)
	}

	sym, err := LookupSym(buf, "main.main")

	if err != nil {
		t.Fatalf("LookupSym failed: %v", err)
	}

	if sym.Value == 0 {
		t.Fatalf("Got symbol %+v", sym)
	}

	if _, err := LookupSym(buf, "no.such.symbol"); !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("Got %v, want %v", err, ErrSymbolNotFound)
	}
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	if err != nil {
		t.Fatal(err)
	}

	signer, err := ssh.NewSignerFromKey(key)

	if err != nil {
		t.Fatal(err)
	}

	return signer
}

func startConsole(t *testing.T, c *Console) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { l.Close() })

	if err := c.Start(l); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	return l.Addr().String()
}

func TestConsole(t *testing.T) {
	client := newSigner(t)
	lines := make(chan string, 1)

	c := &Console{
		Banner:         "test console",
		HostKey:        newSigner(t),
		AuthorizedKeys: []ssh.PublicKey{client.PublicKey()},
		Handler: func(t *term.Terminal, line string) error {
			lines <- line

			if line == "exit" {
				return io.EOF
			}

			fmt.Fprintf(t, "echo %s\n", line)

			return nil
		},
	}

	addr := startConsole(t, c)

	conf := &ssh.ClientConfig{
		User:            "test",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(client)},
		HostKeyCallback: ssh.FixedHostKey(c.HostKey.PublicKey()),
		Timeout:         5 * time.Second,
	}

	conn, err := ssh.Dial("tcp", addr, conf)

	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	session, err := conn.NewSession()

	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer session.Close()

	stdin, _ := session.StdinPipe()
	stdout, _ := session.StdoutPipe()

	if err = session.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("RequestPty failed: %v", err)
	}

	if err = session.Shell(); err != nil {
		t.Fatalf("Shell failed: %v", err)
	}

	output := make(chan string, 16)

	go func() {
		s := bufio.NewScanner(stdout)

		for s.Scan() {
			output <- s.Text()
		}

		close(output)
	}()

	fmt.Fprint(stdin, "state 0\r")

	select {
	case got := <-lines:
		if got != "state 0" {
			t.Fatalf("Got line %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for command")
	}

	timeout := time.After(5 * time.Second)

	for found := false; !found; {
		select {
		case l, ok := <-output:
			if !ok {
				t.Fatal("session closed before command output")
			}

			found = strings.Contains(l, "echo state 0")
		case <-timeout:
			t.Fatal("timeout waiting for command output")
		}
	}

	fmt.Fprint(stdin, "exit\r")

	select {
	case <-lines:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for exit")
	}
}

func TestConsoleUnauthorized(t *testing.T) {
	c := &Console{
		AuthorizedKeys: []ssh.PublicKey{newSigner(t).PublicKey()},
		Handler:        func(*term.Terminal, string) error { return nil },
	}

	addr := startConsole(t, c)

	conf := &ssh.ClientConfig{
		User:            "test",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(newSigner(t))},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	if conn, err := ssh.Dial("tcp", addr, conf); err == nil {
		conn.Close()
		t.Fatal("Dial succeeded with unauthorized key")
	}
}

func TestConsoleMissingHandler(t *testing.T) {
	if err := (&Console{}).Start(nil); err == nil {
		t.Fatal("Start accepted missing handler")
	}
}
