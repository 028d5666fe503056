// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package verify implements auxiliary core image verification against
// signed manifests.
//
// A manifest is a signed note (golang.org/x/mod/sumdb/note) whose text is
// formatted like so:
//
//	sunxi-rproc image manifest v1
//	rproc<core identifier in decimal>
//	<SHA-256 image digest ASCII hex string>
//	<optional semantic version>
package verify

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
)

// ManifestHeader is the first line of every manifest.
const ManifestHeader = "sunxi-rproc image manifest v1"

// Manifest represents the signed statement about an auxiliary core image.
type Manifest struct {
	Core    int
	Digest  [sha256.Size]byte
	Version *semver.Version
}

func (m *Manifest) String() string {
	s := fmt.Sprintf("%s\nrproc%d\n%x\n", ManifestHeader, m.Core, m.Digest)

	if m.Version != nil {
		s += m.Version.String() + "\n"
	}

	return s
}

// ParseManifest parses the text of an opened manifest note.
func ParseManifest(text string) (m *Manifest, err error) {
	var lines []string

	s := bufio.NewScanner(strings.NewReader(text))

	for s.Scan() {
		lines = append(lines, s.Text())
	}

	if len(lines) < 3 || len(lines) > 4 {
		return nil, fmt.Errorf("invalid manifest, %d lines", len(lines))
	}

	if lines[0] != ManifestHeader {
		return nil, fmt.Errorf("invalid manifest header %q", lines[0])
	}

	m = &Manifest{}

	id, ok := strings.CutPrefix(lines[1], "rproc")

	if !ok {
		return nil, fmt.Errorf("invalid manifest core %q", lines[1])
	}

	if m.Core, err = strconv.Atoi(id); err != nil || m.Core < 0 {
		return nil, fmt.Errorf("invalid manifest core %q", lines[1])
	}

	digest, err := hex.DecodeString(lines[2])

	if err != nil || len(digest) != sha256.Size {
		return nil, fmt.Errorf("invalid manifest digest %q", lines[2])
	}

	copy(m.Digest[:], digest)

	if len(lines) == 4 {
		if m.Version, err = semver.NewVersion(lines[3]); err != nil {
			return nil, fmt.Errorf("invalid manifest version, %v", err)
		}
	}

	return
}

// Note verifies images against a signed manifest.
type Note struct {
	// Manifest is the signed manifest note
	Manifest []byte
	// Verifiers holds the trusted manifest signers
	Verifiers note.Verifiers
	// MinVersion, when set, rejects manifests without a version or with a
	// lower one.
	MinVersion *semver.Version
}

// NewNote returns an image verifier for a signed manifest, trusting the
// given note verifier keys.
func NewNote(manifest []byte, keys ...string) (*Note, error) {
	if len(keys) == 0 {
		return nil, errors.New("missing verifier keys")
	}

	var verifiers []note.Verifier

	for _, k := range keys {
		v, err := note.NewVerifier(strings.TrimSpace(k))

		if err != nil {
			return nil, fmt.Errorf("invalid verifier key, %v", err)
		}

		verifiers = append(verifiers, v)
	}

	return &Note{
		Manifest:  manifest,
		Verifiers: note.VerifierList(verifiers...),
	}, nil
}

// Open verifies the manifest signature and returns its parsed content.
func (n *Note) Open() (*Manifest, error) {
	if n.Verifiers == nil {
		return nil, errors.New("missing verifiers")
	}

	signed, err := note.Open(n.Manifest, n.Verifiers)

	if err != nil {
		return nil, fmt.Errorf("could not open manifest, %v", err)
	}

	return ParseManifest(signed.Text)
}

// Verify implements rproc.Verifier.
func (n *Note) Verify(image []byte, core int) (err error) {
	m, err := n.Open()

	if err != nil {
		return
	}

	if m.Core != core {
		return fmt.Errorf("manifest for rproc%d, not rproc%d", m.Core, core)
	}

	if sum := sha256.Sum256(image); sum != m.Digest {
		return fmt.Errorf("image digest mismatch (%x != %x)", sum, m.Digest)
	}

	if n.MinVersion == nil {
		return
	}

	switch {
	case m.Version == nil:
		return fmt.Errorf("missing manifest version, %s required", n.MinVersion)
	case m.Version.LessThan(*n.MinVersion):
		return fmt.Errorf("manifest version %s below %s", m.Version, n.MinVersion)
	}

	return
}

// Sign returns a signed manifest for an image.
func Sign(image []byte, core int, version string, signer note.Signer) ([]byte, error) {
	m := &Manifest{
		Core:   core,
		Digest: sha256.Sum256(image),
	}

	if version != "" {
		v, err := semver.NewVersion(version)

		if err != nil {
			return nil, fmt.Errorf("invalid version, %v", err)
		}

		m.Version = v
	}

	return note.Sign(&note.Note{Text: m.String()}, signer)
}
