// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package drv parses the store derivations that the queue runner expands
// into step graphs. A derivation is a declarative, deterministic build
// recipe identified by a content-addressed store path; it records its
// outputs, its input derivations, its target platform, and the
// environment variables its builder will see.
package drv

import (
	"bytes"
	"fmt"
	"strings"

	"forgequeue.dev/queuerunner/internal/aterm"
	"zombiezen.com/go/nix"
)

// Path identifies a store object by its absolute store path,
// e.g. "/nix/store/q4dz47g15qmlsm01aijr737w8avkaac6-hello.drv".
type Path string

// DerivationName returns the name portion of a ".drv" path
// and reports whether p refers to a derivation at all.
func (p Path) DerivationName() (string, bool) {
	s := string(p)
	const ext = ".drv"
	if !strings.HasSuffix(s, ext) {
		return "", false
	}
	slash := strings.LastIndexByte(s, '/')
	return s[slash+1 : len(s)-len(ext)], true
}

// Output describes one output slot of a [Derivation].
// Path is empty for outputs whose address is not known until the
// derivation is realized (floating content-addressed outputs).
type Output struct {
	Path          Path
	HashAlgorithm string
	Hash          string
}

// Derivation is a parsed store derivation.
//
// The field shapes mirror what the queue runner actually consumes:
// Outputs for validity checks, InputDerivations for recursive step
// expansion, Env for requiredSystemFeatures/preferLocalBuild, and
// Platform for machine-capability matching.
type Derivation struct {
	Path Path

	// Platform is the OS/architecture tuple the builder runs on,
	// e.g. "x86_64-linux".
	Platform string
	Builder  string
	Args     []string
	Env      map[string]string

	// InputSources are store paths this derivation depends on directly,
	// as opposed to the outputs of another derivation.
	InputSources []Path
	// InputDerivations maps an input derivation's path to the set of
	// its output names this derivation actually consumes.
	InputDerivations map[Path]map[string]struct{}
	// Outputs maps an output name (usually "out") to its descriptor.
	Outputs map[string]*Output
}

// EnvFeatures parses the requiredSystemFeatures environment variable
// as a whitespace-tokenized set, matching the convention used by the
// derivation's env map.
func (d *Derivation) EnvFeatures() map[string]struct{} {
	raw, ok := d.Env["requiredSystemFeatures"]
	if !ok || raw == "" {
		return nil
	}
	features := make(map[string]struct{})
	for _, f := range strings.Fields(raw) {
		features[f] = struct{}{}
	}
	return features
}

// WantsLocalBuild reports whether the derivation's environment requests
// a local build, independent of whether the platform is in the
// configured local-platform set. Callers intersect this with the
// local-platform set to compute Step.PreferLocalBuild.
func (d *Derivation) WantsLocalBuild() bool {
	return d.Env["preferLocalBuild"] == "1"
}

// Hash returns a content hash of the derivation's serialized form,
// used only as a stable, loggable identity for the derivation; it has
// no bearing on the store's own addressing scheme.
func (d *Derivation) Hash() nix.Hash {
	h := nix.NewHasher(nix.SHA256)
	h.Write(d.serializeForHashing())
	return h.SumHash()
}

func (d *Derivation) serializeForHashing() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\n%s\n%s\n", d.Path, d.Platform, d.Builder)
	for _, name := range sortedKeys(d.Outputs) {
		fmt.Fprintf(&buf, "out:%s=%s\n", name, d.Outputs[name].Path)
	}
	for _, path := range sortedPathKeys(d.InputDerivations) {
		fmt.Fprintf(&buf, "in:%s\n", path)
	}
	for _, key := range sortedKeys(d.Env) {
		fmt.Fprintf(&buf, "env:%s=%s\n", key, d.Env[key])
	}
	return buf.Bytes()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)
	return keys
}

func sortedPathKeys[V any](m map[Path]V) []Path {
	keys := make([]Path, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortPaths(keys)
	return keys
}

// ParseDerivation parses a derivation from its ATerm-encoded form,
// the same subset of the format that Nix itself uses to store ".drv"
// files.
func ParseDerivation(path Path, data []byte) (*Derivation, error) {
	d := &Derivation{
		Path: path,
		Env:  make(map[string]string),
	}
	data = bytes.TrimPrefix(data, []byte("Derive"))
	s := aterm.NewScanner(bytes.NewReader(data))

	if _, err := expect(s, aterm.LParen); err != nil {
		return nil, fmt.Errorf("parse derivation %s: %v", path, err)
	}

	if err := d.parseOutputs(s); err != nil {
		return nil, fmt.Errorf("parse derivation %s: outputs: %v", path, err)
	}
	if err := d.parseInputDerivations(s); err != nil {
		return nil, fmt.Errorf("parse derivation %s: input derivations: %v", path, err)
	}
	if err := d.parseInputSources(s); err != nil {
		return nil, fmt.Errorf("parse derivation %s: input sources: %v", path, err)
	}

	tok, err := expect(s, aterm.String)
	if err != nil {
		return nil, fmt.Errorf("parse derivation %s: platform: %v", path, err)
	}
	d.Platform = tok.Value

	tok, err = expect(s, aterm.String)
	if err != nil {
		return nil, fmt.Errorf("parse derivation %s: builder: %v", path, err)
	}
	d.Builder = tok.Value

	if err := parseStringList(s, func(arg string) error {
		d.Args = append(d.Args, arg)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("parse derivation %s: builder args: %v", path, err)
	}

	if err := d.parseEnv(s); err != nil {
		return nil, fmt.Errorf("parse derivation %s: env: %v", path, err)
	}

	if _, err := expect(s, aterm.RParen); err != nil {
		return nil, fmt.Errorf("parse derivation %s: %v", path, err)
	}
	return d, nil
}

func (d *Derivation) parseOutputs(s *aterm.Scanner) error {
	if _, err := expect(s, aterm.LBracket); err != nil {
		return err
	}
	d.Outputs = make(map[string]*Output)
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return err
		}
		if tok.Kind == aterm.RBracket {
			return nil
		}
		s.UnreadToken()

		if _, err := expect(s, aterm.LParen); err != nil {
			return err
		}
		nameTok, err := expect(s, aterm.String)
		if err != nil {
			return fmt.Errorf("name: %v", err)
		}
		pathTok, err := expect(s, aterm.String)
		if err != nil {
			return fmt.Errorf("%s: path: %v", nameTok.Value, err)
		}
		algoTok, err := expect(s, aterm.String)
		if err != nil {
			return fmt.Errorf("%s: hash algorithm: %v", nameTok.Value, err)
		}
		hashTok, err := expect(s, aterm.String)
		if err != nil {
			return fmt.Errorf("%s: hash: %v", nameTok.Value, err)
		}
		if _, err := expect(s, aterm.RParen); err != nil {
			return err
		}
		if _, exists := d.Outputs[nameTok.Value]; exists {
			return fmt.Errorf("multiple outputs named %q", nameTok.Value)
		}
		d.Outputs[nameTok.Value] = &Output{
			Path:          Path(pathTok.Value),
			HashAlgorithm: algoTok.Value,
			Hash:          hashTok.Value,
		}
	}
}

func (d *Derivation) parseInputDerivations(s *aterm.Scanner) error {
	if _, err := expect(s, aterm.LBracket); err != nil {
		return err
	}
	d.InputDerivations = make(map[Path]map[string]struct{})
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return err
		}
		if tok.Kind == aterm.RBracket {
			return nil
		}
		s.UnreadToken()

		if _, err := expect(s, aterm.LParen); err != nil {
			return err
		}
		pathTok, err := expect(s, aterm.String)
		if err != nil {
			return fmt.Errorf("path: %v", err)
		}
		outputs := make(map[string]struct{})
		if err := parseStringList(s, func(name string) error {
			outputs[name] = struct{}{}
			return nil
		}); err != nil {
			return fmt.Errorf("%s: output names: %v", pathTok.Value, err)
		}
		if _, err := expect(s, aterm.RParen); err != nil {
			return err
		}
		p := Path(pathTok.Value)
		if _, exists := d.InputDerivations[p]; exists {
			return fmt.Errorf("multiple entries for input derivation %s", p)
		}
		d.InputDerivations[p] = outputs
	}
}

func (d *Derivation) parseInputSources(s *aterm.Scanner) error {
	return parseStringList(s, func(src string) error {
		d.InputSources = append(d.InputSources, Path(src))
		return nil
	})
}

func (d *Derivation) parseEnv(s *aterm.Scanner) error {
	if _, err := expect(s, aterm.LBracket); err != nil {
		return err
	}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return err
		}
		switch tok.Kind {
		case aterm.RBracket:
			return nil
		case aterm.LParen:
		default:
			return fmt.Errorf("expected ']' or '(', found %v", tok)
		}

		keyTok, err := expect(s, aterm.String)
		if err != nil {
			return err
		}
		if _, exists := d.Env[keyTok.Value]; exists {
			return fmt.Errorf("multiple entries for %s", keyTok.Value)
		}
		valTok, err := expect(s, aterm.String)
		if err != nil {
			return fmt.Errorf("%s: %v", keyTok.Value, err)
		}
		if _, err := expect(s, aterm.RParen); err != nil {
			return fmt.Errorf("%s: %v", keyTok.Value, err)
		}
		d.Env[keyTok.Value] = valTok.Value
	}
}

func parseStringList(s *aterm.Scanner, yield func(string) error) error {
	if _, err := expect(s, aterm.LBracket); err != nil {
		return err
	}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return err
		}
		if tok.Kind == aterm.RBracket {
			return nil
		}
		if tok.Kind != aterm.String {
			return fmt.Errorf("expected string, found %v", tok)
		}
		if err := yield(tok.Value); err != nil {
			return err
		}
	}
}

func expect(s *aterm.Scanner, kind aterm.TokenKind) (aterm.Token, error) {
	tok, err := s.ReadToken()
	if err != nil {
		return aterm.Token{}, err
	}
	if tok.Kind != kind {
		return aterm.Token{}, fmt.Errorf("expected %v, found %v", kind, tok)
	}
	return tok, nil
}
