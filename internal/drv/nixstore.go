// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package drv

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"zombiezen.com/go/log"
)

// NixStore is a [Store] backed by the local nix-store command line
// tool. It shells out rather than linking against a store library
// directly, the same tradeoff the queue runner's upstream makes for
// every other store query: one process per query, pooled by the
// caller.
type NixStore struct {
	// BinDir is the directory containing the nix-store binary. If
	// empty, the binary is resolved from PATH.
	BinDir string
}

func (n *NixStore) command(ctx context.Context, args ...string) *exec.Cmd {
	name := "nix-store"
	if n.BinDir != "" {
		name = n.BinDir + "/nix-store"
	}
	c := exec.CommandContext(ctx, name, args...)
	c.Stderr = os.Stderr
	return c
}

// IsValidPath shells out to "nix-store --query --valid-paths".
func (n *NixStore) IsValidPath(ctx context.Context, path Path) (bool, error) {
	out, err := n.command(ctx, "--query", "--valid-paths", string(path)).Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// A non-zero exit without explicit output means the query itself failed.
			return false, nil
		}
		return false, fmt.Errorf("check validity of %s: %v", path, err)
	}
	return strings.TrimSpace(string(out)) == string(path), nil
}

// ReadDerivation obtains the raw ".drv" text by running
// "nix-store --dump-db-entry" on the store path, or, if that command
// fails, by reading the file at path directly, and parses it with
// [ParseDerivation].
func (n *NixStore) ReadDerivation(ctx context.Context, path Path) (*Derivation, error) {
	out, err := n.command(ctx, "--dump-db-entry", string(path)).Output()
	if err != nil {
		data, readErr := os.ReadFile(string(path))
		if readErr != nil {
			return nil, fmt.Errorf("read derivation %s: %v", path, err)
		}
		out = data
	}
	d, err := ParseDerivation(path, bytes.TrimSpace(out))
	if err != nil {
		return nil, err
	}
	log.Debugf(ctx, "Parsed derivation %s (platform %s)", path, d.Platform)
	return d, nil
}

// BuildOutput reads each declared output's store path and reports it
// verbatim, since a cached-success build by definition already has
// valid output paths.
func (n *NixStore) BuildOutput(ctx context.Context, d *Derivation) (*BuildOutput, error) {
	res := &BuildOutput{
		Outputs:     make(map[string]Path, len(d.Outputs)),
		ReleaseName: d.Env["name"],
	}
	for name, out := range d.Outputs {
		if out.Path == "" {
			return nil, fmt.Errorf("build output %s: output %s has no fixed path", d.Path, name)
		}
		valid, err := n.IsValidPath(ctx, out.Path)
		if err != nil {
			return nil, fmt.Errorf("build output %s: %v", d.Path, err)
		}
		if !valid {
			return nil, fmt.Errorf("build output %s: output %s (%s) is not valid", d.Path, name, out.Path)
		}
		res.Outputs[name] = out.Path
	}
	return res, nil
}
