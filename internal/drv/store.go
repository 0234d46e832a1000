// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package drv

import "context"

// BuildOutput is the result of a derivation that the store already
// holds valid outputs for. It is read once, when a build turns out to
// be a cached success, so its status can be recorded without running
// any builder.
type BuildOutput struct {
	// Outputs maps an output name to the store path the store reports
	// for it.
	Outputs map[string]Path
	// ReleaseName is the human-readable release string the derivation
	// advertises via its "name" environment variable, if any.
	ReleaseName string
}

// Store is the narrow, opaque view of the artifact store that the
// queue runner needs: whether a path is present, what a derivation
// says, and what a derivation that turned out to be already-built
// produced. Everything else about validity checking, derivation
// evaluation, and output computation belongs to the store
// implementation, not to the queue runner.
type Store interface {
	// IsValidPath reports whether path currently exists and is valid
	// in the store.
	IsValidPath(ctx context.Context, path Path) (bool, error)
	// ReadDerivation parses the derivation at path.
	ReadDerivation(ctx context.Context, path Path) (*Derivation, error)
	// BuildOutput computes the [BuildOutput] for a derivation whose
	// outputs are already valid.
	BuildOutput(ctx context.Context, d *Derivation) (*BuildOutput, error)
}
