// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"slices"
	"sync"
	"weak"

	"forgequeue.dev/queuerunner/internal/drv"
	"forgequeue.dev/queuerunner/internal/sets"
)

// Step is a node in the shared execution DAG for one derivation. At
// most one live Step exists per derivation path: the [Interner]
// enforces this by handing out weak handles and upgrading them to
// strong references only while a caller holds one.
type Step struct {
	DrvPath drv.Path

	// Derivation is written exactly once, by whichever goroutine wins
	// the race to intern a brand new Step, before the step becomes
	// visible to anything but that goroutine.
	Derivation *drv.Derivation

	RequiredSystemFeatures map[string]struct{}
	PreferLocalBuild       bool

	state stepState
}

// stepState holds every mutable field of a Step behind one mutex. The
// interner's lock is always acquired before this lock, and is always
// released before any of this step's dependents recurse into their own
// children, so sibling steps never wait on each other's state lock.
type stepState struct {
	mu sync.Mutex

	// deps are the steps this step depends on and has not yet seen
	// complete. A Step strongly owns its deps: as long as a Step is
	// reachable, so is everything in deps, transitively.
	deps sets.Set[*Step]
	// rdeps are weak back-references to steps that depend on this one.
	// They exist purely for diagnostics (e.g. "what is waiting on this
	// step") and must never be used to extend this step's lifetime.
	rdeps []weak.Pointer[Step]
	// builds are weak back-references to the Builds that want this
	// step's outputs, for the same reason.
	builds []BuildID

	// created becomes true once initialization (derivation read,
	// feature parsing, dependency linking) has finished. No Step may be
	// treated as runnable before this is true.
	created bool
}

// Created reports whether the step has finished initialization.
func (s *Step) Created() bool {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.created
}

// Deps returns a snapshot of the step's current dependency set.
func (s *Step) Deps() []*Step {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return slices.Collect(s.state.deps.All())
}

// Runnable reports whether the step has finished initialization and has
// no remaining dependencies.
func (s *Step) Runnable() bool {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.created && s.state.deps.Len() == 0
}

// removeDep removes dep from the step's remaining dependency set and
// reports whether the step became runnable as a result (i.e. it was
// already created and this was the last dependency). Called by
// [Monitor.StepCompleted] when the external dispatcher reports that a
// dependency has finished.
func (s *Step) removeDep(dep *Step) (becameRunnable bool) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.deps.Delete(dep)
	return s.state.created && s.state.deps.Len() == 0
}

// BuildIDs returns a snapshot of the builds that currently reference
// this step.
func (s *Step) BuildIDs() []BuildID {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return append([]BuildID(nil), s.state.builds...)
}

// Interner maps derivation paths to weak handles on the single live
// Step for that path. A stale (expired) weak entry is evicted on next
// lookup. The interner's own lock must be acquired before any step's
// state lock, and released before recursing into that step's
// dependencies.
type Interner struct {
	mu    sync.Mutex
	steps map[drv.Path]weak.Pointer[Step]
}

// NewInterner returns an empty step interner.
func NewInterner() *Interner {
	return &Interner{steps: make(map[drv.Path]weak.Pointer[Step])}
}

// LookupOrInstall returns the live Step for drvPath, creating and
// installing a new, uninitialized one if none exists. isNew reports
// whether the caller is responsible for initializing the step (reading
// its derivation, linking dependencies, and marking it created).
//
// referringBuild and referringStep, if non-zero, are linked onto the
// returned step's back-reference lists under the step's own state lock
// before LookupOrInstall returns, so that the step can never become
// reachable from a new build after it has been dropped from the
// interner.
func (in *Interner) LookupOrInstall(drvPath drv.Path, referringBuild BuildID, referringStep *Step) (step *Step, isNew bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if weakStep, ok := in.steps[drvPath]; ok {
		if s := weakStep.Value(); s != nil {
			step = s
		} else {
			delete(in.steps, drvPath)
		}
	}
	if step == nil {
		step = &Step{DrvPath: drvPath}
		isNew = true
		in.steps[drvPath] = weak.Make(step)
	}

	step.state.mu.Lock()
	if referringBuild != 0 {
		step.state.builds = append(step.state.builds, referringBuild)
	}
	if referringStep != nil {
		step.state.rdeps = append(step.state.rdeps, weak.Make(referringStep))
	}
	step.state.mu.Unlock()

	return step, isNew
}

// finishInit marks step as created, installing deps as its remaining
// dependency set. It must be called by whichever caller received
// isNew=true from LookupOrInstall for this step, and only once.
func finishInit(step *Step, deps []*Step) (runnable bool) {
	step.state.mu.Lock()
	defer step.state.mu.Unlock()
	step.state.deps = sets.Collect(sliceValues(deps))
	step.state.created = true
	return step.state.deps.Len() == 0
}

func sliceValues[T any](s []T) func(func(T) bool) {
	return func(yield func(T) bool) {
		for _, v := range s {
			if !yield(v) {
				return
			}
		}
	}
}
