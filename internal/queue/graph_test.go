// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"testing"

	"forgequeue.dev/queuerunner/internal/drv"
	"forgequeue.dev/queuerunner/internal/sets"
)

// fakeStore is an in-memory [drv.Store] for exercising the graph
// builder without shelling out to a real store implementation.
type fakeStore struct {
	derivations map[drv.Path]*drv.Derivation
	valid       map[drv.Path]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		derivations: make(map[drv.Path]*drv.Derivation),
		valid:       make(map[drv.Path]bool),
	}
}

func (fs *fakeStore) addDerivation(path drv.Path, platform string, inputs ...drv.Path) *drv.Derivation {
	d := &drv.Derivation{
		Path:             path,
		Platform:         platform,
		Env:              make(map[string]string),
		InputDerivations: make(map[drv.Path]map[string]struct{}),
		Outputs: map[string]*drv.Output{
			"out": {Path: drv.Path(string(path) + "-out")},
		},
	}
	for _, in := range inputs {
		d.InputDerivations[in] = map[string]struct{}{"out": {}}
	}
	fs.derivations[path] = d
	return d
}

func (fs *fakeStore) markValid(path drv.Path) { fs.valid[path] = true }

func (fs *fakeStore) IsValidPath(ctx context.Context, path drv.Path) (bool, error) {
	return fs.valid[path], nil
}

func (fs *fakeStore) ReadDerivation(ctx context.Context, path drv.Path) (*drv.Derivation, error) {
	d, ok := fs.derivations[path]
	if !ok {
		return nil, fmt.Errorf("no such derivation: %s", path)
	}
	return d, nil
}

func (fs *fakeStore) BuildOutput(ctx context.Context, d *drv.Derivation) (*drv.BuildOutput, error) {
	out := &drv.BuildOutput{Outputs: make(map[string]drv.Path)}
	for name, o := range d.Outputs {
		out.Outputs[name] = o.Path
	}
	return out, nil
}

var _ drv.Store = (*fakeStore)(nil)

func TestCreateStepRunnableLeaf(t *testing.T) {
	store := newFakeStore()
	leaf := drv.Path("/store/leaf.drv")
	root := drv.Path("/store/root.drv")
	store.addDerivation(leaf, "x86_64-linux")
	store.addDerivation(root, "x86_64-linux", leaf)
	store.markValid(leaf + "-out") // leaf's output is already valid

	g := NewGraph(store, NewInterner(), nil)
	finished := make(sets.Set[drv.Path])
	newSteps := make(sets.Set[*Step])
	newRunnable := make(sets.Set[*Step])

	ctx := context.Background()
	step, err := g.CreateStep(ctx, root, 1, nil, finished, newSteps, newRunnable)
	if err != nil {
		t.Fatal(err)
	}
	if step == nil {
		t.Fatal("CreateStep(root) = nil, want a Step (root's own output is not valid)")
	}
	if step.DrvPath != root {
		t.Errorf("step.DrvPath = %q, want %q", step.DrvPath, root)
	}
	if len(step.Deps()) != 0 {
		t.Errorf("step.Deps() = %v, want empty (leaf's output was already valid)", step.Deps())
	}
	if !newRunnable.Has(step) {
		t.Errorf("newRunnable does not contain root step")
	}
	if newSteps.Has(nil) {
		t.Errorf("newSteps should never contain a nil step")
	}
	if len(newSteps) != 1 {
		t.Errorf("len(newSteps) = %d, want 1 (only root; leaf was trivially valid)", len(newSteps))
	}
}

func TestCreateStepDiamondDependencyDedups(t *testing.T) {
	store := newFakeStore()
	d := drv.Path("/store/d.drv")
	b := drv.Path("/store/b.drv")
	c := drv.Path("/store/c.drv")
	a := drv.Path("/store/a.drv")
	store.addDerivation(d, "x86_64-linux")
	store.addDerivation(b, "x86_64-linux", d)
	store.addDerivation(c, "x86_64-linux", d)
	store.addDerivation(a, "x86_64-linux", b, c)
	// Nothing is valid in the store: every derivation needs a Step.

	g := NewGraph(store, NewInterner(), nil)
	finished := make(sets.Set[drv.Path])
	newSteps := make(sets.Set[*Step])
	newRunnable := make(sets.Set[*Step])

	ctx := context.Background()
	stepA, err := g.CreateStep(ctx, a, 1, nil, finished, newSteps, newRunnable)
	if err != nil {
		t.Fatal(err)
	}

	var stepD *Step
	for _, dep := range stepA.Deps() {
		for _, grandDep := range dep.Deps() {
			if stepD == nil {
				stepD = grandDep
			} else if stepD != grandDep {
				t.Fatalf("step D was built twice: got distinct Step objects %p and %p", stepD, grandDep)
			}
		}
	}
	if stepD == nil {
		t.Fatal("could not find step D via either B or C")
	}
	if stepD.DrvPath != d {
		t.Errorf("stepD.DrvPath = %q, want %q", stepD.DrvPath, d)
	}
	if len(newSteps) != 4 {
		t.Errorf("len(newSteps) = %d, want 4 (A, B, C, D each exactly once)", len(newSteps))
	}
}

func TestCreateStepAllOutputsValidSkipsDeps(t *testing.T) {
	store := newFakeStore()
	cached := drv.Path("/store/cached.drv")
	store.addDerivation(cached, "x86_64-linux")
	store.markValid(cached + "-out")

	g := NewGraph(store, NewInterner(), nil)
	finished := make(sets.Set[drv.Path])
	newSteps := make(sets.Set[*Step])
	newRunnable := make(sets.Set[*Step])

	step, err := g.CreateStep(context.Background(), cached, 1, nil, finished, newSteps, newRunnable)
	if err != nil {
		t.Fatal(err)
	}
	if step != nil {
		t.Errorf("CreateStep(cached) = %v, want nil (outputs already valid)", step)
	}
	if len(newSteps) != 0 {
		t.Errorf("len(newSteps) = %d, want 0", len(newSteps))
	}
	if !finished.Has(cached) {
		t.Errorf("finished does not contain %s after a fully-valid derivation", cached)
	}
}
