// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"

	"forgequeue.dev/queuerunner/internal/drv"
	"forgequeue.dev/queuerunner/internal/sets"
	"zombiezen.com/go/log"
)

// Graph interns derivations into a shared step DAG and classifies
// leaves whose outputs the store already has. It holds no per-build
// state of its own: [Ingester] drives it once per build, supplying a
// fresh finishedDrvs cache each time, and folds the results into the
// builds map.
type Graph struct {
	store    drv.Store
	interner *Interner

	// localPlatforms is consulted, together with a derivation's own
	// preferLocalBuild env var, to compute Step.PreferLocalBuild.
	localPlatforms map[string]struct{}
}

// NewGraph returns a Graph that reads derivations and output validity
// through store, interns steps into interner, and treats platform as
// "local" for PreferLocalBuild purposes if it appears in
// localPlatforms.
func NewGraph(store drv.Store, interner *Interner, localPlatforms map[string]struct{}) *Graph {
	return &Graph{
		store:          store,
		interner:       interner,
		localPlatforms: localPlatforms,
	}
}

// CreateStep interns the Step for drvPath, initializing it if the
// interner held no live Step for that path yet, and recursively
// creating Steps for every input derivation it has not already proven
// finished. It returns nil if drvPath needs no Step at all: either its
// outputs were already proven valid earlier in this ingestion (it is
// already in finishedDrvs), or they turn out to be valid just now, in
// which case CreateStep adds it to finishedDrvs itself.
//
// It mirrors the upstream queue monitor's recursive derivation-graph
// walk: diamond dependencies collapse to one Step because [Interner]
// hands back the same Step object to every caller for the same path.
//
// finishedDrvs, newSteps, and newRunnable are scoped to a single
// ingestion: the caller creates them fresh per top-level call and
// threads them through the recursion. referringBuild and
// referringStep identify who is asking, purely so the new or
// pre-existing step can record a back-reference; pass the build's own
// ID and a nil *Step when creating the top-level step for a build.
// Recursive calls pass the same BuildID down, with the parent step as
// referringStep.
func (g *Graph) CreateStep(ctx context.Context, drvPath drv.Path, referringBuild BuildID, referringStep *Step, finishedDrvs sets.Set[drv.Path], newSteps, newRunnable sets.Set[*Step]) (*Step, error) {
	if finishedDrvs.Has(drvPath) {
		return nil, nil
	}

	step, isNew := g.interner.LookupOrInstall(drvPath, referringBuild, referringStep)
	if !isNew {
		// Pre-existing: its subgraph, if any, was already built by
		// whoever initialized it. Our back-reference was recorded by
		// LookupOrInstall.
		return step, nil
	}

	d, err := g.store.ReadDerivation(ctx, drvPath)
	if err != nil {
		return nil, fmt.Errorf("create step %s: %v", drvPath, err)
	}
	step.Derivation = d
	step.RequiredSystemFeatures = d.EnvFeatures()
	if step.RequiredSystemFeatures == nil {
		step.RequiredSystemFeatures = map[string]struct{}{}
	}
	if _, local := g.localPlatforms[d.Platform]; local {
		step.PreferLocalBuild = d.WantsLocalBuild()
	}

	if g.allOutputsValid(ctx, d) {
		finishedDrvs.Add(drvPath)
		finishInit(step, nil)
		log.Debugf(ctx, "step %s already satisfied by store, skipping dependency expansion", drvPath)
		return nil, nil
	}

	newSteps.Add(step)

	var deps []*Step
	for inputPath := range d.InputDerivations {
		dep, err := g.CreateStep(ctx, inputPath, referringBuild, step, finishedDrvs, newSteps, newRunnable)
		if err != nil {
			return nil, err
		}
		if dep != nil {
			deps = append(deps, dep)
		}
	}

	if finishInit(step, deps) {
		newRunnable.Add(step)
	}
	return step, nil
}

func (g *Graph) allOutputsValid(ctx context.Context, d *drv.Derivation) bool {
	for name, out := range d.Outputs {
		if out.Path == "" {
			return false
		}
		valid, err := g.store.IsValidPath(ctx, out.Path)
		if err != nil {
			log.Warnf(ctx, "check validity of %s output %s: %v", d.Path, name, err)
			return false
		}
		if !valid {
			return false
		}
	}
	return true
}
