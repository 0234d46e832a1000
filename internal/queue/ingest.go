// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"time"

	"forgequeue.dev/queuerunner/internal/drv"
	"forgequeue.dev/queuerunner/internal/sets"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

// CachedFailureChecker answers whether a step's output is already
// known, by some external oracle, to have previously failed. The
// queue runner consumes it as an opaque predicate.
type CachedFailureChecker interface {
	CheckCachedFailure(ctx context.Context, step *Step) (bool, error)
}

// Dispatcher receives newly runnable steps. The queue runner never
// runs a step itself; it only publishes to whatever pool of workers
// implements this interface.
type Dispatcher interface {
	Dispatch(steps []*Step)
}

// Ingester expands one queued build at a time into the shared step
// graph, classifies the result, and either writes a terminal database
// update or publishes the build into the builds map so its runnable
// steps can be picked up by workers.
type Ingester struct {
	db       Database
	store    drv.Store
	graph    *Graph
	builds   *buildsMap
	machines MachineRegistry
	failures CachedFailureChecker
	dispatch Dispatcher
	counters *counters

	now func() time.Time
}

// NewIngester returns an Ingester that expands builds through graph,
// persists terminal outcomes through db, classifies unsupported steps
// through machines, classifies cached failures through failures, and
// publishes runnable steps to dispatch.
func NewIngester(db Database, store drv.Store, graph *Graph, builds *buildsMap, machines MachineRegistry, failures CachedFailureChecker, dispatch Dispatcher, counters *counters) *Ingester {
	return &Ingester{
		db:       db,
		store:    store,
		graph:    graph,
		builds:   builds,
		machines: machines,
		failures: failures,
		dispatch: dispatch,
		counters: counters,
		now:      time.Now,
	}
}

// Ingest expands build's derivation into the step graph and either
// writes a terminal result for it or installs it into the builds map
// with newly runnable leaves published to the dispatcher.
//
// Ingest is re-entrant: expanding build may reveal that one of its
// transitive dependencies is itself the top-level derivation of
// another queued build. pending is the outer working set of builds not
// yet ingested in this scan; whenever Ingest discovers a new Step
// whose drvPath matches an entry still in pending, it removes that
// entry and ingests it immediately, before returning, so that
// build is always attributed the Step whose derivation it was
// actually queued for.
func (ing *Ingester) Ingest(ctx context.Context, build *Build, pending map[drv.Path]*Build) error {
	valid, err := ing.store.IsValidPath(ctx, build.DrvPath)
	if err != nil {
		return fmt.Errorf("ingest build %d: %v", build.ID, err)
	}
	if !valid {
		// Detach so a context cancelled mid-shutdown can't interrupt a
		// terminal write once classification has decided on it; the
		// write is a single guarded statement and must run to completion
		// or not at all.
		if err := ing.db.MarkAborted(xcontext.IgnoreDeadline(ctx), build.ID, "derivation was garbage-collected prior to build", ing.now()); err != nil {
			return fmt.Errorf("ingest build %d: %v", build.ID, err)
		}
		build.finishedInDB.Store(true)
		ing.counters.nrBuildsDone.Add(1)
		log.Infof(ctx, "build %d aborted: %s was garbage-collected", build.ID, build.DrvPath)
		return nil
	}

	finishedDrvs := make(sets.Set[drv.Path])
	newSteps := make(sets.Set[*Step])
	newRunnable := make(sets.Set[*Step])

	root, err := ing.graph.CreateStep(ctx, build.DrvPath, build.ID, nil, finishedDrvs, newSteps, newRunnable)
	if err != nil {
		return fmt.Errorf("ingest build %d: %v", build.ID, err)
	}

	if err := ing.piggyback(ctx, newSteps, pending); err != nil {
		return err
	}

	if root == nil {
		// Cached success: the top-level derivation's outputs were
		// already valid.
		d, err := ing.store.ReadDerivation(ctx, build.DrvPath)
		if err != nil {
			return fmt.Errorf("ingest build %d: %v", build.ID, err)
		}
		if _, err := ing.store.BuildOutput(ctx, d); err != nil {
			return fmt.Errorf("ingest build %d: %v", build.ID, err)
		}
		if err := ing.db.MarkCachedSuccess(xcontext.IgnoreDeadline(ctx), build.ID, ing.now()); err != nil {
			return fmt.Errorf("ingest build %d: %v", build.ID, err)
		}
		build.finishedInDB.Store(true)
		ing.counters.nrBuildsDone.Add(1)
		log.Debugf(ctx, "build %d is a cached success", build.ID)
		return nil
	}

	for step := range newSteps.All() {
		isCachedFailure, err := ing.failures.CheckCachedFailure(ctx, step)
		if err != nil {
			return fmt.Errorf("ingest build %d: check cached failure of %s: %v", build.ID, step.DrvPath, err)
		}

		var buildStatus BuildStatus
		switch {
		case isCachedFailure && step == root:
			buildStatus = BuildFailed
		case isCachedFailure:
			buildStatus = BuildDepFailed
		case !ing.machines.SupportsStep(step):
			buildStatus = BuildUnsupported
		default:
			continue
		}

		stepStatus := StepFailed
		isCachedBuild := true
		if buildStatus == BuildUnsupported {
			stepStatus = StepUnsupported
			isCachedBuild = false
		}

		if err := ing.db.MarkTerminalStep(xcontext.IgnoreDeadline(ctx), build.ID, 1, step.DrvPath, buildStatus, stepStatus, isCachedBuild, ing.now()); err != nil {
			return fmt.Errorf("ingest build %d: %v", build.ID, err)
		}
		build.finishedInDB.Store(true)
		ing.counters.nrBuildsDone.Add(1)
		log.Infof(ctx, "build %d classified %s at step %s", build.ID, buildStatus, step.DrvPath)
		// The Build and every newly created Step not reachable from
		// some other committed Build fall out of scope here: build was
		// never installed into the builds map, so nothing keeps them
		// alive.
		return nil
	}

	if !build.finishedInDB.Load() {
		build.Toplevel = root
		ing.builds.install(build)
	}

	if len(newRunnable) > 0 {
		steps := make([]*Step, 0, len(newRunnable))
		for step := range newRunnable.All() {
			steps = append(steps, step)
		}
		ing.counters.recordDispatch(ing.now())
		ing.dispatch.Dispatch(steps)
	}

	return nil
}

// piggyback drains every step that turned out to be the top-level
// derivation of another build still in the outer working set,
// ingesting each such build immediately so its own Step is attributed
// to it rather than to whichever build happened to reach it first.
func (ing *Ingester) piggyback(ctx context.Context, newSteps sets.Set[*Step], pending map[drv.Path]*Build) error {
	for step := range newSteps.All() {
		other, ok := pending[step.DrvPath]
		if !ok {
			continue
		}
		delete(pending, step.DrvPath)
		log.Debugf(ctx, "piggybacking build %d onto step %s discovered while ingesting another build", other.ID, step.DrvPath)
		if err := ing.Ingest(ctx, other, pending); err != nil {
			return err
		}
	}
	return nil
}
