// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"time"

	"forgequeue.dev/queuerunner/internal/drv"
	"zombiezen.com/go/log"
)

// Monitor is the top-level queue-monitoring loop: it scans the
// database for newly enqueued builds, expands each into the shared
// step graph, waits for a notification, and reconciles the in-memory
// builds map on cancellation. Exactly one goroutine should run
// [Monitor.Run] at a time; everything it touches is safe to read
// concurrently from worker goroutines draining the dispatcher's queue.
type Monitor struct {
	db       Database
	store    drv.Store
	listener *Listener
	ingester *Ingester
	reaper   *Reaper
	builds   *buildsMap
	interner *Interner
	counters counters

	localPlatforms map[string]struct{}
	buildOne       BuildID

	highWater BuildID
}

// Options configures [NewMonitor]. Every field is optional; the zero
// value of each is described on the field.
type Options struct {
	// LocalPlatforms is the set of platform tuples (e.g.
	// "x86_64-linux") this coordinator will ever run builds for
	// locally, consulted when computing Step.PreferLocalBuild.
	LocalPlatforms map[string]struct{}
	// BuildOne, if non-zero, pins the monitor to ingesting only this
	// one build id, ignoring every other row the scanner observes.
	BuildOne BuildID
	// PollInterval bounds how often the notification listener checks
	// the database when nothing else wakes it. Defaults to one second.
	PollInterval time.Duration
}

// NewMonitor wires together a queue monitor from its collaborators:
// db for persistence, store for deriving and validating build
// artifacts, machines and failures as the opaque predicates described
// in the design, and dispatch as the external worker pool's inbox.
func NewMonitor(db Database, store drv.Store, machines MachineRegistry, failures CachedFailureChecker, dispatch Dispatcher, opts Options) *Monitor {
	interner := NewInterner()
	builds := newBuildsMap()
	graph := NewGraph(store, interner, opts.LocalPlatforms)

	m := &Monitor{
		db:             db,
		store:          store,
		listener:       NewListener(db, opts.PollInterval),
		builds:         builds,
		interner:       interner,
		localPlatforms: opts.LocalPlatforms,
		buildOne:       opts.BuildOne,
		reaper:         NewReaper(db, builds),
	}
	m.ingester = NewIngester(db, store, graph, builds, machines, failures, dispatch, &m.counters)
	return m
}

// StepCompleted records that a step finished executing, for the
// dispatcher to call back once a worker is done with it. It
// increments nrStepsDone and reports the steps newly made runnable as
// a result (dependents whose last outstanding dependency was this
// step), for the caller to publish to the dispatcher in turn. This
// core does not erase the step from the interner itself: per the
// design, that is the dispatcher's responsibility.
func (m *Monitor) StepCompleted(step *Step, rdeps []*Step) []*Step {
	m.counters.nrStepsDone.Add(1)
	var runnable []*Step
	for _, rdep := range rdeps {
		if rdep.removeDep(step) {
			runnable = append(runnable, rdep)
		}
	}
	return runnable
}

// Run executes the monitor loop until ctx is cancelled. Any database
// error encountered along the way is logged, and the loop sleeps 10
// seconds before restarting from a fresh scan; the in-memory builds
// map survives the restart, since the error taxonomy treats database
// failure as transient and the builds map records nothing that the
// database itself hasn't already durably recorded.
func (m *Monitor) Run(ctx context.Context) error {
	scanner := NewScanner(m.db, m.buildOne)
	for {
		if err := m.runOnce(ctx, scanner); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorf(ctx, "queue monitor: %v", err)
			select {
			case <-time.After(10 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context, scanner *Scanner) error {
	newHighWater, workingSet, err := scanner.Scan(ctx, m.highWater)
	if err != nil {
		return err
	}
	m.highWater = newHighWater
	m.counters.nrBuildsRead.Add(int64(len(workingSet)))

	for len(workingSet) > 0 {
		var drvPath drv.Path
		for p := range workingSet {
			drvPath = p
			break
		}
		build := workingSet[drvPath]
		delete(workingSet, drvPath)
		if m.builds.has(build.ID) {
			// Already ingested in an earlier scan, e.g. one that is
			// re-read after builds_restarted reset the high-water mark.
			// Builds piggybacked in this scan were already removed from
			// workingSet by the ingester.
			continue
		}
		if err := m.ingester.Ingest(ctx, build, workingSet); err != nil {
			return err
		}
	}

	fired, err := m.listener.WaitForEvent(ctx)
	if err != nil {
		return err
	}
	m.counters.nrQueueWakeups.Add(1)

	if fired.Has(ChannelBuildsRestarted) {
		m.highWater = 0
	}
	if fired.Has(ChannelBuildsCancelled) || fired.Has(ChannelBuildsDeleted) {
		if err := m.reaper.Reap(ctx); err != nil {
			return err
		}
	}
	return nil
}
