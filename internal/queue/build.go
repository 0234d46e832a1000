// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package queue implements the queue-monitoring and step-graph
// construction core of a distributed build coordinator: it watches
// the Builds table for newly enqueued work, expands each build into a
// DAG of derivation steps shared across overlapping builds, classifies
// steps that cannot or should not run, and publishes the runnable
// leaves to an external worker pool.
package queue

import (
	"sync/atomic"
	"time"

	"forgequeue.dev/queuerunner/internal/drv"
)

// BuildID is the primary key of the Builds table.
type BuildID int64

//go:generate go tool stringer -type=BuildStatus,StepStatus -output status_string.go

// BuildStatus is the terminal status code written to Builds.buildStatus.
// The integer values are part of the database schema: they must stay
// stable once assigned.
type BuildStatus int

const (
	BuildSuccess     BuildStatus = 0
	BuildFailed      BuildStatus = 1
	BuildDepFailed   BuildStatus = 2
	BuildAborted     BuildStatus = 3
	BuildUnsupported BuildStatus = 4
)

// StepStatus is the terminal status code written to a BuildSteps row.
type StepStatus int

const (
	StepSuccess     StepStatus = 0
	StepFailed      StepStatus = 1
	StepUnsupported StepStatus = 2
)

// Build is an intent to produce outputs for one derivation, tracked by
// the Builds table. A Build is created during ingestion, kept alive by
// the monitor's builds map, and dropped once its top-level Step's
// subgraph completes or the build is reaped after cancellation.
type Build struct {
	ID            BuildID
	DrvPath       drv.Path
	FullJobName   string
	MaxSilentTime int
	BuildTimeout  int

	// finishedInDB is set once a terminal database update for this
	// build has been committed, so later stages of ingest don't clobber
	// it with a second terminal write.
	finishedInDB atomic.Bool

	// Toplevel is the root Step of this build's subgraph. It is set
	// exactly once, after the full subgraph has been interned and no
	// fatal classification occurred, and is what keeps the subgraph
	// reachable for as long as the build is tracked.
	Toplevel *Step
}

func (b *Build) FinishedInDB() bool { return b.finishedInDB.Load() }

// counters are the monitor's monotonic, process-lifetime statistics.
// They are read-mostly and updated with atomic increments so that the
// ingester and any diagnostic reader can share them without taking the
// builds-map lock.
type counters struct {
	nrBuildsDone    atomic.Int64
	nrBuildsRead    atomic.Int64
	nrQueueWakeups  atomic.Int64
	nrStepsDone     atomic.Int64
	lastDispatch    atomic.Int64 // unix seconds, best-effort
}

func (c *counters) recordDispatch(t time.Time) {
	c.lastDispatch.Store(t.Unix())
}
