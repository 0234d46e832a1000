// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"testing"
	"time"

	"forgequeue.dev/queuerunner/internal/drv"
)

type fakeReapDB struct {
	unfinished map[BuildID]struct{}
}

func (db *fakeReapDB) Scan(ctx context.Context, highWater BuildID) (BuildID, []QueuedRow, error) {
	return highWater, nil, nil
}
func (db *fakeReapDB) UnfinishedIDs(ctx context.Context) (map[BuildID]struct{}, error) {
	return db.unfinished, nil
}
func (db *fakeReapDB) MarkAborted(ctx context.Context, id BuildID, errMsg string, now time.Time) error {
	return nil
}
func (db *fakeReapDB) MarkCachedSuccess(ctx context.Context, id BuildID, now time.Time) error {
	return nil
}
func (db *fakeReapDB) MarkTerminalStep(ctx context.Context, id BuildID, stepNr int, drvPath drv.Path, buildStatus BuildStatus, stepStatus StepStatus, isCachedBuild bool, now time.Time) error {
	return nil
}
func (db *fakeReapDB) PollEvents(ctx context.Context, highWater int64) (int64, []Event, error) {
	return highWater, nil, nil
}

var _ Database = (*fakeReapDB)(nil)

func TestReapEvictsVanishedBuilds(t *testing.T) {
	builds := newBuildsMap()
	builds.install(&Build{ID: 1})
	builds.install(&Build{ID: 2})
	builds.install(&Build{ID: 3})

	db := &fakeReapDB{unfinished: map[BuildID]struct{}{1: {}, 3: {}}}
	r := NewReaper(db, builds)

	if err := r.Reap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if builds.len() != 2 {
		t.Errorf("builds.len() = %d, want 2", builds.len())
	}
	if !builds.has(1) || !builds.has(3) {
		t.Error("reap evicted a build that was still unfinished in the database")
	}
	if builds.has(2) {
		t.Error("reap did not evict build 2, which vanished from the database's unfinished set")
	}
}
