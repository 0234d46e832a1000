// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"testing"
	"time"

	"forgequeue.dev/queuerunner/internal/drv"
)

type fakeScanDB struct {
	rows []QueuedRow
}

func (db *fakeScanDB) Scan(ctx context.Context, highWater BuildID) (BuildID, []QueuedRow, error) {
	var out []QueuedRow
	newHighWater := highWater
	for _, row := range db.rows {
		if row.ID <= highWater {
			continue
		}
		out = append(out, row)
		if row.ID > newHighWater {
			newHighWater = row.ID
		}
	}
	return newHighWater, out, nil
}

func (db *fakeScanDB) UnfinishedIDs(ctx context.Context) (map[BuildID]struct{}, error) { return nil, nil }
func (db *fakeScanDB) MarkAborted(ctx context.Context, id BuildID, errMsg string, now time.Time) error {
	return nil
}
func (db *fakeScanDB) MarkCachedSuccess(ctx context.Context, id BuildID, now time.Time) error {
	return nil
}
func (db *fakeScanDB) MarkTerminalStep(ctx context.Context, id BuildID, stepNr int, drvPath drv.Path, buildStatus BuildStatus, stepStatus StepStatus, isCachedBuild bool, now time.Time) error {
	return nil
}
func (db *fakeScanDB) PollEvents(ctx context.Context, highWater int64) (int64, []Event, error) {
	return highWater, nil, nil
}

var _ Database = (*fakeScanDB)(nil)

func TestScanFiltersByHighWaterAndAdvancesIt(t *testing.T) {
	db := &fakeScanDB{rows: []QueuedRow{
		{ID: 1, DrvPath: "/d/1"},
		{ID: 2, DrvPath: "/d/2"},
		{ID: 3, DrvPath: "/d/3"},
	}}
	s := NewScanner(db, 0)

	newHighWater, workingSet, err := s.Scan(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if newHighWater != 3 {
		t.Errorf("newHighWater = %d, want 3", newHighWater)
	}
	if len(workingSet) != 2 {
		t.Errorf("len(workingSet) = %d, want 2 (ids 2 and 3)", len(workingSet))
	}
	if _, ok := workingSet["/d/1"]; ok {
		t.Error("workingSet contains id 1's derivation, but it is at or below the high-water mark")
	}
}

func TestScanIsIdempotentWithNoNewInserts(t *testing.T) {
	db := &fakeScanDB{rows: []QueuedRow{{ID: 5, DrvPath: "/d/5"}}}
	s := NewScanner(db, 0)

	hw1, ws1, err := s.Scan(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	hw2, ws2, err := s.Scan(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if hw1 != hw2 {
		t.Errorf("high-water marks differ across identical scans: %d vs %d", hw1, hw2)
	}
	if len(ws1) != len(ws2) {
		t.Errorf("working sets differ in size across identical scans: %d vs %d", len(ws1), len(ws2))
	}
}

func TestScanSingleBuildPinFiltersOtherRows(t *testing.T) {
	db := &fakeScanDB{rows: []QueuedRow{
		{ID: 1, DrvPath: "/d/1"},
		{ID: 2, DrvPath: "/d/2"},
	}}
	s := NewScanner(db, 2)

	_, workingSet, err := s.Scan(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(workingSet) != 1 {
		t.Fatalf("len(workingSet) = %d, want 1", len(workingSet))
	}
	if _, ok := workingSet["/d/2"]; !ok {
		t.Error("workingSet does not contain the pinned build's derivation")
	}
}
