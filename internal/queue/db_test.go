// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/log/testlog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func newTestDatabase(t *testing.T) *SQLiteDatabase {
	t.Helper()
	db := NewSQLiteDatabase(filepath.Join(t.TempDir(), "queue.db"))
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close database: %v", err)
		}
	})
	return db
}

func insertBuild(t *testing.T, db *SQLiteDatabase, id BuildID, drvPath string) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.pool.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer db.pool.Put(conn)

	err = sqlitex.ExecuteTransient(conn,
		"INSERT INTO Builds (id, project, jobset, job, drvPath) VALUES ($id, 'p', 'j', 'job', $drvPath);",
		&sqlitex.ExecOptions{
			Named: map[string]any{
				"$id":      int64(id),
				"$drvPath": drvPath,
			},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
}

func TestSQLiteDatabaseScanAndMark(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	db := newTestDatabase(t)

	insertBuild(t, db, 1, "/d/1")
	insertBuild(t, db, 2, "/d/2")

	newHighWater, rows, err := db.Scan(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if newHighWater != 2 {
		t.Errorf("newHighWater = %d, want 2", newHighWater)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}

	if err := db.MarkCachedSuccess(ctx, 1, time.Unix(1000, 0)); err != nil {
		t.Fatal(err)
	}

	unfinished, err := db.UnfinishedIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := unfinished[1]; ok {
		t.Error("build 1 still reported unfinished after MarkCachedSuccess")
	}
	if _, ok := unfinished[2]; !ok {
		t.Error("build 2 missing from unfinished set")
	}

	// A second terminal write must be a no-op due to the "where
	// finished = 0" guard.
	if err := db.MarkAborted(ctx, 1, "should not apply", time.Unix(2000, 0)); err != nil {
		t.Fatal(err)
	}
	_, rows, err = db.Scan(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if row.ID == 1 {
			t.Error("build 1 reappeared in scan after being marked finished")
		}
	}
}

func TestSQLiteDatabaseMarkTerminalStepWritesBuildStepRow(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	db := newTestDatabase(t)
	insertBuild(t, db, 7, "/d/7")

	err := db.MarkTerminalStep(ctx, 7, 1, "/d/7", BuildUnsupported, StepUnsupported, false, time.Unix(500, 0))
	if err != nil {
		t.Fatal(err)
	}

	conn, err := db.pool.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer db.pool.Put(conn)

	var stepCount int64
	err = sqlitex.ExecuteTransient(conn, "SELECT count(*) FROM BuildSteps WHERE buildId = 7;", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stepCount = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if stepCount != 1 {
		t.Errorf("BuildSteps rows for build 7 = %d, want 1", stepCount)
	}
}

func TestSQLiteDatabasePollEventsConsumesRows(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	db := newTestDatabase(t)

	if err := db.PublishEvent(ctx, ChannelBuildsAdded, time.Unix(100, 0)); err != nil {
		t.Fatal(err)
	}

	newHighWater, events, err := db.PollEvents(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Channel != ChannelBuildsAdded {
		t.Fatalf("events = %v, want one %s event", events, ChannelBuildsAdded)
	}

	_, events2, err := db.PollEvents(ctx, newHighWater)
	if err != nil {
		t.Fatal(err)
	}
	if len(events2) != 0 {
		t.Errorf("events2 = %v, want none (already consumed)", events2)
	}
}
