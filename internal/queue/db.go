// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"forgequeue.dev/queuerunner/internal/drv"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// QueuedRow is one row of the Builds table as read by [Database.Scan]:
// an unfinished build the ingester has not yet seen.
type QueuedRow struct {
	ID            BuildID
	Project       string
	Jobset        string
	Job           string
	DrvPath       drv.Path
	MaxSilentTime int
	BuildTimeout  int
}

// Event is one row consumed from the notification channel table: the
// SQLite stand-in for the upstream coordinator's Postgres LISTEN/NOTIFY
// channels.
type Event struct {
	ID      int64
	Channel string
}

// Notification channel names, mirroring the four Postgres channels
// the upstream monitor subscribes to.
const (
	ChannelBuildsAdded     = "builds_added"
	ChannelBuildsRestarted = "builds_restarted"
	ChannelBuildsCancelled = "builds_cancelled"
	ChannelBuildsDeleted   = "builds_deleted"
)

// Database is the persistence surface the monitor loop needs: reading
// the work queue and writing the three terminal-update shapes the
// ingester can produce. Every write is guarded by a "where finished =
// 0" (or equivalent) clause so it cannot clobber a build some other
// writer already finished.
type Database interface {
	// Scan returns every unfinished build with id > highWater, ordered
	// by id ascending, and the new high-water mark (the greatest id
	// observed, even if some rows are later filtered downstream).
	Scan(ctx context.Context, highWater BuildID) (newHighWater BuildID, rows []QueuedRow, err error)
	// UnfinishedIDs returns the set of build ids the database currently
	// considers unfinished, for the cancellation reaper's diff.
	UnfinishedIDs(ctx context.Context) (map[BuildID]struct{}, error)
	// MarkAborted records a build as aborted because its derivation was
	// garbage-collected before it could run.
	MarkAborted(ctx context.Context, id BuildID, errMsg string, now time.Time) error
	// MarkCachedSuccess records a build as succeeded without running
	// anything, because the store already held valid outputs.
	MarkCachedSuccess(ctx context.Context, id BuildID, now time.Time) error
	// MarkTerminalStep records one failing build-step row and the
	// owning build's terminal status in a single transaction.
	MarkTerminalStep(ctx context.Context, id BuildID, stepNr int, drvPath drv.Path, buildStatus BuildStatus, stepStatus StepStatus, isCachedBuild bool, now time.Time) error
	// PollEvents returns every notification event with id > highWater,
	// and deletes every row up to and including the greatest id
	// returned so later polls don't see it again.
	PollEvents(ctx context.Context, highWater int64) (newHighWater int64, events []Event, err error)
}

// SQLiteDatabase is the default [Database], backed by an embedded
// SQLite pool. Production deployments of the upstream coordinator use
// Postgres; this core treats the wire shape (tables, "where finished =
// 0" guards, notification channel names) as the contract and is
// satisfied by any [Database] implementation, SQLite included.
type SQLiteDatabase struct {
	pool *sqlitemigration.Pool
}

// NewSQLiteDatabase opens (creating if necessary) the SQLite database
// at path and migrates it to the current schema.
func NewSQLiteDatabase(path string) *SQLiteDatabase {
	return &SQLiteDatabase{
		pool: sqlitemigration.NewPool(path, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "Migrating queue database...")
			},
			OnReady: func() {
				log.Debugf(context.Background(), "Queue database ready")
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "Queue database migration: %v", err)
			},
		}),
	}
}

// Close releases the underlying connection pool.
func (db *SQLiteDatabase) Close() error {
	return db.pool.Close()
}

func (db *SQLiteDatabase) Scan(ctx context.Context, highWater BuildID) (BuildID, []QueuedRow, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return highWater, nil, fmt.Errorf("scan builds: %v", err)
	}
	defer db.pool.Put(conn)

	newHighWater := highWater
	var rows []QueuedRow
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "scan.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":highWater": int64(highWater)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row := QueuedRow{
				ID:            BuildID(stmt.GetInt64("id")),
				Project:       stmt.GetText("project"),
				Jobset:        stmt.GetText("jobset"),
				Job:           stmt.GetText("job"),
				DrvPath:       drv.Path(stmt.GetText("drvPath")),
				MaxSilentTime: int(stmt.GetInt64("maxSilentTime")),
				BuildTimeout:  int(stmt.GetInt64("buildTimeout")),
			}
			rows = append(rows, row)
			if row.ID > newHighWater {
				newHighWater = row.ID
			}
			return nil
		},
	})
	if err != nil {
		return highWater, nil, fmt.Errorf("scan builds: %v", err)
	}
	return newHighWater, rows, nil
}

func (db *SQLiteDatabase) UnfinishedIDs(ctx context.Context) (map[BuildID]struct{}, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unfinished builds: %v", err)
	}
	defer db.pool.Put(conn)

	ids := make(map[BuildID]struct{})
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "unfinished_ids.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids[BuildID(stmt.GetInt64("id"))] = struct{}{}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list unfinished builds: %v", err)
	}
	return ids, nil
}

func (db *SQLiteDatabase) MarkAborted(ctx context.Context, id BuildID, errMsg string, now time.Time) error {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("mark build %d aborted: %v", id, err)
	}
	defer db.pool.Put(conn)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "mark_aborted.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":          int64(id),
			":buildStatus": int64(BuildAborted),
			":errorMsg":    errMsg,
			":now":         now.Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("mark build %d aborted: %v", id, err)
	}
	return nil
}

func (db *SQLiteDatabase) MarkCachedSuccess(ctx context.Context, id BuildID, now time.Time) error {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("mark build %d cached success: %v", id, err)
	}
	defer db.pool.Put(conn)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "mark_cached_success.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":  int64(id),
			":now": now.Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("mark build %d cached success: %v", id, err)
	}
	return nil
}

func (db *SQLiteDatabase) MarkTerminalStep(ctx context.Context, id BuildID, stepNr int, drvPath drv.Path, buildStatus BuildStatus, stepStatus StepStatus, isCachedBuild bool, now time.Time) (err error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("mark build %d terminal: %v", id, err)
	}
	defer db.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	if err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_build_step.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":buildId": int64(id),
			":stepNr":  int64(stepNr),
			":drvPath": string(drvPath),
			":status":  int64(stepStatus),
			":now":     now.Unix(),
		},
	}); err != nil {
		return fmt.Errorf("mark build %d terminal: insert build step: %v", id, err)
	}

	isCached := int64(0)
	if isCachedBuild {
		isCached = 1
	}
	if err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "mark_terminal_step.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":            int64(id),
			":buildStatus":   int64(buildStatus),
			":isCachedBuild": isCached,
			":now":           now.Unix(),
		},
	}); err != nil {
		return fmt.Errorf("mark build %d terminal: update build: %v", id, err)
	}
	return nil
}

func (db *SQLiteDatabase) PollEvents(ctx context.Context, highWater int64) (int64, []Event, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return highWater, nil, fmt.Errorf("poll queue events: %v", err)
	}
	defer db.pool.Put(conn)

	newHighWater := highWater
	var events []Event
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "poll_events.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":highWater": highWater},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ev := Event{ID: stmt.GetInt64("id"), Channel: stmt.GetText("channel")}
			events = append(events, ev)
			if ev.ID > newHighWater {
				newHighWater = ev.ID
			}
			return nil
		},
	})
	if err != nil {
		return highWater, nil, fmt.Errorf("poll queue events: %v", err)
	}
	if newHighWater > highWater {
		err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "delete_events_through.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":through": newHighWater},
		})
		if err != nil {
			return highWater, nil, fmt.Errorf("poll queue events: trim consumed events: %v", err)
		}
	}
	return newHighWater, events, nil
}

// PublishEvent inserts a notification row, for producers (outside this
// core's scope in production, but used directly by this package's own
// tests to simulate the upstream LISTEN/NOTIFY senders).
func (db *SQLiteDatabase) PublishEvent(ctx context.Context, channel string, now time.Time) error {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish event %s: %v", channel, err)
	}
	defer db.pool.Put(conn)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_event.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":channel": channel, ":now": now.Unix()},
	})
	if err != nil {
		return fmt.Errorf("publish event %s: %v", channel, err)
	}
	return nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})
	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
