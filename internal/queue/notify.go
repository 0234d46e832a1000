// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"time"

	"forgequeue.dev/queuerunner/internal/sets"
)

// Listener blocks the monitor loop until one of the four notification
// channels fires. The upstream coordinator does this with Postgres
// LISTEN/NOTIFY on a dedicated connection; this core polls a table
// instead and treats the distinction as invisible to its callers, the
// same way the rest of this package treats the database as opaque
// beyond the shapes named in its interfaces.
type Listener struct {
	db           Database
	pollInterval time.Duration
	highWater    int64
}

// NewListener returns a Listener that polls db no more often than
// pollInterval.
func NewListener(db Database, pollInterval time.Duration) *Listener {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Listener{db: db, pollInterval: pollInterval}
}

// WaitForEvent blocks until at least one notification channel has
// fired since the last call, then returns the set of channel names
// that fired. Spurious wake-ups are permitted; callers must re-check
// their own state rather than assume every entry here implies new
// work. Failure to reach the database is returned as a transient
// error for the caller's outer loop to back off on.
func (l *Listener) WaitForEvent(ctx context.Context) (sets.Set[string], error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		newHighWater, events, err := l.db.PollEvents(ctx, l.highWater)
		if err != nil {
			return nil, fmt.Errorf("wait for event: %v", err)
		}
		l.highWater = newHighWater
		if len(events) > 0 {
			fired := make(sets.Set[string], len(events))
			for _, ev := range events {
				fired.Add(ev.Channel)
			}
			return fired, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
