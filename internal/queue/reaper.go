// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"

	"zombiezen.com/go/log"
)

// Reaper reconciles the in-memory builds map against the database
// whenever a cancellation or deletion notification fires. It does not
// interrupt steps already in flight for a reaped build; they run to
// completion and their results are discarded by the dispatcher. This
// is a documented limitation, not an oversight.
type Reaper struct {
	db     Database
	builds *buildsMap
}

// NewReaper returns a Reaper that diffs builds against db.
func NewReaper(db Database, builds *buildsMap) *Reaper {
	return &Reaper{db: db, builds: builds}
}

// Reap collects the set of currently-unfinished build ids from the
// database in one short read transaction and evicts every builds-map
// entry whose id is not in that set.
func (r *Reaper) Reap(ctx context.Context) error {
	currentIDs, err := r.db.UnfinishedIDs(ctx)
	if err != nil {
		return fmt.Errorf("reap cancelled builds: %v", err)
	}
	evicted := r.builds.evictMissing(currentIDs)
	for _, id := range evicted {
		log.Infof(ctx, "build %d no longer unfinished in database, discarding", id)
	}
	return nil
}
