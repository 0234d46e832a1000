// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"

	"forgequeue.dev/queuerunner/internal/drv"
)

// Scanner reads unfinished builds from the database, applying the
// optional single-build pin configured for this monitor.
type Scanner struct {
	db       Database
	buildOne BuildID // 0 means "no pin"
}

// NewScanner returns a Scanner that reads through db. If buildOne is
// non-zero, every row not matching that id is discarded from the
// working set it produces.
func NewScanner(db Database, buildOne BuildID) *Scanner {
	return &Scanner{db: db, buildOne: buildOne}
}

// Scan reads every unfinished build with id > highWater from the
// database inside one short read transaction and returns the new
// high-water mark (the greatest id observed, even if filtered by the
// single-build pin) together with the resulting working set, keyed by
// derivation path.
func (s *Scanner) Scan(ctx context.Context, highWater BuildID) (newHighWater BuildID, workingSet map[drv.Path]*Build, err error) {
	newHighWater, rows, err := s.db.Scan(ctx, highWater)
	if err != nil {
		return highWater, nil, fmt.Errorf("scan queue: %v", err)
	}

	workingSet = make(map[drv.Path]*Build, len(rows))
	for _, row := range rows {
		if s.buildOne != 0 && row.ID != s.buildOne {
			continue
		}
		workingSet[row.DrvPath] = &Build{
			ID:            row.ID,
			DrvPath:       row.DrvPath,
			FullJobName:   fmt.Sprintf("%s:%s:%s", row.Project, row.Jobset, row.Job),
			MaxSilentTime: row.MaxSilentTime,
			BuildTimeout:  row.BuildTimeout,
		}
	}
	return newHighWater, workingSet, nil
}
