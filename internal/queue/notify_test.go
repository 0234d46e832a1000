// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"testing"
	"time"
)

type fakeEventDB struct {
	fakeScanDB
	events []Event
	polled bool
}

func (db *fakeEventDB) PollEvents(ctx context.Context, highWater int64) (int64, []Event, error) {
	if db.polled || len(db.events) == 0 {
		return highWater, nil, nil
	}
	db.polled = true
	newHighWater := highWater
	for _, ev := range db.events {
		if ev.ID > newHighWater {
			newHighWater = ev.ID
		}
	}
	return newHighWater, db.events, nil
}

func TestListenerWaitForEventReturnsFiredChannels(t *testing.T) {
	db := &fakeEventDB{events: []Event{{ID: 1, Channel: ChannelBuildsAdded}, {ID: 2, Channel: ChannelBuildsCancelled}}}
	l := NewListener(db, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	fired, err := l.WaitForEvent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !fired.Has(ChannelBuildsAdded) || !fired.Has(ChannelBuildsCancelled) {
		t.Errorf("fired = %v, want both %s and %s", fired, ChannelBuildsAdded, ChannelBuildsCancelled)
	}
}

func TestListenerWaitForEventReturnsContextError(t *testing.T) {
	db := &fakeEventDB{}
	l := NewListener(db, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.WaitForEvent(ctx)
	if err == nil {
		t.Fatal("WaitForEvent with no events and a canceled context: want an error")
	}
}
