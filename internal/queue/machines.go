// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import "sync"

// Machine describes one worker registered to run steps, as far as
// this core needs to know: just enough to decide whether it could
// possibly run a given step. Everything else about a machine (its
// address, its load, its credentials) belongs to the dispatcher.
type Machine struct {
	ID       string
	Systems  map[string]struct{}
	Features map[string]struct{}
}

// supportsStep reports whether m could run step, based purely on
// platform and required-feature matching. It is the predicate behind
// [MachineRegistry.SupportsStep]'s default implementation.
func (m *Machine) supportsStep(step *Step) bool {
	if step.Derivation == nil {
		return false
	}
	if _, ok := m.Systems[step.Derivation.Platform]; !ok {
		return false
	}
	for feature := range step.RequiredSystemFeatures {
		if _, ok := m.Features[feature]; !ok {
			return false
		}
	}
	return true
}

// MachineRegistry answers whether any registered machine could run a
// given step. The queue runner consumes it as an opaque predicate: it
// never needs to know which machine it was, only whether one exists.
type MachineRegistry interface {
	SupportsStep(step *Step) bool
}

// Machines is the default [MachineRegistry]: a read-mostly, mutex
// guarded map of registered machines. It is the leaf lock in this
// package's lock ordering: it is never held while acquiring the
// builds-map lock, the interner lock, or any per-step state lock.
type Machines struct {
	mu       sync.RWMutex
	machines map[string]*Machine
}

// NewMachines returns an empty machine registry.
func NewMachines() *Machines {
	return &Machines{machines: make(map[string]*Machine)}
}

// Register adds or replaces the machine entry for m.ID.
func (ms *Machines) Register(m *Machine) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.machines[m.ID] = m
}

// Unregister removes the machine entry for id, if present.
func (ms *Machines) Unregister(id string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.machines, id)
}

// SupportsStep reports whether any registered machine could run step.
func (ms *Machines) SupportsStep(step *Step) bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	for _, m := range ms.machines {
		if m.supportsStep(step) {
			return true
		}
	}
	return false
}
