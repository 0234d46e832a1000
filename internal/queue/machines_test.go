// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"testing"

	"forgequeue.dev/queuerunner/internal/drv"
)

func TestMachinesSupportsStep(t *testing.T) {
	ms := NewMachines()
	ms.Register(&Machine{
		ID:       "builder-1",
		Systems:  map[string]struct{}{"x86_64-linux": {}},
		Features: map[string]struct{}{"big-parallel": {}},
	})

	step := &Step{
		DrvPath:                "/d/a",
		Derivation:             &drv.Derivation{Path: "/d/a", Platform: "x86_64-linux"},
		RequiredSystemFeatures: map[string]struct{}{"big-parallel": {}},
	}
	if !ms.SupportsStep(step) {
		t.Error("SupportsStep = false, want true")
	}

	step.RequiredSystemFeatures["kvm"] = struct{}{}
	if ms.SupportsStep(step) {
		t.Error("SupportsStep = true, want false (missing kvm feature)")
	}

	ms.Unregister("builder-1")
	delete(step.RequiredSystemFeatures, "kvm")
	if ms.SupportsStep(step) {
		t.Error("SupportsStep = true after unregistering the only machine, want false")
	}
}
