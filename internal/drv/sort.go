// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package drv

import "slices"

func sortStrings(s []string) { slices.Sort(s) }

func sortPaths(s []Path) { slices.Sort(s) }
