// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package relpos

import "github.com/pkg/errors"

// Mode of the relative positional encoding: how the bucket ids of an edge index the encoding table.
type Mode int

const (
	// Mul uses one joint bucket id per edge, enumerating every combination of the per-axis buckets
	// (see Layout.JointIndex). The table has one row per combination.
	Mul Mode = iota

	// Plus uses one bucket id per axis, and the encoding of an edge is the sum of the per-axis rows.
	// The table has one row per bucket of each axis.
	Plus
)

//go:generate go tool enumer -type=Mode -transform=snake -values -text -output=mode_enumer.go mode.go

// ParseMode parses a mode name ("mul" or "plus"), typically from a context hyperparameter.
func ParseMode(name string) (Mode, error) {
	mode, err := ModeString(name)
	if err != nil {
		return mode, errors.Errorf("relpos: unknown relative positional encoding mode %q, valid values are %q",
			name, ModeStrings())
	}
	return mode, nil
}
