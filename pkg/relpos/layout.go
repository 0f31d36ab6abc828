// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package relpos

import (
	"github.com/pkg/errors"
)

// Layout of the relative position buckets.
//
// Each spatial axis i (X, Y, Z, ...) has a radius Beta[i], and relative positions along it are
// discretized in 2*Beta[i]+1 buckets: bucket Beta[i] is the "same position" one.
// The temporal axis has NumTimeBuckets buckets, and it only exists if NumTimeBuckets > 1.
type Layout struct {
	Beta           []int
	NumTimeBuckets int
}

// Validate returns an error if the layout is not usable.
func (l Layout) Validate() error {
	if len(l.Beta) == 0 {
		return errors.New("relpos: layout requires at least one spatial axis (Beta can't be empty)")
	}
	for axis, beta := range l.Beta {
		if beta < 0 {
			return errors.Errorf("relpos: negative radius Beta[%d]=%d", axis, beta)
		}
	}
	if l.NumTimeBuckets < 1 {
		return errors.Errorf("relpos: NumTimeBuckets must be >= 1, got %d", l.NumTimeBuckets)
	}
	return nil
}

// HasTimeAxis returns whether the temporal axis is used, that is, NumTimeBuckets > 1.
func (l Layout) HasTimeAxis() bool { return l.NumTimeBuckets > 1 }

// NumAxes returns the number of bucket axes: one per spatial axis plus the temporal one if used.
func (l Layout) NumAxes() int {
	if l.HasTimeAxis() {
		return len(l.Beta) + 1
	}
	return len(l.Beta)
}

// AxisSizes returns the number of buckets of each axis: 2*Beta[i]+1 for the spatial axes, followed by
// NumTimeBuckets if the temporal axis is used.
func (l Layout) AxisSizes() []int {
	sizes := make([]int, 0, l.NumAxes())
	for _, beta := range l.Beta {
		sizes = append(sizes, 2*beta+1)
	}
	if l.HasTimeAxis() {
		sizes = append(sizes, l.NumTimeBuckets)
	}
	return sizes
}

// AxisOffsets returns the first row of each axis in a Plus table, where the axes are stacked one after the other.
func (l Layout) AxisOffsets() []int {
	sizes := l.AxisSizes()
	offsets := make([]int, len(sizes))
	for axis := 1; axis < len(sizes); axis++ {
		offsets[axis] = offsets[axis-1] + sizes[axis-1]
	}
	return offsets
}

// AxisCenters returns the bucket of each axis that represents a zero relative position: Beta[i] for the
// spatial axes, and 0 for the temporal one.
func (l Layout) AxisCenters() []int {
	centers := make([]int, 0, l.NumAxes())
	centers = append(centers, l.Beta...)
	if l.HasTimeAxis() {
		centers = append(centers, 0)
	}
	return centers
}

// TableSize returns the number of rows of the encoding table for the given mode:
//
//   - Mul: prod(2*Beta[i]+1) * NumTimeBuckets, one row per combination of buckets.
//   - Plus: sum(2*Beta[i]+1) (+ NumTimeBuckets if NumTimeBuckets > 1), one row per bucket of each axis.
func (l Layout) TableSize(mode Mode) int {
	sizes := l.AxisSizes()
	if mode == Plus {
		total := 0
		for _, size := range sizes {
			total += size
		}
		return total
	}
	total := 1
	for _, size := range sizes {
		total *= size
	}
	return total
}

// JointIndex converts per-axis bucket ids to the joint bucket id used by Mul, enumerated in row-major
// order: the last axis (time, if used) varies the fastest.
func (l Layout) JointIndex(axisIDs []int) (int, error) {
	sizes := l.AxisSizes()
	if len(axisIDs) != len(sizes) {
		return 0, errors.Errorf("relpos: JointIndex requires %d axis ids, got %d", len(sizes), len(axisIDs))
	}
	joint := 0
	for axis, id := range axisIDs {
		if id < 0 || id >= sizes[axis] {
			return 0, errors.Errorf("relpos: bucket id %d for axis #%d out of range [0, %d)", id, axis, sizes[axis])
		}
		joint = joint*sizes[axis] + id
	}
	return joint, nil
}

// AxisIDs converts a joint bucket id (see JointIndex) back to the per-axis bucket ids.
func (l Layout) AxisIDs(joint int) ([]int, error) {
	sizes := l.AxisSizes()
	if joint < 0 || joint >= l.TableSize(Mul) {
		return nil, errors.Errorf("relpos: joint bucket id %d out of range [0, %d)", joint, l.TableSize(Mul))
	}
	ids := make([]int, len(sizes))
	for axis := len(sizes) - 1; axis >= 0; axis-- {
		ids[axis] = joint % sizes[axis]
		joint /= sizes[axis]
	}
	return ids, nil
}
