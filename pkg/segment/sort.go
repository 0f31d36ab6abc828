// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segment

import (
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// SortOrder returns the permutation that stably sorts the segment ids: ids[order[0]] <= ids[order[1]] <= ...
// Items with the same segment id keep their relative order.
//
// It is used host-side to feed the graph functions with sorted segment ids, see Permute and Unpermute.
func SortOrder[T constraints.Integer](ids []T) []int {
	order := make([]int, len(ids))
	for ii := range order {
		order[ii] = ii
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case ids[a] < ids[b]:
			return -1
		case ids[a] > ids[b]:
			return 1
		}
		return 0
	})
	return order
}

// IsSorted returns whether the segment ids are in non-decreasing order.
func IsSorted[T constraints.Integer](ids []T) bool {
	return slices.IsSorted(ids)
}

// IsIdentity returns whether the permutation is the identity, in which case there is no need to permute anything.
func IsIdentity(order []int) bool {
	for ii, jj := range order {
		if ii != jj {
			return false
		}
	}
	return true
}

// Permute returns a copy of values with its rows reordered by order: output row ii is input row order[ii].
//
// The values are a flat slice of `len(order)` rows of `rowSize` elements each.
func Permute[T any](values []T, order []int, rowSize int) ([]T, error) {
	if err := checkRows(len(values), len(order), rowSize); err != nil {
		return nil, err
	}
	permuted := make([]T, len(values))
	for ii, from := range order {
		copy(permuted[ii*rowSize:(ii+1)*rowSize], values[from*rowSize:(from+1)*rowSize])
	}
	return permuted, nil
}

// Unpermute reverts Permute: output row order[ii] is input row ii.
func Unpermute[T any](values []T, order []int, rowSize int) ([]T, error) {
	if err := checkRows(len(values), len(order), rowSize); err != nil {
		return nil, err
	}
	restored := make([]T, len(values))
	for ii, to := range order {
		copy(restored[to*rowSize:(to+1)*rowSize], values[ii*rowSize:(ii+1)*rowSize])
	}
	return restored, nil
}

func checkRows(numValues, numRows, rowSize int) error {
	if rowSize < 0 || numValues != numRows*rowSize {
		return errors.Errorf("segment: %d values can't be split in %d rows of size %d", numValues, numRows, rowSize)
	}
	return nil
}
