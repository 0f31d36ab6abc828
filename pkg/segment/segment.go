// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package segment implements reductions over values grouped by a segment id: typically the
// edges of a sparse graph grouped by their destination node.
//
// All functions take the values shaped `[numItems, ...]` and the segment ids shaped either
// `[numItems]` or `[numItems, 1]` (any integer dtype). The number of segments must be known
// statically, since it defines the shape of the intermediary (and some of the final) results.
//
// The optional `sorted` flag can be set when the segment ids are known to be sorted, it may
// lead to faster execution in some backends. It is undefined behavior to set it if the ids are
// not sorted. See SortOrder for a host-side stable sort of the ids.
package segment

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Indices validates the segmentIDs against the values and returns them shaped `[numItems, 1]`,
// the format used by Gather and the Scatter* family of functions.
func Indices(values, segmentIDs *graph.Node) *graph.Node {
	if values.Rank() < 1 {
		Panicf("segment: values must have at least rank 1 (shaped [numItems, ...]), got %s", values.Shape())
	}
	if !segmentIDs.DType().IsInt() {
		Panicf("segment: segment ids must have an integer dtype, got %s", segmentIDs.Shape())
	}
	numItems := values.Shape().Dimensions[0]
	switch {
	case segmentIDs.Rank() == 1 && segmentIDs.Shape().Dimensions[0] == numItems:
		return graph.InsertAxes(segmentIDs, -1)
	case segmentIDs.Rank() == 2 && segmentIDs.Shape().CheckDims(numItems, 1) == nil:
		return segmentIDs
	}
	Panicf("segment: segment ids must be shaped [numItems=%d] or [numItems=%d, 1], got %s",
		numItems, numItems, segmentIDs.Shape())
	panic(nil) // Disable lint warning.
}

// segmentsShape returns the shape of the per-segment reduction of values.
func segmentsShape(dtype dtypes.DType, values *graph.Node, numSegments int) shapes.Shape {
	if numSegments <= 0 {
		Panicf("segment: numSegments must be > 0, got %d", numSegments)
	}
	dims := slices.Clone(values.Shape().Dimensions)
	dims[0] = numSegments
	return shapes.Make(dtype, dims...)
}

// Sum returns the sum of the values per segment, shaped `[numSegments, ...]`.
// Segments without any items are zero.
//
// Float16 values are summed in float32 and converted back.
func Sum(values, segmentIDs *graph.Node, numSegments int, sorted bool) *graph.Node {
	indices := Indices(values, segmentIDs)
	g := values.Graph()
	dtype := values.DType()
	dtypeSum := dtype
	if dtype.IsFloat16() {
		// Up-precision to 32 bits for the sum.
		dtypeSum = dtypes.Float32
		values = graph.ConvertDType(values, dtypeSum)
	}
	sums := graph.Zeros(g, segmentsShape(dtypeSum, values, numSegments))
	sums = graph.ScatterSum(sums, indices, values, sorted, false)
	if dtypeSum != dtype {
		sums = graph.ConvertDType(sums, dtype)
	}
	return sums
}

// Max returns the maximum value per segment, shaped `[numSegments, ...]`.
// Segments without any items are set to the lowest value of the dtype (-inf for floats).
func Max(values, segmentIDs *graph.Node, numSegments int, sorted bool) *graph.Node {
	indices := Indices(values, segmentIDs)
	g := values.Graph()
	shape := segmentsShape(values.DType(), values, numSegments)
	lowest := graph.BroadcastToShape(graph.Infinity(g, values.DType(), -1), shape)
	return graph.ScatterMax(lowest, indices, values, sorted, false)
}

// Count returns the number of items in each segment, shaped `[numSegments]` and with the given dtype.
func Count(segmentIDs *graph.Node, numSegments int, dtype dtypes.DType, sorted bool) *graph.Node {
	if segmentIDs.Rank() == 2 {
		segmentIDs = graph.Reshape(segmentIDs, -1)
	}
	if segmentIDs.Rank() != 1 {
		Panicf("segment: Count requires segment ids shaped [numItems] or [numItems, 1], got %s", segmentIDs.Shape())
	}
	g := segmentIDs.Graph()
	ones := graph.Ones(g, shapes.Make(dtype, segmentIDs.Shape().Dimensions[0]))
	return Sum(ones, segmentIDs, numSegments, sorted)
}

// Mean returns the mean of the values per segment, shaped `[numSegments, ...]`.
// Segments without any items are zero.
func Mean(values, segmentIDs *graph.Node, numSegments int, sorted bool) *graph.Node {
	if !values.DType().IsFloat() {
		Panicf("segment: Mean requires float values, got %s", values.Shape())
	}
	dtype := values.DType()
	dtypeMean := dtype
	if dtype.IsFloat16() {
		dtypeMean = dtypes.Float32
		values = graph.ConvertDType(values, dtypeMean)
	}
	sums := Sum(values, segmentIDs, numSegments, sorted)
	counts := Count(segmentIDs, numSegments, dtypeMean, sorted)
	counts = graph.MaxScalar(counts, 1) // Avoid division by 0 on empty segments.
	mean := graph.Div(sums, expandToMatch(counts, sums))
	if dtypeMean != dtype {
		mean = graph.ConvertDType(mean, dtype)
	}
	return mean
}

// expandToMatch broadcasts x shaped `[numSegments]` (or `[numSegments, 1]`) to the shape of target,
// shaped `[numSegments, ...]`.
func expandToMatch(x, target *graph.Node) *graph.Node {
	if x.Shape().Equal(target.Shape()) {
		return x
	}
	if x.Rank() == 2 {
		x = graph.Reshape(x, -1)
	}
	for x.Rank() < target.Rank() {
		x = graph.InsertAxes(x, -1)
	}
	return graph.BroadcastToDims(x, target.Shape().Dimensions...)
}

// Softmax computes the softmax of the logits grouped by segment:
//
//	denominator[s] = \sum_{i: segmentIDs[i] = s} exp(logits[i])
//	softmax[i] = exp(logits[i]) / denominator[segmentIDs[i]]
//
// The logits can have any number of trailing axes (e.g.: heads), shaped `[numItems, ...]`, and
// the softmax is taken independently for each of them.
//
// For numeric stability, the per-segment maximum is subtracted before taking the exponential. The
// maximum is treated as a constant for the gradient, which doesn't change the result.
//
// It returns the probabilities with the same shape and dtype as logits. Every segment that has at
// least one item sums to 1.
func Softmax(logits, segmentIDs *graph.Node, numSegments int, sorted bool) *graph.Node {
	if !logits.DType().IsFloat() {
		Panicf("segment: invalid logits dtype %s, it must be float", logits.DType())
	}
	indices := Indices(logits, segmentIDs)
	normalizingMax := Max(logits, indices, numSegments, sorted)
	normalizingMax = graph.StopGradient(graph.Gather(normalizingMax, indices, sorted))
	expLogits := graph.Exp(graph.Sub(logits, normalizingMax))

	// The segment's maximum contributes exp(0) == 1, so gathered denominators are >= 1.
	denominator := Sum(expLogits, indices, numSegments, sorted)
	denominator = graph.Gather(denominator, indices, sorted)
	return graph.Div(expLogits, denominator)
}
