// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package edgeattention implements multi-head attention over an explicit list of edges, for irregular
// sets of elements (points or voxels in up to 4 dimensions) where each element only attends to a
// pre-selected list of neighbors.
//
// Each edge e connects a query element iq[e] (the destination) to a key/value element ik[e], and carries the
// relative position buckets of the two elements (see package relpos). For each destination the attention
// probabilities are normalized over its incoming edges only (a segment softmax, see package segment), and the
// output of a destination is the probability weighted sum of the values of its incoming edges.
//
// Keys and values can also come from an external pool (e.g.: elements of a previous time step), in which case
// ik indexes the concatenation of the local elements and the external pool.
//
// The Layer is created with New(...).Build(), and used in a graph with Layer.Forward. For host-side execution,
// with validation of the indices, see NewExecutor.
package edgeattention

import (
	"github.com/gomlx/edgeattention/pkg/kvpool"
	"github.com/gomlx/edgeattention/pkg/relpos"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Layer of edge attention, created with New(...).Build().
type Layer struct {
	dimIn, numHeads, valueDim, keyQueryDim int
	sameQueryKey, outputProjection         bool
	dropoutRate                            float64
	scaling                                Scaling
	encoder                                relpos.Encoder
}

// Result of Layer.Forward.
type Result struct {
	// Output of each element, shaped `[numElements, dimIn]`.
	Output *Node

	// Probabilities of each edge and head, shaped `[numEdges, numHeads]`. For each destination (and head) the
	// probabilities of its incoming edges sum to 1. These are the probabilities before dropout.
	Probabilities *Node

	// Key of each (local) element, shaped `[numElements, numHeads, keyQueryDim]`. They are L2-normalized if
	// the layer uses a LearnedTemperature.
	Key *Node

	// Value of each (local) element, shaped `[numElements, numHeads, valueDim]`.
	Value *Node
}

// DimIn is the number of input (and output) features per element.
func (l *Layer) DimIn() int { return l.dimIn }

// NumHeads is the number of attention heads.
func (l *Layer) NumHeads() int { return l.numHeads }

// ValueDim is the dimension of the values of each head, dimIn/numHeads.
func (l *Layer) ValueDim() int { return l.valueDim }

// KeyQueryDim is the dimension of the queries and keys of each head.
func (l *Layer) KeyQueryDim() int { return l.keyQueryDim }

// Scaling of the scores: FixedTemperature or LearnedTemperature.
func (l *Layer) Scaling() Scaling { return l.scaling }

// Encoder of the relative positions, or nil if the relative positional encoding is disabled.
func (l *Layer) Encoder() relpos.Encoder { return l.encoder }

// DropoutRate applied to the probabilities used for aggregation and to the output, during training.
func (l *Layer) DropoutRate() float64 { return l.dropoutRate }

// Forward builds the attention computation graph.
//
// The variables of the layer are created (or reused) in the current scope of ctx, so a Layer can be used
// to build many graphs (e.g.: for different numbers of elements or edges) with the same weights.
//
// Args:
//   - x: input features, shaped `[numElements, dimIn]`.
//   - iq: destination (query element) of each edge, shaped `[numEdges]`, with values in `[0, numElements)`.
//   - ik: source (key/value element) of each edge, shaped `[numEdges]`, with values in
//     `[0, numElements + numExternal)`: values >= numElements refer to the external pool.
//   - buckets: relative position buckets of each edge, shaped `[numEdges]` for relpos.Mul or
//     `[numEdges, numAxes]` for relpos.Plus. Only used, and required, if the relative positional encoding is enabled.
//   - keysToUse, valuesToUse: optional (can be nil) external pool of keys and values, shaped
//     `[numExternal, numHeads, keyQueryDim]` and `[numExternal, numHeads, valueDim]`. Typically, the keys
//     and values returned by a previous call.
//
// Indices are not validated in the graph (gather clamps them to the valid range), see Executor for host-side validation.
// Destinations without incoming edges get an output of zeros (before the optional output projection). This
// includes the case of no edges at all (numEdges == 0), where the probabilities are shaped `[0, numHeads]`.
func (l *Layer) Forward(ctx *context.Context, x, iq, ik, buckets, keysToUse, valuesToUse *Node) Result {
	return l.forward(ctx, x, iq, ik, buckets, keysToUse, valuesToUse, false)
}

// forward implements Forward. If sorted is true, iq must be sorted.
func (l *Layer) forward(ctx *context.Context, x, iq, ik, buckets, keysToUse, valuesToUse *Node, sorted bool) Result {
	l.checkInputs(x, iq, ik, buckets, keysToUse, valuesToUse)
	g := x.Graph()
	numElements := x.Shape().Dimensions[0]

	g.PushAliasScope("attention")
	defer g.PopAliasScope()

	query, key, value := l.project(ctx, x)
	if l.scaling.NormalizesQueryKey() {
		query = L2Normalize(query, -1)
		key = L2Normalize(key, -1)
	}
	if iq.Shape().Dimensions[0] == 0 {
		return Result{
			Output:        l.emptyAggregate(ctx, g, numElements, x.DType()),
			Probabilities: l.emptyProbabilities(ctx, g, x.DType()),
			Key:           key,
			Value:         value,
		}
	}
	keyPool := kvpool.New(key, keysToUse)
	valuePool := kvpool.New(value, valuesToUse)

	probabilities := l.probabilities(ctx, query, keyPool, iq, ik, buckets, numElements, sorted)
	output := l.aggregate(ctx, probabilities, valuePool, iq, ik, numElements, sorted)
	return Result{
		Output:        output,
		Probabilities: probabilities,
		Key:           key,
		Value:         value,
	}
}

func (l *Layer) checkInputs(x, iq, ik, buckets, keysToUse, valuesToUse *Node) {
	if x.Rank() != 2 || x.Shape().Dimensions[1] != l.dimIn || !x.DType().IsFloat() {
		Panicf("edgeattention: x must be a float shaped [numElements, dimIn=%d], got %s", l.dimIn, x.Shape())
	}
	if iq.Rank() != 1 || !iq.DType().IsInt() {
		Panicf("edgeattention: iq must be an integer vector shaped [numEdges], got %s", iq.Shape())
	}
	numEdges := iq.Shape().Dimensions[0]
	if ik.Rank() != 1 || !ik.DType().IsInt() || ik.Shape().Dimensions[0] != numEdges {
		Panicf("edgeattention: ik must be an integer vector shaped [numEdges=%d], got %s", numEdges, ik.Shape())
	}
	if l.encoder != nil {
		if buckets == nil {
			Panicf("edgeattention: relative positional encoding (%s) is enabled, but no buckets were given", l.encoder.Mode())
		}
		if buckets.Rank() < 1 || buckets.Shape().Dimensions[0] != numEdges {
			Panicf("edgeattention: buckets must be shaped [numEdges=%d, ...], got %s", numEdges, buckets.Shape())
		}
	}
	if (keysToUse == nil) != (valuesToUse == nil) {
		Panicf("edgeattention: keysToUse and valuesToUse must be both given or both nil")
	}
	if keysToUse != nil {
		if keysToUse.Rank() != 3 || keysToUse.Shape().Dimensions[1] != l.numHeads || keysToUse.Shape().Dimensions[2] != l.keyQueryDim {
			Panicf("edgeattention: keysToUse must be shaped [numExternal, numHeads=%d, keyQueryDim=%d], got %s",
				l.numHeads, l.keyQueryDim, keysToUse.Shape())
		}
		if valuesToUse.Rank() != 3 || valuesToUse.Shape().Dimensions[0] != keysToUse.Shape().Dimensions[0] ||
			valuesToUse.Shape().Dimensions[1] != l.numHeads || valuesToUse.Shape().Dimensions[2] != l.valueDim {
			Panicf("edgeattention: valuesToUse must be shaped [numExternal=%d, numHeads=%d, valueDim=%d], got %s",
				keysToUse.Shape().Dimensions[0], l.numHeads, l.valueDim, valuesToUse.Shape())
		}
	}
}
