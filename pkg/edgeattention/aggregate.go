// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package edgeattention

import (
	"github.com/gomlx/edgeattention/pkg/kvpool"
	"github.com/gomlx/edgeattention/pkg/segment"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// aggregate the values of the incoming edges of each element weighted by the probabilities.
// It returns the output shaped `[numElements, dimIn]`.
func (l *Layer) aggregate(ctx *context.Context, probabilities *Node, valuePool *kvpool.Pool, iq, ik *Node,
	numElements int, sorted bool) *Node {
	probabilities = layers.DropoutStatic(ctx.In("probabilities_dropout"), probabilities, l.dropoutRate)
	valueIK := valuePool.Gather(ik, false) // [numEdges, numHeads, valueDim]
	weighted := Mul(valueIK, BroadcastToShape(InsertAxes(probabilities, -1), valueIK.Shape()))
	output := segment.Sum(weighted, iq, numElements, sorted)
	return l.finalizeOutput(ctx, Reshape(output, numElements, l.numHeads*l.valueDim))
}

// emptyAggregate is the aggregation when there are no edges at all: every element gets zeros.
func (l *Layer) emptyAggregate(ctx *context.Context, g *Graph, numElements int, dtype dtypes.DType) *Node {
	output := Zeros(g, shapes.Make(dtype, numElements, l.numHeads*l.valueDim))
	return l.finalizeOutput(ctx, output)
}

// finalizeOutput applies the optional output projection and the output dropout to the aggregated values,
// shaped `[numElements, numHeads*valueDim]`.
func (l *Layer) finalizeOutput(ctx *context.Context, output *Node) *Node {
	if l.outputProjection {
		output = layers.Dense(ctx.In("output"), output, true, l.dimIn)
	}
	return layers.DropoutStatic(ctx.In("output_dropout"), output, l.dropoutRate)
}
