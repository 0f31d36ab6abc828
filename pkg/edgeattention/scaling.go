// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package edgeattention

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// TemperatureVariableName is the name of the learned per-head temperature variable, see LearnedTemperature.
const TemperatureVariableName = "temperature"

// Scaling defines how the query/key similarity is scaled into scores. It is either FixedTemperature
// or LearnedTemperature, selected once when the Layer is built.
type Scaling interface {
	// NormalizesQueryKey returns whether queries and keys are L2-normalized before the similarity is taken.
	NormalizesQueryKey() bool

	// temperature returns the per-head multiplier of the scores, shaped `[numHeads]`.
	temperature(ctx *context.Context, g *Graph, numHeads, keyQueryDim int, dtype dtypes.DType) *Node
}

// FixedTemperature scales scores by 1/sqrt(keyQueryDim), without normalizing queries and keys.
type FixedTemperature struct{}

// NormalizesQueryKey implements Scaling.
func (FixedTemperature) NormalizesQueryKey() bool { return false }

func (FixedTemperature) temperature(_ *context.Context, g *Graph, numHeads, keyQueryDim int, dtype dtypes.DType) *Node {
	return BroadcastToDims(Scalar(g, dtype, 1/math.Sqrt(float64(keyQueryDim))), numHeads)
}

// LearnedTemperature L2-normalizes queries and keys, so their similarity is in [-1, 1], and scales the scores by
// a learned per-head temperature, initialized to Initial.
type LearnedTemperature struct {
	Initial float64
}

// NormalizesQueryKey implements Scaling.
func (LearnedTemperature) NormalizesQueryKey() bool { return true }

func (s LearnedTemperature) temperature(ctx *context.Context, g *Graph, numHeads, _ int, dtype dtypes.DType) *Node {
	initial := s.Initial
	initializer := func(g *Graph, shape shapes.Shape) *Node {
		return BroadcastToShape(Scalar(g, shape.DType, initial), shape)
	}
	temperatureVar := ctx.WithInitializer(initializer).VariableWithShape(TemperatureVariableName, shapes.Make(dtype, numHeads))
	return temperatureVar.ValueGraph(g)
}
