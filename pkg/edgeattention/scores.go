// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package edgeattention

import (
	"github.com/gomlx/edgeattention/pkg/kvpool"
	"github.com/gomlx/edgeattention/pkg/relpos"
	"github.com/gomlx/edgeattention/pkg/segment"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Aliases of the intermediary nodes of the attention probabilities, all shaped `[numEdges, numHeads]`.
// They are created in the alias scope "attention/probabilities", see Graph.GetNodeByAlias and
// Graph.IterAliasedNodes.
const (
	// AliasQueryKey is the similarity of the query and the key of each edge.
	AliasQueryKey = "query_key"

	// AliasPositional is the relative positional term of each edge: the similarity of the query and the
	// positional encoding. It is zero if the relative positional encoding is disabled.
	AliasPositional = "positional"

	// AliasScores is the sum of the query/key similarity and the positional term, scaled by the temperature.
	AliasScores = "scores"

	// AliasProbabilities is the softmax of the scores over the incoming edges of each destination.
	AliasProbabilities = "probabilities"
)

// AliasScope of the aliased intermediary nodes (AliasQueryKey, AliasPositional, etc.), relative to the alias
// scope where Layer.Forward is called.
const AliasScope = "attention/probabilities"

// probabilities returns the attention probabilities of each edge, shaped `[numEdges, numHeads]`.
func (l *Layer) probabilities(ctx *context.Context, query *Node, keyPool *kvpool.Pool, iq, ik, buckets *Node,
	numElements int, sorted bool) *Node {
	g := query.Graph()
	dtype := query.DType()
	numEdges := iq.Shape().Dimensions[0]
	g.PushAliasScope("probabilities")
	defer g.PopAliasScope()

	queryIQ := Gather(query, InsertAxes(iq, -1), sorted) // [numEdges, numHeads, keyQueryDim]
	keyIK := keyPool.Gather(ik, false)
	queryKey := ReduceSum(Mul(queryIQ, keyIK), -1).WithAlias(AliasQueryKey)

	var positional *Node
	if l.encoder != nil {
		table := relpos.Table(ctx.In("relative_positional"), g, l.encoder, l.numHeads, l.keyQueryDim, dtype)
		encoding := l.encoder.Encode(table, buckets)
		positional = ReduceSum(Mul(queryIQ, encoding), -1)
	} else {
		positional = ZerosLike(queryKey)
	}
	positional = positional.WithAlias(AliasPositional)

	temperature := l.scaling.temperature(ctx, g, l.numHeads, l.keyQueryDim, dtype)
	temperature = BroadcastToDims(InsertAxes(temperature, 0), numEdges, l.numHeads)
	scores := Mul(Add(queryKey, positional), temperature).WithAlias(AliasScores)
	return segment.Softmax(scores, iq, numElements, sorted).WithAlias(AliasProbabilities)
}

// emptyProbabilities returns the probabilities of a graph without edges, shaped `[0, numHeads]`.
// The variables are created as in probabilities, and the aliased nodes are also empty.
func (l *Layer) emptyProbabilities(ctx *context.Context, g *Graph, dtype dtypes.DType) *Node {
	g.PushAliasScope("probabilities")
	defer g.PopAliasScope()
	if l.encoder != nil {
		_ = relpos.Table(ctx.In("relative_positional"), g, l.encoder, l.numHeads, l.keyQueryDim, dtype)
	}
	temperature := l.scaling.temperature(ctx, g, l.numHeads, l.keyQueryDim, dtype)
	temperature = BroadcastToDims(InsertAxes(temperature, 0), 0, l.numHeads)
	queryKey := Zeros(g, shapes.Make(dtype, 0, l.numHeads)).WithAlias(AliasQueryKey)
	positional := ZerosLike(queryKey).WithAlias(AliasPositional)
	scores := Mul(Add(queryKey, positional), temperature).WithAlias(AliasScores)
	return ZerosLike(scores).WithAlias(AliasProbabilities)
}
