// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package edgeattention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// projectionDim is the size per head of the joint query/key/value projection.
func (l *Layer) projectionDim() int {
	if l.sameQueryKey {
		return l.valueDim + l.keyQueryDim
	}
	return l.valueDim + 2*l.keyQueryDim
}

// project x with one dense layer (without bias) to the query, key and value of each head, shaped
// `[numElements, numHeads, keyQueryDim]` for query and key, and `[numElements, numHeads, valueDim]` for value.
func (l *Layer) project(ctx *context.Context, x *Node) (query, key, value *Node) {
	projectionDim := l.projectionDim()
	qkv := layers.Dense(ctx.In("qkv"), x, false, l.numHeads, projectionDim)
	query = SliceAxis(qkv, -1, AxisRange(0, l.keyQueryDim))
	if l.sameQueryKey {
		key = query
	} else {
		key = SliceAxis(qkv, -1, AxisRange(l.keyQueryDim, 2*l.keyQueryDim))
	}
	value = SliceAxis(qkv, -1, AxisRange(projectionDim-l.valueDim, projectionDim))
	return
}
