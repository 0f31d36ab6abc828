// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kvpool presents two separately stored sets of vectors (the "local" ones, computed in the
// current graph, and "external" ones, provided by the caller) as one index space:
// index i < numLocal refers to local[i], and index i >= numLocal refers to external[i-numLocal].
//
// It is equivalent to gathering from Concatenate([local, external], 0), but the concatenated copy
// is never materialized.
package kvpool

import (
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Pool of vectors shaped `[numLocal+numExternal, ...]`, backed by two separate nodes.
type Pool struct {
	local, external        *Node
	numLocal, numExternal int
}

// New creates a Pool with the local vectors shaped `[numLocal, ...]` and the optional external vectors
// shaped `[numExternal, ...]`, where the trailing dimensions must match. External can be nil.
func New(local, external *Node) *Pool {
	if local == nil || local.Rank() < 1 {
		Panicf("kvpool: local vectors must be shaped [numLocal, ...], got %v", local)
	}
	p := &Pool{local: local, numLocal: local.Shape().Dimensions[0]}
	if external == nil {
		return p
	}
	if external.DType() != local.DType() || external.Rank() != local.Rank() ||
		!slices.Equal(external.Shape().Dimensions[1:], local.Shape().Dimensions[1:]) {
		Panicf("kvpool: external vectors shaped %s don't match local vectors shaped %s (only the first axis can differ)",
			external.Shape(), local.Shape())
	}
	p.numExternal = external.Shape().Dimensions[0]
	if p.numExternal > 0 {
		p.external = external
	}
	return p
}

// Len returns the total number of vectors in the pool.
func (p *Pool) Len() int { return p.numLocal + p.numExternal }

// NumLocal returns the number of local vectors, which is also the index of the first external vector.
func (p *Pool) NumLocal() int { return p.numLocal }

// NumExternal returns the number of external vectors.
func (p *Pool) NumExternal() int { return p.numExternal }

// Gather returns the vectors pointed by indices (shaped `[numIndices]`, any integer dtype), shaped
// `[numIndices, ...]`.
//
// Out-of-range indices are not checked here (gather clamps them), they should be validated by the caller.
func (p *Pool) Gather(indices *Node, sorted bool) *Node {
	if !indices.DType().IsInt() || indices.Rank() != 1 {
		Panicf("kvpool: indices must be a vector of integers, got %s", indices.Shape())
	}
	if p.external == nil {
		return Gather(p.local, InsertAxes(indices, -1), sorted)
	}

	// Gather from both arrays (indices of the other array replaced by 0), and select afterward.
	g := indices.Graph()
	dtype := indices.DType()
	numLocal := BroadcastToShape(Scalar(g, dtype, p.numLocal), indices.Shape())
	isLocal := LessThan(indices, numLocal)
	localIndices := Where(isLocal, indices, ScalarZero(g, dtype))
	externalIndices := Where(isLocal, ScalarZero(g, dtype), Sub(indices, numLocal))
	// Zeroed external indices break the ordering of the local ones, but not the other way around.
	fromLocal := Gather(p.local, InsertAxes(localIndices, -1), false)
	fromExternal := Gather(p.external, InsertAxes(externalIndices, -1), sorted)
	return Where(isLocal, fromLocal, fromExternal)
}
