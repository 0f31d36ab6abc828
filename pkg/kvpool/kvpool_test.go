// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kvpool

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGather(t *testing.T) {
	graphtest.RunTestGraphFn(t, "local and external",
		func(g *Graph) (inputs, outputs []*Node) {
			local := Const(g, [][]float32{{0, 1}, {2, 3}})
			external := Const(g, [][]float32{{10, 11}, {12, 13}, {14, 15}})
			indices := Const(g, []int32{4, 0, 2, 1, 3})
			pool := New(local, external)
			inputs = []*Node{local, external, indices}
			outputs = []*Node{
				pool.Gather(indices, false),
				Gather(Concatenate([]*Node{local, external}, 0), InsertAxes(indices, -1)),
			}
			return
		}, []any{
			[][]float32{{14, 15}, {0, 1}, {10, 11}, {2, 3}, {12, 13}},
			[][]float32{{14, 15}, {0, 1}, {10, 11}, {2, 3}, {12, 13}},
		}, 0)

	graphtest.RunTestGraphFn(t, "local only",
		func(g *Graph) (inputs, outputs []*Node) {
			local := IotaFull(g, shapes.Make(dtypes.Float32, 3, 1, 2))
			indices := Const(g, []int64{2, 2, 0})
			inputs = []*Node{local, indices}
			outputs = []*Node{New(local, nil).Gather(indices, false)}
			return
		}, []any{
			[][][]float32{{{4, 5}}, {{4, 5}}, {{0, 1}}},
		}, 0)
}

func TestNew(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	local := Zeros(g, shapes.Make(dtypes.Float32, 3, 2, 4))

	pool := New(local, nil)
	assert.Equal(t, 3, pool.Len())
	assert.Equal(t, 3, pool.NumLocal())
	assert.Equal(t, 0, pool.NumExternal())

	pool = New(local, Zeros(g, shapes.Make(dtypes.Float32, 5, 2, 4)))
	assert.Equal(t, 8, pool.Len())
	assert.Equal(t, 5, pool.NumExternal())

	require.Panics(t, func() { New(local, Zeros(g, shapes.Make(dtypes.Float32, 5, 3, 4))) })
	require.Panics(t, func() { New(local, Zeros(g, shapes.Make(dtypes.Float64, 5, 2, 4))) })
	require.Panics(t, func() { pool.Gather(Const(g, []float32{1}), false) })
}
