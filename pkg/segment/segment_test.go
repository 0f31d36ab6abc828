// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segment

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftmax(t *testing.T) {
	ln3 := math.Log(3)
	graphtest.RunTestGraphFn(t, "Softmax with heads",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			// 5 items, 2 heads, 4 segments: segment 3 has no items.
			logits := graph.Const(g, [][]float64{{0, 1}, {ln3, 1}, {5, -100}, {0, 2}, {0, 2 + ln3}})
			ids := graph.Const(g, []int32{0, 0, 1, 2, 2})
			inputs = []*graph.Node{logits, ids}
			outputs = []*graph.Node{Softmax(logits, ids, 4, true)}
			return
		}, []any{
			[][]float64{{0.25, 0.5}, {0.75, 0.5}, {1, 1}, {0.5, 0.25}, {0.5, 0.75}},
		}, xslices.Epsilon)

	graphtest.RunTestGraphFn(t, "Softmax unsorted with [numItems, 1] ids",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			logits := graph.Const(g, []float32{0, 0, float32(ln3), 0})
			ids := graph.Const(g, [][]int64{{1}, {0}, {1}, {0}})
			inputs = []*graph.Node{logits, ids}
			outputs = []*graph.Node{Softmax(logits, ids, 2, false)}
			return
		}, []any{
			[]float32{0.25, 0.5, 0.75, 0.5},
		}, 1e-5)

	graphtest.RunTestGraphFn(t, "Softmax large logits",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			logits := graph.Const(g, []float32{1000, 1000, -1000})
			ids := graph.Const(g, []int32{0, 0, 1})
			inputs = []*graph.Node{logits, ids}
			outputs = []*graph.Node{Softmax(logits, ids, 2, true)}
			return
		}, []any{
			[]float32{0.5, 0.5, 1},
		}, 1e-5)
}

func TestReductions(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Sum",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			values := graph.Const(g, [][]float32{{1, 2}, {3, 4}, {5, 6}})
			ids := graph.Const(g, []int32{2, 0, 2})
			inputs = []*graph.Node{values, ids}
			outputs = []*graph.Node{Sum(values, ids, 3, false)}
			return
		}, []any{
			[][]float32{{3, 4}, {0, 0}, {6, 8}},
		}, 0)

	graphtest.RunTestGraphFn(t, "Max",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			values := graph.Const(g, []float32{1, 5, 3, -7})
			ids := graph.Const(g, []int32{1, 1, 0, 0})
			inputs = []*graph.Node{values, ids}
			outputs = []*graph.Node{Max(values, ids, 2, false)}
			return
		}, []any{
			[]float32{3, 5},
		}, 0)

	graphtest.RunTestGraphFn(t, "Count and Mean",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			values := graph.Const(g, [][]float32{{1}, {3}, {5}})
			ids := graph.Const(g, []int32{0, 0, 2})
			inputs = []*graph.Node{values, ids}
			outputs = []*graph.Node{
				Count(ids, 4, dtypes.Float32, true),
				Mean(values, ids, 4, true),
			}
			return
		}, []any{
			[]float32{2, 0, 1, 0},
			[][]float32{{2}, {0}, {5}, {0}},
		}, 0)
}

func TestShapeChecks(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := graph.NewGraph(backend, t.Name())
	values := graph.Const(g, []float32{1, 2, 3})
	require.Panics(t, func() { _ = Sum(values, graph.Const(g, []int32{0, 1}), 2, false) })
	require.Panics(t, func() { _ = Sum(values, graph.Const(g, []float32{0, 1, 1}), 2, false) })
	require.Panics(t, func() { _ = Sum(values, graph.Const(g, []int32{0, 1, 1}), 0, false) })
	require.Panics(t, func() { _ = Softmax(graph.Const(g, []int32{1, 2, 3}), graph.Const(g, []int32{0, 1, 1}), 2, false) })
	require.NotPanics(t, func() { _ = Softmax(values, graph.Const(g, []int32{0, 1, 1}), 2, false) })
}

func TestSortOrder(t *testing.T) {
	ids := []int32{2, 0, 1, 0, 2}
	order := SortOrder(ids)
	assert.Equal(t, []int{1, 3, 2, 0, 4}, order)
	assert.False(t, IsSorted(ids))
	assert.False(t, IsIdentity(order))

	sortedIDs, err := Permute(ids, order, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 0, 1, 2, 2}, sortedIDs)
	assert.True(t, IsSorted(sortedIDs))
	assert.True(t, IsIdentity(SortOrder(sortedIDs)))

	// Rows of 2 values.
	rows := []float32{20, 21, 0, 1, 10, 11, 30, 31, 40, 41}
	permuted, err := Permute(rows, order, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 30, 31, 10, 11, 20, 21, 40, 41}, permuted)
	restored, err := Unpermute(permuted, order, 2)
	require.NoError(t, err)
	assert.Equal(t, rows, restored)

	_, err = Permute(rows, order, 3)
	require.Error(t, err)
}
