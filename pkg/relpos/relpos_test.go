// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package relpos

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMode(t *testing.T) {
	for _, mode := range ModeValues() {
		parsed, err := ParseMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
	assert.Equal(t, "mul", Mul.String())
	assert.Equal(t, "plus", Plus.String())

	parsed, err := ParseMode("PLUS")
	require.NoError(t, err)
	assert.Equal(t, Plus, parsed)
	_, err = ParseMode("sum")
	require.Error(t, err)

	var mode Mode
	require.NoError(t, mode.UnmarshalText([]byte("plus")))
	assert.Equal(t, Plus, mode)
	assert.False(t, Mode(7).IsAMode())
}

func TestLayout(t *testing.T) {
	layout := Layout{Beta: []int{1, 2}, NumTimeBuckets: 3}
	require.NoError(t, layout.Validate())
	assert.Equal(t, 3, layout.NumAxes())
	assert.Equal(t, []int{3, 5, 3}, layout.AxisSizes())
	assert.Equal(t, []int{0, 3, 8}, layout.AxisOffsets())
	assert.Equal(t, []int{1, 2, 0}, layout.AxisCenters())
	assert.Equal(t, 45, layout.TableSize(Mul))
	assert.Equal(t, 11, layout.TableSize(Plus))

	joint, err := layout.JointIndex([]int{1, 2, 0})
	require.NoError(t, err)
	assert.Equal(t, 21, joint)
	ids, err := layout.AxisIDs(21)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0}, ids)
	for joint := range layout.TableSize(Mul) {
		ids, err := layout.AxisIDs(joint)
		require.NoError(t, err)
		got, err := layout.JointIndex(ids)
		require.NoError(t, err)
		require.Equal(t, joint, got)
	}
	_, err = layout.JointIndex([]int{1, 5, 0})
	require.Error(t, err)
	_, err = layout.JointIndex([]int{1, 2})
	require.Error(t, err)
	_, err = layout.AxisIDs(45)
	require.Error(t, err)

	// Without the time axis.
	layout = Layout{Beta: []int{1, 2}, NumTimeBuckets: 1}
	assert.Equal(t, 2, layout.NumAxes())
	assert.Equal(t, 15, layout.TableSize(Mul))
	assert.Equal(t, 8, layout.TableSize(Plus))

	require.Error(t, Layout{Beta: []int{1, -1}, NumTimeBuckets: 1}.Validate())
	require.Error(t, Layout{Beta: []int{1}, NumTimeBuckets: 0}.Validate())
	require.Error(t, Layout{NumTimeBuckets: 1}.Validate())
	_, err = New(Plus, Layout{Beta: []int{1}})
	require.Error(t, err)
	_, err = New(Mode(3), Layout{Beta: []int{1}, NumTimeBuckets: 1})
	require.Error(t, err)
}

func TestEncode(t *testing.T) {
	layout := Layout{Beta: []int{1, 2}, NumTimeBuckets: 1}
	plus, err := NewPlus(layout)
	require.NoError(t, err)
	mul, err := NewMul(layout)
	require.NoError(t, err)

	graphtest.RunTestGraphFn(t, "Plus: sum of per-axis rows",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			// Row r of the table has the value r.
			table := graph.IotaFull(g, shapes.Make(dtypes.Float32, plus.TableSize(), 1, 1))
			buckets := graph.Const(g, [][]int32{{0, 1}, {2, 4}})
			inputs = []*graph.Node{table, buckets}
			outputs = []*graph.Node{plus.Encode(table, buckets)}
			return
		}, []any{
			// Offsets are [0, 3]: rows {0, 4} and {2, 7}.
			[][][]float32{{{4}}, {{9}}},
		}, 0)

	graphtest.RunTestGraphFn(t, "Mul: joint lookup",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			table := graph.IotaFull(g, shapes.Make(dtypes.Float32, mul.TableSize(), 2, 1))
			buckets := graph.Const(g, []int64{14, 0, 7})
			inputs = []*graph.Node{table, buckets}
			outputs = []*graph.Node{mul.Encode(table, buckets)}
			return
		}, []any{
			[][][]float32{{{28}, {29}}, {{0}, {1}}, {{14}, {15}}},
		}, 0)
}

func TestEncodeAgreement(t *testing.T) {
	// With a single axis both encoders index the table the same way.
	singleAxis := Layout{Beta: []int{2}, NumTimeBuckets: 1}
	plus, err := NewPlus(singleAxis)
	require.NoError(t, err)
	mul, err := NewMul(singleAxis)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()
	outputs := graph.MustExecOnceN(backend, func(g *graph.Graph) []*graph.Node {
		table := graph.Sin(graph.IotaFull(g, shapes.Make(dtypes.Float32, mul.TableSize(), 2, 3)))
		buckets := graph.Const(g, []int32{3, 0, 4, 4})
		return []*graph.Node{mul.Encode(table, buckets), plus.Encode(table, graph.InsertAxes(buckets, -1))}
	})
	assert.Equal(t, outputs[0].Value(), outputs[1].Value())
}

func TestCheckBuckets(t *testing.T) {
	layout := Layout{Beta: []int{1, 1}, NumTimeBuckets: 2}
	plus, err := NewPlus(layout)
	require.NoError(t, err)
	require.NoError(t, plus.CheckBuckets([]int32{0, 2, 1, 2, 1, 0}, 2))
	require.Error(t, plus.CheckBuckets([]int32{0, 2, 2, 2, 1, 0}, 2)) // Time axis has only 2 buckets.
	require.Error(t, plus.CheckBuckets([]int32{0, 2, 1}, 2))
	require.Error(t, plus.CheckBuckets([]int32{0, -1, 1}, 1))

	mul, err := NewMul(layout)
	require.NoError(t, err)
	require.NoError(t, mul.CheckBuckets([]int32{0, 17}, 2))
	require.Error(t, mul.CheckBuckets([]int32{0, 18}, 2))
	require.Error(t, mul.CheckBuckets([]int32{0}, 2))

	axisBuckets, err := mul.AxisBuckets([]int32{17, 3}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1, 0, 1, 1}, axisBuckets)
	axisBuckets, err = plus.AxisBuckets([]int32{0, 2, 1, 2, 1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 1, 2, 1, 0}, axisBuckets)
}

func TestTable(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	encoder, err := New(Plus, Layout{Beta: []int{1, 1, 1}, NumTimeBuckets: 4})
	require.NoError(t, err)
	table := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *graph.Graph) *graph.Node {
		return Table(ctx.In("posenc"), g, encoder, 2, 3, dtypes.Float32)
	})
	assert.True(t, table.Shape().Equal(shapes.Make(dtypes.Float32, 13, 2, 3)))
	assert.Equal(t, make([]float32, 13*2*3), tensors.MustCopyFlatData[float32](table))
	require.NotNil(t, ctx.In("posenc").InspectVariableInScope(VariableName))
}
