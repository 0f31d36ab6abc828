// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diagnostics

import (
	"os"
	"strings"
	"testing"

	"github.com/gomlx/edgeattention/pkg/edgeattention"
	"github.com/gomlx/edgeattention/pkg/relpos"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOutputs returns outputs for 4 edges and 2 heads, where all quantities are the same.
func testOutputs() *edgeattention.Outputs {
	perEdge := func() *tensors.Tensor {
		return tensors.FromValue([][]float32{{1, 10}, {2, 20}, {3, 30}, {4, 40}})
	}
	return &edgeattention.Outputs{
		Probabilities: perEdge(),
		Internals: &edgeattention.Internals{
			QueryKey:   perEdge(),
			Positional: perEdge(),
			Scores:     perEdge(),
		},
	}
}

func TestCollect(t *testing.T) {
	layout := relpos.Layout{Beta: []int{1, 1}, NumTimeBuckets: 1}
	encoder := must.M1(relpos.NewPlus(layout))
	// Per-axis buckets of the 4 edges: (0, 1), (1, 1), (0, 2), (2, 1).
	buckets := []int32{0, 1, 1, 1, 0, 2, 2, 1}
	report, err := Collect(encoder, buckets, testOutputs())
	require.NoError(t, err)
	assert.Equal(t, 2, report.NumHeads)
	assert.Equal(t, 4, report.NumEdges)
	require.Len(t, report.Axes, 2)

	x := report.Axes[0]
	assert.Equal(t, "x", x.Name)
	assert.Equal(t, []int{0, 1, 2}, x.Bins())
	assert.Equal(t, []int{-1, 0, 1}, x.Deltas())
	assert.Equal(t, []int{2, 1, 1}, x.Counts())
	assert.InDeltaSlice(t, []float64{2, 2, 4}, x.Means(QueryKey, 0), 1e-6)
	assert.InDeltaSlice(t, []float64{20, 20, 40}, x.Means(Probabilities, 1), 1e-5)
	assert.Empty(t, x.EmptyBins())

	y := report.Axes[1]
	assert.Equal(t, "y", y.Name)
	assert.Equal(t, []int{1, 2}, y.Bins())
	assert.Equal(t, []int{0, 1}, y.Deltas())
	assert.Equal(t, []int{3, 1}, y.Counts())
	assert.InDeltaSlice(t, []float64{7.0 / 3.0, 3}, y.Means(Scores, 0), 1e-6)
	assert.Equal(t, []int{0}, y.EmptyBins())

	table := report.Table(Positional)
	assert.True(t, strings.Contains(table, "head #1"))
	assert.True(t, strings.Contains(table, "positional per y-delta"))
}

func TestCollectMul(t *testing.T) {
	layout := relpos.Layout{Beta: []int{1}, NumTimeBuckets: 2}
	encoder := must.M1(relpos.NewMul(layout))
	// Joint buckets (x, t): 1=(0,1), 2=(1,0), 3=(1,1), 4=(2,0).
	report, err := Collect(encoder, []int32{1, 2, 3, 4}, testOutputs())
	require.NoError(t, err)
	require.Len(t, report.Axes, 2)
	assert.Equal(t, "t", report.Axes[1].Name)
	assert.Equal(t, []int{0, 1}, report.Axes[1].Deltas())
	assert.InDeltaSlice(t, []float64{3, 2}, report.Axes[1].Means(QueryKey, 0), 1e-6)
	assert.InDeltaSlice(t, []float64{10, 25, 40}, report.Axes[0].Means(QueryKey, 1), 1e-6)
}

func TestCollectErrors(t *testing.T) {
	layout := relpos.Layout{Beta: []int{1}, NumTimeBuckets: 1}
	encoder := must.M1(relpos.NewMul(layout))
	_, err := Collect(nil, []int32{0, 1, 2, 0}, testOutputs())
	require.Error(t, err)
	_, err = Collect(encoder, []int32{0, 1, 2, 0}, &edgeattention.Outputs{Probabilities: testOutputs().Probabilities})
	require.Error(t, err)
	_, err = Collect(encoder, []int32{0, 1, 3, 0}, testOutputs())
	require.Error(t, err)
	_, err = Collect(encoder, []int32{0, 1}, testOutputs())
	require.Error(t, err)
}

func TestExport(t *testing.T) {
	layout := relpos.Layout{Beta: []int{1, 1}, NumTimeBuckets: 1}
	encoder := must.M1(relpos.NewPlus(layout))
	report := must.M1(Collect(encoder, []int32{0, 1, 1, 1, 0, 2, 2, 1}, testOutputs()))
	dir := t.TempDir()

	paths, err := report.WriteCSV(dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	contents := string(must.M1(os.ReadFile(paths[0])))
	header := strings.SplitN(contents, "\n", 2)[0]
	assert.Equal(t, "bin,delta,edges,query_key_0,query_key_1,positional_0,positional_1,"+
		"scores_0,scores_1,probabilities_0,probabilities_1", header)
	assert.True(t, strings.HasSuffix(paths[0], "_x.csv"))

	paths, err = report.Plot(Probabilities, dir, "png")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	for _, path := range paths {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}
