// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package diagnostics computes, host-side, statistics of the attention internals of an edge attention layer
// binned by the relative position of the edges, one axis at a time.
//
// It answers questions like "how much does the positional term contribute to the scores of neighbors 2 voxels
// away on the Z axis?", by averaging per head the similarity of the query and key, the positional term,
// the scores and the probabilities of all edges that fall in each bucket of each axis.
//
// It's a side observer: it only reads the Outputs of edgeattention.Executor created WithInternals, and never
// changes the computation.
//
// Example:
//
//	exec := must.M1(edgeattention.NewExecutor(backend, ctx, layer)).WithInternals(true)
//	outputs := must.M1(exec.Call(inputs))
//	report := must.M1(diagnostics.Collect(layer.Encoder(), inputs.Buckets, outputs))
//	fmt.Println(report.Table(diagnostics.Positional))
package diagnostics

import (
	"fmt"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/edgeattention/pkg/edgeattention"
	"github.com/gomlx/edgeattention/pkg/relpos"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Quantities averaged per bin, named after the aliases of the corresponding graph nodes.
const (
	QueryKey      = edgeattention.AliasQueryKey
	Positional    = edgeattention.AliasPositional
	Scores        = edgeattention.AliasScores
	Probabilities = edgeattention.AliasProbabilities
)

// Quantities lists all quantities in the order they are reported.
var Quantities = []string{QueryKey, Positional, Scores, Probabilities}

// Column names of AxisReport.Frame, besides the per-head means (see ColumnName).
const (
	ColumnBin   = "bin"
	ColumnDelta = "delta"
	ColumnEdges = "edges"
)

// ColumnName returns the name of the column of AxisReport.Frame with the mean of quantity for head.
func ColumnName(quantity string, head int) string {
	return fmt.Sprintf("%s_%d", quantity, head)
}

// aggregatedName is the name gota gives to an aggregated column.
func aggregatedName(column string, aggregation dataframe.AggregationType) string {
	return fmt.Sprintf("%s_%s", column, aggregation)
}

// Report of the binned statistics of one execution.
type Report struct {
	// ID of the report, used to name the exported files.
	ID uuid.UUID

	Layout   relpos.Layout
	NumHeads int
	NumEdges int

	// Axes has one entry per axis of the Layout: the spatial axes followed by the time axis (if present).
	Axes []*AxisReport
}

// AxisReport holds the statistics binned by the bucket of one axis.
type AxisReport struct {
	// Name of the axis: "x", "y", "z" for the first spatial axes, "t" for time.
	Name string

	// Center is the bucket of an edge whose two ends are at the same position on this axis.
	Center int

	// Size is the number of buckets of the axis.
	Size int

	// Frame has one row per bucket with at least one edge, sorted by bucket, with the columns ColumnBin,
	// ColumnDelta (bucket - Center), ColumnEdges (number of edges) and the per-head means of each
	// quantity (see ColumnName).
	Frame dataframe.DataFrame
}

// AxisName returns the name of the axis in a layout.
func AxisName(layout relpos.Layout, axis int) string {
	numSpatial := len(layout.Beta)
	if axis >= numSpatial {
		return "t"
	}
	if numSpatial <= 3 {
		return []string{"x", "y", "z"}[axis]
	}
	return fmt.Sprintf("axis_%d", axis)
}

// Collect the binned statistics of the internals of an execution.
//
// The encoder and buckets must be the ones used in the execution, and outputs must have been
// created by an edgeattention.Executor configured WithInternals.
func Collect(encoder relpos.Encoder, buckets []int32, outputs *edgeattention.Outputs) (*Report, error) {
	if encoder == nil {
		return nil, errors.New("diagnostics: relative positional encoding is disabled, there are no buckets to bin by")
	}
	if outputs == nil || outputs.Internals == nil {
		return nil, errors.New("diagnostics: outputs without internals, configure the executor with WithInternals(true)")
	}
	probabilitiesShape := outputs.Probabilities.Shape()
	if probabilitiesShape.Rank() != 2 {
		return nil, errors.Errorf("diagnostics: probabilities must be shaped [numEdges, numHeads], got %s",
			probabilitiesShape)
	}
	numEdges, numHeads := probabilitiesShape.Dimensions[0], probabilitiesShape.Dimensions[1]
	axisBuckets, err := encoder.AxisBuckets(buckets, numEdges)
	if err != nil {
		return nil, errors.WithMessage(err, "diagnostics: invalid buckets")
	}

	values := make(map[string][]float64, len(Quantities))
	for quantity, t := range map[string]*tensors.Tensor{
		QueryKey:      outputs.Internals.QueryKey,
		Positional:    outputs.Internals.Positional,
		Scores:        outputs.Internals.Scores,
		Probabilities: outputs.Probabilities,
	} {
		if !t.Shape().Equal(probabilitiesShape) {
			return nil, errors.Errorf("diagnostics: %s must be shaped like the probabilities %s, got %s",
				quantity, probabilitiesShape, t.Shape())
		}
		values[quantity], err = flatFloat64(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "diagnostics: %s", quantity)
		}
	}

	layout := encoder.Layout()
	report := &Report{
		ID:       uuid.New(),
		Layout:   layout,
		NumHeads: numHeads,
		NumEdges: numEdges,
	}
	numAxes := layout.NumAxes()
	sizes, centers := layout.AxisSizes(), layout.AxisCenters()
	for axis := range numAxes {
		bins := make([]int, numEdges)
		for edge := range numEdges {
			bins[edge] = axisBuckets[edge*numAxes+axis]
		}
		axisReport := &AxisReport{
			Name:   AxisName(layout, axis),
			Center: centers[axis],
			Size:   sizes[axis],
		}
		axisReport.Frame, err = binMeans(bins, values, numHeads, axisReport.Center)
		if err != nil {
			return nil, errors.WithMessagef(err, "diagnostics: axis %q", axisReport.Name)
		}
		if missing := axisReport.EmptyBins(); len(missing) > 0 {
			klog.Warningf("diagnostics: axis %q has no edges in buckets %v", axisReport.Name, missing)
		}
		report.Axes = append(report.Axes, axisReport)
	}
	klog.V(1).Infof("diagnostics: report %s with %d edges, %d heads and %d axes", report.ID, numEdges, numHeads, numAxes)
	return report, nil
}

// binMeans groups the edges by bin and averages each quantity per head.
func binMeans(bins []int, values map[string][]float64, numHeads, center int) (dataframe.DataFrame, error) {
	numEdges := len(bins)
	columns := []series.Series{
		series.New(bins, series.Int, ColumnBin),
		series.New(slices.Repeat([]float64{1}, numEdges), series.Float, ColumnEdges),
	}
	aggregatedColumns := []string{ColumnEdges}
	aggregations := []dataframe.AggregationType{dataframe.Aggregation_SUM}
	for _, quantity := range Quantities {
		for head := range numHeads {
			perEdge := make([]float64, numEdges)
			for edge := range numEdges {
				perEdge[edge] = values[quantity][edge*numHeads+head]
			}
			name := ColumnName(quantity, head)
			columns = append(columns, series.New(perEdge, series.Float, name))
			aggregatedColumns = append(aggregatedColumns, name)
			aggregations = append(aggregations, dataframe.Aggregation_MEAN)
		}
	}
	df := dataframe.New(columns...)
	if df.Err != nil {
		return df, errors.Wrap(df.Err, "failed to create dataframe")
	}
	grouped := df.GroupBy(ColumnBin).Aggregation(aggregations, aggregatedColumns)
	if grouped.Err != nil {
		return grouped, errors.Wrap(grouped.Err, "failed to group by bin")
	}

	// Aggregated columns are renamed back and ordered.
	for ii, column := range aggregatedColumns {
		grouped = grouped.Rename(column, aggregatedName(column, aggregations[ii]))
	}
	grouped = grouped.Arrange(dataframe.Sort(ColumnBin))
	groupedBins, err := grouped.Col(ColumnBin).Int()
	if err != nil {
		return grouped, errors.Wrap(err, "failed to read bins")
	}
	deltas := xslices.Map(groupedBins, func(bin int) int { return bin - center })
	grouped = grouped.Mutate(series.New(deltas, series.Int, ColumnDelta))
	grouped = grouped.Select(append([]string{ColumnBin, ColumnDelta}, aggregatedColumns...))
	if grouped.Err != nil {
		return grouped, errors.Wrap(grouped.Err, "failed to aggregate")
	}
	return grouped, nil
}

// flatFloat64 returns the flat contents of t as float64.
func flatFloat64(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t), nil
	case dtypes.Float32:
		return xslices.Map(tensors.MustCopyFlatData[float32](t), func(v float32) float64 { return float64(v) }), nil
	default:
		return nil, errors.Errorf("unsupported dtype %s, only float32 and float64 are supported", t.DType())
	}
}

// Bins of the axis with at least one edge, sorted.
func (a *AxisReport) Bins() []int {
	bins, err := a.Frame.Col(ColumnBin).Int()
	if err != nil {
		return nil
	}
	return bins
}

// Deltas of the axis with at least one edge (bin - Center), sorted.
func (a *AxisReport) Deltas() []int {
	return xslices.Map(a.Bins(), func(bin int) int { return bin - a.Center })
}

// Counts of edges per bin, aligned with Bins.
func (a *AxisReport) Counts() []int {
	return xslices.Map(a.Frame.Col(ColumnEdges).Float(), func(count float64) int { return int(count) })
}

// Means of quantity for head, per bin, aligned with Bins.
func (a *AxisReport) Means(quantity string, head int) []float64 {
	return a.Frame.Col(ColumnName(quantity, head)).Float()
}

// EmptyBins returns the buckets of the axis without any edge.
func (a *AxisReport) EmptyBins() []int {
	bins := a.Bins()
	var empty []int
	for bin := range a.Size {
		if !slices.Contains(bins, bin) {
			empty = append(empty, bin)
		}
	}
	return empty
}
