// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package relpos implements the learned relative positional encodings of edges between elements placed in
// a (up to) 4D grid (X, Y, Z and time).
//
// The relative position of the two ends of an edge is discretized upstream in per-axis buckets (see Layout),
// and an Encoder maps the buckets of each edge to a vector per head, read from a learned table (see Table).
//
// There are two encoders, selected by Mode:
//
//   - Mul: one row per combination of buckets, the edge provides one joint bucket id, shaped `[numEdges]`.
//   - Plus: one row per bucket of each axis, the edge provides one bucket id per axis, shaped
//     `[numEdges, numAxes]`, and the encoding is the sum of the rows of each axis. Bucket ids are
//     local to their axis, that is, in the range `[0, AxisSizes()[axis])`.
package relpos

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Encoder maps the buckets of each edge to its relative positional encoding.
type Encoder interface {
	// Mode of the encoder.
	Mode() Mode

	// Layout of the buckets.
	Layout() Layout

	// TableSize is the number of rows of the encoding table.
	TableSize() int

	// NumBucketAxes is the number of bucket ids per edge: 1 for Mul, Layout.NumAxes() for Plus.
	NumBucketAxes() int

	// Encode the buckets of each edge, given the table shaped `[TableSize(), numHeads, dim]`.
	// It returns the encodings shaped `[numEdges, numHeads, dim]`.
	Encode(table, buckets *graph.Node) *graph.Node

	// CheckBuckets validates host-side the flat buckets of numEdges edges: their size and ranges.
	CheckBuckets(buckets []int32, numEdges int) error

	// AxisBuckets converts the flat buckets of numEdges edges to per-axis (axis-local) bucket ids, a flat slice
	// of `numEdges * Layout().NumAxes()` elements.
	AxisBuckets(buckets []int32, numEdges int) ([]int, error)
}

// New creates the Encoder for the given mode.
func New(mode Mode, layout Layout) (Encoder, error) {
	var (
		encoder Encoder
		err     error
	)
	switch mode {
	case Mul:
		encoder, err = NewMul(layout)
	case Plus:
		encoder, err = NewPlus(layout)
	default:
		err = errors.Errorf("relpos: unknown mode %s", mode)
	}
	if err != nil {
		return nil, err
	}
	return encoder, nil
}

// VariableName of the learned encoding table.
const VariableName = "relative_positional_encoding"

// Table returns the learned encoding table for the encoder, shaped `[TableSize(), numHeads, dim]`, creating the
// variable in the current scope of ctx if it doesn't exist yet. It is initialized with zeros.
//
// The table is not included in any regularization.
func Table(ctx *context.Context, g *graph.Graph, encoder Encoder, numHeads, dim int, dtype dtypes.DType) *graph.Node {
	if numHeads <= 0 || dim <= 0 {
		Panicf("relpos: invalid table dimensions numHeads=%d, dim=%d", numHeads, dim)
	}
	shape := shapes.Make(dtype, encoder.TableSize(), numHeads, dim)
	return ctx.WithInitializer(initializers.Zero).VariableWithShape(VariableName, shape).ValueGraph(g)
}

func checkTable(encoder Encoder, table *graph.Node) {
	if table.Rank() != 3 || table.Shape().Dimensions[0] != encoder.TableSize() {
		Panicf("relpos: %s encoding table must be shaped [tableSize=%d, numHeads, dim], got %s",
			encoder.Mode(), encoder.TableSize(), table.Shape())
	}
}

// MulEncoder implements the Mul mode: buckets are joint ids shaped `[numEdges]` or `[numEdges, 1]`.
type MulEncoder struct {
	layout Layout
}

var _ Encoder = (*MulEncoder)(nil)

// NewMul creates a Mul encoder.
func NewMul(layout Layout) (*MulEncoder, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &MulEncoder{layout: layout}, nil
}

func (e *MulEncoder) Mode() Mode { return Mul }
func (e *MulEncoder) Layout() Layout { return e.layout }
func (e *MulEncoder) TableSize() int { return e.layout.TableSize(Mul) }
func (e *MulEncoder) NumBucketAxes() int { return 1 }

// Encode implements Encoder: it's a direct lookup of the joint bucket.
func (e *MulEncoder) Encode(table, buckets *graph.Node) *graph.Node {
	checkTable(e, table)
	if !buckets.DType().IsInt() {
		Panicf("relpos: buckets must be integers, got %s", buckets.Shape())
	}
	if buckets.Rank() == 2 && buckets.Shape().Dimensions[1] == 1 {
		return graph.Gather(table, buckets)
	}
	if buckets.Rank() != 1 {
		Panicf("relpos: mul buckets must be shaped [numEdges] or [numEdges, 1], got %s", buckets.Shape())
	}
	return graph.Gather(table, graph.InsertAxes(buckets, -1))
}

// CheckBuckets implements Encoder.
func (e *MulEncoder) CheckBuckets(buckets []int32, numEdges int) error {
	if len(buckets) != numEdges {
		return errors.Errorf("relpos: mul mode requires one bucket per edge, got %d buckets for %d edges",
			len(buckets), numEdges)
	}
	tableSize := e.TableSize()
	for edge, bucket := range buckets {
		if bucket < 0 || int(bucket) >= tableSize {
			return errors.Errorf("relpos: bucket %d of edge #%d out of range [0, %d)", bucket, edge, tableSize)
		}
	}
	return nil
}

// AxisBuckets implements Encoder, decomposing the joint ids.
func (e *MulEncoder) AxisBuckets(buckets []int32, numEdges int) ([]int, error) {
	if err := e.CheckBuckets(buckets, numEdges); err != nil {
		return nil, err
	}
	numAxes := e.layout.NumAxes()
	axisBuckets := make([]int, 0, numEdges*numAxes)
	for _, bucket := range buckets {
		ids, err := e.layout.AxisIDs(int(bucket))
		if err != nil {
			return nil, err
		}
		axisBuckets = append(axisBuckets, ids...)
	}
	return axisBuckets, nil
}

// PlusEncoder implements the Plus mode: buckets are axis-local ids shaped `[numEdges, numAxes]`.
type PlusEncoder struct {
	layout  Layout
	offsets []int
}

var _ Encoder = (*PlusEncoder)(nil)

// NewPlus creates a Plus encoder.
func NewPlus(layout Layout) (*PlusEncoder, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &PlusEncoder{layout: layout, offsets: layout.AxisOffsets()}, nil
}

func (e *PlusEncoder) Mode() Mode { return Plus }
func (e *PlusEncoder) Layout() Layout { return e.layout }
func (e *PlusEncoder) TableSize() int { return e.layout.TableSize(Plus) }
func (e *PlusEncoder) NumBucketAxes() int { return e.layout.NumAxes() }

// Encode implements Encoder: it looks up each axis bucket at its axis offset in the table and sums them.
func (e *PlusEncoder) Encode(table, buckets *graph.Node) *graph.Node {
	checkTable(e, table)
	numAxes := e.NumBucketAxes()
	if !buckets.DType().IsInt() {
		Panicf("relpos: buckets must be integers, got %s", buckets.Shape())
	}
	if buckets.Rank() == 1 && numAxes == 1 {
		buckets = graph.InsertAxes(buckets, -1)
	}
	if buckets.Rank() != 2 || buckets.Shape().Dimensions[1] != numAxes {
		Panicf("relpos: plus buckets must be shaped [numEdges, numAxes=%d], got %s", numAxes, buckets.Shape())
	}
	g := buckets.Graph()
	offsets := graph.ConvertDType(graph.Const(g, xslices.Map(e.offsets, func(offset int) int64 { return int64(offset) })), buckets.DType())
	rows := graph.Add(buckets, graph.BroadcastToDims(graph.InsertAxes(offsets, 0), buckets.Shape().Dimensions...))
	perAxis := graph.Gather(table, graph.InsertAxes(rows, -1)) // [numEdges, numAxes, numHeads, dim]
	return graph.ReduceSum(perAxis, 1)
}

// CheckBuckets implements Encoder.
func (e *PlusEncoder) CheckBuckets(buckets []int32, numEdges int) error {
	sizes := e.layout.AxisSizes()
	numAxes := len(sizes)
	if len(buckets) != numEdges*numAxes {
		return errors.Errorf("relpos: plus mode requires %d buckets per edge, got %d buckets for %d edges",
			numAxes, len(buckets), numEdges)
	}
	for ii, bucket := range buckets {
		axis := ii % numAxes
		if bucket < 0 || int(bucket) >= sizes[axis] {
			return errors.Errorf("relpos: bucket %d of edge #%d, axis #%d out of range [0, %d)",
				bucket, ii/numAxes, axis, sizes[axis])
		}
	}
	return nil
}

// AxisBuckets implements Encoder, the buckets are already per axis.
func (e *PlusEncoder) AxisBuckets(buckets []int32, numEdges int) ([]int, error) {
	if err := e.CheckBuckets(buckets, numEdges); err != nil {
		return nil, err
	}
	return xslices.Map(buckets, func(bucket int32) int { return int(bucket) }), nil
}
