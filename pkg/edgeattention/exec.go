// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package edgeattention

import (
	"github.com/gomlx/edgeattention/pkg/segment"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Inputs of Executor.Call, all host-side.
type Inputs struct {
	// X holds the features of each element, shaped `[numElements, dimIn]`, with a float dtype.
	X *tensors.Tensor

	// IQ and IK are the destination (query) and source (key/value) element of each edge.
	// Values of IK >= numElements refer to the external pool.
	IQ, IK []int32

	// Buckets of each edge, flat: `numEdges` values for relpos.Mul and `numEdges * numAxes` values
	// (row-major) for relpos.Plus. Leave nil if the layer has no relative positional encoding.
	Buckets []int32

	// KeysToUse and ValuesToUse are the optional external pool, typically Outputs.Key and Outputs.Value
	// of a previous call.
	KeysToUse, ValuesToUse *tensors.Tensor
}

// Internals are the intermediary per-edge values of the attention, shaped `[numEdges, numHeads]`,
// returned if Executor.WithInternals is set.
type Internals struct {
	QueryKey, Positional, Scores *tensors.Tensor
}

// Outputs of Executor.Call. Per-edge outputs are in the order of the edges given in Inputs.
type Outputs struct {
	Output, Probabilities, Key, Value *tensors.Tensor
	Internals                         *Internals
}

// Executor executes a Layer on host-side inputs.
//
// Differently from Layer.Forward, it validates the indices before execution (in the graph out-of-range
// indices are silently clamped), and it can sort the edges by destination so the reductions
// are deterministic.
//
// It is safe for sequential reuse: graphs are cached per input shapes. Concurrent callers should
// each use their own Executor.
type Executor struct {
	layer     *Layer
	ctx       *context.Context
	exec      *context.Exec
	sortEdges bool
	internals bool
}

// NewExecutor creates an executor of layer, with the variables stored in ctx.
// Variables missing in ctx are initialized on the first call.
//
// If the variables of the layer were already created in ctx (e.g.: by another Executor), pass ctx.Reuse().
func NewExecutor(backend backends.Backend, ctx *context.Context, layer *Layer) (*Executor, error) {
	if layer == nil {
		return nil, errors.New("edgeattention: NewExecutor requires a non-nil layer")
	}
	e := &Executor{layer: layer, ctx: ctx}
	var err error
	e.exec, err = context.NewExec(backend, ctx, e.graphFn)
	if err != nil {
		return nil, errors.WithMessage(err, "edgeattention: failed to create executor")
	}
	return e, nil
}

// SortEdges configures whether the edges are stable-sorted by destination before execution, making the
// reductions deterministic. Outputs are returned in the order of the edges given by the caller.
//
// It must be set before the first call to Call. The default is false.
func (e *Executor) SortEdges(sortEdges bool) *Executor {
	e.sortEdges = sortEdges
	return e
}

// WithInternals configures whether to return the Internals.
//
// It must be set before the first call to Call. The default is false.
func (e *Executor) WithInternals(internals bool) *Executor {
	e.internals = internals
	return e
}

// Layer being executed.
func (e *Executor) Layer() *Layer { return e.layer }

// Context holding the variables of the layer.
func (e *Executor) Context() *context.Context { return e.ctx }

// Finalize frees the compiled graphs. The Executor cannot be used afterward.
func (e *Executor) Finalize() {
	e.exec.Finalize()
}

// Call validates the inputs and executes the layer.
func (e *Executor) Call(inputs Inputs) (*Outputs, error) {
	if err := e.validate(inputs); err != nil {
		return nil, err
	}
	iq, ik, buckets := inputs.IQ, inputs.IK, inputs.Buckets
	numEdges := len(iq)

	var inverse []int32
	if e.sortEdges {
		order := segment.SortOrder(iq)
		inverse = make([]int32, numEdges)
		for ii, orig := range order {
			inverse[orig] = int32(ii)
		}
		var err error
		if iq, err = segment.Permute(iq, order, 1); err != nil {
			return nil, err
		}
		if ik, err = segment.Permute(ik, order, 1); err != nil {
			return nil, err
		}
		if encoder := e.layer.encoder; encoder != nil {
			if buckets, err = segment.Permute(buckets, order, encoder.NumBucketAxes()); err != nil {
				return nil, err
			}
		}
	}

	// Edge lists are converted with explicit dimensions, since they may be empty.
	args := []any{
		inputs.X,
		tensors.FromFlatDataAndDimensions(iq, numEdges),
		tensors.FromFlatDataAndDimensions(ik, numEdges),
	}
	if encoder := e.layer.encoder; encoder != nil {
		if buckets == nil {
			buckets = []int32{}
		}
		if encoder.NumBucketAxes() == 1 {
			args = append(args, tensors.FromFlatDataAndDimensions(buckets, numEdges))
		} else {
			args = append(args, tensors.FromFlatDataAndDimensions(buckets, numEdges, encoder.NumBucketAxes()))
		}
	}
	if inputs.KeysToUse != nil && inputs.KeysToUse.Shape().Dimensions[0] > 0 {
		args = append(args, inputs.KeysToUse, inputs.ValuesToUse)
	}
	if e.sortEdges {
		args = append(args, tensors.FromFlatDataAndDimensions(inverse, numEdges))
	}

	var results []*tensors.Tensor
	err := TryCatch[error](func() {
		var err error
		results, err = e.exec.Exec(args...)
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "edgeattention: failed to execute layer")
	}
	outputs := &Outputs{
		Output:        results[0],
		Probabilities: results[1],
		Key:           results[2],
		Value:         results[3],
	}
	if e.internals {
		outputs.Internals = &Internals{
			QueryKey:   results[4],
			Positional: results[5],
			Scores:     results[6],
		}
	}
	return outputs, nil
}

// validate the host-side inputs.
func (e *Executor) validate(inputs Inputs) error {
	l := e.layer
	x := inputs.X
	if x == nil {
		return errors.New("edgeattention: X must be given")
	}
	if x.Rank() != 2 || x.Shape().Dimensions[1] != l.dimIn || !x.DType().IsFloat() {
		return errors.Errorf("edgeattention: X must be a float tensor shaped [numElements, dimIn=%d], got %s",
			l.dimIn, x.Shape())
	}
	numElements := x.Shape().Dimensions[0]
	if len(inputs.IQ) != len(inputs.IK) {
		return errors.Errorf("edgeattention: IQ and IK must have the same length, got %d and %d",
			len(inputs.IQ), len(inputs.IK))
	}
	numEdges := len(inputs.IQ)

	numExternal := 0
	if (inputs.KeysToUse == nil) != (inputs.ValuesToUse == nil) {
		return errors.New("edgeattention: KeysToUse and ValuesToUse must be both given or both nil")
	}
	if keys, values := inputs.KeysToUse, inputs.ValuesToUse; keys != nil {
		if keys.Rank() != 3 || keys.Shape().Dimensions[1] != l.numHeads || keys.Shape().Dimensions[2] != l.keyQueryDim ||
			keys.DType() != x.DType() {
			return errors.Errorf("edgeattention: KeysToUse must be shaped [numExternal, numHeads=%d, keyQueryDim=%d] "+
				"with dtype %s, got %s", l.numHeads, l.keyQueryDim, x.DType(), keys.Shape())
		}
		numExternal = keys.Shape().Dimensions[0]
		if values.Rank() != 3 || values.Shape().Dimensions[0] != numExternal ||
			values.Shape().Dimensions[1] != l.numHeads || values.Shape().Dimensions[2] != l.valueDim ||
			values.DType() != x.DType() {
			return errors.Errorf("edgeattention: ValuesToUse must be shaped [numExternal=%d, numHeads=%d, valueDim=%d] "+
				"with dtype %s, got %s", numExternal, l.numHeads, l.valueDim, x.DType(), values.Shape())
		}
	}

	for edge, dst := range inputs.IQ {
		if dst < 0 || int(dst) >= numElements {
			return errors.Errorf("edgeattention: IQ[%d]=%d out of range [0, %d)", edge, dst, numElements)
		}
	}
	for edge, src := range inputs.IK {
		if src < 0 || int(src) >= numElements+numExternal {
			return errors.Errorf("edgeattention: IK[%d]=%d out of range [0, %d) (%d elements + %d external)",
				edge, src, numElements+numExternal, numElements, numExternal)
		}
	}

	if l.encoder == nil {
		if inputs.Buckets != nil {
			klog.Warningf("edgeattention: Buckets given, but the layer has no relative positional encoding, ignoring them")
		}
		return nil
	}
	if err := l.encoder.CheckBuckets(inputs.Buckets, numEdges); err != nil {
		return errors.WithMessage(err, "edgeattention: invalid Buckets")
	}
	return nil
}

// graphFn builds the graph for Call. The inputs are, in order: x, iq, ik, the optional buckets,
// the optional external keys and values, and the optional inverse of the sort order of the edges.
func (e *Executor) graphFn(ctx *context.Context, inputs []*Node) []*Node {
	l := e.layer
	x, iq, ik := inputs[0], inputs[1], inputs[2]
	rest := inputs[3:]
	var buckets, keysToUse, valuesToUse, inverse *Node
	if l.encoder != nil {
		buckets, rest = rest[0], rest[1:]
	}
	if e.sortEdges {
		inverse, rest = rest[len(rest)-1], rest[:len(rest)-1]
	}
	switch len(rest) {
	case 0:
	case 2:
		keysToUse, valuesToUse = rest[0], rest[1]
	default:
		Panicf("edgeattention: unexpected number of inputs %d", len(inputs))
	}

	g := x.Graph()
	numEdges := iq.Shape().Dimensions[0]
	klog.V(1).Infof("edgeattention: building graph #%d for %d elements, %d edges, sorted=%v",
		g.GraphId(), x.Shape().Dimensions[0], numEdges, e.sortEdges)
	result := l.forward(ctx, x, iq, ik, buckets, keysToUse, valuesToUse, e.sortEdges)

	restore := func(perEdge *Node) *Node {
		if inverse == nil || numEdges == 0 {
			return perEdge
		}
		return Gather(perEdge, InsertAxes(inverse, -1))
	}
	outputs := []*Node{result.Output, restore(result.Probabilities), result.Key, result.Value}
	if e.internals {
		for _, alias := range []string{AliasQueryKey, AliasPositional, AliasScores} {
			node := g.GetNodeByAlias(AliasScope + "/" + alias)
			if node == nil {
				Panicf("edgeattention: aliased node %q not found", alias)
			}
			outputs = append(outputs, restore(node))
		}
	}
	return outputs
}
