// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package edgeattention

import (
	"github.com/gomlx/edgeattention/pkg/relpos"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
)

const (
	// ParamNumHeads is the hyperparameter that defines the default number of attention heads.
	// The default is 1 (int).
	ParamNumHeads = "edgeattention_num_heads"

	// ParamKeyQueryDim is the hyperparameter that defines the dimension of the query and key vectors per head.
	// The default is 0 (int), which means dimIn/numHeads.
	ParamKeyQueryDim = "edgeattention_key_query_dim"

	// ParamSameQueryKey is the hyperparameter that defines whether the query and the key are the same projection.
	// The default is false (bool).
	ParamSameQueryKey = "edgeattention_same_query_key"

	// ParamOutputProjection is the hyperparameter that defines whether to apply a dense layer (with bias)
	// to the aggregated output. The default is false (bool).
	ParamOutputProjection = "edgeattention_output_projection"

	// ParamDropoutRate is the hyperparameter that defines the dropout rate applied to the attention probabilities
	// and to the output.
	//
	// Defaults to the parameter "dropout_rate" (layers.ParamDropoutRate) and if that is not set, to 0.0 (no dropout).
	ParamDropoutRate = "edgeattention_dropout_rate"

	// ParamTemperature is the hyperparameter that defines the scaling of the scores. If > 0, queries and keys
	// are L2-normalized and the scores are multiplied by a learned per-head temperature initialized with this
	// value. Otherwise, the scores are multiplied by the fixed 1/sqrt(keyQueryDim).
	// The default is 0.0 (float64).
	ParamTemperature = "edgeattention_temperature"

	// ParamRelativePositional is the hyperparameter that defines whether to add the relative positional
	// encoding term to the scores. The default is false (bool).
	ParamRelativePositional = "edgeattention_relative_positional"

	// ParamRelativePositionalMode is the hyperparameter that selects the relative positional encoding
	// mode, "mul" or "plus" (see relpos.Mode). The default is "mul".
	ParamRelativePositionalMode = "edgeattention_relative_positional_mode"

	// ParamRelativePositionalBeta is the hyperparameter with the radius (in buckets) of each spatial axis
	// (see relpos.Layout). The default is []int{1, 1, 1}.
	ParamRelativePositionalBeta = "edgeattention_relative_positional_beta"

	// ParamRelativePositionalNumTimeBuckets is the hyperparameter with the number of temporal buckets
	// (see relpos.Layout). The default is 1 (int), that is, no temporal axis.
	ParamRelativePositionalNumTimeBuckets = "edgeattention_relative_positional_ntime"
)

// Config is created with New and can be configured with its methods, or simply setting the corresponding
// hyperparameters in the context. Call Build to create the Layer.
type Config struct {
	dimIn, numHeads, keyQueryDim   int
	sameQueryKey, outputProjection bool
	dropoutRate, temperature       float64

	relativePositional bool
	modeName           string
	layout             relpos.Layout
}

// New creates a configuration for an edge attention layer, for inputs with dimIn features per element.
//
// The ctx is only used to read the hyperparameters, the variables are created by Layer.Forward.
//
// Configuration options have defaults, but can also be configured through hyperparameters
// set in the context. See corresponding configuration methods for details.
//
// Example:
//
//	layer, err := edgeattention.New(ctx.In("attention_0"), 64).
//		NumHeads(4).
//		RelativePositional(relpos.Plus, relpos.Layout{Beta: []int{2, 2, 1}, NumTimeBuckets: 3}).
//		Build()
func New(ctx *context.Context, dimIn int) *Config {
	c := &Config{
		dimIn:              dimIn,
		numHeads:           context.GetParamOr(ctx, ParamNumHeads, 1),
		keyQueryDim:        context.GetParamOr(ctx, ParamKeyQueryDim, 0),
		sameQueryKey:       context.GetParamOr(ctx, ParamSameQueryKey, false),
		outputProjection:   context.GetParamOr(ctx, ParamOutputProjection, false),
		dropoutRate:        context.GetParamOr(ctx, ParamDropoutRate, -1.0),
		temperature:        context.GetParamOr(ctx, ParamTemperature, 0.0),
		relativePositional: context.GetParamOr(ctx, ParamRelativePositional, false),
		modeName:           context.GetParamOr(ctx, ParamRelativePositionalMode, relpos.Mul.String()),
		layout: relpos.Layout{
			Beta:           context.GetParamOr(ctx, ParamRelativePositionalBeta, []int{1, 1, 1}),
			NumTimeBuckets: context.GetParamOr(ctx, ParamRelativePositionalNumTimeBuckets, 1),
		},
	}

	// Fallback parameters.
	if c.dropoutRate < 0 {
		c.dropoutRate = context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	}
	return c
}

// NumHeads sets the number of attention heads. dimIn must be divisible by it.
//
// The default is 1, but it can be overridden by the hyperparameter ParamNumHeads.
func (c *Config) NumHeads(numHeads int) *Config {
	c.numHeads = numHeads
	return c
}

// KeyQueryDim sets the dimension of the queries and keys of each head. If 0, it uses dimIn/numHeads.
//
// The default is 0, but it can be overridden by the hyperparameter ParamKeyQueryDim.
func (c *Config) KeyQueryDim(keyQueryDim int) *Config {
	c.keyQueryDim = keyQueryDim
	return c
}

// SameQueryKey configures whether the keys are the same projection as the queries.
//
// The default is false, but it can be overridden by the hyperparameter ParamSameQueryKey.
func (c *Config) SameQueryKey(sameQueryKey bool) *Config {
	c.sameQueryKey = sameQueryKey
	return c
}

// OutputProjection configures whether a dense layer (with bias) is applied to the aggregated output.
//
// The default is false, but it can be overridden by the hyperparameter ParamOutputProjection.
func (c *Config) OutputProjection(outputProjection bool) *Config {
	c.outputProjection = outputProjection
	return c
}

// Dropout sets the dropout rate applied to the attention probabilities used in the aggregation, and to the output.
// It is only active during training.
//
// The default is 0 (no dropout), but it can be overridden by the hyperparameters ParamDropoutRate or
// layers.ParamDropoutRate.
func (c *Config) Dropout(rate float64) *Config {
	c.dropoutRate = rate
	return c
}

// Temperature configures the scaling of the scores: if > 0, queries and keys are L2-normalized and the scores are
// multiplied by a learned per-head temperature, initialized to temperature. If <= 0, the scores are multiplied
// by the fixed 1/sqrt(keyQueryDim).
//
// The default is 0, but it can be overridden by the hyperparameter ParamTemperature.
func (c *Config) Temperature(temperature float64) *Config {
	c.temperature = temperature
	return c
}

// RelativePositional enables the relative positional encoding term of the scores, with the given mode and layout.
//
// It is disabled by default, but it can be enabled (and configured) by the hyperparameters
// ParamRelativePositional, ParamRelativePositionalMode, ParamRelativePositionalBeta and
// ParamRelativePositionalNumTimeBuckets.
func (c *Config) RelativePositional(mode relpos.Mode, layout relpos.Layout) *Config {
	c.relativePositional = true
	c.modeName = mode.String()
	c.layout = layout
	return c
}

// NoRelativePositional disables the relative positional encoding term: the scores only use the similarity
// of the queries and keys.
func (c *Config) NoRelativePositional() *Config {
	c.relativePositional = false
	return c
}

// Build validates the configuration and returns the Layer.
func (c *Config) Build() (*Layer, error) {
	if c.dimIn <= 0 {
		return nil, errors.Errorf("edgeattention: dimIn must be > 0, got %d", c.dimIn)
	}
	if c.numHeads <= 0 {
		return nil, errors.Errorf("edgeattention: numHeads must be > 0, got %d", c.numHeads)
	}
	if c.dimIn%c.numHeads != 0 {
		return nil, errors.Errorf("edgeattention: dimIn (%d) must be divisible by numHeads (%d)", c.dimIn, c.numHeads)
	}
	if c.keyQueryDim < 0 {
		return nil, errors.Errorf("edgeattention: keyQueryDim must be >= 0, got %d", c.keyQueryDim)
	}
	if c.dropoutRate < 0 || c.dropoutRate >= 1 {
		return nil, errors.Errorf("edgeattention: dropout rate must be in [0, 1), got %g", c.dropoutRate)
	}

	l := &Layer{
		dimIn:            c.dimIn,
		numHeads:         c.numHeads,
		valueDim:         c.dimIn / c.numHeads,
		keyQueryDim:      c.keyQueryDim,
		sameQueryKey:     c.sameQueryKey,
		outputProjection: c.outputProjection,
		dropoutRate:      c.dropoutRate,
		scaling:          FixedTemperature{},
	}
	if l.keyQueryDim == 0 {
		l.keyQueryDim = l.valueDim
	}
	if c.temperature > 0 {
		l.scaling = LearnedTemperature{Initial: c.temperature}
	}
	// The mode is validated even if the relative positional encoding is disabled.
	mode, err := relpos.ParseMode(c.modeName)
	if err != nil {
		return nil, errors.WithMessage(err, "edgeattention: invalid relative positional encoding")
	}
	if c.relativePositional {
		l.encoder, err = relpos.New(mode, c.layout)
		if err != nil {
			return nil, errors.WithMessage(err, "edgeattention: invalid relative positional encoding")
		}
	}
	return l, nil
}

// MustBuild is like Build, but panics on error.
func (c *Config) MustBuild() *Layer {
	l, err := c.Build()
	if err != nil {
		panic(err)
	}
	return l
}
