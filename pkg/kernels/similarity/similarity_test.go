// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package similarity

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/gomlx/simnets/pkg/core/tensors"
	"github.com/gomlx/simnets/pkg/support/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forward64(t *testing.T, cfg Config, inputDims, templatesDims []int, input, templates, weights []float64) []float64 {
	r, err := New[float64](cfg, shapes.Make(dtypes.Float64, inputDims...), shapes.Make(dtypes.Float64, templatesDims...))
	require.NoError(t, err)
	output := make([]float64, shapes.Make(dtypes.Float64, r.Dims().OutputDims()...).Size())
	for ii := range output {
		output[ii] = 1000 // Forward must overwrite stale contents.
	}
	r.Forward(input, templates, weights, output)
	return output
}

func TestForward_L2Zero(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 0))
	cfg := DefaultConfig()
	input := make([]float64, 2*3*5*5)
	for ii := range input {
		input[ii] = rng.NormFloat64()
	}
	params := make([]float64, 4*3*2*2)
	got := forward64(t, cfg, []int{2, 3, 5, 5}, []int{4, 3, 2, 2}, input, params, params)
	require.Len(t, got, 2*4*3*3)
	assert.Equal(t, xslices.SliceWithValue(len(got), 0.0), got)
}

func TestForward_L1Padding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimilarityFunction = "l1"
	cfg.Ksize = []int{1, 3, 3, 1}
	cfg.Strides = []int{1, 1, 1, 1}
	input := []float64{
		1, -2, 3,
		-4, 5, -6,
		7, -8, 9,
	}
	templates := make([]float64, 9)
	weights := xslices.SliceWithValue(9, 1.0)
	got := forward64(t, cfg, []int{1, 1, 3, 3}, []int{1, 1, 3, 3}, input, templates, weights)
	want := []float64{
		-12, -21, -16,
		-27, -45, -33,
		-24, -39, -28,
	}
	assert.Equal(t, want, got)

	// VALID padding only keeps the center.
	cfg.Padding = "VALID"
	got = forward64(t, cfg, []int{1, 1, 3, 3}, []int{1, 1, 3, 3}, input, templates, weights)
	assert.Equal(t, []float64{-45}, got)
}

func TestForward_NormalizationTerm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ksize = []int{1, 1, 1, 1}
	cfg.Strides = []int{1, 1, 1, 1}
	cfg.NormalizationTerm = true
	got := forward64(t, cfg, []int{1, 1, 1, 2}, []int{1, 1, 1, 1}, []float64{3, 1}, []float64{1}, []float64{2})
	halfLog2Pi := 0.5 * math.Log(2*math.Pi)
	assert.InDelta(t, -4+0.5*math.Log(2.001)-halfLog2Pi, got[0], 1e-12)
	assert.InDelta(t, 0.5*math.Log(2.001)-halfLog2Pi, got[1], 1e-12)

	cfg.NormalizationTermFudge = 0
	got = forward64(t, cfg, []int{1, 1, 1, 2}, []int{1, 1, 1, 1}, []float64{3, 1}, []float64{1}, []float64{2})
	assert.InDelta(t, -4+0.5*math.Log(2)-halfLog2Pi, got[0], 1e-12)
}

func TestForward_NaN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ksize = []int{1, 1, 2, 1}
	cfg.Strides = []int{1, 1, 2, 1}
	cfg.Padding = "VALID"
	input := []float64{math.NaN(), 2, 3, 4}
	templates := []float64{1, 1}
	weights := []float64{1, 0.5}

	got := forward64(t, cfg, []int{1, 1, 1, 4}, []int{1, 1, 1, 2}, input, templates, weights)
	assert.True(t, math.IsNaN(got[0]))
	assert.Equal(t, -(4.0+0.5*9), got[1])

	cfg.IgnoreNaNInput = true
	got = forward64(t, cfg, []int{1, 1, 1, 4}, []int{1, 1, 1, 2}, input, templates, weights)
	assert.Equal(t, []float64{-0.5, -(4.0 + 0.5*9)}, got)

	// Skipped pixels contribute nothing, whatever their weight.
	infWeights := []float64{math.Inf(1), 0.5}
	got = forward64(t, cfg, []int{1, 1, 1, 4}, []int{1, 1, 1, 2}, input, templates, infWeights)
	assert.Equal(t, -0.5, got[0])

	cfg.NormalizationTerm = true
	got = forward64(t, cfg, []int{1, 1, 1, 4}, []int{1, 1, 1, 2}, input, templates, weights)
	assert.InDelta(t, -0.25+0.5*math.Log(0.501)-0.5*math.Log(2*math.Pi), got[0], 1e-12)
}

func TestForward_Parallelism(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 0))
	random := func(n int) []float64 {
		s := make([]float64, n)
		for ii := range s {
			s[ii] = rng.NormFloat64()
		}
		return s
	}
	cfg := DefaultConfig()
	cfg.SimilarityFunction = "L1"
	cfg.Ksize = []int{1, 3, 2, 1}
	cfg.Strides = []int{1, 1, 2, 1}
	cfg.NormalizationTerm = true
	inputDims, templatesDims := []int{3, 2, 7, 6}, []int{5, 2, 3, 2}
	input := random(3 * 2 * 7 * 6)
	templates := random(5 * 2 * 3 * 2)
	weights := xslices.Map(random(5*2*3*2), math.Abs)

	cfg.MaxParallelism = 1
	want := forward64(t, cfg, inputDims, templatesDims, input, templates, weights)
	for _, parallelism := range []int{0, 3, -1} {
		cfg.MaxParallelism = parallelism
		got := forward64(t, cfg, inputDims, templatesDims, input, templates, weights)
		require.Equal(t, want, got, "parallelism=%d", parallelism)
	}
}

func TestForwardTensor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimilarityFunction = "L1"
	input := tensors.FromValue([][][][]float32{{{
		{1, 2},
		{3, 4},
	}}})
	templates := tensors.FromScalarAndDimensions(1.0, 2, 1, 2, 2)
	weights := tensors.FromScalarAndDimensions(1.0, 2, 1, 2, 2)
	output, err := Forward(cfg, input, templates, weights)
	require.NoError(t, err)
	assert.Equal(t, shapes.Make(dtypes.Float32, 1, 2, 1, 1), output.Shape())
	assert.Equal(t, []float32{-6, -6}, tensors.MustCopyFlatData[float32](output))

	_, err = Forward(cfg, input, templates, tensors.FromScalarAndDimensions(1.0, 1, 1, 2, 2))
	require.ErrorContains(t, err, "weights shape")

	cfg.SimilarityFunction = "L3"
	_, err = Forward(cfg, input, templates, weights)
	require.ErrorContains(t, err, "similarity_function")

	cfg = DefaultConfig()
	cfg.Ksize = []int{2, 2}
	_, err = Forward(cfg, input, templates, weights)
	require.ErrorContains(t, err, "ksize")

	_, err = New[float32](DefaultConfig(), shapes.Make(dtypes.Float64, 1, 1, 2, 2), shapes.Make(dtypes.Float64, 2, 1, 2, 2))
	require.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvSettings, "similarity_function=L1; ksize=1,3,3,1; ignore_nan_input=true")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "L1", cfg.SimilarityFunction)
	assert.Equal(t, []int{1, 3, 3, 1}, cfg.Ksize)
	assert.Equal(t, []int{1, 2, 2, 1}, cfg.Strides)
	assert.True(t, cfg.IgnoreNaNInput)
	assert.Equal(t, 0.001, cfg.NormalizationTermFudge)

	parsed := DefaultConfig()
	require.NoError(t, parsed.Parse(cfg.String()))
	assert.Equal(t, cfg, parsed)

	t.Setenv(EnvSettings, "groups=2")
	_, err = ConfigFromEnv()
	require.Error(t, err)
}
