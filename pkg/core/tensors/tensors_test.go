// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"testing"

	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

var (
	S   = shapes.Make
	F32 = dtypes.Float32
	F64 = dtypes.Float64
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(S(F32, 2, 3))
	require.True(t, tensor.Ok())
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, 24, tensor.Memory())
	MustConstFlatData(tensor, func(flat []float32) {
		assert.Equal(t, make([]float32, 6), flat)
	})
	require.Panics(t, func() { MustConstFlatData(tensor, func(flat []float64) {}) })
	require.Error(t, ConstFlatData(tensor, func(flat []float64) {}))

	tensor.FinalizeAll()
	require.False(t, tensor.Ok())
	require.Error(t, tensor.CheckValid())
}

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float64{{1, 2, 3}, {4, 5, 6}})
	assert.True(t, tensor.Shape().Equal(S(F64, 2, 3)))
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, MustCopyFlatData[float64](tensor))
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, tensor.Value())

	scalar := FromValue(float32(7))
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, float32(7), ToScalar[float32](scalar))

	ints := FromValue([][]int{{1, 2}, {3, 4}})
	assert.Equal(t, 2, ints.Rank())
	assert.Equal(t, ints.Shape().DType, dtypes.FromGenericsType[int]())

	require.Panics(t, func() { FromValue([][]float32{{1, 2}, {3}}) })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}, {5, 6}}, tensor.Value())
	require.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2}, 3) })

	filled := FromScalarAndDimensions(2.5, 2, 2)
	assert.Equal(t, [][]float64{{2.5, 2.5}, {2.5, 2.5}}, filled.Value())
}

func TestInDelta(t *testing.T) {
	t0 := FromValue([]float32{1, 2, float32(math.NaN())})
	t1 := FromValue([]float32{1, 2.001, float32(math.NaN())})
	assert.True(t, t0.InDelta(t1, 0.01))
	assert.False(t, t0.InDelta(t1, 0.0001))
	assert.False(t, t0.Equal(t1))
	assert.True(t, t0.Equal(t0.Clone()))
	assert.False(t, t0.Equal(FromValue([]float64{1, 2, math.NaN()})))
}

func TestConvertDType(t *testing.T) {
	src := FromValue([][]uint8{{0, 128}, {255, 3}})
	converted, err := ConvertDType(src, F32)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 128}, {255, 3}}, converted.Value())

	half := FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}, 2)
	converted, err = ConvertDType(half, F64)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2}, converted.Value())

	back, err := ConvertDType(converted, dtypes.Float16)
	require.NoError(t, err)
	assert.True(t, back.Equal(half))

	_, err = ConvertDType(src, dtypes.Int32)
	require.Error(t, err)
}

func TestSummary(t *testing.T) {
	tensor := FromValue([]float32{1, 2, 3, 4, 5, 6, 7, 8})
	assert.Equal(t, "[8]float32{1, 2, 3, ..., 6, 7, 8}", tensor.String())
	assert.Equal(t, "float64(3)", FromScalar(3.0).String())
	m := FromValue([][]int32{{1, 2}, {3, 4}})
	assert.Equal(t, "[2][2]int32{{1, 2}, \n {3, 4}}", m.String())
}
