// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package im2col

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIm2Col3D(t *testing.T) {
	t.Run("2x2Stride2", func(t *testing.T) {
		g := Geometry3D{
			Channels: 1, Height: 4, Width: 4,
			BlockChannels: 1, BlockHeight: 2, BlockWidth: 2,
			StrideChannels: 1, StrideHeight: 2, StrideWidth: 2,
			OutChannels: 1, OutHeight: 2, OutWidth: 2,
		}
		in := []float32{
			0, 1, 2, 3,
			4, 5, 6, 7,
			8, 9, 10, 11,
			12, 13, 14, 15,
		}
		require.Equal(t, 4, g.BlockSize())
		require.Equal(t, 4, g.NumWindows())
		col := make([]float32, g.BlockSize()*g.NumWindows())
		Im2Col3D(g, in, col)
		assert.Equal(t, []float32{
			0, 2, 8, 10, // (bh=0, bw=0) of each window.
			1, 3, 9, 11, // (bh=0, bw=1)
			4, 6, 12, 14, // (bh=1, bw=0)
			5, 7, 13, 15, // (bh=1, bw=1)
		}, col)
	})

	t.Run("PaddingAndOutOfBounds", func(t *testing.T) {
		// 1x1x3 map, 1x1x2 windows with stride 2, padding 1, round-up: windows at w=-1 and w=1, plus the
		// partial window at w=3.
		g := Geometry3D{
			Channels: 1, Height: 1, Width: 3,
			BlockChannels: 1, BlockHeight: 1, BlockWidth: 2,
			StrideChannels: 1, StrideHeight: 1, StrideWidth: 2,
			PadWidth:    1,
			OutChannels: 1, OutHeight: 1, OutWidth: 3,
			OutOfBoundsValue: -7,
		}
		col := make([]float64, g.BlockSize()*g.NumWindows()+3)
		col[6], col[7], col[8] = 99, 99, 99
		Im2Col3D(g, []float64{1, 2, 3}, col)
		assert.Equal(t, []float64{
			-7, 2, -7, // bw=0: w = -1, 1, 3
			1, 3, -7, // bw=1: w = 0, 2, 4
			99, 99, 99, // Extra rows are not touched.
		}, col)
	})

	t.Run("Channels", func(t *testing.T) {
		// 2x1x1 map, windows spanning both channels.
		g := Geometry3D{
			Channels: 2, Height: 1, Width: 2,
			BlockChannels: 2, BlockHeight: 1, BlockWidth: 1,
			StrideChannels: 1, StrideHeight: 1, StrideWidth: 1,
			OutChannels: 1, OutHeight: 1, OutWidth: 2,
		}
		col := make([]float32, 4)
		Im2Col3D(g, []float32{1, 2, 10, 20}, col)
		assert.Equal(t, []float32{1, 2, 10, 20}, col)
	})
}
