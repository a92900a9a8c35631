// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package im2col extracts volumetric neighborhoods of a [channels, height, width] map into a column
// buffer, so that windowed operators can be computed as (generalized) matrix multiplications.
package im2col

import (
	"github.com/gomlx/simnets/pkg/core/dtypes"
)

// Geometry3D describes a 3D windowing of a [Channels, Height, Width] map.
type Geometry3D struct {
	Channels, Height, Width                   int
	BlockChannels, BlockHeight, BlockWidth    int
	StrideChannels, StrideHeight, StrideWidth int
	PadChannels, PadHeight, PadWidth          int

	// OutChannels, OutHeight, OutWidth are the number of windows along each axis.
	OutChannels, OutHeight, OutWidth int

	// OutOfBoundsValue is used for window positions outside the map.
	OutOfBoundsValue float64
}

// BlockSize returns the number of elements in one window: the number of rows K of the column buffer.
func (g Geometry3D) BlockSize() int {
	return g.BlockChannels * g.BlockHeight * g.BlockWidth
}

// NumWindows returns the number of windows: the number of columns N of the column buffer.
func (g Geometry3D) NumWindows() int {
	return g.OutChannels * g.OutHeight * g.OutWidth
}

// Im2Col3D writes the [K, N] column buffer col for the map in, where K = BlockSize() and N = NumWindows():
//
//   - Row k = (bc*BlockHeight + bh)*BlockWidth + bw indexes the position within the window.
//   - Column n = (oc*OutHeight + oh)*OutWidth + ow indexes the window.
//   - col[k*N + n] = in[c, h, w], with c = oc*StrideChannels - PadChannels + bc (and likewise for h and w),
//     or OutOfBoundsValue if (c, h, w) falls outside the map.
//
// Only the first K rows of col are written, so col may hold extra (padding) rows.
func Im2Col3D[T dtypes.GoFloat](g Geometry3D, in, col []T) {
	numWindows := g.NumWindows()
	outOfBounds := T(g.OutOfBoundsValue)
	k := 0
	for bc := range g.BlockChannels {
		for bh := range g.BlockHeight {
			for bw := range g.BlockWidth {
				colRow := col[k*numWindows : (k+1)*numWindows]
				k++
				n := 0
				for oc := range g.OutChannels {
					c := oc*g.StrideChannels - g.PadChannels + bc
					channelInside := c >= 0 && c < g.Channels
					for oh := range g.OutHeight {
						h := oh*g.StrideHeight - g.PadHeight + bh
						rowInside := channelInside && h >= 0 && h < g.Height
						inRow := (c*g.Height + h) * g.Width
						for ow := range g.OutWidth {
							w := ow*g.StrideWidth - g.PadWidth + bw
							if rowInside && w >= 0 && w < g.Width {
								colRow[n] = in[inRow+w]
							} else {
								colRow[n] = outOfBounds
							}
							n++
						}
					}
				}
			}
		}
	}
}
