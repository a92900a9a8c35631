// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference resolves the operator attributes and the input shapes of the SimNets kernels into
// the integer dimensions the kernels work with.
//
// Everything a kernel trusts is validated here: errors name the offending attribute.
package shapeinference

import (
	"math"
	"strings"

	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/gomlx/simnets/pkg/kernels/im2col"
	"github.com/gomlx/simnets/pkg/kernels/patches"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OutputDim returns the number of windows of size block with the given stride that fit in an axis of
// extent in padded with pad on both sides.
//
// If roundDown is false, a trailing partial window is also counted: its missing elements are filled with
// the out-of-bounds value.
func OutputDim(in, block, pad, stride int, roundDown bool) (int, error) {
	if in <= 0 || block <= 0 || stride <= 0 || pad < 0 {
		return 0, errors.Errorf("invalid window: input=%d, block=%d, pad=%d, stride=%d", in, block, pad, stride)
	}
	padded := in + 2*pad
	if block > padded {
		return 0, errors.Errorf("block %d larger than the padded input %d (input=%d, pad=%d)", block, padded, in, pad)
	}
	if roundDown {
		return (padded-block)/stride + 1, nil
	}
	return (padded-block+stride-1)/stride + 1, nil
}

// SamePadding returns the output extent and the padding before the first element for the "SAME" padding
// mode, following TensorFlow's rules: out = ceil(in/stride), with the total padding split evenly and the
// extra element (if odd) added at the end.
func SamePadding(in, block, stride int) (out, padBefore int) {
	out = (in + stride - 1) / stride
	padTotal := max((out-1)*stride+block-in, 0)
	return out, padTotal / 2
}

// MexAttributes configures the shape of a MEX operator.
//
// Per-axis lists are given in (channels, height, width) order. Empty lists take the defaults.
type MexAttributes struct {
	// NumInstances is the number of MEX instances (output channels) per window position.
	NumInstances int `attr:"num_instances"`

	// Blocks are the window sizes.
	Blocks []int `attr:"blocks"`

	// Strides between windows.
	Strides []int `attr:"strides"`

	// Padding added to both sides of each axis.
	Padding []int `attr:"padding"`

	// RoundDown drops a trailing partial window. If false, it is kept and filled with OutOfBoundsValue.
	RoundDown bool `attr:"blocks_round_down"`

	// OutOfBoundsValue is the value of window elements outside the input (padding).
	OutOfBoundsValue float64 `attr:"blocks_out_of_bounds_value"`

	// UseUnsharedRegions selects interleaved regions of offsets, see package patches.
	UseUnsharedRegions bool `attr:"use_unshared_regions"`

	// SharedOffsetRegion is the size of the tiles of positions sharing offsets, when UseUnsharedRegions is
	// false. Values <= 0 mean the whole axis.
	SharedOffsetRegion []int `attr:"shared_offset_region"`

	// UnsharedOffsetRegion is the number of interleaved regions along each axis, when UseUnsharedRegions is
	// true. Values <= 0 mean 1.
	UnsharedOffsetRegion []int `attr:"unshared_offset_region"`

	// Epsilon is the temperature of the soft maximum: positive seeks the maximum, negative the minimum.
	// Infinite values compute the mean.
	Epsilon float64 `attr:"epsilon"`
}

// MexDims holds the resolved dimensions of a MEX operator.
type MexDims struct {
	// Batch is the number of examples.
	Batch int

	// M is the number of instances, K the window size and N the number of window positions per example.
	M, K, N int

	// Window describes the neighborhood extraction of the input.
	Window im2col.Geometry3D

	// Regions describes the split of the window positions in regions of shared offsets.
	Regions patches.Geometry

	// Is1x1 is set for windows of one element with unit strides and no padding: the input is its own column
	// buffer.
	Is1x1 bool
}

// OffsetsDims returns the expected dimensions of the offsets: (regions, M, block channels, block height,
// block width).
func (d MexDims) OffsetsDims() []int {
	return []int{d.Regions.NumRegions(), d.M, d.Window.BlockChannels, d.Window.BlockHeight, d.Window.BlockWidth}
}

// OutputDims returns the dimensions of the output: (batch, M*out channels, out height, out width).
func (d MexDims) OutputDims() []int {
	return []int{d.Batch, d.M * d.Window.OutChannels, d.Window.OutHeight, d.Window.OutWidth}
}

// axisList returns the 3 values of the named per-axis attribute, or the default if it is empty.
func axisList(name string, values []int, defaultValue int) ([3]int, error) {
	var result [3]int
	switch len(values) {
	case 0:
		result = [3]int{defaultValue, defaultValue, defaultValue}
	case 3:
		copy(result[:], values)
	default:
		return result, errors.Errorf("attribute %q must have 3 values (channels, height, width), got %v", name, values)
	}
	return result, nil
}

// Mex resolves the dimensions of a MEX operator for an input shaped (batch, channels, height, width).
func Mex(input shapes.Shape, attrs MexAttributes) (dims MexDims, err error) {
	errorf := func(format string, args ...any) (MexDims, error) {
		return MexDims{}, errors.Errorf("Mex: "+format, args...)
	}
	if !input.Ok() {
		return errorf("invalid input shape %s", input)
	}
	if !input.DType.IsComputable() {
		return errorf("input dtype must be Float32 or Float64, got input shape %s", input)
	}
	if input.Rank() != 4 {
		return errorf("input must be rank-4 (batch, channels, height, width), got input shape %s", input)
	}
	if attrs.NumInstances <= 0 {
		return errorf("attribute \"num_instances\" must be positive, got %d", attrs.NumInstances)
	}
	if attrs.Epsilon == 0 || math.IsNaN(attrs.Epsilon) {
		return errorf("attribute \"epsilon\" must be non-zero and not NaN, got %g", attrs.Epsilon)
	}
	blocks, err := axisList("blocks", attrs.Blocks, 1)
	if err != nil {
		return errorf("%v", err)
	}
	strides, err := axisList("strides", attrs.Strides, 1)
	if err != nil {
		return errorf("%v", err)
	}
	pads, err := axisList("padding", attrs.Padding, 0)
	if err != nil {
		return errorf("%v", err)
	}
	for axis, name := range []string{"channels", "height", "width"} {
		if blocks[axis] <= 0 {
			return errorf("attribute \"blocks\" must be positive, got %d for the %s axis", blocks[axis], name)
		}
		if strides[axis] <= 0 {
			return errorf("attribute \"strides\" must be positive, got %d for the %s axis", strides[axis], name)
		}
		if pads[axis] < 0 {
			return errorf("attribute \"padding\" must be non-negative, got %d for the %s axis", pads[axis], name)
		}
	}

	dims.Batch = input.Dimensions[0]
	w := im2col.Geometry3D{
		Channels: input.Dimensions[1], Height: input.Dimensions[2], Width: input.Dimensions[3],
		BlockChannels: blocks[0], BlockHeight: blocks[1], BlockWidth: blocks[2],
		StrideChannels: strides[0], StrideHeight: strides[1], StrideWidth: strides[2],
		PadChannels: pads[0], PadHeight: pads[1], PadWidth: pads[2],
		OutOfBoundsValue: attrs.OutOfBoundsValue,
	}
	outDims := [3]*int{&w.OutChannels, &w.OutHeight, &w.OutWidth}
	inDims := [3]int{w.Channels, w.Height, w.Width}
	for axis, name := range []string{"channels", "height", "width"} {
		*outDims[axis], err = OutputDim(inDims[axis], blocks[axis], pads[axis], strides[axis], attrs.RoundDown)
		if err != nil {
			return errorf("attributes \"blocks\", \"strides\" and \"padding\" on the %s axis: %v", name, err)
		}
		if lastStart := (*outDims[axis]-1)*strides[axis] - pads[axis]; lastStart >= inDims[axis] {
			klog.Warningf("Mex: last window on the %s axis starts at %d, past the input extent %d: it only holds "+
				"out-of-bounds values", name, lastStart, inDims[axis])
		}
	}
	dims.Window = w
	dims.M = attrs.NumInstances
	dims.K = w.BlockSize()
	dims.N = w.NumWindows()
	dims.Is1x1 = blocks == [3]int{1, 1, 1} && strides == [3]int{1, 1, 1} && pads == [3]int{0, 0, 0}

	if attrs.UseUnsharedRegions {
		groups, err := axisList("unshared_offset_region", attrs.UnsharedOffsetRegion, -1)
		if err != nil {
			return errorf("%v", err)
		}
		dims.Regions = patches.NewUnshared(w.OutWidth, w.OutHeight, w.OutChannels, groups[2], groups[1], groups[0])
	} else {
		steps, err := axisList("shared_offset_region", attrs.SharedOffsetRegion, -1)
		if err != nil {
			return errorf("%v", err)
		}
		dims.Regions = patches.NewShared(w.OutWidth, w.OutHeight, w.OutChannels, steps[2], steps[1], steps[0])
	}
	if err = dims.Regions.Validate(); err != nil {
		return errorf("%v", err)
	}
	return dims, nil
}

// SimilarityAttributes configures a similarity operator.
//
// Ksize and Strides follow TensorFlow's NHWC convention: [1, height, width, 1].
type SimilarityAttributes struct {
	// SimilarityFunction is either "L1" or "L2".
	SimilarityFunction string `attr:"similarity_function"`

	// Ksize is the window size, as [1, height, width, 1].
	Ksize []int `attr:"ksize"`

	// Strides between windows, as [1, height, width, 1].
	Strides []int `attr:"strides"`

	// Padding is either "SAME" or "VALID".
	Padding string `attr:"padding"`

	// NormalizationTerm turns each term into a Gaussian log-likelihood.
	NormalizationTerm bool `attr:"normalization_term"`

	// NormalizationTermFudge is added to the weights before taking their log.
	NormalizationTermFudge float64 `attr:"normalization_term_fudge"`

	// IgnoreNaNInput skips the terms where the input is NaN.
	IgnoreNaNInput bool `attr:"ignore_nan_input"`
}

// SimilarityDims holds the resolved dimensions of a similarity operator.
type SimilarityDims struct {
	Batch, Channels, Height, Width int

	// OutChannels is the number of templates.
	OutChannels int

	BlockHeight, BlockWidth   int
	StrideHeight, StrideWidth int
	PadHeight, PadWidth       int
	OutHeight, OutWidth       int
}

// OutputDims returns the dimensions of the output: (batch, templates, out height, out width).
func (d SimilarityDims) OutputDims() []int {
	return []int{d.Batch, d.OutChannels, d.OutHeight, d.OutWidth}
}

// ParametersDims returns the dimensions of the templates and of the weights.
func (d SimilarityDims) ParametersDims() []int {
	return []int{d.OutChannels, d.Channels, d.BlockHeight, d.BlockWidth}
}

// Similarity resolves the dimensions of a similarity operator for an input shaped (batch, channels, height,
// width) and templates shaped (templates, channels, block height, block width).
func Similarity(input, templates shapes.Shape, attrs SimilarityAttributes) (dims SimilarityDims, err error) {
	errorf := func(format string, args ...any) (SimilarityDims, error) {
		return SimilarityDims{}, errors.Errorf("Similarity: "+format, args...)
	}
	if !input.Ok() || !templates.Ok() {
		return errorf("invalid input shape %s or templates shape %s", input, templates)
	}
	if !input.DType.IsComputable() {
		return errorf("input dtype must be Float32 or Float64, got input shape %s", input)
	}
	if templates.DType != input.DType {
		return errorf("templates dtype must match the input, got templates shape %s and input shape %s",
			templates, input)
	}
	if input.Rank() != 4 {
		return errorf("input must be rank-4 (batch, channels, height, width), got input shape %s", input)
	}
	if templates.Rank() != 4 {
		return errorf("templates must be rank-4 (templates, channels, height, width), got templates shape %s", templates)
	}
	switch strings.ToUpper(attrs.SimilarityFunction) {
	case "L1", "L2":
	default:
		return errorf("attribute \"similarity_function\" must be L1 or L2, got %q", attrs.SimilarityFunction)
	}
	if len(attrs.Ksize) != 4 || attrs.Ksize[0] != 1 || attrs.Ksize[3] != 1 || attrs.Ksize[1] <= 0 || attrs.Ksize[2] <= 0 {
		return errorf("attribute \"ksize\" must be [1, height, width, 1] with positive sizes, got %v", attrs.Ksize)
	}
	if len(attrs.Strides) != 4 || attrs.Strides[0] != 1 || attrs.Strides[3] != 1 || attrs.Strides[1] <= 0 || attrs.Strides[2] <= 0 {
		return errorf("attribute \"strides\" must be [1, height, width, 1] with positive strides, got %v", attrs.Strides)
	}
	if math.IsNaN(attrs.NormalizationTermFudge) {
		return errorf("attribute \"normalization_term_fudge\" can't be NaN")
	}

	dims = SimilarityDims{
		Batch:        input.Dimensions[0],
		Channels:     input.Dimensions[1],
		Height:       input.Dimensions[2],
		Width:        input.Dimensions[3],
		OutChannels:  templates.Dimensions[0],
		BlockHeight:  attrs.Ksize[1],
		BlockWidth:   attrs.Ksize[2],
		StrideHeight: attrs.Strides[1],
		StrideWidth:  attrs.Strides[2],
	}
	if templates.Dimensions[1] != dims.Channels {
		return errorf("templates channels (%d) must match the input channels (%d), got templates shape %s and input shape %s",
			templates.Dimensions[1], dims.Channels, templates, input)
	}
	if templates.Dimensions[2] != dims.BlockHeight || templates.Dimensions[3] != dims.BlockWidth {
		return errorf("templates spatial dimensions must match attribute \"ksize\" %v, got templates shape %s",
			attrs.Ksize, templates)
	}
	switch strings.ToUpper(attrs.Padding) {
	case "SAME":
		dims.OutHeight, dims.PadHeight = SamePadding(dims.Height, dims.BlockHeight, dims.StrideHeight)
		dims.OutWidth, dims.PadWidth = SamePadding(dims.Width, dims.BlockWidth, dims.StrideWidth)
	case "VALID":
		if dims.OutHeight, err = OutputDim(dims.Height, dims.BlockHeight, 0, dims.StrideHeight, true); err != nil {
			return errorf("attribute \"ksize\" on the height axis: %v", err)
		}
		if dims.OutWidth, err = OutputDim(dims.Width, dims.BlockWidth, 0, dims.StrideWidth, true); err != nil {
			return errorf("attribute \"ksize\" on the width axis: %v", err)
		}
	default:
		return errorf("attribute \"padding\" must be SAME or VALID, got %q", attrs.Padding)
	}
	return dims, nil
}
