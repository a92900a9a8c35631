// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package images converts images to tensors that can be fed to the kernels.
//
// The kernels take `(batch, channels, height, width)` inputs, so the default layout is ChannelsFirst.
package images

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/gomlx/simnets/pkg/core/tensors"
	"github.com/gomlx/simnets/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// ChannelsAxisConfig indicates if a tensor with an image has the channel axis
// coming last (last axis) or first (first axis after batch axis).
type ChannelsAxisConfig uint8

const (
	ChannelsFirst ChannelsAxisConfig = iota
	ChannelsLast
)

// String implements fmt.Stringer.
func (c ChannelsAxisConfig) String() string {
	switch c {
	case ChannelsFirst:
		return "ChannelsFirst"
	case ChannelsLast:
		return "ChannelsLast"
	}
	return "InvalidChannelsAxisConfig"
}

// GetSpatialAxes from a given image tensor and configuration. It assumes the
// leading axis is for the batch dimension.
//
// Example: if image has shape `[batch_dim, channels, height, width]` and config is ChannelsFirst, it will
// return `[]int{2, 3}`.
func GetSpatialAxes(image shapes.HasShape, config ChannelsAxisConfig) (spatialAxes []int) {
	numSpatialDims := image.Shape().Rank() - 2
	if numSpatialDims <= 0 {
		return
	}
	switch config {
	case ChannelsFirst:
		spatialAxes = xslices.Iota(2, numSpatialDims)
	case ChannelsLast:
		spatialAxes = xslices.Iota(1, numSpatialDims)
	default:
		klog.Errorf("GetSpatialAxes(image, %s): invalid ChannelsAxisConfig!?", config)
	}
	return
}

// ToTensorConfig holds the configuration returned by the ToTensor function. Once
// configured, use Single, Batch or Load to actually convert.
type ToTensorConfig struct {
	channels      int
	maxValue      float64
	dtype         dtypes.DType
	layout        ChannelsAxisConfig
	width, height int
}

// ToTensor returns a configuration to convert images to tensors of the given dtype.
//
// The defaults are: 3 channels (alpha dropped), ChannelsFirst layout, values scaled to [0, 1] for
// float dtypes and [0, 255] for integer dtypes, no resizing.
func ToTensor(dtype dtypes.DType) *ToTensorConfig {
	tt := &ToTensorConfig{
		channels: 3,
		maxValue: 1.0,
		dtype:    dtype,
	}
	if !dtype.IsFloat() {
		tt.maxValue = 255.0
	}
	return tt
}

// WithAlpha includes the alpha channel in the conversion, so the converted tensor will have 4 channels.
func (tt *ToTensorConfig) WithAlpha() *ToTensorConfig {
	tt.channels = 4
	return tt
}

// Gray converts images to a single luminance channel.
func (tt *ToTensorConfig) Gray() *ToTensorConfig {
	tt.channels = 1
	return tt
}

// MaxValue sets the value the brightest channel value is mapped to.
func (tt *ToTensorConfig) MaxValue(v float64) *ToTensorConfig {
	tt.maxValue = v
	return tt
}

// Layout sets where the channels axis goes. Default is ChannelsFirst.
func (tt *ToTensorConfig) Layout(layout ChannelsAxisConfig) *ToTensorConfig {
	tt.layout = layout
	return tt
}

// Resize images to the given size before converting. If one of width or height is 0, the aspect ratio
// is preserved. Both 0 (the default) means no resizing.
func (tt *ToTensorConfig) Resize(width, height int) *ToTensorConfig {
	tt.width, tt.height = width, height
	return tt
}

// Single converts img to a tensor shaped `[1, channels, height, width]` (or `[1, height, width, channels]`
// for ChannelsLast).
//
// It panics in case of error.
func (tt *ToTensorConfig) Single(img image.Image) *tensors.Tensor {
	return tt.Batch([]image.Image{img})
}

// Batch converts the given images, which must all have the same size (after resizing), to one
// tensor with a leading batch axis.
//
// It panics in case of error.
func (tt *ToTensorConfig) Batch(images []image.Image) *tensors.Tensor {
	if len(images) == 0 {
		exceptions.Panicf("images.ToTensor: no images given")
	}
	if tt.width > 0 || tt.height > 0 {
		resized := make([]image.Image, len(images))
		for ii, img := range images {
			resized[ii] = imaging.Resize(img, tt.width, tt.height, imaging.Lanczos)
		}
		images = resized
	}
	switch tt.dtype {
	case dtypes.Float32:
		return toTensorImpl[float32](tt, images)
	case dtypes.Float64:
		return toTensorImpl[float64](tt, images)
	case dtypes.Float16:
		return toTensorImpl[float16.Float16](tt, images)
	case dtypes.Uint8:
		return toTensorImpl[uint8](tt, images)
	case dtypes.Int32:
		return toTensorImpl[int32](tt, images)
	case dtypes.Int64:
		return toTensorImpl[int64](tt, images)
	}
	exceptions.Panicf("images.ToTensor does not support dtype %s", tt.dtype)
	return nil
}

// Load reads an image file (any format supported by the imaging package: PNG, JPEG, GIF, TIFF, BMP)
// and converts it with Single.
func (tt *ToTensorConfig) Load(filePath string) (t *tensors.Tensor, err error) {
	img, err := imaging.Open(filePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", filePath)
	}
	err = exceptions.TryCatch[error](func() { t = tt.Single(img) })
	if err != nil {
		return nil, errors.WithMessagef(err, "while converting image %q", filePath)
	}
	klog.V(1).Infof("images: loaded %q as %s", filePath, t.Shape())
	return t, nil
}

func toTensorImpl[T float32 | float64 | float16.Float16 | uint8 | int32 | int64](
	tt *ToTensorConfig, images []image.Image) *tensors.Tensor {
	imgSize := images[0].Bounds().Size()
	dtype := dtypes.FromGenericsType[T]()
	var t *tensors.Tensor
	if tt.layout == ChannelsLast {
		t = tensors.FromShape(shapes.Make(dtype, len(images), imgSize.Y, imgSize.X, tt.channels))
	} else {
		t = tensors.FromShape(shapes.Make(dtype, len(images), tt.channels, imgSize.Y, imgSize.X))
	}

	// color.RGBA() returns 16 bits values packaged in uint32.
	var convert func(v float64) T
	if dtype == dtypes.Float16 {
		convert = func(v float64) T { return T(float16.Fromfloat32(float32(v * tt.maxValue / 0xFFFF))) }
	} else {
		convert = func(v float64) T { return T(v * tt.maxValue / 0xFFFF) }
	}

	tensors.MustMutableFlatData(t, func(flat []T) {
		planeSize := imgSize.X * imgSize.Y
		imageSize := planeSize * tt.channels
		var values [4]float64
		for imgIdx, img := range images {
			if !img.Bounds().Size().Eq(imgSize) {
				exceptions.Panicf("image[%d] has size %s, but image[0] has size %s -- they must all be the same",
					imgIdx, img.Bounds().Size(), imgSize)
			}
			bounds := img.Bounds()
			for y := range imgSize.Y {
				for x := range imgSize.X {
					r, g, b, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
					switch tt.channels {
					case 1:
						// ITU-R BT.601 luma.
						values[0] = 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
					default:
						values = [4]float64{float64(r), float64(g), float64(b), float64(a)}
					}
					pixel := y*imgSize.X + x
					for c := range tt.channels {
						var pos int
						if tt.layout == ChannelsLast {
							pos = imgIdx*imageSize + pixel*tt.channels + c
						} else {
							pos = imgIdx*imageSize + c*planeSize + pixel
						}
						flat[pos] = convert(values[c])
					}
				}
			}
		}
	})
	return t
}
