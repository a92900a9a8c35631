// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mex

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/gomlx/simnets/pkg/core/tensors"
	"github.com/gomlx/simnets/pkg/kernels/shapeinference"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExpectedOffsetsShape returns the shape the offsets must have for the given configuration and input shape.
func ExpectedOffsetsShape(cfg Config, inputShape shapes.Shape) (shapes.Shape, error) {
	if inputShape.DType == dtypes.Float16 {
		inputShape = inputShape.WithDType(dtypes.Float32)
	}
	dims, err := shapeinference.Mex(inputShape, cfg.MexAttributes)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(inputShape.DType, dims.OffsetsDims()...), nil
}

// Forward computes MEX on the input tensor, shaped (batch, channels, height, width), with the given offsets,
// shaped as returned by ExpectedOffsetsShape.
//
// Float16 inputs are computed in Float32. The offsets are converted to the dtype of the computation.
// The output is a new tensor of the computation dtype.
func Forward(cfg Config, input, offsets *tensors.Tensor) (output *tensors.Tensor, err error) {
	if err = input.CheckValid(); err != nil {
		return nil, errors.WithMessage(err, "mex.Forward: input")
	}
	if err = offsets.CheckValid(); err != nil {
		return nil, errors.WithMessage(err, "mex.Forward: offsets")
	}
	start := time.Now()
	if input.DType() == dtypes.Float16 {
		if input, err = tensors.ConvertDType(input, dtypes.Float32); err != nil {
			return nil, errors.WithMessage(err, "mex.Forward: input")
		}
	}
	if offsets.DType() != input.DType() {
		if offsets, err = tensors.ConvertDType(offsets, input.DType()); err != nil {
			return nil, errors.WithMessage(err, "mex.Forward: offsets")
		}
	}

	switch input.DType() {
	case dtypes.Float32:
		output, err = forwardTensor[float32](cfg, input, offsets)
	case dtypes.Float64:
		output, err = forwardTensor[float64](cfg, input, offsets)
	default:
		err = errors.Errorf("mex.Forward: input dtype must be a float, got input shape %s", input.Shape())
	}
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("mex.Forward(input=%s, offsets=%s) -> %s in %s", input.Shape(), offsets.Shape(),
		output.Shape(), time.Since(start))
	return output, nil
}

func forwardTensor[T dtypes.GoFloat](cfg Config, input, offsets *tensors.Tensor) (*tensors.Tensor, error) {
	k, err := New[T](cfg, input.Shape())
	if err != nil {
		return nil, err
	}
	dims := k.Dims()
	if err = shapes.CheckDims(offsets, dims.OffsetsDims()...); err != nil {
		return nil, errors.WithMessage(err, "mex.Forward: offsets must be shaped (regions, instances, "+
			"block channels, block height, block width)")
	}
	output := tensors.FromShape(shapes.Make(input.DType(), dims.OutputDims()...))
	err = exceptions.TryCatch[error](func() {
		tensors.MustConstFlatData(offsets, func(offsetsFlat []T) {
			tensors.MustConstFlatData(input, func(inputFlat []T) {
				tensors.MustMutableFlatData(output, func(outputFlat []T) {
					k.Forward(offsetsFlat, inputFlat, outputFlat)
				})
			})
		})
	})
	if err != nil {
		output.FinalizeAll()
		return nil, errors.WithMessage(err, "mex.Forward")
	}
	return output, nil
}
