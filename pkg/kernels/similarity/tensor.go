// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package similarity

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/gomlx/simnets/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Forward computes the similarity of the input tensor, shaped (batch, channels, height, width), with the
// templates and weights, both shaped (templates, channels, block height, block width).
//
// Float16 inputs are computed in Float32. Templates and weights are converted to the dtype of the computation.
func Forward(cfg Config, input, templates, weights *tensors.Tensor) (output *tensors.Tensor, err error) {
	for _, operand := range []struct {
		name string
		t    *tensors.Tensor
	}{{"input", input}, {"templates", templates}, {"weights", weights}} {
		if err = operand.t.CheckValid(); err != nil {
			return nil, errors.WithMessagef(err, "similarity.Forward: %s", operand.name)
		}
	}
	if err = shapes.CheckDims(weights, templates.Shape().Dimensions...); err != nil {
		return nil, errors.WithMessage(err, "similarity.Forward: weights shape must match the templates shape")
	}
	start := time.Now()
	if input.DType() == dtypes.Float16 {
		if input, err = tensors.ConvertDType(input, dtypes.Float32); err != nil {
			return nil, errors.WithMessage(err, "similarity.Forward: input")
		}
	}
	if templates.DType() != input.DType() {
		if templates, err = tensors.ConvertDType(templates, input.DType()); err != nil {
			return nil, errors.WithMessage(err, "similarity.Forward: templates")
		}
	}
	if weights.DType() != input.DType() {
		if weights, err = tensors.ConvertDType(weights, input.DType()); err != nil {
			return nil, errors.WithMessage(err, "similarity.Forward: weights")
		}
	}

	switch input.DType() {
	case dtypes.Float32:
		output, err = forwardTensor[float32](cfg, input, templates, weights)
	case dtypes.Float64:
		output, err = forwardTensor[float64](cfg, input, templates, weights)
	default:
		err = errors.Errorf("similarity.Forward: input dtype must be a float, got input shape %s", input.Shape())
	}
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("similarity.Forward(input=%s, templates=%s) -> %s in %s", input.Shape(), templates.Shape(),
		output.Shape(), time.Since(start))
	return output, nil
}

func forwardTensor[T dtypes.GoFloat](cfg Config, input, templates, weights *tensors.Tensor) (*tensors.Tensor, error) {
	r, err := New[T](cfg, input.Shape(), templates.Shape())
	if err != nil {
		return nil, err
	}
	output := tensors.FromShape(shapes.Make(input.DType(), r.Dims().OutputDims()...))
	err = exceptions.TryCatch[error](func() {
		tensors.MustConstFlatData(input, func(inputFlat []T) {
			tensors.MustConstFlatData(templates, func(templatesFlat []T) {
				tensors.MustConstFlatData(weights, func(weightsFlat []T) {
					tensors.MustMutableFlatData(output, func(outputFlat []T) {
						r.Forward(inputFlat, templatesFlat, weightsFlat, outputFlat)
					})
				})
			})
		})
	})
	if err != nil {
		output.FinalizeAll()
		return nil, errors.WithMessage(err, "similarity.Forward")
	}
	return output, nil
}
