// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package similarity implements the reference forward pass of the SimNets similarity operator.
//
// For every output cell (n, o, y, x) it sums, over the window (k, p, q) of the input:
//
//	weights[o, k, p, q] * sim(input[n, k, y*strideH-padH+p, x*strideW-padW+q], templates[o, k, p, q])
//
// with sim(x, z) = -|x-z| (L1) or -(x-z)^2 (L2). Input positions outside the map read as 0.
//
// With the normalization term each summand is instead the log-likelihood of a Gaussian with precision weight:
//
//	0.5*weight*sim + 0.5*log(weight + fudge) - 0.5*log(2*pi)
package similarity

import (
	"math"
	"strings"
	"sync/atomic"

	"github.com/gomlx/simnets/internal/workerspool"
	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/gomlx/simnets/pkg/kernels/shapeinference"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Reference computes the similarity operator with a direct loop nest.
//
// It is safe to call Forward concurrently.
type Reference[T dtypes.GoFloat] struct {
	cfg     Config
	dims    shapeinference.SimilarityDims
	sim     func(x, z T) T
	workers *workerspool.Pool
}

func l1[T dtypes.GoFloat](x, z T) T {
	d := x - z
	if d < 0 {
		return d
	}
	return -d
}

func l2[T dtypes.GoFloat](x, z T) T {
	d := x - z
	return -d * d
}

// New resolves the dimensions of the similarity operator for the given input and templates shapes.
// Their dtype must match T.
func New[T dtypes.GoFloat](cfg Config, inputShape, templatesShape shapes.Shape) (*Reference[T], error) {
	if dtype := dtypes.FromGenericsType[T](); inputShape.DType != dtype {
		return nil, errors.Errorf("similarity.New[%s]: input shape %s has a different dtype", dtype, inputShape)
	}
	dims, err := shapeinference.Similarity(inputShape, templatesShape, cfg.SimilarityAttributes)
	if err != nil {
		return nil, err
	}
	r := &Reference[T]{
		cfg:     cfg,
		dims:    dims,
		workers: workerspool.New(),
	}
	if strings.ToUpper(cfg.SimilarityFunction) == "L1" {
		r.sim = l1[T]
	} else {
		r.sim = l2[T]
	}
	switch {
	case cfg.MaxParallelism == 1:
		r.workers.SetMaxParallelism(0)
	case cfg.MaxParallelism > 1:
		r.workers.SetMaxParallelism(cfg.MaxParallelism)
	case cfg.MaxParallelism < 0:
		r.workers.SetMaxParallelism(-1)
	}
	klog.V(1).Infof("similarity.New[%s](input=%s, templates=%s): %s, output %v", dtypes.FromGenericsType[T](),
		inputShape, templatesShape, strings.ToUpper(cfg.SimilarityFunction), dims.OutputDims())
	return r, nil
}

// Dims returns the resolved dimensions.
func (r *Reference[T]) Dims() shapeinference.SimilarityDims { return r.dims }

// Forward computes the similarity output for a batch.
//
//   - input: shaped (batch, channels, height, width).
//   - templates, weights: shaped Dims().ParametersDims(), that is (templates, channels, block height, block width).
//   - output: shaped Dims().OutputDims(), that is (batch, templates, out height, out width).
//
// Slices are not checked: they must have the exact sizes of their shapes.
func (r *Reference[T]) Forward(input, templates, weights, output []T) {
	numCells := r.dims.Batch * r.dims.OutChannels
	var next atomic.Int64
	r.workers.Saturate(func() {
		for {
			cell := int(next.Add(1) - 1)
			if cell >= numCells {
				return
			}
			r.forwardCell(cell/r.dims.OutChannels, cell%r.dims.OutChannels, input, templates, weights, output)
		}
	})
}

// forwardCell computes the output map of template o for example n.
func (r *Reference[T]) forwardCell(n, o int, input, templates, weights, output []T) {
	d := r.dims
	normalize := r.cfg.NormalizationTerm
	ignoreNaN := r.cfg.IgnoreNaNInput
	fudge := T(r.cfg.NormalizationTermFudge)
	halfLog2Pi := T(0.5 * math.Log(2*math.Pi))
	paramsSize := d.Channels * d.BlockHeight * d.BlockWidth
	tmpl := templates[o*paramsSize : (o+1)*paramsSize]
	wts := weights[o*paramsSize : (o+1)*paramsSize]
	inBase := n * d.Channels * d.Height * d.Width
	out := output[(n*d.OutChannels+o)*d.OutHeight*d.OutWidth : (n*d.OutChannels+o+1)*d.OutHeight*d.OutWidth]
	clear(out)

	for y := range d.OutHeight {
		for x := range d.OutWidth {
			var sum T
			paramIdx := 0
			for k := range d.Channels {
				for p := range d.BlockHeight {
					h := y*d.StrideHeight - d.PadHeight + p
					for q := range d.BlockWidth {
						w := x*d.StrideWidth - d.PadWidth + q
						var pixel T
						if h >= 0 && h < d.Height && w >= 0 && w < d.Width {
							pixel = input[inBase+(k*d.Height+h)*d.Width+w]
						}
						weight, templateValue := wts[paramIdx], tmpl[paramIdx]
						paramIdx++
						if ignoreNaN && math.IsNaN(float64(pixel)) {
							continue
						}
						value := weight * r.sim(pixel, templateValue)
						if normalize {
							value = 0.5*value + 0.5*T(math.Log(float64(weight+fudge))) - halfLog2Pi
						}
						sum += value
					}
				}
			}
			out[y*d.OutWidth+x] += sum
		}
	}
}
