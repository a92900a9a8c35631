// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/gomlx/simnets/pkg/core/tensors"
	"github.com/gomlx/simnets/pkg/core/tensors/images"
	"github.com/gomlx/simnets/pkg/core/tensors/numpy"
	"github.com/gomlx/simnets/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the arrays in .npz files.
const (
	npzInput     = "input"
	npzOffsets   = "offsets"
	npzTemplates = "templates"
	npzWeights   = "weights"
	npzOutput    = "output"
)

// loadInput reads the -input file.
func loadInput() (*tensors.Tensor, error) {
	filePath, err := fsutil.ReplaceTildeInDir(*flagInput)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("input file %q not found", filePath)
	}
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".npy":
		return numpy.FromNpyFile(filePath)
	case ".npz":
		arrays, err := numpy.FromNpzFile(filePath)
		if err != nil {
			return nil, err
		}
		input, found := arrays[npzInput]
		if !found {
			return nil, errors.Errorf("input file %q has no %q array", filePath, npzInput)
		}
		return input, nil
	default:
		tt := images.ToTensor(dtypes.Float32).Resize(*flagWidth, *flagHeight).MaxValue(*flagMaxValue)
		if *flagGray {
			tt.Gray()
		}
		return tt.Load(filePath)
	}
}

// paramsBundle lazily reads the -params file, if given.
type paramsBundle struct {
	loaded bool
	arrays map[string]*tensors.Tensor
}

// get returns the parameter from its individual file, if given, or from the bundle.
// It returns nil if the parameter was not given.
func (b *paramsBundle) get(name, individualPath string) (*tensors.Tensor, error) {
	if individualPath != "" {
		filePath, err := fsutil.ReplaceTildeInDir(individualPath)
		if err != nil {
			return nil, err
		}
		return numpy.FromNpyFile(filePath)
	}
	if *flagParams == "" {
		return nil, nil
	}
	if !b.loaded {
		filePath, err := fsutil.ReplaceTildeInDir(*flagParams)
		if err != nil {
			return nil, err
		}
		b.arrays, err = numpy.FromNpzFile(filePath)
		if err != nil {
			return nil, err
		}
		b.loaded = true
	}
	t, found := b.arrays[name]
	if !found {
		return nil, errors.Errorf("parameters file %q has no %q array", *flagParams, name)
	}
	return t, nil
}

// randomParameter returns a tensor of the given shape with normally distributed values, or their
// absolute value if positive is set.
func randomParameter(rng *rand.Rand, name string, shape shapes.Shape, positive bool) *tensors.Tensor {
	klog.V(1).Infof("generating random %s shaped %s", name, shape)
	t := tensors.FromShape(shape)
	fill := func(flat []float64) {
		for ii := range flat {
			flat[ii] = rng.NormFloat64()
			if positive {
				flat[ii] = math.Abs(flat[ii])
			}
		}
	}
	switch shape.DType {
	case dtypes.Float64:
		tensors.MustMutableFlatData(t, fill)
	default:
		values := make([]float64, shape.Size())
		fill(values)
		tensors.MustMutableFlatData(t, func(flat []float32) {
			for ii, v := range values {
				flat[ii] = float32(v)
			}
		})
	}
	return t
}

// computeDType returns the dtype operators compute on for the given input.
func computeDType(input *tensors.Tensor) dtypes.DType {
	if input.DType() == dtypes.Float64 {
		return dtypes.Float64
	}
	return dtypes.Float32
}
