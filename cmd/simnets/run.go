// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/gomlx/simnets/pkg/core/tensors"
	"github.com/gomlx/simnets/pkg/core/tensors/numpy"
	"github.com/gomlx/simnets/pkg/kernels/mex"
	"github.com/gomlx/simnets/pkg/kernels/similarity"
	"github.com/gomlx/simnets/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// prepareInput loads the input and converts it to a dtype the operators compute on.
func prepareInput() (*tensors.Tensor, error) {
	input, err := loadInput()
	if err != nil {
		return nil, err
	}
	if !input.DType().IsFloat() {
		input, err = tensors.ConvertDType(input, dtypes.Float32)
		if err != nil {
			return nil, err
		}
	}
	if err = shapes.CheckRank(input, 4); err != nil {
		return nil, errors.WithMessage(err, "input must be shaped (batch, channels, height, width)")
	}
	return input, nil
}

func mexConfig() (mex.Config, error) {
	cfg, err := mex.ConfigFromEnv()
	if err != nil {
		return cfg, err
	}
	if err = cfg.Parse(*flagSet); err != nil {
		return cfg, errors.WithMessage(err, "-set")
	}
	if parallelismFlagSet() {
		cfg.MaxParallelism = *flagParallelism
	}
	return cfg, nil
}

// mexOffsets returns the offsets given by the user or random ones.
func mexOffsets(cfg mex.Config, input *tensors.Tensor) (*tensors.Tensor, error) {
	var bundle paramsBundle
	offsets, err := bundle.get(npzOffsets, *flagOffsets)
	if err != nil || offsets != nil {
		return offsets, err
	}
	shape, err := mex.ExpectedOffsetsShape(cfg, input.Shape().WithDType(computeDType(input)))
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(*flagSeed, *flagSeed))
	return randomParameter(rng, npzOffsets, shape, false), nil
}

func runMex() error {
	cfg, err := mexConfig()
	if err != nil {
		return err
	}
	input, err := prepareInput()
	if err != nil {
		return err
	}
	offsets, err := mexOffsets(cfg, input)
	if err != nil {
		return err
	}
	start := time.Now()
	output, err := mex.Forward(cfg, input, offsets)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	report(runReport{
		op:       opMex,
		settings: cfg.String(),
		input:    input,
		params:   map[string]*tensors.Tensor{npzOffsets: offsets},
		output:   output,
		elapsed:  elapsed,
	})
	return saveOutput(input, output, map[string]*tensors.Tensor{npzOffsets: offsets})
}

func runSimilarity() error {
	cfg, err := similarity.ConfigFromEnv()
	if err != nil {
		return err
	}
	if err = cfg.Parse(*flagSet); err != nil {
		return errors.WithMessage(err, "-set")
	}
	if parallelismFlagSet() {
		cfg.MaxParallelism = *flagParallelism
	}
	input, err := prepareInput()
	if err != nil {
		return err
	}

	var bundle paramsBundle
	templates, err := bundle.get(npzTemplates, *flagTemplates)
	if err != nil {
		return err
	}
	weights, err := bundle.get(npzWeights, *flagWeights)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(*flagSeed, *flagSeed))
	if templates == nil {
		if len(cfg.Ksize) != 4 || cfg.Ksize[1] <= 0 || cfg.Ksize[2] <= 0 {
			return errors.Errorf("invalid ksize %v, it must be [1, height, width, 1]", cfg.Ksize)
		}
		shape := shapes.Make(computeDType(input), *flagNumTemplates, input.Shape().Dim(1), cfg.Ksize[1], cfg.Ksize[2])
		templates = randomParameter(rng, npzTemplates, shape, false)
	}
	if weights == nil {
		weights = randomParameter(rng, npzWeights, templates.Shape().WithDType(computeDType(input)), true)
	}

	start := time.Now()
	output, err := similarity.Forward(cfg, input, templates, weights)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	params := map[string]*tensors.Tensor{npzTemplates: templates, npzWeights: weights}
	report(runReport{
		op:       opSimilarity,
		settings: cfg.String(),
		input:    input,
		params:   params,
		output:   output,
		elapsed:  elapsed,
	})
	return saveOutput(input, output, params)
}

// saveOutput writes the output to -output, if given: only the output for .npy files, everything for .npz files.
func saveOutput(input, output *tensors.Tensor, params map[string]*tensors.Tensor) error {
	if *flagOutput == "" {
		return nil
	}
	filePath, err := fsutil.ReplaceTildeInDir(*flagOutput)
	if err != nil {
		return err
	}
	if strings.ToLower(filepath.Ext(filePath)) != ".npz" {
		return numpy.ToNpyFile(output, filePath)
	}
	arrays := map[string]*tensors.Tensor{npzInput: input, npzOutput: output}
	for name, t := range params {
		arrays[name] = t
	}
	return numpy.ToNpzFile(arrays, filePath)
}
