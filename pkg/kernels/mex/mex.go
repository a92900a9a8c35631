// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mex implements the forward pass of the SimNets MEX ("mixture of exponential maxima") operator.
//
// For each window position and each instance m, with x the window contents and o the offsets for
// instance m (and the region of the position):
//
//	MEX = epsilon * log( mean_k exp((x_k + o_k) / epsilon) )
//
// It is a soft maximum for epsilon > 0 and a soft minimum for epsilon < 0: it converges to the hard
// max/min of x+o as epsilon goes to 0, and to the mean as |epsilon| goes to infinity. With
// Config.SoftmaxMode the mean is replaced by a sum (log-sum-exp).
//
// It's computed in two passes of a generalized matrix multiplication (see package ggemm) over a column
// buffer of the windows (see package im2col): the first pass finds the max (or min) of x+o, the second
// sums the exponentials relative to it, so they never overflow.
//
// The offsets can vary across regions of window positions (see package patches): the windows are then
// rearranged so that each region is contiguous, and the passes run over all regions as a batch.
package mex

import (
	"math"
	"sync"
	"time"

	"github.com/gomlx/simnets/internal/workerspool"
	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/gomlx/simnets/pkg/kernels/ggemm"
	"github.com/gomlx/simnets/pkg/kernels/im2col"
	"github.com/gomlx/simnets/pkg/kernels/patches"
	"github.com/gomlx/simnets/pkg/kernels/scratch"
	"github.com/gomlx/simnets/pkg/kernels/shapeinference"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernel computes the MEX forward pass for a fixed configuration and input shape.
//
// It is safe to call Forward concurrently.
type Kernel[T dtypes.GoFloat] struct {
	cfg     Config
	dims    shapeinference.MexDims
	padded  bool
	workers *workerspool.Pool

	// epsilon is Config.Epsilon in T: it is 0 if it underflows and infinite if it overflows.
	epsilon T
}

// New resolves the dimensions of the MEX operator for the given configuration and input shape.
// The input dtype must match T.
func New[T dtypes.GoFloat](cfg Config, inputShape shapes.Shape) (*Kernel[T], error) {
	if dtype := dtypes.FromGenericsType[T](); inputShape.DType != dtype {
		return nil, errors.Errorf("mex.New[%s]: input shape %s has a different dtype", dtype, inputShape)
	}
	dims, err := shapeinference.Mex(inputShape, cfg.MexAttributes)
	if err != nil {
		return nil, err
	}
	k := &Kernel[T]{
		cfg:     cfg,
		dims:    dims,
		padded:  !dims.Is1x1,
		workers: workerspool.New(),
		epsilon: T(cfg.Epsilon),
	}
	if k.epsilon == 0 || (math.IsInf(float64(k.epsilon), 0) && !math.IsInf(cfg.Epsilon, 0)) {
		klog.V(1).Infof("mex.New[%s]: epsilon=%g is out of range, using its limit %g",
			dtypes.FromGenericsType[T](), cfg.Epsilon, k.epsilon)
	}
	switch {
	case cfg.MaxParallelism == 1:
		k.workers.SetMaxParallelism(0)
	case cfg.MaxParallelism > 1:
		k.workers.SetMaxParallelism(cfg.MaxParallelism)
	case cfg.MaxParallelism < 0:
		k.workers.SetMaxParallelism(-1)
	}
	klog.V(1).Infof("mex.New[%s](input=%s): M=%d, K=%d, N=%d, 1x1=%v, %s, epsilon=%g, softmax=%v",
		dtypes.FromGenericsType[T](), inputShape, dims.M, dims.K, dims.N, dims.Is1x1, dims.Regions,
		cfg.Epsilon, cfg.SoftmaxMode)
	return k, nil
}

// Dims returns the resolved dimensions.
func (k *Kernel[T]) Dims() shapeinference.MexDims { return k.dims }

// Config returns the kernel configuration.
func (k *Kernel[T]) Config() Config { return k.cfg }

// readback implements the second pass: phi(d) = exp(d/epsilon) - 1, psi(s, r) = r + epsilon*(log1p(s/K) + logScale).
//
// Summing exp(d/epsilon)-1 keeps the small differences that exp(d/epsilon) would round away for very large epsilon.
// logScale is log(K) for SoftmaxMode, 0 otherwise.
type readback[T dtypes.GoFloat] struct {
	epsilon, invK, logScale T
}

func newReadback[T dtypes.GoFloat](epsilon T, k int, softmaxMode bool) readback[T] {
	rb := readback[T]{epsilon: epsilon, invK: 1 / T(k)}
	if softmaxMode {
		rb.logScale = T(math.Log(float64(k)))
	}
	return rb
}

func (rb readback[T]) Prepare(d T) T {
	return T(math.Expm1(float64(d / rb.epsilon)))
}

func (rb readback[T]) Finish(sum, r T) T {
	return r + rb.epsilon*(T(math.Log1p(float64(sum*rb.invK)))+rb.logScale)
}

// Forward computes the MEX output for a batch.
//
//   - offsets: shaped Dims().OffsetsDims(), that is (regions, M, block channels, block height, block width).
//   - input: shaped (batch, channels, height, width).
//   - output: shaped Dims().OutputDims(), that is (batch, M*out channels, out height, out width).
//
// Slices are not checked: they must have the exact sizes of their shapes.
func (k *Kernel[T]) Forward(offsets, input, output []T) {
	start := time.Now()
	switch {
	case math.IsInf(float64(k.epsilon), 0):
		forwardWith(k, ggemm.AddSum[T]{}, offsets, input, output)
	case k.cfg.Epsilon > 0:
		forwardWith(k, ggemm.AddMax[T]{}, offsets, input, output)
	default:
		forwardWith(k, ggemm.AddMin[T]{}, offsets, input, output)
	}
	if klog.V(2).Enabled() {
		klog.Infof("mex.Forward: batch=%d, %s elapsed", k.dims.Batch, time.Since(start))
	}
}

// forwardWith runs the forward pass with the first pass operator op, splitting the batch among the workers.
func forwardWith[T dtypes.GoFloat, Op ggemm.Operator[T]](k *Kernel[T], op Op, offsets, input, output []T) {
	dims := k.dims
	numRegions := dims.Regions.NumRegions()
	aBatchStride := dims.M * dims.K
	if k.padded {
		offsets = ggemm.PackA(op, dims.M, dims.K, numRegions, aBatchStride, offsets)
		aBatchStride = dims.M * ggemm.PaddedLen(dims.K)
	}
	ggDims := ggemm.Dims{
		M:            dims.M,
		N:            dims.Regions.RegionSize(),
		K:            dims.K,
		Batch:        numRegions,
		ABatchStride: aBatchStride,
		PaddedK:      k.padded,
	}

	batchSize := dims.Batch
	if !k.workers.IsEnabled() || batchSize == 1 {
		forwardExamples(k, op, ggDims, offsets, input, output, 0, batchSize)
		return
	}
	batchSplitSize := 1
	if !k.workers.IsUnlimited() {
		maxParallelism := k.workers.MaxParallelism()
		batchSplitSize = (batchSize + maxParallelism - 1) / maxParallelism
	}
	var wg sync.WaitGroup
	for batchStartIdx := 0; batchStartIdx < batchSize; batchStartIdx += batchSplitSize {
		batchEndIdx := min(batchStartIdx+batchSplitSize, batchSize)
		wg.Add(1)
		k.workers.WaitToStart(func() {
			forwardExamples(k, op, ggDims, offsets, input, output, batchStartIdx, batchEndIdx)
			wg.Done()
		})
	}
	wg.Wait()
}

// forwardExamples computes the examples in [batchStartIdx, batchEndIdx), with its own scratch buffers.
func forwardExamples[T dtypes.GoFloat, Op ggemm.Operator[T]](k *Kernel[T], op Op, ggDims ggemm.Dims,
	offsets, input, output []T, batchStartIdx, batchEndIdx int) {
	dims := k.dims
	window := dims.Window
	numRegions := dims.Regions.NumRegions()
	kStride := ggDims.KStride()
	inputSize := window.Channels * window.Height * window.Width
	outputSize := dims.M * dims.N
	identity := op.Identity()

	var colBuf, splitIn, splitOut *scratch.Buffer[T]
	if !dims.Is1x1 {
		colBuf = scratch.Get[T](kStride * dims.N)
		// Padding rows are never written by im2col.
		padRows := colBuf.Flat[dims.K*dims.N:]
		for ii := range padRows {
			padRows[ii] = identity
		}
		defer scratch.Put(colBuf)
	}
	if numRegions > 1 {
		splitIn = scratch.Get[T](numRegions * kStride * ggDims.N)
		splitOut = scratch.Get[T](numRegions * dims.M * ggDims.N)
		defer scratch.Put(splitIn)
		defer scratch.Put(splitOut)
	}

	// An epsilon of 0 in T is the hard max (or min) of the first pass, an infinite one is the mean.
	mean := math.IsInf(float64(k.epsilon), 0)
	readBack := !mean && k.epsilon != 0
	rb := newReadback(k.epsilon, dims.K, k.cfg.SoftmaxMode)

	for batchIdx := batchStartIdx; batchIdx < batchEndIdx; batchIdx++ {
		in := input[batchIdx*inputSize : (batchIdx+1)*inputSize]
		out := output[batchIdx*outputSize : (batchIdx+1)*outputSize]

		col := in
		if !dims.Is1x1 {
			im2col.Im2Col3D(window, in, colBuf.Flat)
			col = colBuf.Flat
		}
		operand, result := col, out
		if numRegions > 1 {
			patches.ScatterInto(dims.Regions, kStride, dims.N, col, splitIn.Flat)
			operand, result = splitIn.Flat, splitOut.Flat
		}

		ggemm.Reduce(op, ggDims, offsets, operand, identity, result)
		switch {
		case mean:
			for ii := range result {
				result[ii] *= rb.invK
			}
		case readBack:
			ggemm.ReadBack(op, rb, ggDims, offsets, operand, result)
		}

		if numRegions > 1 {
			patches.GatherFrom(dims.Regions, dims.M, dims.N, result, out)
		}
	}
}
