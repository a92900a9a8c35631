// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mex

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/gomlx/simnets/pkg/kernels/shapeinference"
	"github.com/gomlx/simnets/pkg/support/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSlice(rng *rand.Rand, n int) []float64 {
	s := make([]float64, n)
	for ii := range s {
		s[ii] = rng.NormFloat64()
	}
	return s
}

// regionOf returns the region of the output position (oc, oh, ow).
func regionOf(dims shapeinference.MexDims, oc, oh, ow int) int {
	g := dims.Regions
	var rc, rh, rw int
	if g.Unshared {
		rc, rh, rw = oc%g.CGroups, oh%g.HGroups, ow%g.WGroups
	} else {
		rc, rh, rw = oc/g.CStep, oh/g.HStep, ow/g.WStep
	}
	return (rc*g.HGroups+rh)*g.WGroups + rw
}

// windowValues returns x+o over the window of instance m at the given output position, in window order.
func windowValues(dims shapeinference.MexDims, offsets, input []float64, batchIdx, m, oc, oh, ow int) []float64 {
	w := dims.Window
	region := regionOf(dims, oc, oh, ow)
	values := make([]float64, 0, dims.K)
	k := 0
	for bc := range w.BlockChannels {
		for bh := range w.BlockHeight {
			for bw := range w.BlockWidth {
				c := oc*w.StrideChannels - w.PadChannels + bc
				h := oh*w.StrideHeight - w.PadHeight + bh
				x := ow*w.StrideWidth - w.PadWidth + bw
				v := w.OutOfBoundsValue
				if c >= 0 && c < w.Channels && h >= 0 && h < w.Height && x >= 0 && x < w.Width {
					v = input[((batchIdx*w.Channels+c)*w.Height+h)*w.Width+x]
				}
				o := offsets[(region*dims.M+m)*dims.K+k]
				values = append(values, v+o)
				k++
			}
		}
	}
	return values
}

// naiveMex computes MEX position by position, straight from its definition.
func naiveMex(t *testing.T, cfg Config, inputDims []int, offsets, input []float64) []float64 {
	dims, err := shapeinference.Mex(shapes.Make(dtypes.Float64, inputDims...), cfg.MexAttributes)
	require.NoError(t, err)
	w := dims.Window
	eps := cfg.Epsilon
	out := make([]float64, dims.Batch*dims.M*dims.N)
	idx := 0
	for batchIdx := range dims.Batch {
		for m := range dims.M {
			for oc := range w.OutChannels {
				for oh := range w.OutHeight {
					for ow := range w.OutWidth {
						values := windowValues(dims, offsets, input, batchIdx, m, oc, oh, ow)
						var result float64
						if math.IsInf(eps, 0) {
							for _, v := range values {
								result += v
							}
							result /= float64(len(values))
						} else {
							var sum float64
							for _, v := range values {
								sum += math.Exp(v / eps)
							}
							result = eps * math.Log(sum)
							if !cfg.SoftmaxMode {
								result -= eps * math.Log(float64(len(values)))
							}
						}
						out[idx] = result
						idx++
					}
				}
			}
		}
	}
	return out
}

func forward64(t *testing.T, cfg Config, inputDims []int, offsets, input []float64) []float64 {
	k, err := New[float64](cfg, shapes.Make(dtypes.Float64, inputDims...))
	require.NoError(t, err)
	output := make([]float64, shapes.Make(dtypes.Float64, k.Dims().OutputDims()...).Size())
	k.Forward(offsets, input, output)
	return output
}

func offsetsSize(t *testing.T, cfg Config, inputDims []int) int {
	offsetsShape, err := ExpectedOffsetsShape(cfg, shapes.Make(dtypes.Float64, inputDims...))
	require.NoError(t, err)
	return offsetsShape.Size()
}

func TestForward_4x4(t *testing.T) {
	input := []float64{
		0.1, 0.5, -1.0, 2.0,
		0.3, -0.2, 1.5, 0.0,
		3.0, 1.0, -0.5, -0.5,
		0.0, 2.5, 0.7, 1.1,
	}
	blocks := [][]float64{
		{0.1, 0.5, 0.3, -0.2},
		{-1.0, 2.0, 1.5, 0.0},
		{3.0, 1.0, 0.0, 2.5},
		{-0.5, -0.5, 0.7, 1.1},
	}
	cfg := DefaultConfig()
	cfg.Blocks = []int{1, 2, 2}
	cfg.Strides = []int{1, 2, 2}
	offsets := make([]float64, 4)
	inputDims := []int{1, 1, 4, 4}

	for _, softmax := range []bool{false, true} {
		cfg.SoftmaxMode = softmax
		got := forward64(t, cfg, inputDims, offsets, input)
		require.Len(t, got, 4)
		for ii, block := range blocks {
			var sum float64
			for _, v := range block {
				sum += math.Exp(v)
			}
			want := math.Log(sum)
			if !softmax {
				want = math.Log(sum / 4)
			}
			assert.InDelta(t, want, got[ii], 1e-12, "softmax=%v, cell %d", softmax, ii)
		}
	}
}

func TestForward_Bounded(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 0))
	cfg := DefaultConfig()
	cfg.NumInstances = 3
	cfg.Blocks = []int{2, 3, 3}
	cfg.Strides = []int{1, 2, 1}
	cfg.Padding = []int{0, 1, 1}
	inputDims := []int{2, 3, 7, 6}
	input := randomSlice(rng, 2*3*7*6)
	offsets := randomSlice(rng, offsetsSize(t, cfg, inputDims))
	k, err := New[float64](cfg, shapes.Make(dtypes.Float64, inputDims...))
	require.NoError(t, err)
	dims := k.Dims()
	logK := math.Log(float64(dims.K))

	for _, eps := range []float64{0.01, 0.5, 3, -0.3, -7} {
		for _, softmax := range []bool{false, true} {
			cfg.Epsilon = eps
			cfg.SoftmaxMode = softmax
			got := forward64(t, cfg, inputDims, offsets, input)
			idx := 0
			for batchIdx := range dims.Batch {
				for m := range dims.M {
					for oc := range dims.Window.OutChannels {
						for oh := range dims.Window.OutHeight {
							for ow := range dims.Window.OutWidth {
								values := windowValues(dims, offsets, input, batchIdx, m, oc, oh, ow)
								lo, hi := values[0], values[0]
								for _, v := range values {
									lo, hi = min(lo, v), max(hi, v)
								}
								v := got[idx]
								idx++
								if softmax {
									v -= eps * logK
								}
								require.True(t, v >= lo-1e-9 && v <= hi+1e-9,
									"eps=%g, softmax=%v: %g not in [%g, %g]", eps, softmax, v, lo, hi)
							}
						}
					}
				}
			}
		}
	}
}

func TestForward_EpsilonLimits(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 0))
	cfg := DefaultConfig()
	cfg.NumInstances = 2
	cfg.Blocks = []int{1, 2, 2}
	inputDims := []int{1, 2, 4, 5}
	input := randomSlice(rng, 1*2*4*5)
	offsets := randomSlice(rng, offsetsSize(t, cfg, inputDims))
	k, err := New[float64](cfg, shapes.Make(dtypes.Float64, inputDims...))
	require.NoError(t, err)
	dims := k.Dims()

	hardMax := make([]float64, 0, dims.M*dims.N)
	hardMin := make([]float64, 0, dims.M*dims.N)
	mean := make([]float64, 0, dims.M*dims.N)
	for m := range dims.M {
		for oc := range dims.Window.OutChannels {
			for oh := range dims.Window.OutHeight {
				for ow := range dims.Window.OutWidth {
					values := windowValues(dims, offsets, input, 0, m, oc, oh, ow)
					lo, hi, sum := values[0], values[0], 0.0
					for _, v := range values {
						lo, hi, sum = min(lo, v), max(hi, v), sum+v
					}
					hardMax = append(hardMax, hi)
					hardMin = append(hardMin, lo)
					mean = append(mean, sum/float64(len(values)))
				}
			}
		}
	}

	// |MEX - max| <= eps*log(K) for the log-mean-exp.
	cfg.Epsilon = 1e-4
	assert.True(t, xslices.SlicesInDelta(hardMax, forward64(t, cfg, inputDims, offsets, input), 1e-3))
	cfg.Epsilon = -1e-4
	assert.True(t, xslices.SlicesInDelta(hardMin, forward64(t, cfg, inputDims, offsets, input), 1e-3))
	cfg.Epsilon = math.Inf(1)
	assert.True(t, xslices.SlicesInDelta(mean, forward64(t, cfg, inputDims, offsets, input), 1e-12))
	cfg.Epsilon = math.Inf(-1)
	cfg.SoftmaxMode = true // Ignored for infinite epsilon.
	assert.True(t, xslices.SlicesInDelta(mean, forward64(t, cfg, inputDims, offsets, input), 1e-12))
	cfg.Epsilon = 1e6
	cfg.SoftmaxMode = false
	assert.True(t, xslices.SlicesInDelta(mean, forward64(t, cfg, inputDims, offsets, input), 1e-5))
}

func TestForward_MatchesDirect(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 0))
	testCases := []struct {
		name      string
		inputDims []int
		setup     func(cfg *Config)
	}{
		{"1x1", []int{2, 3, 4, 5}, func(cfg *Config) { cfg.NumInstances = 2 }},
		{"1x1-shared-regions", []int{2, 3, 4, 5}, func(cfg *Config) {
			cfg.SharedOffsetRegion = []int{1, 3, 2}
		}},
		{"window", []int{3, 2, 6, 6}, func(cfg *Config) {
			cfg.NumInstances = 4
			cfg.Blocks = []int{2, 3, 3}
			cfg.Strides = []int{1, 1, 2}
			cfg.Padding = []int{0, 1, 1}
			cfg.OutOfBoundsValue = -0.5
		}},
		{"window-shared-regions", []int{2, 1, 9, 7}, func(cfg *Config) {
			cfg.NumInstances = 2
			cfg.Blocks = []int{1, 2, 2}
			cfg.SharedOffsetRegion = []int{1, 3, 4}
			cfg.Epsilon = -2
		}},
		{"window-unshared-regions", []int{2, 2, 7, 8}, func(cfg *Config) {
			cfg.NumInstances = 3
			cfg.Blocks = []int{1, 3, 2}
			cfg.Padding = []int{0, 1, 0}
			cfg.UseUnsharedRegions = true
			cfg.UnsharedOffsetRegion = []int{2, 3, 2}
			cfg.SoftmaxMode = true
		}},
		{"unshared-round-up", []int{1, 1, 5, 5}, func(cfg *Config) {
			cfg.Blocks = []int{1, 2, 2}
			cfg.Strides = []int{1, 2, 2}
			cfg.RoundDown = false
			cfg.UseUnsharedRegions = true
			cfg.UnsharedOffsetRegion = []int{1, 2, 2}
			cfg.Epsilon = 0.25
		}},
		{"infinite-epsilon-regions", []int{2, 2, 4, 4}, func(cfg *Config) {
			cfg.Blocks = []int{2, 2, 2}
			cfg.SharedOffsetRegion = []int{1, 2, 2}
			cfg.Epsilon = math.Inf(1)
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.setup(&cfg)
			input := randomSlice(rng, shapes.Make(dtypes.Float64, tc.inputDims...).Size())
			offsets := randomSlice(rng, offsetsSize(t, cfg, tc.inputDims))
			want := naiveMex(t, cfg, tc.inputDims, offsets, input)
			got := forward64(t, cfg, tc.inputDims, offsets, input)
			require.True(t, xslices.SlicesInDelta(want, got, 1e-9), "want=%v\ngot=%v", want, got)
		})
	}
}

func TestForward_SingleRegionSplitter(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 0))
	cfg := DefaultConfig()
	cfg.NumInstances = 2
	cfg.Blocks = []int{1, 3, 3}
	cfg.Padding = []int{0, 1, 1}
	inputDims := []int{2, 2, 5, 6}
	input := randomSlice(rng, 2*2*5*6)
	offsets := randomSlice(rng, offsetsSize(t, cfg, inputDims))
	want := forward64(t, cfg, inputDims, offsets, input)

	k, err := New[float64](cfg, shapes.Make(dtypes.Float64, inputDims...))
	require.NoError(t, err)
	require.Equal(t, 1, k.dims.Regions.NumRegions())

	// Force the splitter to run: the second region lies entirely outside the map, so it's never gathered.
	splitter := *k
	splitter.dims.Regions.WGroups = 2
	splitOffsets := append(append([]float64{}, offsets...), offsets...)
	got := make([]float64, len(want))
	splitter.Forward(splitOffsets, input, got)
	require.True(t, xslices.SlicesInDelta(want, got, 1e-12))
}

func TestForward_Parallelism(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 0))
	cfg := DefaultConfig()
	cfg.NumInstances = 3
	cfg.Blocks = []int{2, 2, 2}
	cfg.SharedOffsetRegion = []int{1, 2, 2}
	inputDims := []int{9, 3, 5, 5}
	input := randomSlice(rng, shapes.Make(dtypes.Float64, inputDims...).Size())
	offsets := randomSlice(rng, offsetsSize(t, cfg, inputDims))
	cfg.MaxParallelism = 1
	want := forward64(t, cfg, inputDims, offsets, input)
	for _, parallelism := range []int{0, 2, 4, -1} {
		cfg.MaxParallelism = parallelism
		got := forward64(t, cfg, inputDims, offsets, input)
		require.Equal(t, want, got, "parallelism=%d", parallelism)
	}
}

func TestForward_Float32(t *testing.T) {
	rng := rand.New(rand.NewPCG(6, 0))
	cfg := DefaultConfig()
	cfg.NumInstances = 2
	cfg.Blocks = []int{1, 3, 3}
	cfg.Epsilon = 0.5
	inputDims := []int{2, 2, 6, 6}
	input := randomSlice(rng, shapes.Make(dtypes.Float64, inputDims...).Size())
	offsets := randomSlice(rng, offsetsSize(t, cfg, inputDims))
	want := forward64(t, cfg, inputDims, offsets, input)

	k, err := New[float32](cfg, shapes.Make(dtypes.Float32, inputDims...))
	require.NoError(t, err)
	got := make([]float32, len(want))
	k.Forward(xslices.Map(offsets, func(v float64) float32 { return float32(v) }),
		xslices.Map(input, func(v float64) float32 { return float32(v) }), got)
	for ii := range want {
		require.InDelta(t, want[ii], float64(got[ii]), 1e-4, "element %d", ii)
	}

	_, err = New[float32](cfg, shapes.Make(dtypes.Float64, inputDims...))
	require.Error(t, err)
}

func TestForward_NaN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Blocks = []int{1, 2, 2}
	cfg.Strides = []int{1, 2, 2}
	inputDims := []int{1, 1, 4, 4}
	input := make([]float64, 16)
	input[5] = math.NaN() // Block (0, 0).
	offsets := make([]float64, 4)
	for _, eps := range []float64{1, -1, math.Inf(1)} {
		cfg.Epsilon = eps
		got := forward64(t, cfg, inputDims, offsets, input)
		assert.True(t, math.IsNaN(got[0]), "eps=%g", eps)
		assert.Equal(t, []float64{0, 0, 0}, got[1:], "eps=%g", eps)
	}
}

func TestForward_Infinities(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Blocks = []int{1, 2, 2}
	cfg.Strides = []int{1, 2, 2}
	inputDims := []int{1, 1, 2, 4}
	inf := math.Inf(1)
	input := []float64{
		-inf, -inf, 1, -inf,
		-inf, -inf, 2, -inf,
	}
	offsets := make([]float64, 4)
	got := forward64(t, cfg, inputDims, offsets, input)
	assert.True(t, math.IsInf(got[0], -1))
	assert.InDelta(t, math.Log((math.E+math.Exp(2))/4), got[1], 1e-12)
}

func TestForward_ExtremeEpsilon(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Blocks = []int{1, 2, 2}
	inputDims := []int{1, 1, 2, 2}
	input := []float64{0.1, 0.5, 0.3, -0.2}
	offsets := make([]float64, 4)
	const hardMax, hardMin, mean = 0.5, -0.2, 0.175

	testCases := []struct {
		epsilon float64
		want    float64
	}{
		{1e-310, hardMax},
		{-1e-310, hardMin},
		{1e-40, hardMax},
		{-1e-40, hardMin},
		{1e-50, hardMax},
		{1e30, mean},
		{1e39, mean},
		{-1e39, mean},
	}
	for _, tc := range testCases {
		cfg.Epsilon = tc.epsilon
		got := forward64(t, cfg, inputDims, offsets, input)
		require.Len(t, got, 1)
		assert.InDelta(t, tc.want, got[0], 1e-9, "float64, epsilon=%g", tc.epsilon)

		k, err := New[float32](cfg, shapes.Make(dtypes.Float32, inputDims...))
		require.NoError(t, err)
		got32 := make([]float32, 1)
		k.Forward(make([]float32, 4), xslices.Map(input, func(v float64) float32 { return float32(v) }), got32)
		assert.InDelta(t, tc.want, float64(got32[0]), 1e-6, "float32, epsilon=%g", tc.epsilon)
	}
}
