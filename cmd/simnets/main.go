// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// simnets runs the SimNets MEX or similarity operators on an input read from a .npy/.npz file or an image.
//
// Configuration starts from the defaults, updated by the environment ($SIMNETS_MEX or $SIMNETS_SIMILARITY)
// and then by -set. Parameters (offsets, templates, weights) are read from -params or from individual
// .npy files, or are randomly generated (see -seed).
//
// Examples:
//
//	simnets -input=cat.png -gray -set="blocks=1,3,3;num_instances=16;epsilon=0.5" -output=mex.npy
//	simnets -op=similarity -input=batch.npz -params=params.npz -set="similarity_function=L1"
//	simnets -input=x.npy -set="blocks=1,2,2;strides=1,2,2" -sweep=-10,-1,-0.1,0.1,1,10,+Inf -plot=sweep.png
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/simnets/pkg/support/xslices"
)

const (
	opMex        = "mex"
	opSimilarity = "similarity"
)

var (
	flagOp = flag.String("op", opMex, "Operator to run: \"mex\" or \"similarity\".")

	flagInput = flag.String("input", "", "Input file: a .npy array shaped (batch, channels, height, width), "+
		"a .npz file with an \"input\" array, or an image (PNG, JPEG, ...).")
	flagGray     = flag.Bool("gray", false, "Converts image inputs to a single gray channel.")
	flagWidth    = flag.Int("width", 0, "If > 0, resizes image inputs to this width (keeping the aspect ratio if -height is 0).")
	flagHeight   = flag.Int("height", 0, "If > 0, resizes image inputs to this height (keeping the aspect ratio if -width is 0).")
	flagMaxValue = flag.Float64("max_value", 1.0, "Value the brightest channel of image inputs is mapped to.")

	flagParams = flag.String("params", "", "A .npz file with the parameters: \"offsets\" for MEX, "+
		"\"templates\" and \"weights\" for similarity.")
	flagOffsets   = flag.String("offsets", "", "A .npy file with the MEX offsets. It takes precedence over -params.")
	flagTemplates = flag.String("templates", "", "A .npy file with the similarity templates. It takes precedence over -params.")
	flagWeights   = flag.String("weights", "", "A .npy file with the similarity weights. It takes precedence over -params.")
	flagSeed      = flag.Uint64("seed", 42, "Seed for parameters that are not given and are randomly generated.")

	flagNumTemplates = flag.Int("num_templates", 8,
		"Number of templates generated for the similarity operator, when they are not given.")

	flagSet = flag.String("set", "", "Settings for the operator, as \"attribute=value;...\", applied on top of "+
		"the defaults and the environment. Use \"file:<path>\" to read the settings from a file.")
	flagParallelism = flag.Int("parallelism", 0, "Maximum number of parallel workers: 0 uses all cores, "+
		"1 runs sequentially and -1 is unlimited.")
	flagOutput = flag.String("output", "", "Saves the output to the given .npy file, or to a .npz file along "+
		"with the input and the parameters used.")

	flagSweep = xslices.Flag("sweep", nil, "Comma-separated list of epsilons to evaluate MEX with, "+
		"concurrently. It reports the output statistics for each.",
		func(valueStr string) (float64, error) { return strconv.ParseFloat(valueStr, 64) })
	flagPlot = flag.String("plot", "", "With -sweep, plots the output statistics per epsilon to the given PNG file.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagInput == "" {
		klog.Errorf("Missing -input. See 'simnets -help'.")
		os.Exit(1)
	}
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'simnets -help'.", flag.Args())
		os.Exit(1)
	}
	switch *flagOp {
	case opMex:
		if len(*flagSweep) > 0 {
			must.M(sweepMex())
			return
		}
		must.M(runMex())
	case opSimilarity:
		if len(*flagSweep) > 0 {
			must.M(errors.New("-sweep is only supported for -op=mex"))
		}
		must.M(runSimilarity())
	default:
		must.M(errors.Errorf("unknown -op=%q, valid values are %q and %q", *flagOp, opMex, opSimilarity))
	}
}

// parallelismFlagSet returns whether -parallelism was explicitly given, so it overrides the settings.
func parallelismFlagSet() bool {
	var found bool
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "parallelism" {
			found = true
		}
	})
	return found
}

func printTitle(title string) {
	fmt.Println(titleStyle.Render(title))
}
