// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/gomlx/simnets/pkg/kernels/mex"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// sweepResult holds the output statistics of MEX for one epsilon.
type sweepResult struct {
	epsilon float64
	stats   outputStats
	elapsed time.Duration
}

// sweepMex evaluates MEX concurrently for each epsilon in -sweep, with the same input and offsets.
func sweepMex() error {
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

	epsilons := *flagSweep
	results := make([]sweepResult, len(epsilons))
	output := termenv.NewOutput(os.Stdout)
	output.HideCursor()
	bar := progressbar.NewOptions(len(epsilons),
		progressbar.OptionSetDescription("Sweeping epsilon"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	var g errgroup.Group
	for ii, epsilon := range epsilons {
		g.Go(func() error {
			epsilonCfg := cfg
			epsilonCfg.Epsilon = epsilon
			start := time.Now()
			result, err := mex.Forward(epsilonCfg, input, offsets)
			if err != nil {
				return errors.WithMessagef(err, "epsilon=%g", epsilon)
			}
			results[ii] = sweepResult{epsilon: epsilon, stats: computeStats(result), elapsed: time.Since(start)}
			result.FinalizeAll()
			_ = bar.Add(1)
			return nil
		})
	}
	err = g.Wait()
	_ = bar.Finish()
	output.ShowCursor()
	if err != nil {
		return err
	}

	printTitle("Epsilon sweep")
	table := newPlainTable(true).Headers("epsilon", "mean", "stddev", "min", "max", "NaNs", "elapsed")
	for _, r := range results {
		table.Row(strconv.FormatFloat(r.epsilon, 'g', -1, 64), formatFloat(r.stats.mean), formatFloat(r.stats.stddev),
			formatFloat(r.stats.minValue), formatFloat(r.stats.maxValue), strconv.Itoa(r.stats.numNaN),
			r.elapsed.Round(time.Microsecond).String())
	}
	fmt.Println(table.Render())

	if *flagPlot != "" {
		return plotSweep(results, *flagPlot)
	}
	return nil
}

// plotSweep plots the mean, min and max of the outputs as a function of epsilon. Infinite epsilons are skipped.
func plotSweep(results []sweepResult, filePath string) error {
	var mean, minValues, maxValues plotter.XYs
	for _, r := range results {
		if math.IsInf(r.epsilon, 0) || math.IsNaN(r.stats.mean) {
			continue
		}
		mean = append(mean, plotter.XY{X: r.epsilon, Y: r.stats.mean})
		minValues = append(minValues, plotter.XY{X: r.epsilon, Y: r.stats.minValue})
		maxValues = append(maxValues, plotter.XY{X: r.epsilon, Y: r.stats.maxValue})
	}
	if len(mean) == 0 {
		return errors.New("no finite epsilon to plot")
	}
	p := plot.New()
	p.Title.Text = "MEX output by epsilon"
	p.X.Label.Text = "epsilon"
	p.Y.Label.Text = "output"
	if err := plotutil.AddLinePoints(p, "mean", mean, "min", minValues, "max", maxValues); err != nil {
		return errors.Wrap(err, "failed to create plot")
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	klog.Infof("Sweep plot saved to %q", filePath)
	return nil
}
