// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// outputStats summarizes the values of a tensor. NaNs are counted and excluded from the other statistics.
type outputStats struct {
	count, numNaN      int
	mean, stddev       float64
	minValue, maxValue float64
}

func computeStats(t *tensors.Tensor) outputStats {
	values := must.M1(tensors.ConvertDType(t, dtypes.Float64))
	flat := tensors.MustCopyFlatData[float64](values)
	values.FinalizeAll()
	s := outputStats{count: len(flat)}
	flat = slices.DeleteFunc(flat, math.IsNaN)
	s.numNaN = s.count - len(flat)
	if len(flat) == 0 {
		s.mean, s.stddev, s.minValue, s.maxValue = math.NaN(), math.NaN(), math.NaN(), math.NaN()
		return s
	}
	s.mean, s.stddev = stat.MeanStdDev(flat, nil)
	if len(flat) == 1 {
		s.stddev = 0
	}
	s.minValue, s.maxValue = floats.Min(flat), floats.Max(flat)
	return s
}

func formatFloat(v float64) string {
	return humanize.FtoaWithDigits(v, 6)
}

// runReport holds what is reported at the end of a run.
type runReport struct {
	op, settings string
	input        *tensors.Tensor
	params       map[string]*tensors.Tensor
	output       *tensors.Tensor
	elapsed      time.Duration
}

func shapeRow(table *lgtable.Table, name string, t *tensors.Tensor) {
	table.Row(name, fmt.Sprintf("%s (%s, %s)", t.Shape(), humanize.Comma(int64(t.Size())),
		humanize.IBytes(uint64(t.Memory()))))
}

// report prints the summary of a run.
func report(r runReport) {
	printTitle(fmt.Sprintf("SimNets %s", r.op))
	table := newPlainTable(false)
	table.Row("run", uuid.NewString())
	table.Row("settings", strings.ReplaceAll(r.settings, ";", "\n"))
	shapeRow(table, "input", r.input)
	names := make([]string, 0, len(r.params))
	for name := range r.params {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		shapeRow(table, name, r.params[name])
	}
	shapeRow(table, "output", r.output)
	table.Row("elapsed", r.elapsed.String())
	if seconds := r.elapsed.Seconds(); seconds > 0 {
		table.Row("throughput", fmt.Sprintf("%s elements/s",
			humanize.SIWithDigits(float64(r.output.Size())/seconds, 2, "")))
	}
	fmt.Println(table.Render())

	printTitle("Output statistics")
	s := computeStats(r.output)
	statsTable := newPlainTable(false)
	statsTable.Row("mean", formatFloat(s.mean))
	statsTable.Row("stddev", formatFloat(s.stddev))
	statsTable.Row("min", formatFloat(s.minValue))
	statsTable.Row("max", formatFloat(s.maxValue))
	statsTable.Row("NaNs", fmt.Sprintf("%s of %s", humanize.Comma(int64(s.numNaN)), humanize.Comma(int64(s.count))))
	fmt.Println(statsTable.Render())
}
