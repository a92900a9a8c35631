// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attributes

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type windowAttrs struct {
	Blocks  []int `attr:"blocks"`
	Padding []int `attr:"padding"`
}

type testConfig struct {
	windowAttrs
	Epsilon  float64   `attr:"epsilon"`
	Count    int       `attr:"count"`
	Enabled  bool      `attr:"enabled"`
	Function string    `attr:"function"`
	Weights  []float64 `attr:"weights"`
	internal int
	Ignored  int
}

func defaultTestConfig() testConfig {
	return testConfig{
		windowAttrs: windowAttrs{Blocks: []int{1, 1, 1}},
		Epsilon:     1,
		Count:       3,
		Function:    "L2",
	}
}

func TestParse(t *testing.T) {
	cfg := defaultTestConfig()
	err := Parse("epsilon=-inf; count=1_000;enabled=true;function=L1;blocks=1,3,3;weights=0.5,-2;", &cfg)
	require.NoError(t, err)
	assert.True(t, math.IsInf(cfg.Epsilon, -1))
	assert.Equal(t, 1000, cfg.Count)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "L1", cfg.Function)
	assert.Equal(t, []int{1, 3, 3}, cfg.Blocks)
	assert.Equal(t, []float64{0.5, -2}, cfg.Weights)
	assert.Nil(t, cfg.Padding, "attributes not set must be left untouched")

	require.NoError(t, Parse("padding=", &cfg))
	assert.Equal(t, []int{}, cfg.Padding)
	require.NoError(t, Parse("", &cfg))
}

func TestParse_Errors(t *testing.T) {
	cfg := defaultTestConfig()
	require.ErrorContains(t, Parse("unknown=1", &cfg), "unknown attribute")
	require.ErrorContains(t, Parse("Ignored=1", &cfg), "unknown attribute")
	require.ErrorContains(t, Parse("count=1.5", &cfg), "count")
	require.ErrorContains(t, Parse("blocks=1,x,3", &cfg), "blocks")
	require.ErrorContains(t, Parse("enabled", &cfg), "<attribute>=<value>")
	require.Error(t, Parse("epsilon=1", cfg), "target must be a pointer")
	require.Error(t, Parse("file:/no/such/file", &cfg))
}

func TestParse_File(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# MEX settings\nepsilon=0.25\n\ncount=7;enabled=true\n"), 0o644))
	cfg := defaultTestConfig()
	require.NoError(t, Parse("function=L1;file:"+filePath, &cfg))
	assert.Equal(t, 0.25, cfg.Epsilon)
	assert.Equal(t, 7, cfg.Count)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "L1", cfg.Function)
}

func TestFormat(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Epsilon = math.Inf(1)
	cfg.Weights = []float64{0.1, 2}
	settings := Format(&cfg)
	assert.Equal(t, "blocks=1,1,1;padding=;epsilon=+Inf;count=3;enabled=false;function=L2;weights=0.1,2", settings)

	var parsed testConfig
	require.NoError(t, Parse(settings, &parsed))
	cfg.Padding = []int{}
	assert.Equal(t, cfg, parsed)
	assert.Equal(t, []string{"blocks", "padding", "epsilon", "count", "enabled", "function", "weights"}, Names(&cfg))
}
