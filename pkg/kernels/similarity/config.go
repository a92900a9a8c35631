// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package similarity

import (
	"os"

	"github.com/gomlx/simnets/pkg/kernels/attributes"
	"github.com/gomlx/simnets/pkg/kernels/shapeinference"
	"github.com/pkg/errors"
)

// EnvSettings is the environment variable with settings applied on top of DefaultConfig by ConfigFromEnv.
// E.g.: SIMNETS_SIMILARITY="similarity_function=L1;ksize=1,3,3,1;strides=1,1,1,1".
const EnvSettings = "SIMNETS_SIMILARITY"

// Config of a similarity operator.
type Config struct {
	shapeinference.SimilarityAttributes

	// MaxParallelism limits the number of output cells computed in parallel: 0 uses runtime.NumCPU(),
	// 1 computes sequentially and a negative value means unlimited.
	MaxParallelism int `attr:"max_parallelism"`
}

// DefaultConfig returns the default configuration: L2 similarity over 2x2 windows with stride 2,
// SAME padding, and no normalization term.
func DefaultConfig() Config {
	return Config{
		SimilarityAttributes: shapeinference.SimilarityAttributes{
			SimilarityFunction:     "L2",
			Ksize:                  []int{1, 2, 2, 1},
			Strides:                []int{1, 2, 2, 1},
			Padding:                "SAME",
			NormalizationTermFudge: 0.001,
		},
	}
}

// ConfigFromEnv returns DefaultConfig updated with the settings in the environment variable EnvSettings.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	settings, found := os.LookupEnv(EnvSettings)
	if !found || settings == "" {
		return cfg, nil
	}
	if err := cfg.Parse(settings); err != nil {
		return cfg, errors.WithMessagef(err, "environment variable %s=%q", EnvSettings, settings)
	}
	return cfg, nil
}

// Parse updates the configuration with the given settings, e.g. "similarity_function=L1;padding=VALID".
func (cfg *Config) Parse(settings string) error {
	return attributes.Parse(settings, cfg)
}

// String returns the configuration as a settings string.
func (cfg Config) String() string {
	return attributes.Format(&cfg)
}
