// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mex

import (
	"os"

	"github.com/gomlx/simnets/pkg/kernels/attributes"
	"github.com/gomlx/simnets/pkg/kernels/shapeinference"
	"github.com/pkg/errors"
)

// EnvSettings is the environment variable with settings (see package attributes) applied on top of
// DefaultConfig by ConfigFromEnv. E.g.: SIMNETS_MEX="epsilon=0.1;blocks=1,3,3;num_instances=8".
const EnvSettings = "SIMNETS_MEX"

// Config of a MEX operator.
type Config struct {
	shapeinference.MexAttributes

	// SoftmaxMode computes a log-sum-exp instead of a log-mean-exp: the output is increased by
	// epsilon*log(K), where K is the window size.
	SoftmaxMode bool `attr:"softmax_mode"`

	// MaxParallelism limits the number of examples processed in parallel: 0 uses runtime.NumCPU(),
	// 1 processes one example at a time and a negative value means unlimited.
	MaxParallelism int `attr:"max_parallelism"`
}

// DefaultConfig returns the default configuration: one instance over 1x1x1 windows with unit strides
// and no padding, epsilon 1, one region of offsets.
func DefaultConfig() Config {
	return Config{
		MexAttributes: shapeinference.MexAttributes{
			NumInstances: 1,
			Blocks:       []int{1, 1, 1},
			Strides:      []int{1, 1, 1},
			Padding:      []int{0, 0, 0},
			RoundDown:    true,
			Epsilon:      1,
		},
	}
}

// ConfigFromEnv returns DefaultConfig updated with the settings in the environment variable
// EnvSettings, if set.
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

// Parse updates the configuration with the given settings, e.g. "epsilon=-2;softmax_mode=true".
func (cfg *Config) Parse(settings string) error {
	return attributes.Parse(settings, cfg)
}

// String returns the configuration as a settings string.
func (cfg Config) String() string {
	return attributes.Format(&cfg)
}
