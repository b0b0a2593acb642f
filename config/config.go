// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides the process-wide runtime configuration.
//
// The configuration is read once from the environment the first time Get is
// called and is never modified afterwards.
package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
	"k8s.io/klog/v2"
)

// Environment variables read by the runtime.
const (
	EnvCallbackWorkers = "ACCRT_CALLBACK_WORKERS"
	EnvDisableM2M      = "ACCRT_DISABLE_M2M"
	EnvStrictRunClose  = "ACCRT_STRICT_RUN_CLOSE"
	EnvMinImageVersion = "ACCRT_MIN_IMAGE_VERSION"
	EnvDefaultTimeout  = "ACCRT_DEFAULT_TIMEOUT"
)

// Config of the runtime.
type Config struct {
	// CallbackWorkers is the number of runtime goroutines executing
	// completion handlers and user callbacks.
	CallbackWorkers int
	// DisableM2M forces local copies to be staged through host memory
	// even when the device has a copy engine.
	DisableM2M bool
	// StrictRunClose panics when a run is closed while still outstanding.
	StrictRunClose bool
	// MinImageVersion is the oldest image format version accepted by the runtime.
	MinImageVersion string
	// DefaultTimeout is used by the tools when waiting for commands.
	DefaultTimeout time.Duration
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		CallbackWorkers: 4,
		MinImageVersion: "v2.0.0",
		DefaultTimeout:  10 * time.Second,
	}
}

// New builds a configuration given a lookup function for variables.
func New(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if v, ok := lookup(EnvCallbackWorkers); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, errors.Errorf("%s=%q: want a positive integer", EnvCallbackWorkers, v)
		}
		cfg.CallbackWorkers = n
	}
	if v, ok := lookup(EnvDisableM2M); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Errorf("%s=%q: want a boolean", EnvDisableM2M, v)
		}
		cfg.DisableM2M = b
	}
	if v, ok := lookup(EnvStrictRunClose); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Errorf("%s=%q: want a boolean", EnvStrictRunClose, v)
		}
		cfg.StrictRunClose = b
	}
	if v, ok := lookup(EnvMinImageVersion); ok {
		if !semver.IsValid(v) {
			return nil, errors.Errorf("%s=%q: not a semantic version", EnvMinImageVersion, v)
		}
		cfg.MinImageVersion = v
	}
	if v, ok := lookup(EnvDefaultTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Errorf("%s=%q: %v", EnvDefaultTimeout, v, err)
		}
		cfg.DefaultTimeout = d
	}
	return cfg, nil
}

var (
	current     *Config
	currentOnce sync.Once
)

// Get returns the process configuration.
// Invalid variables are reported once and replaced by their default.
func Get() *Config {
	currentOnce.Do(func() {
		cfg, err := New(os.LookupEnv)
		if err != nil {
			klog.ErrorS(err, "invalid runtime configuration, using defaults")
			cfg = Default()
		}
		current = cfg
	})
	return current
}
