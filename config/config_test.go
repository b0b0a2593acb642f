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

package config_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/accrt/config"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		env  map[string]string
		want *config.Config
	}{
		{
			env:  nil,
			want: config.Default(),
		},
		{
			env: map[string]string{
				config.EnvCallbackWorkers: "8",
				config.EnvDisableM2M:      "true",
				config.EnvStrictRunClose:  "1",
				config.EnvMinImageVersion: "v2.1.0",
				config.EnvDefaultTimeout:  "250ms",
			},
			want: &config.Config{
				CallbackWorkers: 8,
				DisableM2M:      true,
				StrictRunClose:  true,
				MinImageVersion: "v2.1.0",
				DefaultTimeout:  250 * time.Millisecond,
			},
		},
	}
	for i, test := range tests {
		got, err := config.New(lookupFrom(test.env))
		if err != nil {
			t.Errorf("test %d: %v", i, err)
			continue
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("test %d: unexpected config (-want +got):\n%s", i, diff)
		}
	}
}

func TestNewErrors(t *testing.T) {
	tests := []map[string]string{
		{config.EnvCallbackWorkers: "0"},
		{config.EnvCallbackWorkers: "many"},
		{config.EnvDisableM2M: "maybe"},
		{config.EnvMinImageVersion: "2.1"},
		{config.EnvDefaultTimeout: "soon"},
	}
	for _, env := range tests {
		if _, err := config.New(lookupFrom(env)); err == nil {
			t.Errorf("config.New(%v): expected an error", env)
		}
	}
}

func TestGetIsStable(t *testing.T) {
	if config.Get() != config.Get() {
		t.Errorf("config.Get() returned different instances")
	}
}
