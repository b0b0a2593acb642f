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

package kernel

import (
	"context"

	"github.com/gx-org/accrt/errs"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// WaitAll waits for several runs and returns their states.
// The error lists the runs which did not complete.
func WaitAll(ctx context.Context, runs ...*Run) ([]State, error) {
	states := make([]State, len(runs))
	var g errgroup.Group
	for i, r := range runs {
		g.Go(func() error {
			states[i] = r.Wait(ctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var err error
	for i, s := range states {
		if s != Completed {
			err = multierr.Append(err, errors.Wrapf(errs.ErrRunFailed, "%s: %s", runs[i], s))
		}
	}
	return states, err
}
