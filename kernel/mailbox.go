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
	"maps"
)

// Mailbox updates the arguments of an iterating run between two iterations.
type Mailbox struct {
	r *Run
}

// Mailbox returns the mailbox of the run.
func (r *Run) Mailbox() *Mailbox {
	return &Mailbox{r: r}
}

// Update replaces arguments of the run. The iteration in flight completes
// with the previous values and all the new values apply together to the
// next iteration. If the run is not outstanding, the values apply to the
// next call to Start.
func (m *Mailbox) Update(vals map[int]Argument) error {
	if err := m.r.validate(vals); err != nil {
		return err
	}
	r := m.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.outstanding() {
		maps.Copy(r.args, vals)
		return nil
	}
	if r.updates == nil {
		r.updates = make(map[int]Argument, len(vals))
	}
	maps.Copy(r.updates, vals)
	return nil
}
