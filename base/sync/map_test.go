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

package sync_test

import (
	"maps"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/accrt/base/sync"
	"golang.org/x/sync/errgroup"
)

func TestMap(t *testing.T) {
	var m sync.Map[int, string]
	if !m.Empty() {
		t.Fatalf("zero map is not empty")
	}
	m.Store(1, "one")
	m.Store(2, "two")
	if v, ok := m.Load(1); !ok || v != "one" {
		t.Errorf("Load(1) = %q, %v, want %q, true", v, ok, "one")
	}
	if _, ok := m.Load(3); ok {
		t.Errorf("Load(3) found a value")
	}
	if v, loaded := m.LoadOrStore(2, "deux"); !loaded || v != "two" {
		t.Errorf("LoadOrStore(2) = %q, %v, want %q, true", v, loaded, "two")
	}
	if v, loaded := m.LoadOrStore(3, "three"); loaded || v != "three" {
		t.Errorf("LoadOrStore(3) = %q, %v, want %q, false", v, loaded, "three")
	}
	if v, loaded := m.LoadAndDelete(1); !loaded || v != "one" {
		t.Errorf("LoadAndDelete(1) = %q, %v, want %q, true", v, loaded, "one")
	}
	if _, loaded := m.LoadAndDelete(1); loaded {
		t.Errorf("LoadAndDelete(1) twice loaded a value")
	}
	got := maps.Collect(m.All())
	want := map[int]string{2: "two", 3: "three"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected entries (-want +got):\n%s", diff)
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
}

func TestMapConcurrent(t *testing.T) {
	const numWorkers = 8
	const perWorker = 100
	var m sync.Map[int, int]
	var g errgroup.Group
	for w := range numWorkers {
		g.Go(func() error {
			for i := range perWorker {
				m.Store(w*perWorker+i, i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got, want := m.Len(), numWorkers*perWorker; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
}
