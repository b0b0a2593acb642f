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

package dispatch_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/internal/dispatch"
	"go.uber.org/multierr"
)

func TestQueueRunsAll(t *testing.T) {
	q := dispatch.NewQueue("test", 4)
	const numTasks = 1000
	var count atomic.Int64
	for range numTasks {
		if err := q.Post(func() error {
			count.Add(1)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	if got := count.Load(); got != numTasks {
		t.Errorf("ran %d tasks, want %d", got, numTasks)
	}
	if err := q.Post(func() error { return nil }); !errors.Is(err, errs.ErrClosed) {
		t.Errorf("Post after Close: got %v, want %v", err, errs.ErrClosed)
	}
}

func TestQueueSingleWorkerOrder(t *testing.T) {
	q := dispatch.NewQueue("order", 1)
	var got []int
	for i := range 10 {
		q.Post(func() error {
			got = append(got, i)
			return nil
		})
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if !cmp.Equal(got, want) {
		t.Errorf("got %v but want %v", got, want)
	}
}

func TestQueueNestedPost(t *testing.T) {
	q := dispatch.NewQueue("nested", 1)
	var wg sync.WaitGroup
	wg.Add(2)
	q.Post(func() error {
		defer wg.Done()
		// With a single worker, the inner task can only run once this one returns.
		return q.Post(func() error {
			wg.Done()
			return nil
		})
	})
	wg.Wait()
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestQueueErrors(t *testing.T) {
	q := dispatch.NewQueue("errors", 2)
	errA := errors.New("a")
	errB := errors.New("b")
	q.Post(func() error { return errA })
	q.Post(func() error { return errB })
	q.Post(func() error { panic("boom") })
	err := q.Close()
	if got := len(multierr.Errors(err)); got != 3 {
		t.Fatalf("got %d errors, want 3: %v", got, err)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("missing task errors in %v", err)
	}
	if errs.KindOf(err) != errs.Internal {
		t.Errorf("panic not reported as internal error: %v", err)
	}
}
