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

package handle_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/internal/handle"
)

type exported struct {
	Bank int
	Size uint64
}

func checkHandleCount(t *testing.T, startCount int) {
	endCount := handle.Count()
	if endCount != startCount {
		t.Errorf("handles are leaking: started with %d and ended with %d:\n%s", startCount, endCount, handle.Dump())
	}
}

func TestWrapLookup(t *testing.T) {
	defer checkHandleCount(t, handle.Count())
	want := &exported{Bank: 1, Size: 4096}
	h := handle.Wrap(want)
	got, err := handle.Lookup[*exported](h)
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, want) {
		t.Errorf("wrong value: got %v, want %v", got, want)
	}
	if !strings.Contains(handle.Dump(), "*handle_test.exported") {
		t.Errorf("Dump() does not list the handle:\n%s", handle.Dump())
	}
	if err := handle.Release(h); err != nil {
		t.Error(err)
	}
}

func TestZeroValue(t *testing.T) {
	defer checkHandleCount(t, handle.Count())
	if h := handle.Wrap[*exported](nil); h != 0 {
		t.Errorf("Wrap(nil) = %d, want 0", h)
	}
	if err := handle.Release(0); err != nil {
		t.Errorf("Release(0) = %v, want nil", err)
	}
}

func TestLookupErrors(t *testing.T) {
	defer checkHandleCount(t, handle.Count())
	h := handle.Wrap(&exported{})
	if _, err := handle.Lookup[*strings.Builder](h); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Lookup with the wrong type: got %v, want %v", err, errs.ErrNotFound)
	}
	if err := handle.Release(h); err != nil {
		t.Fatal(err)
	}
	if _, err := handle.Lookup[*exported](h); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Lookup after release: got %v, want %v", err, errs.ErrNotFound)
	}
	if err := handle.Release(h); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("double release: got %v, want %v", err, errs.ErrNotFound)
	}
}

func BenchmarkWrap(b *testing.B) {
	value := &exported{}
	b.ReportAllocs()
	for range b.N {
		_ = handle.Release(handle.Wrap(value))
	}
}
