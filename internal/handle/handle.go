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

// Package handle maps opaque integer handles to Go values shared
// between components of the same process.
//
// Handles are how exported buffers and fences are named when no file
// descriptor can carry them.
package handle

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/gx-org/accrt/base/sync"
	"github.com/gx-org/accrt/errs"
	"github.com/pkg/errors"
)

// Handle to a Go value. The zero handle is never valid.
type Handle uint64

var (
	handles   = sync.Map[Handle, any]{}
	handleIdx = atomic.Uint64{}
)

// Wrap registers a value and returns its handle.
//
// Handles must be resolved with Lookup using the same type T.
func Wrap[T comparable](v T) Handle {
	var zero T
	if v == zero {
		return 0
	}
	h := Handle(handleIdx.Add(1))
	if h == 0 {
		panic("accrt: ran out of handle space")
	}
	handles.Store(h, v)
	return h
}

// Lookup returns the value registered for a handle.
func Lookup[T any](h Handle) (T, error) {
	var zero T
	v, ok := handles.Load(h)
	if !ok {
		return zero, errors.Wrapf(errs.ErrNotFound, "handle %d", h)
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Wrapf(errs.ErrNotFound, "handle %d refers to %T, not %T", h, v, zero)
	}
	return t, nil
}

// Release deletes a handle.
// Releasing an unknown handle returns an error.
func Release(h Handle) error {
	if h == 0 {
		return nil
	}
	if _, ok := handles.LoadAndDelete(h); !ok {
		return errors.Wrapf(errs.ErrNotFound, "releasing handle %d", h)
	}
	if handles.Empty() {
		// Tests run leak detection once the final handle is gone.
		runtime.GC()
	}
	return nil
}

// Count returns the number of live handles.
func Count() int {
	return handles.Len()
}

// Dump returns a string representation of all live handles.
func Dump() string {
	s := strings.Builder{}
	for h, v := range handles.All() {
		fmt.Fprintf(&s, "%T handle: %d\n", v, h)
	}
	return s.String()
}
