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

package bo

import (
	"github.com/gx-org/accrt/device"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/backend/shape"
	"github.com/pkg/errors"
)

// AllocShape allocates a buffer storing an array of a given shape.
func AllocShape(ctx *device.Context, sh *shape.Shape, bank int, flags Flags) (*BO, error) {
	size := sh.ByteSize()
	if size <= 0 {
		return nil, errors.Wrapf(errs.ErrInvalidSize, "shape %v has no data", sh)
	}
	b, err := Alloc(ctx, uint64(size), bank, flags)
	if err != nil {
		return nil, err
	}
	b.shape = sh
	return b, nil
}

// Shape returns the shape of a buffer allocated with AllocShape, or nil.
func (b *BO) Shape() *shape.Shape {
	return b.shape
}

// Slice returns the host mapping of a buffer as a slice of T.
// The slice shares its memory with the host mapping.
func Slice[T dtype.GoDataType](b *BO) ([]T, error) {
	host, err := b.Map()
	if err != nil {
		return nil, err
	}
	dt := dtype.Generic[T]()
	if b.shape != nil && b.shape.DType != dt {
		return nil, errors.Wrapf(errs.ErrArgMismatch, "buffer of %s viewed as %s", b.shape.DType, dt)
	}
	if len(host)%dtype.Sizeof(dt) != 0 {
		return nil, errors.Wrapf(errs.ErrInvalidSize, "buffer of %d bytes viewed as %s", len(host), dt)
	}
	return dtype.ToSlice[T](host), nil
}
