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
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/gx-org/accrt/bo"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/image"
	"github.com/pkg/errors"
)

// Argument of a run: either a buffer or the bytes of a scalar.
type Argument struct {
	buf    *bo.BO
	scalar []byte
}

// Buffer returns an argument bound to a buffer.
func Buffer(b *bo.BO) Argument {
	return Argument{buf: b}
}

// Scalar returns an argument storing the bytes of a scalar.
func Scalar(data []byte) Argument {
	return Argument{scalar: slices.Clone(data)}
}

// Uint32 returns a little-endian uint32 scalar argument.
func Uint32(v uint32) Argument {
	return Argument{scalar: binary.LittleEndian.AppendUint32(nil, v)}
}

// Uint64 returns a little-endian uint64 scalar argument.
func Uint64(v uint64) Argument {
	return Argument{scalar: binary.LittleEndian.AppendUint64(nil, v)}
}

// Float32 returns a little-endian float32 scalar argument.
func Float32(v float32) Argument {
	return Uint32(math.Float32bits(v))
}

// IsBuffer returns true if the argument is a buffer.
func (a Argument) IsBuffer() bool {
	return a.buf != nil
}

// BO returns the buffer of a buffer argument.
func (a Argument) BO() *bo.BO {
	return a.buf
}

// Bytes returns the bytes of a scalar argument.
func (a Argument) Bytes() []byte {
	return a.scalar
}

func (a Argument) String() string {
	if a.buf != nil {
		return fmt.Sprintf("buffer[%#x, +%d)", a.buf.Address(), a.buf.Size())
	}
	return fmt.Sprintf("scalar%v", a.scalar)
}

// check returns an error if an argument cannot be bound to a kernel argument.
func (k *Kernel) check(arg image.Arg, val Argument) error {
	kernel := k.meta.Name
	switch {
	case arg.IsStream():
		return errors.Wrapf(errs.ErrArgMismatch, "argument %d (%s) of %s is a stream and cannot be set", arg.Index, arg.Name, kernel)
	case arg.IsBuffer() && !val.IsBuffer():
		return errors.Wrapf(errs.ErrArgMismatch, "argument %d (%s) of %s is a buffer, got %s", arg.Index, arg.Name, kernel, val)
	case !arg.IsBuffer() && val.IsBuffer():
		return errors.Wrapf(errs.ErrArgMismatch, "argument %d (%s) of %s is a scalar of type %s, got %s", arg.Index, arg.Name, kernel, arg.Type, val)
	case !arg.IsBuffer() && arg.Size > 0 && uint64(len(val.scalar)) != arg.Size:
		return errors.Wrapf(errs.ErrArgMismatch, "argument %d (%s) of %s has %d bytes, got %d", arg.Index, arg.Name, kernel, arg.Size, len(val.scalar))
	case val.IsBuffer() && val.buf.Freed():
		return errors.Wrapf(errs.ErrArgMismatch, "argument %d (%s) of %s: %s has been freed", arg.Index, arg.Name, kernel, val)
	case val.IsBuffer() && val.buf.Context().Device() != k.ctx.Device():
		return errors.Wrapf(errs.ErrArgMismatch, "argument %d (%s) of %s: %s belongs to device %s, kernel opened on %s", arg.Index, arg.Name, kernel, val, val.buf.Context().Device().Name(), k.ctx.Device().Name())
	}
	return nil
}
