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

package swemu

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/gx-org/accrt/driver"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/image"
	"github.com/pkg/errors"
)

// Invocation is the execution of a command by a compute unit.
type Invocation struct {
	ctx     context.Context
	cu      *image.ComputeUnit
	args    map[int]driver.Arg
	buffers map[int][]byte
}

func (d *Device) newInvocation(c *command) (*Invocation, error) {
	mem, err := d.memory()
	if err != nil {
		return nil, err
	}
	inv := &Invocation{
		ctx:     c.ctx,
		cu:      c.cu,
		args:    make(map[int]driver.Arg, len(c.cmd.Args)),
		buffers: make(map[int][]byte),
	}
	for _, arg := range c.cmd.Args {
		inv.args[arg.Index] = arg
		if !arg.IsBuffer || arg.Size == 0 {
			continue
		}
		buf, err := mem.attach(arg.Address, arg.Size)
		if err != nil {
			return nil, errors.WithMessagef(err, "argument %d of %s", arg.Index, c.cu.Name)
		}
		if !c.cu.Accepts(arg.Index, buf.bank) {
			return nil, errors.Wrapf(errs.ErrInvalidBank, "compute unit %s cannot access bank %d from argument %d", c.cu.Name, buf.bank, arg.Index)
		}
		inv.buffers[arg.Index] = buf.data
	}
	return inv, nil
}

// Context is cancelled when the command is reset.
func (inv *Invocation) Context() context.Context {
	return inv.ctx
}

// ComputeUnit executing the command.
func (inv *Invocation) ComputeUnit() *image.ComputeUnit {
	return inv.cu
}

// Kernel name of the compute unit.
func (inv *Invocation) Kernel() string {
	return inv.cu.Kernel
}

// NumArgs returns the number of arguments set by the command.
func (inv *Invocation) NumArgs() int {
	return len(inv.args)
}

// Buffer returns the device memory of a buffer argument.
// Writes to the returned slice are writes to device memory.
func (inv *Invocation) Buffer(i int) ([]byte, error) {
	buf, ok := inv.buffers[i]
	if !ok {
		return nil, errors.Wrapf(errs.ErrNotFound, "argument %d of %s is not a buffer", i, inv.cu.Name)
	}
	return buf, nil
}

// Scalar returns the bytes of a scalar argument.
func (inv *Invocation) Scalar(i int) ([]byte, error) {
	arg, ok := inv.args[i]
	if !ok || arg.IsBuffer {
		return nil, errors.Wrapf(errs.ErrNotFound, "argument %d of %s is not a scalar", i, inv.cu.Name)
	}
	return arg.Scalar, nil
}

func (inv *Invocation) fixed(i, size int) ([]byte, error) {
	val, err := inv.Scalar(i)
	if err != nil {
		return nil, err
	}
	if len(val) < size {
		return nil, errors.Wrapf(errs.ErrArgMismatch, "argument %d of %s has %d bytes, want %d", i, inv.cu.Name, len(val), size)
	}
	return val, nil
}

// Uint32 returns a scalar argument as a little-endian uint32.
func (inv *Invocation) Uint32(i int) (uint32, error) {
	val, err := inv.fixed(i, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(val), nil
}

// Uint64 returns a scalar argument as a little-endian uint64.
func (inv *Invocation) Uint64(i int) (uint64, error) {
	val, err := inv.fixed(i, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(val), nil
}

// Float32 returns a scalar argument as a little-endian float32.
func (inv *Invocation) Float32(i int) (float32, error) {
	bits, err := inv.Uint32(i)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}
