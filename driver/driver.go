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

// Package driver is the boundary between the runtime and a device driver.
//
// The runtime only reaches a device through a Shim: it allocates device
// memory, moves bytes, submits commands to compute units, polls for their
// completion and resets compute units. The format of the commands on the
// wire is a concern of the shim.
package driver

import (
	"context"
	"fmt"

	"github.com/gx-org/accrt/image"
)

// Flags of a buffer allocation.
type Flags uint32

// Allocation flags.
const (
	// Normal buffers have a host mirror synchronised explicitly with the device.
	Normal Flags = 0
	// Cacheable buffers have a host mirror cached by the host.
	Cacheable Flags = 1 << iota
	// DeviceOnly buffers have no host mirror.
	DeviceOnly
	// HostOnly buffers live in host memory read directly by the device.
	HostOnly
	// P2P buffers are exposed to peer devices.
	P2P
	// SVM buffers share their virtual address with the host.
	SVM
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Cacheable, "cacheable"},
	{DeviceOnly, "device-only"},
	{HostOnly, "host-only"},
	{P2P, "p2p"},
	{SVM, "svm"},
}

func (f Flags) String() string {
	if f == Normal {
		return "normal"
	}
	s := ""
	for _, fn := range flagNames {
		if f&fn.flag == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += fn.name
		f &^= fn.flag
	}
	if f != 0 {
		s += fmt.Sprintf("|%#x", uint32(f))
	}
	return s
}

// Info describes a shim.
type Info struct {
	Name string
	// UUID identifies the physical device. Devices may share a name but
	// never a UUID.
	UUID string
	// M2M is true if the device has a copy engine moving bytes between banks.
	M2M bool
}

// Buffer is a region of device memory.
type Buffer interface {
	// Address of the buffer in the device address space.
	Address() uint64
	// Size of the buffer in bytes.
	Size() uint64
	// Bank in which the buffer has been allocated.
	Bank() int
	// Host returns the memory of a host-only buffer, read and written by the
	// device without any transfer. Returns nil for other buffers.
	Host() []byte
}

// Arg is an argument of a command.
type Arg struct {
	Index int
	// IsBuffer is true if the argument is the address of a buffer.
	IsBuffer bool
	Address  uint64
	Size     uint64
	// Scalar stores the value of a scalar argument.
	Scalar []byte
}

// Command executed by a compute unit.
type Command struct {
	ID uint64
	// CU is the index of the compute unit, as sorted by the image.
	CU   int
	Args []Arg
}

// State reported by the device when a command finishes.
type State int

// Terminal states of a command.
const (
	Completed State = iota + 1
	Error
	Timeout
	Aborted
)

func (s State) String() string {
	switch s {
	case Completed:
		return "completed"
	case Error:
		return "error"
	case Timeout:
		return "timeout"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Completion of a command.
type Completion struct {
	ID    uint64
	State State
	// Err describes the failure of a command in the Error or Timeout state.
	Err error
}

// Shim to a device.
type Shim interface {
	// Info returns a description of the shim.
	Info() Info

	// LoadImage configures the device with an image.
	LoadImage(ctx context.Context, img *image.Image) error

	// Alloc allocates a buffer in a bank of the loaded image.
	Alloc(bank int, size uint64, flags Flags) (Buffer, error)
	// Free releases a buffer returned by Alloc.
	Free(Buffer) error
	// Attach returns a buffer mapping an address range of an existing allocation.
	Attach(addr, size uint64) (Buffer, error)

	// Write copies src to a buffer at the given offset.
	Write(b Buffer, off uint64, src []byte) error
	// Read copies bytes of a buffer at the given offset to dst.
	Read(b Buffer, off uint64, dst []byte) error
	// Copy moves bytes between two buffers with the device copy engine.
	// Returns errs.ErrNotSupported if the device has no copy engine.
	Copy(dst Buffer, dstOff uint64, src Buffer, srcOff uint64, size uint64) error

	// Submit enqueues a command on a compute unit. Submit does not block.
	// Commands submitted to the same compute unit execute in submission order.
	Submit(cmd Command) error
	// Poll blocks until at least one command has finished and returns the
	// completions of all the finished commands not returned yet.
	Poll(ctx context.Context) ([]Completion, error)
	// Reset stops a command and resets its compute unit. Reset returns once
	// the device has confirmed the reset. The completion of the command is
	// returned by Poll with the state the device reached first.
	Reset(cmdID uint64) error

	// Close releases the device. Outstanding commands are aborted.
	Close() error
}
