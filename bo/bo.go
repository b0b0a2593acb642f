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

// Package bo manages buffer objects: device memory allocated in a bank of
// the image of a hardware context, with an optional host mapping.
//
// Buffers are not synchronised: host accesses and device executions on the
// same buffer must be ordered by the caller with Sync, run waits or fences.
package bo

import (
	"sync"

	"github.com/gx-org/accrt/device"
	"github.com/gx-org/accrt/driver"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/internal/export"
	"github.com/gx-org/backend/shape"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Flags of a buffer. See the driver package for their meaning.
type Flags = driver.Flags

// Buffer flags.
const (
	Normal     = driver.Normal
	Cacheable  = driver.Cacheable
	DeviceOnly = driver.DeviceOnly
	HostOnly   = driver.HostOnly
	P2P        = driver.P2P
	SVM        = driver.SVM
)

// BO is a buffer object.
type BO struct {
	ctx   *device.Context
	buf   driver.Buffer
	size  uint64
	bank  int
	flags Flags
	host  []byte
	shape *shape.Shape

	// Sub-views only.
	parent *BO
	offset uint64

	imported bool

	mu      sync.Mutex
	views   int
	exports []export.Handle
	freed   bool
}

func newHostMapping(buf driver.Buffer, flags Flags) []byte {
	switch {
	case flags&HostOnly != 0:
		return buf.Host()
	case flags&DeviceOnly != 0:
		return nil
	}
	return make([]byte, buf.Size())
}

// Alloc allocates a buffer of size bytes in a bank.
func Alloc(ctx *device.Context, size uint64, bank int, flags Flags) (*BO, error) {
	if err := ctx.Check(); err != nil {
		return nil, err
	}
	banks := ctx.Banks()
	if bank < 0 || bank >= len(banks) {
		return nil, errors.Wrapf(errs.ErrInvalidBank, "bank %d not in [0, %d)", bank, len(banks))
	}
	if banks[bank].Streaming() {
		return nil, errors.Wrapf(errs.ErrInvalidBank, "bank %d (%s) is a stream", bank, banks[bank].Tag)
	}
	if size == 0 || size > banks[bank].Size {
		return nil, errors.Wrapf(errs.ErrInvalidSize, "%d bytes in bank %d (%s) of %d bytes", size, bank, banks[bank].Tag, banks[bank].Size)
	}
	buf, err := ctx.Device().Shim().Alloc(bank, size, flags)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot allocate %d bytes in bank %d", size, bank)
	}
	b := &BO{
		ctx:   ctx,
		buf:   buf,
		size:  size,
		bank:  bank,
		flags: flags,
		host:  newHostMapping(buf, flags),
	}
	klog.V(2).InfoS("buffer allocated", "device", ctx.Device().Name(), "addr", buf.Address(), "size", size, "bank", bank, "flags", flags)
	return b, nil
}

// Context of the buffer.
func (b *BO) Context() *device.Context {
	return b.ctx
}

// Buffer returns the device memory of the buffer.
func (b *BO) Buffer() driver.Buffer {
	return b.buf
}

// Size of the buffer in bytes.
func (b *BO) Size() uint64 {
	return b.size
}

// Bank of the buffer.
func (b *BO) Bank() int {
	return b.bank
}

// Flags of the buffer.
func (b *BO) Flags() Flags {
	return b.flags
}

// Address of the buffer in the device address space.
func (b *BO) Address() uint64 {
	return b.buf.Address()
}

// Parent returns the buffer of a sub-view and its offset in the parent.
// Parent returns nil for buffers which are not sub-views.
func (b *BO) Parent() (*BO, uint64) {
	return b.parent, b.offset
}

// Imported returns true if the buffer has been imported from an export handle.
func (b *BO) Imported() bool {
	return b.imported
}

// Freed returns true once the buffer has been freed.
func (b *BO) Freed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freed
}

func (b *BO) check() error {
	b.mu.Lock()
	freed := b.freed
	b.mu.Unlock()
	if freed {
		return errors.Wrapf(errs.ErrClosed, "buffer at %#x has been freed", b.Address())
	}
	return b.ctx.Check()
}

func (b *BO) rangeCheck(off, size uint64) error {
	if off > b.size || size > b.size-off {
		return errors.Wrapf(errs.ErrOutOfRange, "[%d, +%d) in buffer of %d bytes", off, size, b.size)
	}
	return nil
}

// Map returns the host mapping of the buffer.
// Device-only buffers cannot be mapped.
func (b *BO) Map() ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if b.host == nil {
		return nil, errors.Wrapf(errs.ErrNotMappable, "buffer at %#x with flags %s", b.Address(), b.flags)
	}
	return b.host, nil
}

// Write copies src to the host mapping at an offset.
func (b *BO) Write(src []byte, off uint64) error {
	host, err := b.Map()
	if err != nil {
		return err
	}
	if err := b.rangeCheck(off, uint64(len(src))); err != nil {
		return err
	}
	copy(host[off:], src)
	return nil
}

// Read copies bytes from the host mapping at an offset to dst.
func (b *BO) Read(dst []byte, off uint64) error {
	host, err := b.Map()
	if err != nil {
		return err
	}
	if err := b.rangeCheck(off, uint64(len(dst))); err != nil {
		return err
	}
	copy(dst, host[off:])
	return nil
}

// SubView returns a buffer sharing the bytes [off, off+size) of b.
// The parent cannot be freed until all its sub-views have been freed.
func (b *BO) SubView(off, size uint64) (*BO, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, errors.Wrapf(errs.ErrInvalidSize, "empty sub-view")
	}
	if err := b.rangeCheck(off, size); err != nil {
		return nil, err
	}
	buf, err := b.ctx.Device().Shim().Attach(b.Address()+off, size)
	if err != nil {
		return nil, err
	}
	view := &BO{
		ctx:      b.ctx,
		buf:      buf,
		size:     size,
		bank:     b.bank,
		flags:    b.flags,
		parent:   b,
		offset:   off,
		imported: b.imported,
	}
	if b.host != nil {
		view.host = b.host[off : off+size : off+size]
	}
	b.mu.Lock()
	b.views++
	b.mu.Unlock()
	return view, nil
}

// Free releases the buffer. Free fails while sub-views of the buffer are live.
// Freeing a buffer twice does nothing.
func (b *BO) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil
	}
	if b.views > 0 {
		return errors.Wrapf(errs.ErrBusy, "buffer at %#x has %d live sub-views", b.Address(), b.views)
	}
	var err error
	for _, h := range b.exports {
		err = multierr.Append(err, export.Release(h))
	}
	b.exports = nil
	err = multierr.Append(err, b.ctx.Device().Shim().Free(b.buf))
	b.freed = true
	if b.parent != nil {
		b.parent.mu.Lock()
		b.parent.views--
		b.parent.mu.Unlock()
	}
	klog.V(2).InfoS("buffer freed", "device", b.ctx.Device().Name(), "addr", b.Address(), "size", b.size, "err", err)
	return err
}
