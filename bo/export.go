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
	"github.com/gx-org/accrt/internal/export"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExportHandle shares a buffer with another process.
type ExportHandle = export.Handle

var exportPlatform = export.Default()

// Export returns a handle other processes can use to import the buffer.
// The handle is released when the buffer is freed.
func (b *BO) Export() (ExportHandle, error) {
	if err := b.check(); err != nil {
		return ExportHandle{}, err
	}
	h, err := exportPlatform.Export(&export.Descriptor{
		Kind:    export.Buffer,
		Device:     b.ctx.Device().Name(),
		DeviceUUID: b.ctx.Device().UUID(),
		Image:      b.ctx.ImageID().String(),
		Address:    b.Address(),
		Size:       b.size,
		Bank:       b.bank,
		Flags:      uint32(b.flags),
	})
	if err != nil {
		return ExportHandle{}, err
	}
	b.mu.Lock()
	b.exports = append(b.exports, h)
	b.mu.Unlock()
	klog.V(2).InfoS("buffer exported", "device", b.ctx.Device().Name(), "addr", b.Address(), "handle", h, "platform", exportPlatform.Name())
	return h, nil
}

// Import a buffer exported by a process.
// The address, size, bank and flags of the buffer are read from the
// exporter's descriptor.
func Import(ctx *device.Context, h ExportHandle) (*BO, error) {
	if err := ctx.Check(); err != nil {
		return nil, err
	}
	desc, err := export.Import(h)
	if err != nil {
		return nil, err
	}
	if err := desc.Expect(export.Buffer); err != nil {
		return nil, err
	}
	if desc.DeviceUUID != ctx.Device().UUID() {
		return nil, errors.Wrapf(errs.ErrNotFound, "buffer exported on device %s (%s), context bound to %s (%s)", desc.Device, desc.DeviceUUID, ctx.Device().Name(), ctx.Device().UUID())
	}
	if desc.Image != ctx.ImageID().String() {
		return nil, errors.Wrapf(errs.ErrNotFound, "buffer exported on image %.12s, context bound to %s", desc.Image, ctx.ImageID().Short())
	}
	buf, err := ctx.Device().Shim().Attach(desc.Address, desc.Size)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot import buffer %s", h)
	}
	if buf.Bank() != desc.Bank {
		return nil, errors.Wrapf(errs.ErrInvalidBank, "buffer %s: exported from bank %d, found in bank %d", h, desc.Bank, buf.Bank())
	}
	flags := Flags(desc.Flags)
	b := &BO{
		ctx:      ctx,
		buf:      buf,
		size:     desc.Size,
		bank:     desc.Bank,
		flags:    flags,
		host:     newHostMapping(buf, flags),
		imported: true,
	}
	klog.V(2).InfoS("buffer imported", "device", ctx.Device().Name(), "addr", b.Address(), "size", b.size, "bank", b.bank, "handle", h)
	return b, nil
}
