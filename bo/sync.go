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
	"context"
	"fmt"

	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/trace"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Direction of a synchronisation.
type Direction int

// Synchronisation directions.
const (
	// ToDevice copies the host mapping to the device.
	ToDevice Direction = iota
	// FromDevice copies the device memory to the host mapping.
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Sync copies size bytes at an offset between the host mapping and the
// device memory. Sync blocks until the transfer is done. It does nothing
// for host-only buffers.
func (b *BO) Sync(dir Direction, size, off uint64) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := b.rangeCheck(off, size); err != nil {
		return err
	}
	if b.host == nil {
		return errors.Wrapf(errs.ErrNotMappable, "cannot sync buffer at %#x with flags %s", b.Address(), b.flags)
	}
	if b.flags&HostOnly == 0 {
		if err := b.transfer(dir, size, off); err != nil {
			return err
		}
	}
	b.ctx.Device().Tap().Emit(trace.Event{
		Kind:      trace.BufferSync,
		Address:   b.Address(),
		Bank:      b.bank,
		Direction: dir.String(),
		Offset:    off,
		Size:      size,
	})
	return nil
}

func (b *BO) transfer(dir Direction, size, off uint64) error {
	shim := b.ctx.Device().Shim()
	region := b.host[off : off+size]
	switch dir {
	case ToDevice:
		return shim.Write(b.buf, off, region)
	case FromDevice:
		return shim.Read(b.buf, off, region)
	}
	return errs.Internalf("invalid sync direction %v", dir)
}

// SyncAll synchronises the whole buffer.
func (b *BO) SyncAll(dir Direction) error {
	return b.Sync(dir, b.size, 0)
}

// Transfer is a synchronisation executed on a runtime goroutine.
type Transfer struct {
	done chan struct{}
	err  error
}

// Done is closed once the transfer has finished.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Wait for the transfer to finish and return its error.
func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns true and the error of the transfer once it has finished.
func (t *Transfer) Status() (finished bool, err error) {
	select {
	case <-t.done:
		return true, t.err
	default:
		return false, nil
	}
}

// SyncAsync starts a synchronisation and returns without waiting for it.
// Invalid ranges are reported immediately.
func (b *BO) SyncAsync(dir Direction, size, off uint64) (*Transfer, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if err := b.rangeCheck(off, size); err != nil {
		return nil, err
	}
	t := &Transfer{done: make(chan struct{})}
	err := b.ctx.Device().Post(func() error {
		defer close(t.done)
		t.err = b.Sync(dir, size, off)
		return t.err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Copy copies size bytes from src at srcOff to dst at dstOff in device memory.
//
// The device copy engine is used when available. Otherwise, the bytes are
// staged through host memory. Host mappings are not updated.
func Copy(dst, src *BO, size, dstOff, srcOff uint64) error {
	if err := dst.check(); err != nil {
		return err
	}
	if err := src.check(); err != nil {
		return err
	}
	if dst.ctx.Device() != src.ctx.Device() {
		return errors.Wrapf(errs.ErrNotSupported, "copy between devices %s and %s", src.ctx.Device().Name(), dst.ctx.Device().Name())
	}
	if err := dst.rangeCheck(dstOff, size); err != nil {
		return err
	}
	if err := src.rangeCheck(srcOff, size); err != nil {
		return err
	}
	dev := dst.ctx.Device()
	path := "m2m"
	err := errors.Wrapf(errs.ErrNotSupported, "copy engine disabled")
	if !dev.Config().DisableM2M && dev.Shim().Info().M2M {
		err = dev.Shim().Copy(dst.buf, dstOff, src.buf, srcOff, size)
	}
	if errors.Is(err, errs.ErrNotSupported) {
		path = "host"
		err = stage(dst, src, size, dstOff, srcOff)
	}
	if err != nil {
		return errors.WithMessagef(err, "cannot copy %d bytes from %#x to %#x", size, src.Address()+srcOff, dst.Address()+dstOff)
	}
	klog.V(2).InfoS("buffer copied", "device", dev.Name(), "src", src.Address(), "dst", dst.Address(), "size", size, "path", path)
	dev.Tap().Emit(trace.Event{
		Kind:      trace.BufferCopy,
		Address:   dst.Address(),
		Bank:      dst.bank,
		Direction: path,
		Offset:    dstOff,
		Size:      size,
	})
	return nil
}

func stage(dst, src *BO, size, dstOff, srcOff uint64) error {
	shim := dst.ctx.Device().Shim()
	tmp := make([]byte, size)
	if err := shim.Read(src.buf, srcOff, tmp); err != nil {
		return err
	}
	return shim.Write(dst.buf, dstOff, tmp)
}
