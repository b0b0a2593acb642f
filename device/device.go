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

// Package device connects the runtime to an accelerator.
//
// A Device owns a driver shim and the image currently loaded on it.
// Hardware contexts scope buffers and runs to one loaded image: loading
// another image makes all the contexts of the previous one stale.
package device

import (
	"context"
	"os"
	"sync"

	"github.com/gx-org/accrt/config"
	"github.com/gx-org/accrt/driver"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/image"
	"github.com/gx-org/accrt/image/imagestore"
	"github.com/gx-org/accrt/internal/dispatch"
	"github.com/gx-org/accrt/trace"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Option configures a device.
type Option func(*Device)

// WithConfig sets the configuration of the device.
// By default, the process configuration is used.
func WithConfig(cfg *config.Config) Option {
	return func(d *Device) {
		d.cfg = cfg
	}
}

// Device handle.
type Device struct {
	shim driver.Shim
	cfg  *config.Config
	tap  trace.Tap

	mu     sync.Mutex
	img    *image.Image
	hw     *hardware
	closed bool

	exec executor
}

// Open returns a device given a shim. The device owns the shim and
// closes it when the device is closed.
func Open(shim driver.Shim, opts ...Option) (*Device, error) {
	d := &Device{shim: shim, cfg: config.Get()}
	for _, opt := range opts {
		opt(d)
	}
	d.exec.start(d)
	klog.V(1).InfoS("device opened", "device", shim.Info().Name, "m2m", shim.Info().M2M, "callbackWorkers", d.cfg.CallbackWorkers)
	return d, nil
}

// Name of the device.
func (d *Device) Name() string {
	return d.shim.Info().Name
}

// UUID of the physical device.
func (d *Device) UUID() string {
	return d.shim.Info().UUID
}

// Shim returns the driver shim of the device.
func (d *Device) Shim() driver.Shim {
	return d.shim
}

// Config returns the configuration of the device.
func (d *Device) Config() *config.Config {
	return d.cfg
}

// Tap returns the trace tap of the device.
func (d *Device) Tap() *trace.Tap {
	return &d.tap
}

// Subscribe an observer to the events of the device.
func (d *Device) Subscribe(o trace.Observer) (cancel func()) {
	return d.tap.Subscribe(o)
}

// LoadImage parses an image and loads it on the device.
// All the hardware contexts bound to the previous image become stale.
func (d *Device) LoadImage(ctx context.Context, data []byte) (image.ID, error) {
	img, err := image.Parse(data)
	if err != nil {
		return image.ID{}, err
	}
	if err := image.CheckVersion(img, d.cfg.MinImageVersion); err != nil {
		return image.ID{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return image.ID{}, errs.ErrClosed
	}
	if err := d.shim.LoadImage(ctx, img); err != nil {
		return image.ID{}, errors.WithMessagef(err, "cannot load image %s on %s", img.ID().Short(), d.Name())
	}
	var gen uint64
	if d.hw != nil {
		gen = d.hw.gen
	}
	d.img = img
	d.hw = newHardware(img, gen+1)
	klog.FromContext(ctx).V(1).Info("image loaded", "device", d.Name(), "image", img.ID().Short(), "generation", d.hw.gen, "cus", len(img.ComputeUnits()), "banks", len(img.Banks()))
	d.tap.Emit(trace.Event{Kind: trace.ImageLoad, Image: img.ID().String()})
	return img.ID(), nil
}

// LoadImageFile reads an image, possibly lz4 compressed, from a file and
// loads it on the device.
func (d *Device) LoadImageFile(ctx context.Context, path string) (image.ID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return image.ID{}, errors.Errorf("cannot read image: %v", err)
	}
	data, err = imagestore.Decode(data)
	if err != nil {
		return image.ID{}, errors.WithMessagef(err, "image %s", path)
	}
	return d.LoadImage(ctx, data)
}

// LoadImageFrom fetches an image from a store and loads it on the device.
func (d *Device) LoadImageFrom(ctx context.Context, store imagestore.Store, id image.ID) (image.ID, error) {
	data, err := store.Get(ctx, id)
	if err != nil {
		return image.ID{}, err
	}
	return d.LoadImage(ctx, data)
}

// Image returns the image loaded on the device, or nil if none has been loaded.
func (d *Device) Image() *image.Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.img
}

// ImageID returns the identity of the image loaded on the device.
// The ID is zero if no image has been loaded.
func (d *Device) ImageID() image.ID {
	img := d.Image()
	if img == nil {
		return image.ID{}
	}
	return img.ID()
}

// Banks returns the memory banks of the loaded image.
func (d *Device) Banks() []image.Bank {
	img := d.Image()
	if img == nil {
		return nil
	}
	return img.Banks()
}

// ComputeUnits returns the compute units of the loaded image in index order.
func (d *Device) ComputeUnits() []*image.ComputeUnit {
	img := d.Image()
	if img == nil {
		return nil
	}
	return img.ComputeUnits()
}

// Reset aborts all the commands outstanding on the device.
func (d *Device) Reset(ctx context.Context) error {
	n, err := d.exec.resetAll()
	klog.FromContext(ctx).V(1).Info("device reset", "device", d.Name(), "aborted", n)
	return err
}

// Close aborts all outstanding commands and releases the device.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	_, err := d.exec.resetAll()
	err = multierr.Append(err, d.shim.Close())
	err = multierr.Append(err, d.exec.stop())
	d.tap.Close()
	klog.V(1).InfoS("device closed", "device", d.Name(), "err", err)
	return err
}

// Post schedules a task on a runtime goroutine.
// User callbacks and work triggered by completions run as posted tasks.
func (d *Device) Post(task dispatch.Task) error {
	return d.exec.callbacks.Post(task)
}

// Submit sends a command to the device. done is called with the completion
// of the command on the completion goroutine of the device: it must not block.
// The ID of the command is set by Submit and returned.
func (d *Device) Submit(cmd driver.Command, done func(driver.Completion)) (uint64, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, errs.ErrClosed
	}
	return d.exec.submit(cmd, done)
}

// ResetCommand aborts a command. ResetCommand returns once the device has
// confirmed the reset. done is called with the state the device reached first.
func (d *Device) ResetCommand(id uint64) error {
	return d.shim.Reset(id)
}

// Outstanding returns the number of commands submitted and not completed yet.
func (d *Device) Outstanding() int {
	return d.exec.handlers.Len()
}
