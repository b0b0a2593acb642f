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

// Package swemu implements a software emulation of a device.
//
// Compute units execute Go functions registered by kernel name. Each
// compute unit runs its commands in submission order on its own goroutine.
// Device memory is host memory laid out in the address ranges of the banks
// of the loaded image, and a compute unit can only access buffers in the
// banks it is connected to.
package swemu

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gx-org/accrt/driver"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/image"
	"github.com/gx-org/accrt/internal/dispatch"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Func implements a kernel.
// A function returning ErrTimeout completes its command in the Timeout state.
// Any other error completes its command in the Error state.
type Func func(inv *Invocation) error

// ErrTimeout is returned by kernel functions when the compute unit timed out.
var ErrTimeout = errors.New("compute unit timeout")

// Option configures an emulated device.
type Option func(*Device)

// WithKernel registers the implementation of a kernel.
func WithKernel(name string, fn Func) Option {
	return func(d *Device) {
		d.funcs[name] = fn
	}
}

// WithoutCopyEngine emulates a device without copy engine:
// Copy returns errs.ErrNotSupported.
func WithoutCopyEngine() Option {
	return func(d *Device) {
		d.m2m = false
	}
}

// WithName sets the name of the device.
func WithName(name string) Option {
	return func(d *Device) {
		d.name = name
	}
}

// Device is an emulated device.
type Device struct {
	name  string
	uuid  string
	m2m   bool
	funcs map[string]Func

	mu      sync.Mutex
	img     *image.Image
	mem     *memory
	cus     []*dispatch.Queue
	pending map[uint64]*command
	closed  bool

	completions completions
}

var _ driver.Shim = (*Device)(nil)

// New returns a new emulated device without image.
func New(opts ...Option) *Device {
	d := &Device{
		name:    "swemu",
		uuid:    uuid.NewString(),
		m2m:     true,
		funcs:   make(map[string]Func),
		pending: make(map[uint64]*command),
	}
	d.completions.init()
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Info returns a description of the device.
func (d *Device) Info() driver.Info {
	return driver.Info{Name: d.name, UUID: d.uuid, M2M: d.m2m}
}

// LoadImage configures the device with an image.
// All the buffers allocated with a previous image are released.
func (d *Device) LoadImage(ctx context.Context, img *image.Image) error {
	oldQueues, err := d.loadImage(ctx, img)
	if err != nil {
		return err
	}
	return closeQueues(oldQueues)
}

func (d *Device) loadImage(ctx context.Context, img *image.Image) ([]*dispatch.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errs.ErrClosed
	}
	if len(d.pending) > 0 {
		return nil, errors.Wrapf(errs.ErrBusy, "%d commands outstanding", len(d.pending))
	}
	for _, cu := range img.ComputeUnits() {
		if _, ok := d.funcs[cu.Kernel]; !ok {
			klog.FromContext(ctx).Info("no implementation for kernel: commands will fail", "device", d.name, "kernel", cu.Kernel, "cu", cu.Name)
		}
	}
	oldQueues := d.cus
	d.img = img
	d.mem = newMemory(img.Banks())
	d.cus = make([]*dispatch.Queue, len(img.ComputeUnits()))
	for i, cu := range img.ComputeUnits() {
		d.cus[i] = dispatch.NewQueue(d.name+"/"+cu.Name, 1)
	}
	klog.FromContext(ctx).V(1).Info("image loaded on emulated device", "device", d.name, "image", img.ID().Short(), "cus", len(d.cus))
	return oldQueues, nil
}

func closeQueues(queues []*dispatch.Queue) error {
	var err error
	for _, q := range queues {
		err = multierr.Append(err, q.Close())
	}
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
	cmds := make([]*command, 0, len(d.pending))
	for _, cmd := range d.pending {
		cmds = append(cmds, cmd)
	}
	queues := d.cus
	d.cus = nil
	d.mu.Unlock()

	for _, cmd := range cmds {
		cmd.cancel()
	}
	err := closeQueues(queues)
	for _, cmd := range cmds {
		d.finish(cmd, driver.Aborted, nil)
	}
	d.completions.close()
	return err
}
