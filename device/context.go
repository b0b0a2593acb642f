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

package device

import (
	"fmt"
	"sync"

	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/image"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode is the access mode of a hardware context.
type Mode int

// Access modes.
const (
	// Primary is the default access mode.
	Primary Mode = iota
	// Shared contexts coexist with all the other non-exclusive contexts.
	Shared
	// Exclusive contexts cannot coexist with any other context.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Primary:
		return "primary"
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// hardware is the state shared by the contexts of one loaded image.
type hardware struct {
	img *image.Image
	gen uint64

	mu      sync.Mutex
	holders [Exclusive + 1]int
}

func newHardware(img *image.Image, gen uint64) *hardware {
	return &hardware{img: img, gen: gen}
}

func (hw *hardware) total() int {
	n := 0
	for _, h := range hw.holders {
		n += h
	}
	return n
}

func (hw *hardware) acquire(mode Mode) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if hw.holders[Exclusive] > 0 {
		return errors.Wrapf(errs.ErrBusy, "image %s is held by an exclusive context", hw.img.ID().Short())
	}
	if mode == Exclusive && hw.total() > 0 {
		return errors.Wrapf(errs.ErrBusy, "image %s is held by %d contexts", hw.img.ID().Short(), hw.total())
	}
	hw.holders[mode]++
	return nil
}

// release returns the number of holders left.
func (hw *hardware) release(mode Mode) int {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.holders[mode]--
	return hw.total()
}

// Context is a hardware context: an execution scope bound to one loaded image.
type Context struct {
	dev  *Device
	hw   *hardware
	mode Mode

	mu     sync.Mutex
	closed bool
}

// OpenContext opens a hardware context on the image loaded on the device.
// If id is not zero, it must be the identity of the loaded image.
func (d *Device) OpenContext(id image.ID, mode Mode) (*Context, error) {
	if mode < Primary || mode > Exclusive {
		return nil, errs.Internalf("invalid context mode %v", mode)
	}
	d.mu.Lock()
	closed, hw := d.closed, d.hw
	d.mu.Unlock()
	if closed {
		return nil, errs.ErrClosed
	}
	if hw == nil {
		return nil, errors.Wrapf(errs.ErrNotFound, "no image loaded on %s", d.Name())
	}
	if !id.IsZero() && id != hw.img.ID() {
		return nil, errors.Wrapf(errs.ErrNotFound, "image %s not loaded on %s (loaded: %s)", id.Short(), d.Name(), hw.img.ID().Short())
	}
	if err := hw.acquire(mode); err != nil {
		return nil, err
	}
	klog.V(1).InfoS("hardware context opened", "device", d.Name(), "image", hw.img.ID().Short(), "mode", mode)
	return &Context{dev: d, hw: hw, mode: mode}, nil
}

// Device of the context.
func (c *Context) Device() *Device {
	return c.dev
}

// Mode returns the access mode of the context.
func (c *Context) Mode() Mode {
	return c.mode
}

// Image returns the image the context is bound to.
func (c *Context) Image() *image.Image {
	return c.hw.img
}

// ImageID returns the identity of the image the context is bound to.
func (c *Context) ImageID() image.ID {
	return c.hw.img.ID()
}

// Banks returns the memory banks of the image of the context.
func (c *Context) Banks() []image.Bank {
	return c.hw.img.Banks()
}

// ComputeUnits returns the compute units of the image of the context.
func (c *Context) ComputeUnits() []*image.ComputeUnit {
	return c.hw.img.ComputeUnits()
}

// Check returns an error if the context cannot be used anymore:
// errs.ErrClosed after Close or once the device is closed,
// errs.ErrStaleContext once another image has been loaded on the device.
func (c *Context) Check() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.Wrapf(errs.ErrClosed, "hardware context on image %s", c.hw.img.ID().Short())
	}
	c.dev.mu.Lock()
	devClosed, current := c.dev.closed, c.dev.hw
	c.dev.mu.Unlock()
	if devClosed {
		return errors.Wrapf(errs.ErrClosed, "device %s", c.dev.Name())
	}
	if current != c.hw {
		return errors.Wrapf(errs.ErrStaleContext, "image %s has been replaced by %s on %s", c.hw.img.ID().Short(), current.img.ID().Short(), c.dev.Name())
	}
	return nil
}

// Close releases the context. Closing a context twice does nothing.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	left := c.hw.release(c.mode)
	klog.V(1).InfoS("hardware context closed", "device", c.dev.Name(), "image", c.hw.img.ID().Short(), "mode", c.mode, "holders", left)
	return nil
}
