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
	"sync"

	"github.com/gx-org/accrt/driver"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/image"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// command submitted to a compute unit.
type command struct {
	cmd    driver.Command
	cu     *image.ComputeUnit
	fn     Func
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	finished bool
	done     chan struct{}
}

// completions is a queue of completions waiting to be polled.
type completions struct {
	mu     sync.Mutex
	list   []driver.Completion
	closed bool
	notify chan struct{}
}

func (c *completions) init() {
	c.notify = make(chan struct{}, 1)
}

func (c *completions) push(comp driver.Completion) {
	c.mu.Lock()
	c.list = append(c.list, comp)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *completions) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *completions) take() ([]driver.Completion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.list
	c.list = nil
	return list, c.closed
}

// Poll blocks until commands have finished and returns their completions.
func (d *Device) Poll(ctx context.Context) ([]driver.Completion, error) {
	for {
		list, closed := d.completions.take()
		if len(list) > 0 {
			return list, nil
		}
		if closed {
			return nil, errs.ErrClosed
		}
		select {
		case <-d.completions.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Submit enqueues a command on its compute unit.
func (d *Device) Submit(cmd driver.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errs.ErrClosed
	}
	if d.img == nil {
		return errors.Wrapf(errs.ErrNotFound, "no image loaded on %s", d.name)
	}
	cu, err := d.img.ComputeUnit(cmd.CU)
	if err != nil {
		return err
	}
	fn, ok := d.funcs[cu.Kernel]
	if !ok {
		return errors.Wrapf(errs.ErrNotSupported, "no implementation of kernel %q on %s", cu.Kernel, d.name)
	}
	if _, dup := d.pending[cmd.ID]; dup {
		return errs.Internalf("command %d submitted twice", cmd.ID)
	}
	c := &command{cmd: cmd, cu: cu, fn: fn, done: make(chan struct{})}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	d.pending[cmd.ID] = c
	queue := d.cus[cmd.CU]
	if err := queue.Post(func() error { d.execute(c); return nil }); err != nil {
		delete(d.pending, cmd.ID)
		c.cancel()
		return err
	}
	klog.V(3).InfoS("command submitted", "device", d.name, "cmd", cmd.ID, "cu", cu.Name)
	return nil
}

func (d *Device) execute(c *command) {
	c.mu.Lock()
	if c.finished || c.ctx.Err() != nil {
		c.mu.Unlock()
		d.finish(c, driver.Aborted, nil)
		return
	}
	c.running = true
	c.mu.Unlock()

	state, err := d.run(c)
	d.finish(c, state, err)
}

func (d *Device) run(c *command) (state driver.State, err error) {
	defer func() {
		if r := recover(); r != nil {
			state, err = driver.Error, errors.Errorf("kernel %s panicked: %v", c.cu.Name, r)
		}
	}()
	inv, err := d.newInvocation(c)
	if err != nil {
		return driver.Error, err
	}
	err = c.fn(inv)
	switch {
	case err == nil:
		return driver.Completed, nil
	case c.ctx.Err() != nil:
		return driver.Aborted, nil
	case errors.Is(err, ErrTimeout):
		return driver.Timeout, err
	}
	return driver.Error, err
}

// finish delivers the completion of a command once.
func (d *Device) finish(c *command, state driver.State, err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	d.mu.Lock()
	delete(d.pending, c.cmd.ID)
	d.mu.Unlock()
	c.cancel()
	klog.V(3).InfoS("command finished", "device", d.name, "cmd", c.cmd.ID, "cu", c.cu.Name, "state", state, "err", err)
	d.completions.push(driver.Completion{ID: c.cmd.ID, State: state, Err: err})
	close(c.done)
}

// Reset stops a command. A command which has not started yet is aborted
// immediately. A running command is cancelled and Reset waits for its
// kernel function to return.
func (d *Device) Reset(cmdID uint64) error {
	d.mu.Lock()
	c, ok := d.pending[cmdID]
	d.mu.Unlock()
	if !ok {
		return errors.Wrapf(errs.ErrNotFound, "command %d is not outstanding", cmdID)
	}
	c.cancel()
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		d.finish(c, driver.Aborted, nil)
	}
	<-c.done
	return nil
}
