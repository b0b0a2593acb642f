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
	"context"
	"sync/atomic"

	basesync "github.com/gx-org/accrt/base/sync"
	"github.com/gx-org/accrt/driver"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/internal/dispatch"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// executor tracks the commands submitted to a shim and dispatches their completion.
type executor struct {
	dev       *Device
	nextID    atomic.Uint64
	handlers  basesync.Map[uint64, func(driver.Completion)]
	callbacks *dispatch.Queue

	cancel context.CancelFunc
	done   chan struct{}
}

func (e *executor) start(dev *Device) {
	e.dev = dev
	e.callbacks = dispatch.NewQueue(dev.Name()+"/callbacks", dev.cfg.CallbackWorkers)
	e.done = make(chan struct{})
	var ctx context.Context
	ctx, e.cancel = context.WithCancel(context.Background())
	go e.poll(ctx)
}

func (e *executor) poll(ctx context.Context) {
	defer close(e.done)
	for {
		comps, err := e.dev.shim.Poll(ctx)
		if err != nil {
			if !errors.Is(err, errs.ErrClosed) && ctx.Err() == nil {
				klog.ErrorS(err, "cannot poll device: completions are not delivered anymore", "device", e.dev.Name())
			}
			return
		}
		for _, comp := range comps {
			e.complete(comp)
		}
	}
}

func (e *executor) complete(comp driver.Completion) {
	done, ok := e.handlers.LoadAndDelete(comp.ID)
	if !ok {
		klog.V(3).InfoS("completion of an unknown command", "device", e.dev.Name(), "cmd", comp.ID, "state", comp.State)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			klog.ErrorS(errs.Internalf("panic: %v", r), "completion handler panicked", "device", e.dev.Name(), "cmd", comp.ID)
		}
	}()
	done(comp)
}

func (e *executor) submit(cmd driver.Command, done func(driver.Completion)) (uint64, error) {
	cmd.ID = e.nextID.Add(1)
	e.handlers.Store(cmd.ID, done)
	if err := e.dev.shim.Submit(cmd); err != nil {
		e.handlers.Delete(cmd.ID)
		return 0, err
	}
	klog.V(3).InfoS("command submitted", "device", e.dev.Name(), "cmd", cmd.ID, "cu", cmd.CU)
	return cmd.ID, nil
}

// resetAll aborts all outstanding commands and returns how many were reset.
func (e *executor) resetAll() (int, error) {
	var err error
	n := 0
	for id := range e.handlers.All() {
		resetErr := e.dev.shim.Reset(id)
		if errors.Is(resetErr, errs.ErrNotFound) {
			// The command completed in the meantime.
			continue
		}
		if resetErr != nil {
			err = multierr.Append(err, errors.WithMessagef(resetErr, "cannot reset command %d", id))
			continue
		}
		n++
	}
	return n, err
}

// stop waits for the poller to exit once the shim has been closed.
// Commands never reported by the shim are completed as aborted.
func (e *executor) stop() error {
	<-e.done
	e.cancel()
	for id := range e.handlers.All() {
		e.complete(driver.Completion{ID: id, State: driver.Aborted})
	}
	return e.callbacks.Close()
}
