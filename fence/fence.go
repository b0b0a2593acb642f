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

// Package fence implements monotonic synchronisation tokens ordering runs.
//
// A physical fence holds a value only ever increasing. A Fence object
// tracks the next state of the physical fence: every signal submission
// and every wait submission on the object increments it. A fence
// consumed by several independent dependency chains must be copied, one
// copy per chain.
package fence

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/internal/export"
	"github.com/gx-org/accrt/internal/handle"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Mode is the access mode of a fence.
type Mode int

// Access modes.
const (
	// Local fences cannot be exported.
	Local Mode = iota
	// Process fences are exported through a handle of the process.
	Process
	// Shared fences are exported through a file descriptor.
	Shared
)

func (m Mode) String() string {
	switch m {
	case Local:
		return "local"
	case Process:
		return "process"
	case Shared:
		return "shared"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// WaitStatus is the result of a wait.
type WaitStatus int

// Wait results.
const (
	NoTimeout WaitStatus = iota
	Timeout
)

func (s WaitStatus) String() string {
	if s == Timeout {
		return "timeout"
	}
	return "no-timeout"
}

// physical fence shared by all the copies of a fence.
type physical struct {
	mu      sync.Mutex
	value   uint64
	changed chan struct{}
}

func newPhysical() *physical {
	return &physical{changed: make(chan struct{})}
}

func (p *physical) load() (uint64, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.changed
}

func (p *physical) raise(v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v <= p.value {
		return
	}
	p.value = v
	close(p.changed)
	p.changed = make(chan struct{})
}

// Point is a state of a physical fence: the state a signal submission
// raises the fence to, or the state a wait submission expects.
type Point struct {
	phys  *physical
	value uint64
}

// Value of the point.
func (p Point) Value() uint64 {
	return p.value
}

// Reached returns true if the physical fence is at or past the point.
func (p Point) Reached() bool {
	v, _ := p.phys.load()
	return v >= p.value
}

// Wait blocks until the physical fence reaches the point.
func (p Point) Wait(ctx context.Context) error {
	for {
		v, changed := p.phys.load()
		if v >= p.value {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Signal raises the physical fence to the point.
func (p Point) Signal() {
	p.phys.raise(p.value)
}

// Fence is a handle on a physical fence.
type Fence struct {
	phys *physical
	mode Mode

	mu         sync.Mutex
	next       uint64
	lastSignal uint64
	exports    []export.Handle
	object     handle.Handle
}

// New returns a new fence.
func New(mode Mode) *Fence {
	return &Fence{phys: newPhysical(), mode: mode, next: 1}
}

// Mode returns the access mode of the fence.
func (f *Fence) Mode() Mode {
	return f.mode
}

// Value returns the current state of the physical fence.
func (f *Fence) Value() uint64 {
	v, _ := f.phys.load()
	return v
}

// Next returns the state the next submission on the fence will refer to.
func (f *Fence) Next() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

// SubmitSignal reserves the next state of the fence for a signal.
// The physical fence reaches the state when the point is signalled.
func (f *Fence) SubmitSignal() Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := Point{phys: f.phys, value: f.next}
	f.lastSignal = f.next
	f.next++
	return p
}

// SubmitWait returns the point a wait submitted now expects: the state of
// the latest signal submitted on this object, or the next state if no
// signal has been submitted.
func (f *Fence) SubmitWait() Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	expected := f.next
	if f.lastSignal > 0 {
		expected = f.lastSignal
	}
	f.next++
	return Point{phys: f.phys, value: expected}
}

// Signal the fence from the host.
func (f *Fence) Signal() {
	f.SubmitSignal().Signal()
}

// Wait blocks until the fence reaches the state expected by a new wait
// submission or until timeout. A zero or negative timeout waits forever.
func (f *Fence) Wait(timeout time.Duration) WaitStatus {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := f.WaitContext(ctx); err != nil {
		return Timeout
	}
	return NoTimeout
}

// WaitContext is like Wait but stops when ctx is done.
func (f *Fence) WaitContext(ctx context.Context) error {
	return f.SubmitWait().Wait(ctx)
}

// Copy returns a fence on the same physical fence with its own state
// counters. Submissions on the copy do not change the states expected by
// submissions on f.
func (f *Fence) Copy() *Fence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &Fence{
		phys:       f.phys,
		mode:       f.mode,
		next:       f.next,
		lastSignal: f.lastSignal,
	}
}

// ExportHandle shares a fence with other components.
type ExportHandle = export.Handle

func platformFor(mode Mode) (export.Platform, error) {
	switch mode {
	case Process:
		return export.Table(), nil
	case Shared:
		return export.Default(), nil
	}
	return nil, errors.Wrapf(errs.ErrNotSupported, "cannot export a %s fence", mode)
}

// Export returns a handle to import the fence.
// The handles are released when the fence is closed.
func (f *Fence) Export() (ExportHandle, error) {
	p, err := platformFor(f.mode)
	if err != nil {
		return ExportHandle{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.object == 0 {
		f.object = handle.Wrap(f.phys)
	}
	h, err := p.Export(&export.Descriptor{
		Kind:   export.Fence,
		Mode:   int(f.mode),
		Value:  f.next,
		Object: uint64(f.object),
	})
	if err != nil {
		return ExportHandle{}, err
	}
	f.exports = append(f.exports, h)
	klog.V(2).InfoS("fence exported", "mode", f.mode, "handle", h, "next", f.next)
	return h, nil
}

// Import a fence exported by Export.
// The mode and the next state of the fence are read from the exporter's descriptor.
func Import(h ExportHandle) (*Fence, error) {
	desc, err := export.Import(h)
	if err != nil {
		return nil, err
	}
	if err := desc.Expect(export.Fence); err != nil {
		return nil, err
	}
	if h.PID != os.Getpid() {
		return nil, errors.Wrapf(errs.ErrNotSupported, "fence %s exported by process %d", h, h.PID)
	}
	phys, err := handle.Lookup[*physical](handle.Handle(desc.Object))
	if err != nil {
		return nil, errors.WithMessagef(err, "fence %s has been closed", h)
	}
	mode := Mode(desc.Mode)
	if mode != Process && mode != Shared {
		return nil, errs.Internalf("fence %s exported with mode %v", h, mode)
	}
	klog.V(2).InfoS("fence imported", "mode", mode, "handle", h, "next", desc.Value)
	return &Fence{phys: phys, mode: mode, next: desc.Value}, nil
}

// Close releases the export handles of the fence.
func (f *Fence) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	for _, h := range f.exports {
		err = multierr.Append(err, export.Release(h))
	}
	f.exports = nil
	if f.object != 0 {
		err = multierr.Append(err, handle.Release(f.object))
		f.object = 0
	}
	return err
}
