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

package kernel

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gx-org/accrt/driver"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/fence"
	"github.com/gx-org/accrt/image"
	"github.com/gx-org/accrt/trace"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of a run.
type State int

// States of a run. Completed, Error, Timeout and Aborted are terminal.
const (
	Idle State = iota
	Started
	Running
	Completed
	Error
	Timeout
	Aborted
)

var stateNames = [...]string{
	Idle:      "idle",
	Started:   "started",
	Running:   "running",
	Completed: "completed",
	Error:     "error",
	Timeout:   "timeout",
	Aborted:   "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal returns true if a submission cannot leave the state.
func (s State) Terminal() bool {
	return s >= Completed
}

func fromDriver(s driver.State) State {
	switch s {
	case driver.Completed:
		return Completed
	case driver.Timeout:
		return Timeout
	case driver.Aborted:
		return Aborted
	}
	return Error
}

// Callback notified when a run reaches a state.
type Callback func(r *Run, s State)

type callback struct {
	state State
	fn    Callback
}

// submission is one call to Start. It lives until the run reaches a terminal state.
type submission struct {
	done chan struct{}

	// Fields below are guarded by Run.mu.
	state      State
	err        error
	cu         *image.ComputeUnit
	args       map[int]Argument
	copies     []*localCopy
	signals    []fence.Point
	cmdID      uint64
	submitted  bool
	iteration  int
	iterations int
	stop       bool
	aborted    bool
	cancel     context.CancelFunc
}

var runIDs atomic.Uint64

// Run is an invocation of a kernel.
//
// A run is started with Start and executes once, or several times if
// Repeat has been called. Wait may be called concurrently by several
// goroutines: all of them return the same terminal state.
type Run struct {
	k  *Kernel
	id uint64

	mu        sync.Mutex
	args      map[int]Argument
	updates   map[int]Argument
	waits     []fence.Point
	signals   []fence.Point
	callbacks []callback
	repeat    int
	cur       *submission
	closed    bool
}

// NewRun returns a new idle run of the kernel.
func (k *Kernel) NewRun() (*Run, error) {
	if err := k.ctx.Check(); err != nil {
		return nil, err
	}
	return &Run{
		k:      k,
		id:     runIDs.Add(1),
		args:   make(map[int]Argument),
		repeat: 1,
	}, nil
}

// Kernel of the run.
func (r *Run) Kernel() *Kernel {
	return r.k
}

// ID identifies the run in trace events.
func (r *Run) ID() uint64 {
	return r.id
}

func (r *Run) String() string {
	return fmt.Sprintf("run %d of %s", r.id, r.k.meta.Name)
}

// validate checks that values can be bound to the arguments of the kernel.
func (r *Run) validate(vals map[int]Argument) error {
	for index, val := range vals {
		arg, err := r.k.arg(index)
		if err != nil {
			return err
		}
		if err := r.k.check(arg, val); err != nil {
			return err
		}
	}
	return nil
}

// SetArg binds a value to an argument for the next call to Start.
func (r *Run) SetArg(index int, val Argument) error {
	if err := r.validate(map[int]Argument{index: val}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.args[index] = val
	return nil
}

// Repeat sets the number of times the next Start executes the kernel.
// If n is negative, the kernel executes until Stop is called.
func (r *Run) Repeat(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repeat = n
}

// SubmitWait makes the next Start wait for the expected state of a fence
// before dispatching the command to the device.
func (r *Run) SubmitWait(f *fence.Fence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, f.SubmitWait())
}

// SubmitSignal makes the next Start signal a fence when the run completes.
func (r *Run) SubmitSignal(f *fence.Fence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, f.SubmitSignal())
}

// AddCallback registers a function called when the run reaches a state.
// Callbacks are called on a goroutine owned by the device and may start runs.
func (r *Run) AddCallback(s State, fn Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback{state: s, fn: fn})
}

func (r *Run) outstanding() bool {
	return r.cur != nil && !r.cur.state.Terminal()
}

// bind returns the arguments of the next submission.
// Positional values bind the arguments of the kernel in order.
func (r *Run) bind(vals []Argument) (map[int]Argument, error) {
	if len(vals) > len(r.k.meta.Args) {
		return nil, errors.Wrapf(errs.ErrArgMismatch, "%s takes %d arguments, got %d", r.k.meta.Name, len(r.k.meta.Args), len(vals))
	}
	args := maps.Clone(r.args)
	for i, val := range vals {
		args[r.k.meta.Args[i].Index] = val
	}
	// Buffers set earlier may have been freed since.
	for _, arg := range r.k.meta.Args {
		val, ok := args[arg.Index]
		if !ok {
			if arg.IsStream() {
				continue
			}
			return nil, errors.Wrapf(errs.ErrArgMismatch, "argument %d (%s) of %s is not bound", arg.Index, arg.Name, r.k.meta.Name)
		}
		if err := r.k.check(arg, val); err != nil {
			return nil, err
		}
	}
	return args, nil
}

// Start binds arguments and enqueues the command on the device.
// Start does not wait for the command to execute.
func (r *Run) Start(vals ...Argument) error {
	if err := r.k.ctx.Check(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.Wrapf(errs.ErrClosed, "%s", r)
	}
	if r.outstanding() {
		r.mu.Unlock()
		return errors.Wrapf(errs.ErrOutstanding, "%s", r)
	}
	args, err := r.bind(vals)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	cu, copies, err := r.k.plan(args)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.args = args
	sub := &submission{
		done:       make(chan struct{}),
		state:      Started,
		cu:         cu,
		args:       args,
		copies:     copies,
		signals:    r.signals,
		iterations: r.repeat,
	}
	waits := r.waits
	r.waits, r.signals = nil, nil
	var ctx context.Context
	if len(waits) > 0 {
		ctx, sub.cancel = context.WithCancel(context.Background())
	}
	r.cur = sub
	r.mu.Unlock()

	klog.V(2).InfoS("run started", "run", r.id, "kernel", r.k.meta.Name, "cu", cu.Name, "waits", len(waits))
	r.notify(sub, Started)
	if ctx != nil {
		go r.waitFences(ctx, sub, waits)
		return nil
	}
	if err := r.submit(sub); err != nil {
		r.finish(sub, Error, err)
		return err
	}
	return nil
}

func (r *Run) waitFences(ctx context.Context, sub *submission, waits []fence.Point) {
	for _, p := range waits {
		if err := p.Wait(ctx); err != nil {
			return
		}
	}
	if err := r.submit(sub); err != nil {
		r.finish(sub, Error, err)
	}
}

func commandArgs(sub *submission) []driver.Arg {
	local := make(map[int]*localCopy, len(sub.copies))
	for _, c := range sub.copies {
		local[c.index] = c
	}
	var args []driver.Arg
	for _, index := range slices.Sorted(maps.Keys(sub.args)) {
		val := sub.args[index]
		if !val.IsBuffer() {
			args = append(args, driver.Arg{Index: index, Scalar: val.scalar})
			continue
		}
		buf := val.buf
		if c := local[index]; c != nil {
			buf = c.local
		}
		args = append(args, driver.Arg{
			Index:    index,
			IsBuffer: true,
			Address:  buf.Address(),
			Size:     buf.Size(),
		})
	}
	return args
}

// submit dispatches the next iteration of a submission to the device.
func (r *Run) submit(sub *submission) error {
	r.mu.Lock()
	copies := sub.copies
	first := sub.state == Started
	if first {
		sub.state = Running
	}
	r.mu.Unlock()
	if first {
		r.notify(sub, Running)
	}
	if err := copyIn(copies); err != nil {
		return err
	}

	r.mu.Lock()
	if sub.state.Terminal() || sub.aborted {
		// Abort moves the submission to its terminal state.
		r.mu.Unlock()
		return nil
	}
	if sub.stop && sub.submitted {
		// Stopped between two iterations.
		r.mu.Unlock()
		r.finish(sub, Completed, nil)
		return nil
	}
	cmd := driver.Command{CU: sub.cu.Index, Args: commandArgs(sub)}
	id, err := r.k.ctx.Device().Submit(cmd, func(c driver.Completion) { r.complete(sub, c) })
	if err != nil {
		r.mu.Unlock()
		return errors.WithMessagef(err, "cannot submit %s to %s", r, sub.cu.Name)
	}
	sub.cmdID = id
	sub.submitted = true
	r.mu.Unlock()
	return nil
}

// complete is called by the device when a command of the run finishes.
func (r *Run) complete(sub *submission, c driver.Completion) {
	state := fromDriver(c.State)
	err := c.Err
	r.mu.Lock()
	copies := sub.copies
	r.mu.Unlock()
	if state == Completed {
		if err = copyOut(copies); err != nil {
			state = Error
		}
	}

	r.mu.Lock()
	if sub.state.Terminal() {
		r.mu.Unlock()
		return
	}
	sub.iteration++
	again := state == Completed && !sub.stop && (sub.iterations < 0 || sub.iteration < sub.iterations)
	if !again {
		r.mu.Unlock()
		r.finish(sub, state, err)
		return
	}
	replan := r.applyUpdates(sub)
	iteration := sub.iteration
	r.mu.Unlock()

	r.emit(trace.RunCycle, sub, Completed, iteration)
	if replan {
		if err := r.replan(sub); err != nil {
			r.finish(sub, Error, err)
			return
		}
	}
	if err := r.submit(sub); err != nil {
		r.finish(sub, Error, err)
	}
}

// applyUpdates applies the mailbox to the arguments of the next iteration.
// Returns true if a buffer argument changed. Called with r.mu held.
func (r *Run) applyUpdates(sub *submission) bool {
	if len(r.updates) == 0 {
		return false
	}
	replan := false
	sub.args = maps.Clone(sub.args)
	for index, val := range r.updates {
		replan = replan || val.IsBuffer()
		sub.args[index] = val
		r.args[index] = val
	}
	r.updates = nil
	return replan
}

// replan selects a compute unit again after buffers have changed.
func (r *Run) replan(sub *submission) error {
	r.mu.Lock()
	args, old := sub.args, sub.copies
	sub.copies = nil
	r.mu.Unlock()
	if err := freeCopies(old); err != nil {
		return err
	}
	cu, copies, err := r.k.plan(args)
	if err != nil {
		return err
	}
	r.mu.Lock()
	sub.cu, sub.copies = cu, copies
	r.mu.Unlock()
	return nil
}

// finish moves a submission to a terminal state. Only the first call has an effect.
func (r *Run) finish(sub *submission, state State, err error) {
	r.mu.Lock()
	if sub.state.Terminal() {
		r.mu.Unlock()
		return
	}
	sub.state, sub.err = state, err
	if sub.cancel != nil {
		sub.cancel()
	}
	for index, val := range r.updates {
		r.args[index] = val
	}
	r.updates = nil
	copies := sub.copies
	sub.copies = nil
	signals := sub.signals
	r.mu.Unlock()

	if state == Completed {
		for _, p := range signals {
			p.Signal()
		}
	}
	if ferr := freeCopies(copies); ferr != nil {
		klog.ErrorS(ferr, "cannot free local copies", "run", r.id, "kernel", r.k.meta.Name)
	}
	if err != nil {
		klog.V(1).InfoS("run failed", "run", r.id, "kernel", r.k.meta.Name, "state", state, "err", err)
	}
	// Waiters flushing the tap see the terminal event.
	r.notify(sub, state)
	close(sub.done)
}

func (r *Run) emit(kind trace.Kind, sub *submission, s State, iteration int) {
	tap := r.k.ctx.Device().Tap()
	if !tap.Active() {
		return
	}
	r.mu.Lock()
	cu := sub.cu.Name
	r.mu.Unlock()
	tap.Emit(trace.Event{
		Kind:      kind,
		Run:       r.id,
		Kernel:    r.k.meta.Name,
		CU:        cu,
		State:     s.String(),
		Iteration: iteration,
	})
}

// notify publishes a state transition and posts the callbacks registered for it.
func (r *Run) notify(sub *submission, s State) {
	r.mu.Lock()
	iteration := sub.iteration
	var fns []Callback
	for _, cb := range r.callbacks {
		if cb.state == s {
			fns = append(fns, cb.fn)
		}
	}
	r.mu.Unlock()

	r.emit(trace.RunState, sub, s, iteration)
	dev := r.k.ctx.Device()
	for _, fn := range fns {
		task := func() error {
			fn(r, s)
			return nil
		}
		if err := dev.Post(task); err != nil {
			klog.V(1).InfoS("device callback queue closed", "run", r.id, "state", s)
			go task()
		}
	}
}

// State returns the state of the run.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return Idle
	}
	return r.cur.state
}

// Err returns the error reported by the device for the last submission.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return nil
	}
	return r.cur.err
}

// Wait blocks until the run reaches a terminal state and returns it.
//
// Wait returns Timeout if ctx is done first. The command is then still
// outstanding: the caller must wait again or abort the run.
func (r *Run) Wait(ctx context.Context) State {
	r.mu.Lock()
	sub := r.cur
	r.mu.Unlock()
	if sub == nil {
		return Idle
	}
	select {
	case <-sub.done:
	case <-ctx.Done():
		return Timeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return sub.state
}

// WaitTimeout waits for the run for at most d. Waits forever if d <= 0.
func (r *Run) WaitTimeout(d time.Duration) State {
	if d <= 0 {
		return r.Wait(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return r.Wait(ctx)
}

// Stop ends an iterating run once its current iteration completes.
func (r *Run) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		r.cur.stop = true
	}
}

// Abort resets the compute unit executing the run and returns its terminal
// state once the device confirmed the reset. The state is the one the
// device reached first: a command which completed before the reset stays
// completed.
func (r *Run) Abort() State {
	r.mu.Lock()
	sub := r.cur
	if sub == nil {
		r.mu.Unlock()
		return Idle
	}
	if sub.state.Terminal() {
		defer r.mu.Unlock()
		return sub.state
	}
	sub.stop = true
	submitted, id := sub.submitted, sub.cmdID
	if !submitted {
		sub.aborted = true
	}
	r.mu.Unlock()

	if !submitted {
		r.finish(sub, Aborted, nil)
	} else if err := r.k.ctx.Device().ResetCommand(id); err != nil && !errors.Is(err, errs.ErrNotFound) {
		klog.ErrorS(err, "cannot reset command", "run", r.id, "kernel", r.k.meta.Name, "cu", sub.cu.Name)
		r.finish(sub, Error, err)
	}
	<-sub.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return sub.state
}

// Close releases the run. Closing a run still outstanding is an error.
func (r *Run) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outstanding() {
		if r.k.ctx.Device().Config().StrictRunClose {
			panic(fmt.Sprintf("%s closed while %s", r, r.cur.state))
		}
		return errors.Wrapf(errs.ErrOutstanding, "cannot close %s in state %s", r, r.cur.state)
	}
	r.closed = true
	r.callbacks = nil
	return nil
}
