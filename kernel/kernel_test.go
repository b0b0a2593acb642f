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

package kernel_test

import (
	"context"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/accrt/bo"
	"github.com/gx-org/accrt/config"
	"github.com/gx-org/accrt/device"
	"github.com/gx-org/accrt/driver/swemu"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/fence"
	"github.com/gx-org/accrt/image"
	"github.com/gx-org/accrt/internal/imagetest"
	"github.com/gx-org/accrt/kernel"
	"github.com/gx-org/accrt/trace"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func openContext(t *testing.T, gate *imagetest.Gate, cfg *config.Config, opts ...swemu.Option) *device.Context {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	dev, err := device.Open(swemu.New(append(imagetest.Options(gate), opts...)...), device.WithConfig(cfg))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := dev.Close(); err != nil {
			t.Errorf("cannot close device: %+v", err)
		}
	})
	if _, err := dev.LoadImage(context.Background(), imagetest.Build()); err != nil {
		t.Fatal(err)
	}
	ctx, err := dev.OpenContext(image.ID{}, device.Primary)
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

func openKernel(t *testing.T, ctx *device.Context, name string) *kernel.Kernel {
	t.Helper()
	k, err := kernel.Open(ctx, name)
	if err != nil {
		t.Fatalf("cannot open kernel %q: %+v", name, err)
	}
	return k
}

func newRun(t *testing.T, k *kernel.Kernel) *kernel.Run {
	t.Helper()
	r, err := k.NewRun()
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// newBuffer allocates a buffer in a bank and writes words to the device.
func newBuffer(t *testing.T, ctx *device.Context, bank int, words ...uint32) *bo.BO {
	t.Helper()
	b, err := bo.Alloc(ctx, 4*uint64(len(words)), bank, bo.Normal)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write(imagetest.Words(words...), 0); err != nil {
		t.Fatal(err)
	}
	if err := b.SyncAll(bo.ToDevice); err != nil {
		t.Fatal(err)
	}
	return b
}

func readWords(t *testing.T, b *bo.BO) []uint32 {
	t.Helper()
	if err := b.SyncAll(bo.FromDevice); err != nil {
		t.Fatal(err)
	}
	data := make([]byte, b.Size())
	if err := b.Read(data, 0); err != nil {
		t.Fatal(err)
	}
	return imagetest.Uint32s(data)
}

func wait(t *testing.T, r *kernel.Run, want kernel.State) {
	t.Helper()
	if got := r.WaitTimeout(10 * time.Second); got != want {
		t.Fatalf("%v: got state %s but want %s (error: %v)", r, got, want, r.Err())
	}
}

func startedOnGate(t *testing.T, gate *imagetest.Gate) {
	t.Helper()
	select {
	case <-gate.Started():
	case <-time.After(10 * time.Second):
		t.Fatal("ctl command did not start")
	}
}

func cuIndices(cus []*image.ComputeUnit) []int {
	var indices []int
	for _, cu := range cus {
		indices = append(indices, cu.Index)
	}
	return indices
}

func TestOpen(t *testing.T) {
	ctx := openContext(t, nil, nil)
	tests := []struct {
		name string
		want []int
		err  error
	}{
		{name: "vadd", want: []int{imagetest.VAdd0, imagetest.VAdd1}},
		{name: "vadd:{vadd_1}", want: []int{imagetest.VAdd1}},
		{name: "vadd:{vadd_1, vadd_0}", want: []int{imagetest.VAdd1, imagetest.VAdd0}},
		{name: "vadd:{vadd:vadd_0,vadd_0}", want: []int{imagetest.VAdd0}},
		{name: "vscale", want: []int{imagetest.VScale0}},
		{name: "fir", err: errs.ErrNotFound},
		{name: "vadd:{vadd_2}", err: errs.ErrNotFound},
		{name: "vadd:vadd_0", err: errs.ErrNotFound},
		{name: "vadd:{}", err: errs.ErrNotFound},
	}
	for _, test := range tests {
		k, err := kernel.Open(ctx, test.name)
		if test.err != nil {
			if !errors.Is(err, test.err) {
				t.Errorf("Open(%q): got error %v but want %v", test.name, err, test.err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Open(%q): %+v", test.name, err)
			continue
		}
		if diff := cmp.Diff(test.want, cuIndices(k.ComputeUnits())); diff != "" {
			t.Errorf("Open(%q): unexpected compute units (-want +got):\n%s", test.name, diff)
		}
	}
}

func TestGroupID(t *testing.T) {
	ctx := openContext(t, nil, nil)
	tests := []struct {
		kernel string
		arg    int
		want   int
		err    error
	}{
		{kernel: "vadd", arg: 0, want: 0},
		{kernel: "vadd", arg: 2, want: 0},
		{kernel: "vadd:{vadd_1}", arg: 1, want: 1},
		{kernel: "vscale", arg: 0, want: 2},
		{kernel: "incr", arg: 0, want: 0},
		{kernel: "vadd", arg: 3, err: errs.ErrArgMismatch},
		{kernel: "vadd", arg: 4, err: errs.ErrNotFound},
	}
	for _, test := range tests {
		k := openKernel(t, ctx, test.kernel)
		got, err := k.GroupID(test.arg)
		if test.err != nil {
			if !errors.Is(err, test.err) {
				t.Errorf("%s.GroupID(%d): got error %v but want %v", test.kernel, test.arg, err, test.err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s.GroupID(%d): %+v", test.kernel, test.arg, err)
			continue
		}
		if got != test.want {
			t.Errorf("%s.GroupID(%d) = %d, want %d", test.kernel, test.arg, got, test.want)
		}
	}
}

func TestVAdd(t *testing.T) {
	ctx := openContext(t, nil, nil)
	var rec trace.Recorder
	defer ctx.Device().Subscribe(&rec)()
	k := openKernel(t, ctx, "vadd")
	bank, err := k.GroupID(0)
	if err != nil {
		t.Fatal(err)
	}
	in1 := newBuffer(t, ctx, bank, 1, 2, 3, 4)
	in2 := newBuffer(t, ctx, bank, 10, 20, 30, 40)
	out := newBuffer(t, ctx, bank, 0, 0, 0, 0)
	r := newRun(t, k)
	if got := r.State(); got != kernel.Idle {
		t.Errorf("new run in state %s, want %s", got, kernel.Idle)
	}
	if err := r.Start(kernel.Buffer(in1), kernel.Buffer(in2), kernel.Buffer(out), kernel.Uint32(4)); err != nil {
		t.Fatalf("%+v", err)
	}
	wait(t, r, kernel.Completed)
	if diff := cmp.Diff([]uint32{11, 22, 33, 44}, readWords(t, out)); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
	ctx.Device().Tap().Flush()
	var states []string
	for _, ev := range rec.Events(trace.RunState) {
		if ev.Run != r.ID() {
			continue
		}
		states = append(states, ev.State)
		if ev.CU != "vadd:vadd_0" {
			t.Errorf("run executed on %s, want vadd:vadd_0", ev.CU)
		}
	}
	if diff := cmp.Diff([]string{"started", "running", "completed"}, states); diff != "" {
		t.Errorf("unexpected state transitions (-want +got):\n%s", diff)
	}
	// A second start reuses the bound arguments.
	if err := r.Start(); err != nil {
		t.Fatalf("%+v", err)
	}
	wait(t, r, kernel.Completed)
	if err := r.Close(); err != nil {
		t.Error(err)
	}
	if err := r.Start(); !errors.Is(err, errs.ErrClosed) {
		t.Errorf("Start after Close: got error %v but want %v", err, errs.ErrClosed)
	}
}

func TestArgMismatch(t *testing.T) {
	ctx := openContext(t, nil, nil)
	k := openKernel(t, ctx, "vadd")
	buf := newBuffer(t, ctx, 0, 0)
	r := newRun(t, k)
	tests := []struct {
		desc string
		args []kernel.Argument
	}{
		{desc: "no argument"},
		{desc: "missing scalar", args: []kernel.Argument{kernel.Buffer(buf), kernel.Buffer(buf), kernel.Buffer(buf)}},
		{desc: "scalar for a buffer", args: []kernel.Argument{kernel.Uint32(1), kernel.Buffer(buf), kernel.Buffer(buf), kernel.Uint32(1)}},
		{desc: "buffer for a scalar", args: []kernel.Argument{kernel.Buffer(buf), kernel.Buffer(buf), kernel.Buffer(buf), kernel.Buffer(buf)}},
		{desc: "scalar size", args: []kernel.Argument{kernel.Buffer(buf), kernel.Buffer(buf), kernel.Buffer(buf), kernel.Uint64(1)}},
		{desc: "too many arguments", args: []kernel.Argument{kernel.Buffer(buf), kernel.Buffer(buf), kernel.Buffer(buf), kernel.Uint32(1), kernel.Uint32(1)}},
	}
	for _, test := range tests {
		if err := r.Start(test.args...); !errors.Is(err, errs.ErrArgMismatch) {
			t.Errorf("%s: got error %v but want %v", test.desc, err, errs.ErrArgMismatch)
		}
		if got := r.State(); got != kernel.Idle {
			t.Errorf("%s: run in state %s after a failed start, want %s", test.desc, got, kernel.Idle)
		}
	}
	if err := r.SetArg(7, kernel.Uint32(1)); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("SetArg(7): got error %v but want %v", err, errs.ErrNotFound)
	}
	if err := r.SetArg(3, kernel.Float32(1)); err != nil {
		t.Errorf("SetArg(3): %+v", err)
	}
}

func TestForeignOrFreedBuffer(t *testing.T) {
	ctx := openContext(t, nil, nil)
	other := openContext(t, nil, nil)
	k := openKernel(t, ctx, "vadd")
	in := newBuffer(t, ctx, 0, 1)
	out := newBuffer(t, ctx, 0, 0)
	foreign := newBuffer(t, other, 0, 1)
	freed := newBuffer(t, ctx, 0, 1)
	if err := freed.Free(); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		desc string
		buf  *bo.BO
	}{
		{desc: "buffer of another device", buf: foreign},
		{desc: "freed buffer", buf: freed},
	}
	for _, test := range tests {
		r := newRun(t, k)
		if err := r.Start(kernel.Buffer(in), kernel.Buffer(test.buf), kernel.Buffer(out), kernel.Uint32(1)); !errors.Is(err, errs.ErrArgMismatch) {
			t.Errorf("%s: got error %v but want %v", test.desc, err, errs.ErrArgMismatch)
		}
		if err := r.SetArg(1, kernel.Buffer(test.buf)); !errors.Is(err, errs.ErrArgMismatch) {
			t.Errorf("%s: SetArg: got error %v but want %v", test.desc, err, errs.ErrArgMismatch)
		}
	}
	// A buffer freed after SetArg is rejected by Start.
	late := newBuffer(t, ctx, 0, 1)
	r := newRun(t, k)
	for i, val := range []kernel.Argument{kernel.Buffer(in), kernel.Buffer(late), kernel.Buffer(out), kernel.Uint32(1)} {
		if err := r.SetArg(i, val); err != nil {
			t.Fatalf("SetArg(%d): %+v", i, err)
		}
	}
	if err := late.Free(); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); !errors.Is(err, errs.ErrArgMismatch) {
		t.Errorf("start with a buffer freed after SetArg: got error %v but want %v", err, errs.ErrArgMismatch)
	}
}

func TestConcurrentWait(t *testing.T) {
	const numWaiters = 8
	gate := imagetest.NewGate()
	ctx := openContext(t, gate, nil)
	r := newRun(t, openKernel(t, ctx, "ctl"))
	if err := r.Start(kernel.Uint32(imagetest.CtlBlock)); err != nil {
		t.Fatalf("%+v", err)
	}
	startedOnGate(t, gate)
	if got := r.State(); got != kernel.Running {
		t.Errorf("blocked run in state %s, want %s", got, kernel.Running)
	}
	states := make([]kernel.State, numWaiters)
	var g errgroup.Group
	for i := range numWaiters {
		g.Go(func() error {
			states[i] = r.WaitTimeout(10 * time.Second)
			return nil
		})
	}
	gate.Open()
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	want := slices.Repeat([]kernel.State{kernel.Completed}, numWaiters)
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("unexpected states (-want +got):\n%s", diff)
	}
}

func TestFenceOrdering(t *testing.T) {
	ctx := openContext(t, nil, nil)
	data := newBuffer(t, ctx, 2, 1, 2, 3, 4)
	hostGate := fence.New(fence.Local)
	ready := fence.New(fence.Local)

	producer := newRun(t, openKernel(t, ctx, "vscale"))
	producer.SubmitWait(hostGate)
	producer.SubmitSignal(ready)
	if err := producer.Start(kernel.Buffer(data), kernel.Uint32(10), kernel.Uint32(4)); err != nil {
		t.Fatalf("%+v", err)
	}
	consumer := newRun(t, openKernel(t, ctx, "incr"))
	consumer.SubmitWait(ready)
	if err := consumer.Start(kernel.Buffer(data), kernel.Uint32(1)); err != nil {
		t.Fatalf("%+v", err)
	}
	if got := consumer.WaitTimeout(20 * time.Millisecond); got != kernel.Timeout {
		t.Errorf("consumer reached %s before its fence was signalled", got)
	}
	if got := consumer.State(); got != kernel.Started {
		t.Errorf("consumer in state %s, want %s", got, kernel.Started)
	}
	hostGate.Signal()
	states, err := kernel.WaitAll(context.Background(), producer, consumer)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if diff := cmp.Diff([]kernel.State{kernel.Completed, kernel.Completed}, states); diff != "" {
		t.Errorf("unexpected states (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{11, 20, 30, 40}, readWords(t, data)); diff != "" {
		t.Errorf("unexpected data (-want +got):\n%s", diff)
	}
	if got, want := ready.Value(), uint64(1); got != want {
		t.Errorf("fence value %d, want %d", got, want)
	}
}

func TestSignalOnlyOnCompletion(t *testing.T) {
	ctx := openContext(t, nil, nil)
	f := fence.New(fence.Local)
	r := newRun(t, openKernel(t, ctx, "ctl"))
	r.SubmitSignal(f)
	if err := r.Start(kernel.Uint32(imagetest.CtlFail)); err != nil {
		t.Fatalf("%+v", err)
	}
	wait(t, r, kernel.Error)
	if got := f.Value(); got != 0 {
		t.Errorf("fence signalled by a failed run: value %d", got)
	}
}

func TestStates(t *testing.T) {
	ctx := openContext(t, nil, nil)
	k := openKernel(t, ctx, "ctl")
	tests := []struct {
		mode    uint32
		want    kernel.State
		wantErr bool
	}{
		{mode: imagetest.CtlComplete, want: kernel.Completed},
		{mode: imagetest.CtlFail, want: kernel.Error, wantErr: true},
		{mode: imagetest.CtlTimeout, want: kernel.Timeout, wantErr: true},
		{mode: imagetest.CtlComplete, want: kernel.Completed},
	}
	for _, test := range tests {
		r := newRun(t, k)
		if err := r.Start(kernel.Uint32(test.mode)); err != nil {
			t.Fatalf("%+v", err)
		}
		wait(t, r, test.want)
		if gotErr := r.Err() != nil; gotErr != test.wantErr {
			t.Errorf("mode %d: got error %v, want an error: %v", test.mode, r.Err(), test.wantErr)
		}
	}
}

func TestAbortAfterCompletion(t *testing.T) {
	ctx := openContext(t, nil, nil)
	r := newRun(t, openKernel(t, ctx, "ctl"))
	if got := r.Abort(); got != kernel.Idle {
		t.Errorf("Abort of an idle run = %s, want %s", got, kernel.Idle)
	}
	if err := r.Start(kernel.Uint32(imagetest.CtlComplete)); err != nil {
		t.Fatalf("%+v", err)
	}
	wait(t, r, kernel.Completed)
	for range 2 {
		if got := r.Abort(); got != kernel.Completed {
			t.Errorf("Abort = %s, want %s", got, kernel.Completed)
		}
	}
	wait(t, r, kernel.Completed)
}

func TestAbort(t *testing.T) {
	gate := imagetest.NewGate()
	ctx := openContext(t, gate, nil)
	k := openKernel(t, ctx, "ctl")
	r := newRun(t, k)
	if err := r.Start(kernel.Uint32(imagetest.CtlBlock)); err != nil {
		t.Fatalf("%+v", err)
	}
	startedOnGate(t, gate)
	var g errgroup.Group
	var waited kernel.State
	g.Go(func() error {
		waited = r.WaitTimeout(10 * time.Second)
		return nil
	})
	if got := r.Abort(); got != kernel.Aborted {
		t.Errorf("Abort = %s, want %s", got, kernel.Aborted)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if waited != kernel.Aborted {
		t.Errorf("concurrent Wait = %s, want %s", waited, kernel.Aborted)
	}
	// The compute unit is usable after the reset.
	if err := r.Start(kernel.Uint32(imagetest.CtlComplete)); err != nil {
		t.Fatalf("%+v", err)
	}
	wait(t, r, kernel.Completed)
}

func TestAbortWaitingOnFence(t *testing.T) {
	ctx := openContext(t, nil, nil)
	f := fence.New(fence.Local)
	r := newRun(t, openKernel(t, ctx, "ctl"))
	r.SubmitWait(f)
	if err := r.Start(kernel.Uint32(imagetest.CtlComplete)); err != nil {
		t.Fatalf("%+v", err)
	}
	if got := r.Abort(); got != kernel.Aborted {
		t.Errorf("Abort = %s, want %s", got, kernel.Aborted)
	}
	f.Signal()
	wait(t, r, kernel.Aborted)
	if got := ctx.Device().Outstanding(); got != 0 {
		t.Errorf("%d commands outstanding after abort, want 0", got)
	}
}

func TestAbortRacingFenceSignal(t *testing.T) {
	gate := imagetest.NewGate()
	ctx := openContext(t, gate, nil)
	defer gate.Open()
	k := openKernel(t, ctx, "ctl")
	for i := 0; i < 200; i++ {
		f := fence.New(fence.Local)
		r := newRun(t, k)
		r.SubmitWait(f)
		if err := r.Start(kernel.Uint32(imagetest.CtlBlock)); err != nil {
			t.Fatalf("%+v", err)
		}
		go f.Signal()
		if got := r.Abort(); got != kernel.Aborted {
			t.Fatalf("iteration %d: Abort = %s, want %s", i, got, kernel.Aborted)
		}
		// A command dispatched without a reset would block on the gate forever.
		if got := ctx.Device().Outstanding(); got != 0 {
			t.Fatalf("iteration %d: %d commands outstanding after abort, want 0", i, got)
		}
		if err := r.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPlacementFallback(t *testing.T) {
	tests := []struct {
		desc     string
		opts     []swemu.Option
		wantPath string
	}{
		{desc: "copy engine", wantPath: "m2m"},
		{desc: "host staging", opts: []swemu.Option{swemu.WithoutCopyEngine()}, wantPath: "host"},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			ctx := openContext(t, nil, nil, test.opts...)
			in1 := newBuffer(t, ctx, 0, 1, 2, 3)
			in2 := newBuffer(t, ctx, 0, 5, 5, 5)
			out := newBuffer(t, ctx, 0, 0, 0, 0)
			var rec trace.Recorder
			defer ctx.Device().Subscribe(&rec)()
			// vadd_1 is only connected to bank 1.
			r := newRun(t, openKernel(t, ctx, "vadd:{vadd_1}"))
			if err := r.Start(kernel.Buffer(in1), kernel.Buffer(in2), kernel.Buffer(out), kernel.Uint32(3)); err != nil {
				t.Fatalf("%+v", err)
			}
			wait(t, r, kernel.Completed)
			if diff := cmp.Diff([]uint32{6, 7, 8}, readWords(t, out)); diff != "" {
				t.Errorf("unexpected output (-want +got):\n%s", diff)
			}
			ctx.Device().Tap().Flush()
			copies := rec.Events(trace.BufferCopy)
			// Two inputs copied in and one output copied back.
			if len(copies) != 3 {
				t.Fatalf("got %d buffer copies, want 3: %v", len(copies), copies)
			}
			for _, ev := range copies {
				if ev.Direction != test.wantPath {
					t.Errorf("copy through %s, want %s", ev.Direction, test.wantPath)
				}
			}
			if got, want := copies[2].Address, out.Address(); got != want {
				t.Errorf("output copied back to %#x, want %#x", got, want)
			}
		})
	}
}

func TestMailbox(t *testing.T) {
	const iterations = 1000
	ctx := openContext(t, nil, nil)
	var rec trace.Recorder
	defer ctx.Device().Subscribe(&rec)()
	before := newBuffer(t, ctx, 0, 0)
	after := newBuffer(t, ctx, 1, 0)
	r := newRun(t, openKernel(t, ctx, "incr"))
	r.Repeat(iterations)
	if err := r.Start(kernel.Buffer(before), kernel.Uint32(1)); err != nil {
		t.Fatalf("%+v", err)
	}
	if err := r.Mailbox().Update(map[int]kernel.Argument{
		0: kernel.Buffer(after),
		1: kernel.Uint32(2),
	}); err != nil {
		t.Fatalf("%+v", err)
	}
	wait(t, r, kernel.Completed)
	old := readWords(t, before)[0]
	updated := readWords(t, after)[0]
	// Old iterations add 1 to the first counter, new iterations add 2 to the second.
	if updated%2 != 0 || old+updated/2 != iterations {
		t.Errorf("mixed iterations: first counter %d, second counter %d", old, updated)
	}
	if old == 0 {
		t.Errorf("the iteration in flight did not complete with the old arguments")
	}
	ctx.Device().Tap().Flush()
	if got, want := len(rec.Events(trace.RunCycle)), iterations-1; got != want {
		t.Errorf("got %d cycle events, want %d", got, want)
	}
	if err := r.Mailbox().Update(map[int]kernel.Argument{1: kernel.Buffer(after)}); !errors.Is(err, errs.ErrArgMismatch) {
		t.Errorf("Update with a buffer for a scalar: got error %v but want %v", err, errs.ErrArgMismatch)
	}
}

func TestRepeatStop(t *testing.T) {
	ctx := openContext(t, nil, nil)
	cycles := make(chan struct{}, 1)
	var count atomic.Int32
	defer ctx.Device().Subscribe(trace.ObserverFunc(func(ev trace.Event) {
		if ev.Kind != trace.RunCycle || count.Add(1) != 10 {
			return
		}
		cycles <- struct{}{}
	}))()
	counter := newBuffer(t, ctx, 0, 0)
	r := newRun(t, openKernel(t, ctx, "incr"))
	r.Repeat(-1)
	if err := r.Start(kernel.Buffer(counter), kernel.Uint32(1)); err != nil {
		t.Fatalf("%+v", err)
	}
	select {
	case <-cycles:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not iterate")
	}
	r.Stop()
	wait(t, r, kernel.Completed)
	if got := readWords(t, counter)[0]; got < 10 {
		t.Errorf("counter %d after at least 10 iterations", got)
	}
}

func TestCallbackRestart(t *testing.T) {
	const restarts = 3
	ctx := openContext(t, nil, nil)
	counter := newBuffer(t, ctx, 0, 0)
	r := newRun(t, openKernel(t, ctx, "incr"))
	done := make(chan error, 1)
	var count atomic.Int32
	r.AddCallback(kernel.Completed, func(r *kernel.Run, s kernel.State) {
		if count.Add(1) == restarts {
			done <- nil
			return
		}
		if err := r.Start(); err != nil {
			done <- err
		}
	})
	if err := r.Start(kernel.Buffer(counter), kernel.Uint32(1)); err != nil {
		t.Fatalf("%+v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("%+v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("callbacks did not restart the run")
	}
	wait(t, r, kernel.Completed)
	if got := readWords(t, counter)[0]; got != restarts {
		t.Errorf("counter = %d, want %d", got, restarts)
	}
}

func TestOutstanding(t *testing.T) {
	gate := imagetest.NewGate()
	ctx := openContext(t, gate, nil)
	r := newRun(t, openKernel(t, ctx, "ctl"))
	if err := r.Start(kernel.Uint32(imagetest.CtlBlock)); err != nil {
		t.Fatalf("%+v", err)
	}
	startedOnGate(t, gate)
	if got := r.WaitTimeout(10 * time.Millisecond); got != kernel.Timeout {
		t.Errorf("WaitTimeout = %s, want %s", got, kernel.Timeout)
	}
	if err := r.Start(); !errors.Is(err, errs.ErrOutstanding) {
		t.Errorf("Start while outstanding: got error %v but want %v", err, errs.ErrOutstanding)
	}
	if err := r.Close(); !errors.Is(err, errs.ErrOutstanding) {
		t.Errorf("Close while outstanding: got error %v but want %v", err, errs.ErrOutstanding)
	}
	gate.Open()
	wait(t, r, kernel.Completed)
	if err := r.Close(); err != nil {
		t.Errorf("Close: %+v", err)
	}
}

func TestStrictClose(t *testing.T) {
	gate := imagetest.NewGate()
	cfg := *config.Default()
	cfg.StrictRunClose = true
	ctx := openContext(t, gate, &cfg)
	r := newRun(t, openKernel(t, ctx, "ctl"))
	if err := r.Start(kernel.Uint32(imagetest.CtlBlock)); err != nil {
		t.Fatalf("%+v", err)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("Close of an outstanding run did not panic")
			}
		}()
		r.Close()
	}()
	if got := r.Abort(); got != kernel.Aborted {
		t.Errorf("Abort = %s, want %s", got, kernel.Aborted)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close: %+v", err)
	}
}

func TestWaitAll(t *testing.T) {
	ctx := openContext(t, nil, nil)
	k := openKernel(t, ctx, "ctl")
	var runs []*kernel.Run
	for _, mode := range []uint32{imagetest.CtlComplete, imagetest.CtlFail, imagetest.CtlComplete} {
		r := newRun(t, k)
		if err := r.Start(kernel.Uint32(mode)); err != nil {
			t.Fatalf("%+v", err)
		}
		runs = append(runs, r)
	}
	states, err := kernel.WaitAll(context.Background(), runs...)
	if !errors.Is(err, errs.ErrRunFailed) {
		t.Errorf("got error %v but want %v", err, errs.ErrRunFailed)
	}
	want := []kernel.State{kernel.Completed, kernel.Error, kernel.Completed}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("unexpected states (-want +got):\n%s", diff)
	}
}

func TestStaleContext(t *testing.T) {
	ctx := openContext(t, nil, nil)
	k := openKernel(t, ctx, "ctl")
	r := newRun(t, k)
	if _, err := ctx.Device().LoadImage(context.Background(), imagetest.Build()); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(kernel.Uint32(imagetest.CtlComplete)); !errors.Is(err, errs.ErrStaleContext) {
		t.Errorf("Start on a stale context: got error %v but want %v", err, errs.ErrStaleContext)
	}
	if _, err := kernel.Open(ctx, "ctl"); !errors.Is(err, errs.ErrStaleContext) {
		t.Errorf("Open on a stale context: got error %v but want %v", err, errs.ErrStaleContext)
	}
}
