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

// Package imagetest provides an image and its kernels for tests.
//
// The image has three banks of BankSize bytes and the compute units:
//
//	0 vadd:vadd_0     arguments 0-2 connected to bank 0
//	1 vadd:vadd_1     arguments 0-2 connected to bank 1
//	2 vscale:vscale_0 argument 0 connected to bank 2
//	3 incr:incr_0     no connectivity
//	4 ctl:ctl_0       no buffer argument
package imagetest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/gx-org/accrt/driver/swemu"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/image"
	"github.com/pkg/errors"
)

// BankSize is the size of every bank of the image.
const BankSize = 64 << 10

// Compute unit indices.
const (
	VAdd0 = iota
	VAdd1
	VScale0
	Incr0
	Ctl0
)

// Modes of the ctl kernel, passed as its first argument.
const (
	// CtlComplete completes immediately.
	CtlComplete uint32 = iota
	// CtlFail returns an error.
	CtlFail
	// CtlTimeout reports a compute unit timeout.
	CtlTimeout
	// CtlBlock waits for the gate to open or for a reset.
	CtlBlock
	// CtlIgnoreReset waits for the gate to open, ignoring resets.
	CtlIgnoreReset
)

func buffer(name string, index int, dir image.Direction) image.Arg {
	return image.Arg{
		Name:             name,
		Index:            index,
		AddressQualifier: image.AddrGlobal,
		Size:             8,
		Offset:           0x10 + 8*uint64(index),
		Type:             "uint*",
		Direction:        dir,
	}
}

func scalar(name string, index int) image.Arg {
	return image.Arg{
		Name:             name,
		Index:            index,
		AddressQualifier: image.AddrScalar,
		Size:             4,
		Offset:           0x10 + 8*uint64(index),
		Type:             "uint",
	}
}

// Build returns the bytes of the test image.
func Build() []byte {
	b := image.NewBuilder()
	var banks []int
	for i := range 3 {
		banks = append(banks, b.AddBank(image.Bank{
			Type: image.MemDDR4,
			Used: true,
			Size: BankSize,
			Base: uint64(i+1) << 28,
			Tag:  fmt.Sprintf("bank%d", i),
		}))
	}
	// Compute units are added out of order to exercise sorting.
	vscale := b.AddComputeUnit("vscale:vscale_0", 0x30000, image.APCtrlChain)
	vadd1 := b.AddComputeUnit("vadd:vadd_1", 0x20000, image.APCtrlHS)
	b.AddComputeUnit("ctl:ctl_0", 0x50000, image.APCtrlHS)
	vadd0 := b.AddComputeUnit("vadd:vadd_0", 0x10000, image.APCtrlHS)
	b.AddComputeUnit("incr:incr_0", 0x40000, image.APCtrlHS)
	for arg := range 3 {
		b.Connect(vadd0, arg, banks[0])
		b.Connect(vadd1, arg, banks[1])
	}
	b.Connect(vscale, 0, banks[2])
	b.AddKernel(image.Kernel{Name: "vadd", Args: []image.Arg{
		buffer("in1", 0, image.In),
		buffer("in2", 1, image.In),
		buffer("out", 2, image.Out),
		scalar("n", 3),
	}})
	b.AddKernel(image.Kernel{Name: "vscale", Args: []image.Arg{
		buffer("data", 0, image.InOut),
		scalar("factor", 1),
		scalar("n", 2),
	}})
	b.AddKernel(image.Kernel{Name: "incr", Args: []image.Arg{
		buffer("counter", 0, image.InOut),
		scalar("step", 1),
	}})
	b.AddKernel(image.Kernel{Name: "ctl", Args: []image.Arg{
		scalar("mode", 0),
	}})
	b.SetBitstream(image.BitstreamHeader{
		Design: "accrt_test",
		Part:   "swemu",
		Date:   "2025/01/01",
		Time:   "00:00:00",
	}, []byte{0xde, 0xad, 0xbe, 0xef})
	return b.MustBuild()
}

// Parse returns the test image.
func Parse(tb testing.TB) *image.Image {
	tb.Helper()
	img, err := image.Parse(Build())
	if err != nil {
		tb.Fatalf("cannot parse test image: %+v", err)
	}
	return img
}

// Gate blocks ctl commands until it opens.
type Gate struct {
	once    sync.Once
	ch      chan struct{}
	started chan struct{}
}

// NewGate returns a closed gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{}), started: make(chan struct{}, 64)}
}

// Started receives a value each time a ctl command starts waiting on the gate.
func (g *Gate) Started() <-chan struct{} {
	return g.started
}

func (g *Gate) notifyStarted() {
	select {
	case g.started <- struct{}{}:
	default:
	}
}

func (g *Gate) wait() <-chan struct{} {
	return g.ch
}

// Open releases all the blocked commands. Later commands do not block.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// Options returns the options registering the kernels of the test image.
func Options(gate *Gate) []swemu.Option {
	if gate == nil {
		gate = NewGate()
	}
	return []swemu.Option{
		swemu.WithKernel("vadd", vadd),
		swemu.WithKernel("vscale", vscale),
		swemu.WithKernel("incr", incr),
		swemu.WithKernel("ctl", func(inv *swemu.Invocation) error { return ctl(inv, gate) }),
	}
}

// Words returns the bytes of little-endian uint32 words.
func Words(words ...uint32) []byte {
	data := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[4*i:], w)
	}
	return data
}

// Uint32s decodes little-endian uint32 words.
func Uint32s(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	return words
}

func buffers(inv *swemu.Invocation, indices ...int) ([][]byte, error) {
	bufs := make([][]byte, len(indices))
	for i, index := range indices {
		buf, err := inv.Buffer(index)
		if err != nil {
			return nil, err
		}
		bufs[i] = buf
	}
	return bufs, nil
}

func checkLen(inv *swemu.Invocation, n uint32, bufs ...[]byte) error {
	for _, buf := range bufs {
		if uint64(len(buf)) < 4*uint64(n) {
			return errors.Wrapf(errs.ErrOutOfRange, "%s: %d words in a buffer of %d bytes", inv.ComputeUnit().Name, n, len(buf))
		}
	}
	return nil
}

func vadd(inv *swemu.Invocation) error {
	bufs, err := buffers(inv, 0, 1, 2)
	if err != nil {
		return err
	}
	n, err := inv.Uint32(3)
	if err != nil {
		return err
	}
	if err := checkLen(inv, n, bufs...); err != nil {
		return err
	}
	in1, in2, out := bufs[0], bufs[1], bufs[2]
	for i := range int(n) {
		sum := binary.LittleEndian.Uint32(in1[4*i:]) + binary.LittleEndian.Uint32(in2[4*i:])
		binary.LittleEndian.PutUint32(out[4*i:], sum)
	}
	return nil
}

func vscale(inv *swemu.Invocation) error {
	data, err := inv.Buffer(0)
	if err != nil {
		return err
	}
	factor, err := inv.Uint32(1)
	if err != nil {
		return err
	}
	n, err := inv.Uint32(2)
	if err != nil {
		return err
	}
	if err := checkLen(inv, n, data); err != nil {
		return err
	}
	for i := range int(n) {
		binary.LittleEndian.PutUint32(data[4*i:], factor*binary.LittleEndian.Uint32(data[4*i:]))
	}
	return nil
}

func incr(inv *swemu.Invocation) error {
	counter, err := inv.Buffer(0)
	if err != nil {
		return err
	}
	step, err := inv.Uint32(1)
	if err != nil {
		return err
	}
	if err := checkLen(inv, 1, counter); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(counter, binary.LittleEndian.Uint32(counter)+step)
	return nil
}

func ctl(inv *swemu.Invocation, gate *Gate) error {
	mode, err := inv.Uint32(0)
	if err != nil {
		return err
	}
	switch mode {
	case CtlComplete:
		return nil
	case CtlFail:
		return errors.Errorf("%s: failure requested", inv.ComputeUnit().Name)
	case CtlTimeout:
		return swemu.ErrTimeout
	case CtlBlock:
		gate.notifyStarted()
		select {
		case <-gate.wait():
			return nil
		case <-inv.Context().Done():
			return inv.Context().Err()
		}
	case CtlIgnoreReset:
		gate.notifyStarted()
		<-gate.wait()
		return nil
	}
	return errors.Errorf("unknown ctl mode %d", mode)
}
