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
	"slices"
	"sort"
	"sync"

	"github.com/gx-org/accrt/driver"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/image"
	"github.com/pkg/errors"
)

// pageSize is the alignment of all allocations.
const pageSize = 4096

func alignUp(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

type region struct {
	start, end uint64
}

// bankAllocator assigns addresses in a bank with a first-fit policy.
type bankAllocator struct {
	bank image.Bank
	free []region
}

func newBankAllocator(bank image.Bank) *bankAllocator {
	a := &bankAllocator{bank: bank}
	if bank.Size > 0 && !bank.Streaming() {
		a.free = []region{{start: bank.Base, end: bank.Base + bank.Size}}
	}
	return a
}

// alloc returns the address of a new range and the number of bytes reserved.
// Reservations are rounded up to the page size, unless they end a free region.
func (a *bankAllocator) alloc(size uint64) (addr, reserved uint64, ok bool) {
	for i, r := range a.free {
		avail := r.end - r.start
		if avail < size {
			continue
		}
		reserved = min(alignUp(size), avail)
		addr = r.start
		a.free[i].start += reserved
		if a.free[i].start == r.end {
			a.free = slices.Delete(a.free, i, i+1)
		}
		return addr, reserved, true
	}
	return 0, 0, false
}

func (a *bankAllocator) release(addr, reserved uint64) {
	r := region{start: addr, end: addr + reserved}
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].start >= r.start })
	a.free = slices.Insert(a.free, i, r)
	// Merge with the next region, then with the previous one.
	if i+1 < len(a.free) && a.free[i].end == a.free[i+1].start {
		a.free[i].end = a.free[i+1].end
		a.free = slices.Delete(a.free, i+1, i+2)
	}
	if i > 0 && a.free[i-1].end == a.free[i].start {
		a.free[i-1].end = a.free[i].end
		a.free = slices.Delete(a.free, i, i+1)
	}
}

// buffer is device memory backed by a Go slice.
type buffer struct {
	addr     uint64
	size     uint64
	reserved uint64
	bank     int
	flags    driver.Flags
	data     []byte
	parent   *buffer
}

var _ driver.Buffer = (*buffer)(nil)

func (b *buffer) Address() uint64 { return b.addr }

func (b *buffer) Size() uint64 { return b.size }

func (b *buffer) Bank() int { return b.bank }

func (b *buffer) Host() []byte {
	if b.flags&driver.HostOnly == 0 {
		return nil
	}
	return b.data
}

func (b *buffer) rangeCheck(off, n uint64) error {
	if off > b.size || n > b.size-off {
		return errors.Wrapf(errs.ErrOutOfRange, "[%#x, +%#x) in buffer of %#x bytes", off, n, b.size)
	}
	return nil
}

// memory of the device.
type memory struct {
	mu     sync.RWMutex
	banks  []*bankAllocator
	allocs []*buffer // sorted by address
}

func newMemory(banks []image.Bank) *memory {
	m := &memory{banks: make([]*bankAllocator, len(banks))}
	for i, bank := range banks {
		m.banks[i] = newBankAllocator(bank)
	}
	return m
}

func (m *memory) alloc(bank int, size uint64, flags driver.Flags) (*buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bank < 0 || bank >= len(m.banks) {
		return nil, errors.Wrapf(errs.ErrInvalidBank, "bank %d not in [0, %d)", bank, len(m.banks))
	}
	a := m.banks[bank]
	if size == 0 || size > a.bank.Size {
		return nil, errors.Wrapf(errs.ErrInvalidSize, "%d bytes in bank %d of %d bytes", size, bank, a.bank.Size)
	}
	addr, reserved, ok := a.alloc(size)
	if !ok {
		return nil, errors.Wrapf(errs.ErrInvalidSize, "bank %d has no free range of %d bytes", bank, size)
	}
	b := &buffer{addr: addr, size: size, reserved: reserved, bank: bank, flags: flags, data: make([]byte, size)}
	i := sort.Search(len(m.allocs), func(i int) bool { return m.allocs[i].addr >= addr })
	m.allocs = slices.Insert(m.allocs, i, b)
	return b, nil
}

func (m *memory) free(b *buffer) error {
	if b.parent != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.allocs), func(i int) bool { return m.allocs[i].addr >= b.addr })
	if i == len(m.allocs) || m.allocs[i] != b {
		return errors.Wrapf(errs.ErrNotFound, "buffer at %#x", b.addr)
	}
	m.allocs = slices.Delete(m.allocs, i, i+1)
	m.banks[b.bank].release(b.addr, b.reserved)
	return nil
}

// attach returns a view on the allocation containing [addr, addr+size).
func (m *memory) attach(addr, size uint64) (*buffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.allocs), func(i int) bool { return m.allocs[i].addr+m.allocs[i].size > addr })
	if i == len(m.allocs) || m.allocs[i].addr > addr {
		return nil, errors.Wrapf(errs.ErrNotFound, "no allocation at %#x", addr)
	}
	parent := m.allocs[i]
	off := addr - parent.addr
	if size > parent.size-off {
		return nil, errors.Wrapf(errs.ErrOutOfRange, "[%#x, +%#x) exceeds allocation [%#x, +%#x)", addr, size, parent.addr, parent.size)
	}
	return &buffer{
		addr:   addr,
		size:   size,
		bank:   parent.bank,
		flags:  parent.flags,
		data:   parent.data[off : off+size : off+size],
		parent: parent,
	}, nil
}

func (d *Device) memory() (*memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errs.ErrClosed
	}
	if d.mem == nil {
		return nil, errors.Wrapf(errs.ErrNotFound, "no image loaded on %s", d.name)
	}
	return d.mem, nil
}

func (d *Device) buffer(b driver.Buffer) (*buffer, error) {
	buf, ok := b.(*buffer)
	if !ok {
		return nil, errs.Internalf("buffer %T not allocated by %s", b, d.name)
	}
	return buf, nil
}

// Alloc allocates a buffer in a bank.
func (d *Device) Alloc(bank int, size uint64, flags driver.Flags) (driver.Buffer, error) {
	mem, err := d.memory()
	if err != nil {
		return nil, err
	}
	return mem.alloc(bank, size, flags)
}

// Free releases a buffer. Freeing a buffer returned by Attach does nothing.
func (d *Device) Free(b driver.Buffer) error {
	buf, err := d.buffer(b)
	if err != nil {
		return err
	}
	mem, err := d.memory()
	if err != nil {
		return err
	}
	return mem.free(buf)
}

// Attach returns a buffer mapping an address range of an existing allocation.
func (d *Device) Attach(addr, size uint64) (driver.Buffer, error) {
	mem, err := d.memory()
	if err != nil {
		return nil, err
	}
	return mem.attach(addr, size)
}

// Write copies src to a buffer.
func (d *Device) Write(b driver.Buffer, off uint64, src []byte) error {
	buf, err := d.buffer(b)
	if err != nil {
		return err
	}
	if err := buf.rangeCheck(off, uint64(len(src))); err != nil {
		return err
	}
	copy(buf.data[off:], src)
	return nil
}

// Read copies bytes of a buffer to dst.
func (d *Device) Read(b driver.Buffer, off uint64, dst []byte) error {
	buf, err := d.buffer(b)
	if err != nil {
		return err
	}
	if err := buf.rangeCheck(off, uint64(len(dst))); err != nil {
		return err
	}
	copy(dst, buf.data[off:])
	return nil
}

// Copy moves bytes between buffers.
func (d *Device) Copy(dst driver.Buffer, dstOff uint64, src driver.Buffer, srcOff uint64, size uint64) error {
	if !d.m2m {
		return errors.Wrapf(errs.ErrNotSupported, "%s has no copy engine", d.name)
	}
	dstBuf, err := d.buffer(dst)
	if err != nil {
		return err
	}
	srcBuf, err := d.buffer(src)
	if err != nil {
		return err
	}
	if err := dstBuf.rangeCheck(dstOff, size); err != nil {
		return err
	}
	if err := srcBuf.rangeCheck(srcOff, size); err != nil {
		return err
	}
	copy(dstBuf.data[dstOff:dstOff+size], srcBuf.data[srcOff:srcOff+size])
	return nil
}
