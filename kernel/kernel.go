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

// Package kernel binds arguments to the compute units of a kernel and
// runs them.
//
// A Kernel resolves a function name of the image of a hardware context to
// its compute units. A Run is one invocation of a kernel: it selects a
// compute unit compatible with the buffers bound to its arguments and
// drives the execution of the command on the device.
package kernel

import (
	"slices"
	"strings"
	"sync"

	"github.com/gx-org/accrt/base/iter"
	"github.com/gx-org/accrt/device"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/image"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernel is a function of an image resolved to its compute units.
type Kernel struct {
	ctx  *device.Context
	meta *image.Kernel
	// cus are the candidate compute units of the kernel.
	cus      []*image.ComputeUnit
	explicit bool

	mu   sync.Mutex
	next int
}

// parseName splits "fn:{cu_a,cu_b}" into its function and compute unit names.
func parseName(name string) (fn string, cus []string, err error) {
	fn, sel, found := strings.Cut(name, ":")
	if !found {
		return name, nil, nil
	}
	if !strings.HasPrefix(sel, "{") || !strings.HasSuffix(sel, "}") {
		return "", nil, errors.Wrapf(errs.ErrNotFound, "invalid compute unit selector in %q: want fn:{cu,...}", name)
	}
	for cu := range strings.SplitSeq(sel[1:len(sel)-1], ",") {
		cu = strings.TrimSpace(cu)
		if cu == "" {
			return "", nil, errors.Wrapf(errs.ErrNotFound, "empty compute unit name in %q", name)
		}
		cus = append(cus, cu)
	}
	return fn, cus, nil
}

// Open resolves a kernel in the image of a hardware context.
//
// name is either a function name or a function name followed by the
// compute units to consider, as in "vadd:{vadd_0,vadd_2}". Compute units
// are designated by their instance name or their full name.
func Open(ctx *device.Context, name string) (*Kernel, error) {
	if err := ctx.Check(); err != nil {
		return nil, err
	}
	fn, selected, err := parseName(name)
	if err != nil {
		return nil, err
	}
	meta, err := ctx.Image().Kernel(fn)
	if err != nil {
		return nil, err
	}
	k := &Kernel{ctx: ctx, meta: meta, explicit: len(selected) > 0}
	all := make([]*image.ComputeUnit, len(meta.ComputeUnits))
	for i, index := range meta.ComputeUnits {
		if all[i], err = ctx.Image().ComputeUnit(index); err != nil {
			return nil, err
		}
	}
	if !k.explicit {
		k.cus = all
	}
	for _, name := range selected {
		i := slices.IndexFunc(all, func(cu *image.ComputeUnit) bool {
			return cu.Instance == name || cu.Name == name
		})
		if i < 0 {
			return nil, errors.Wrapf(errs.ErrNotFound, "kernel %s has no compute unit %q", fn, name)
		}
		if !slices.Contains(k.cus, all[i]) {
			k.cus = append(k.cus, all[i])
		}
	}
	if len(k.cus) == 0 {
		return nil, errors.Wrapf(errs.ErrNotFound, "kernel %s has no compute unit", fn)
	}
	klog.V(2).InfoS("kernel opened", "kernel", name, "cus", slices.Collect(iter.Map(slices.Values(k.cus), func(cu *image.ComputeUnit) string {
		return cu.Name
	})))
	return k, nil
}

// Name of the kernel function.
func (k *Kernel) Name() string {
	return k.meta.Name
}

// Context of the kernel.
func (k *Kernel) Context() *device.Context {
	return k.ctx
}

// Args returns the signature of the kernel.
func (k *Kernel) Args() []image.Arg {
	return slices.Clone(k.meta.Args)
}

// ComputeUnits returns the candidate compute units of the kernel.
func (k *Kernel) ComputeUnits() []*image.ComputeUnit {
	return slices.Clone(k.cus)
}

func (k *Kernel) arg(index int) (image.Arg, error) {
	arg, ok := k.meta.Arg(index)
	if !ok {
		return image.Arg{}, errors.Wrapf(errs.ErrNotFound, "kernel %s has no argument %d", k.meta.Name, index)
	}
	return arg, nil
}

// GroupID returns the bank in which to allocate the buffer of an argument
// so that the first candidate compute unit can access it without copy.
func (k *Kernel) GroupID(index int) (int, error) {
	arg, err := k.arg(index)
	if err != nil {
		return 0, err
	}
	if !arg.IsBuffer() {
		return 0, errors.Wrapf(errs.ErrArgMismatch, "argument %d (%s) of %s is not a buffer", index, arg.Name, k.meta.Name)
	}
	for _, cu := range k.cus {
		if banks := cu.Banks(index); len(banks) > 0 {
			return banks[0], nil
		}
	}
	// No connectivity: any addressable bank.
	for _, bank := range k.ctx.Banks() {
		if !bank.Streaming() {
			return bank.Index, nil
		}
	}
	return 0, errors.Wrapf(errs.ErrInvalidBank, "no addressable bank for argument %d of %s", index, k.meta.Name)
}

// roundRobin returns the next compute unit among cus.
func (k *Kernel) roundRobin(cus []*image.ComputeUnit) *image.ComputeUnit {
	k.mu.Lock()
	defer k.mu.Unlock()
	cu := cus[k.next%len(cus)]
	k.next++
	return cu
}
