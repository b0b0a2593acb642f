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
	"slices"

	"github.com/gx-org/accrt/base/iter"
	"github.com/gx-org/accrt/bo"
	"github.com/gx-org/accrt/image"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// localCopy substitutes a buffer in a bank connected to a compute unit
// for a buffer the compute unit cannot access.
type localCopy struct {
	index int
	dir   image.Direction
	orig  *bo.BO
	local *bo.BO
}

func (c *localCopy) reads() bool {
	return c.dir == 0 || c.dir&image.In != 0
}

func (c *localCopy) writes() bool {
	return c.dir == 0 || c.dir&image.Out != 0
}

// copyIn copies the original buffers read by the compute unit to their local copies.
func copyIn(copies []*localCopy) error {
	for _, c := range copies {
		if !c.reads() {
			continue
		}
		if err := bo.Copy(c.local, c.orig, c.orig.Size(), 0, 0); err != nil {
			return errors.WithMessagef(err, "cannot copy argument %d to its local copy", c.index)
		}
	}
	return nil
}

// copyOut copies the local copies written by the compute unit back to their original buffers.
func copyOut(copies []*localCopy) error {
	for _, c := range copies {
		if !c.writes() {
			continue
		}
		if err := bo.Copy(c.orig, c.local, c.orig.Size(), 0, 0); err != nil {
			return errors.WithMessagef(err, "cannot copy local copy of argument %d back", c.index)
		}
	}
	return nil
}

func freeCopies(copies []*localCopy) (err error) {
	for _, c := range copies {
		err = multierr.Append(err, c.local.Free())
	}
	return err
}

// incompatible returns the buffer arguments a compute unit cannot access.
func incompatible(cu *image.ComputeUnit, args map[int]Argument) []int {
	var bad []int
	indices := maps.Keys(args)
	slices.Sort(indices)
	for _, index := range indices {
		arg := args[index]
		if !arg.IsBuffer() {
			continue
		}
		if !cu.Accepts(index, arg.buf.Bank()) {
			bad = append(bad, index)
		}
	}
	return bad
}

// plan selects the compute unit executing a command with the given
// arguments. Compute units accepting all the buffers are preferred.
// Otherwise, the buffers a compute unit cannot access are replaced by
// local copies allocated in banks it is connected to.
func (k *Kernel) plan(args map[int]Argument) (*image.ComputeUnit, []*localCopy, error) {
	accept := slices.Collect(iter.Filter(slices.Values(k.cus), func(cu *image.ComputeUnit) bool {
		bad := incompatible(cu, args)
		if len(bad) > 0 && k.explicit {
			klog.Warningf("compute unit %s of kernel %s cannot access the buffers of arguments %v", cu.Name, k.meta.Name, bad)
		}
		return len(bad) == 0
	}))
	if len(accept) > 0 {
		return k.roundRobin(accept), nil, nil
	}
	cu := k.roundRobin(k.cus)
	var copies []*localCopy
	for _, index := range incompatible(cu, args) {
		c, err := k.newLocalCopy(cu, index, args[index].buf)
		if err != nil {
			return nil, nil, multierr.Append(err, freeCopies(copies))
		}
		copies = append(copies, c)
	}
	klog.Warningf("kernel %s: no compute unit can access all the buffers; using %d local copies on %s", k.meta.Name, len(copies), cu.Name)
	return cu, copies, nil
}

func (k *Kernel) newLocalCopy(cu *image.ComputeUnit, index int, orig *bo.BO) (*localCopy, error) {
	banks := cu.Banks(index)
	if len(banks) == 0 {
		return nil, errors.Errorf("compute unit %s has no bank for argument %d", cu.Name, index)
	}
	arg, err := k.arg(index)
	if err != nil {
		return nil, err
	}
	local, err := bo.Alloc(k.ctx, orig.Size(), banks[0], bo.DeviceOnly)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot allocate local copy of argument %d (%s) in bank %d", index, arg.Name, banks[0])
	}
	klog.V(1).InfoS("local copy allocated", "kernel", k.meta.Name, "cu", cu.Name, "arg", index, "from", orig.Bank(), "to", banks[0])
	return &localCopy{
		index: index,
		dir:   arg.Direction,
		orig:  orig,
		local: local,
	}, nil
}
