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

package image

import (
	"slices"
	"sort"

	"golang.org/x/exp/maps"
)

// ComputeUnit is a kernel instance of the IP layout.
//
// Compute units are indexed by their position in the list sorted by
// SortKey. Commands refer to compute units by this index.
type ComputeUnit struct {
	Index    int
	IPIndex  int
	Name     string
	Kernel   string
	Instance string
	Base     uint64
	Protocol ControlProtocol
	// Key used to sort the compute units.
	Key uint64

	interruptEnabled bool
	interruptID      uint8
	// args maps an argument index to the sorted list of banks it is connected to.
	args map[int][]int
}

// Streaming returns true if the compute unit has no addressable control interface.
func (cu *ComputeUnit) Streaming() bool {
	return cu.Base == StreamingAddress
}

// InterruptEnabled returns true if the compute unit raises interrupts.
func (cu *ComputeUnit) InterruptEnabled() bool {
	return cu.interruptEnabled
}

// InterruptID returns the interrupt line of the compute unit.
func (cu *ComputeUnit) InterruptID() uint8 {
	return cu.interruptID
}

// ConnectedArgs returns the sorted indices of the arguments with a connectivity entry.
func (cu *ComputeUnit) ConnectedArgs() []int {
	args := maps.Keys(cu.args)
	slices.Sort(args)
	return args
}

// Banks returns the sorted banks an argument is connected to.
// The result is empty if the argument has no connectivity entry.
func (cu *ComputeUnit) Banks(arg int) []int {
	return slices.Clone(cu.args[arg])
}

// Accepts returns true if a buffer in bank can be bound to an argument.
// Arguments without connectivity entries accept any bank.
func (cu *ComputeUnit) Accepts(arg, bank int) bool {
	banks, ok := cu.args[arg]
	if !ok {
		return true
	}
	_, found := slices.BinarySearch(banks, bank)
	return found
}

// SortKey returns the key ordering compute units.
//
// The key is the base address of the IP. Streaming IPs map to the largest
// address aligned down to 256 bytes so that they sort after all addressable
// IPs. If withProtocol is true, the control protocol is encoded in the low
// bits of the key.
func SortKey(ip IP, withProtocol bool) uint64 {
	key := ip.Base
	if key == StreamingAddress {
		key = streamingKey
	}
	if withProtocol {
		key |= uint64(ip.Protocol())
	}
	return key
}

// SortIPs returns the kernel IPs of a layout sorted by SortKey.
// The sort is stable: IPs with the same key keep their layout order.
func SortIPs(ips []IP, withProtocol bool) []IP {
	var kernels []IP
	for _, ip := range ips {
		if ip.Type == IPKernel {
			kernels = append(kernels, ip)
		}
	}
	sort.SliceStable(kernels, func(i, j int) bool {
		return SortKey(kernels[i], withProtocol) < SortKey(kernels[j], withProtocol)
	})
	return kernels
}

func extractComputeUnits(ips []IP, conns []Connection) []*ComputeUnit {
	sorted := SortIPs(ips, false)
	cus := make([]*ComputeUnit, len(sorted))
	byIP := make(map[int]*ComputeUnit, len(sorted))
	for i, ip := range sorted {
		cu := &ComputeUnit{
			Index:            i,
			IPIndex:          ip.Index,
			Name:             ip.Name,
			Kernel:           ip.KernelName(),
			Instance:         ip.InstanceName(),
			Base:             ip.Base,
			Protocol:         ip.Protocol(),
			Key:              SortKey(ip, false),
			interruptEnabled: ip.InterruptEnabled(),
			interruptID:      ip.InterruptID(),
			args:             make(map[int][]int),
		}
		cus[i] = cu
		byIP[ip.Index] = cu
	}
	for _, conn := range conns {
		cu, ok := byIP[conn.IPIndex]
		if !ok {
			continue
		}
		banks := cu.args[conn.ArgIndex]
		if pos, found := slices.BinarySearch(banks, conn.MemIndex); !found {
			cu.args[conn.ArgIndex] = slices.Insert(banks, pos, conn.MemIndex)
		}
	}
	return cus
}
