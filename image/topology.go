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
	"strings"

	"github.com/gx-org/accrt/errs"
	"github.com/pkg/errors"
)

// Bank is a region of device memory.
type Bank struct {
	Index int
	Type  MemType
	Used  bool
	// Size of the bank in bytes.
	Size uint64
	Base uint64
	Tag  string
}

// Streaming returns true if the bank is a stream rather than addressable memory.
func (b Bank) Streaming() bool {
	return b.Type == MemStreaming || b.Type == MemStreamingConnection
}

// IP is an entry of the IP layout.
type IP struct {
	Index      int
	Type       IPType
	Properties uint32
	Base       uint64
	// Name of the IP as "kernel:instance".
	Name string
}

// KernelName returns the name of the kernel implemented by the IP.
func (ip IP) KernelName() string {
	kernel, _, _ := strings.Cut(ip.Name, ":")
	return kernel
}

// InstanceName returns the name of the instance.
func (ip IP) InstanceName() string {
	_, inst, found := strings.Cut(ip.Name, ":")
	if !found {
		return ip.Name
	}
	return inst
}

// Protocol returns the control protocol of the IP.
func (ip IP) Protocol() ControlProtocol {
	return ControlProtocol((ip.Properties & propControlMask) >> propControlShift)
}

// InterruptEnabled returns true if the IP raises interrupts.
func (ip IP) InterruptEnabled() bool {
	return ip.Properties&propInterruptEnable != 0
}

// InterruptID returns the interrupt line of the IP.
func (ip IP) InterruptID() uint8 {
	return uint8((ip.Properties & propInterruptIDMask) >> propInterruptShift)
}

// Connection connects an argument of an IP to a memory bank.
type Connection struct {
	ArgIndex int
	IPIndex  int
	MemIndex int
}

// recordCount reads the count prefixing an array of records and checks
// that the records fit in the section.
func recordCount(kind SectionKind, data []byte, headerLen, recordLen int) (int, error) {
	if len(data) < 4 {
		return 0, errors.Wrapf(errs.ErrOutOfBounds, "section %s of %d bytes has no count", kind, len(data))
	}
	count := int32(le.Uint32(data))
	if count < 0 {
		return 0, errors.Wrapf(errs.ErrHeader, "section %s has a negative count %d", kind, count)
	}
	if count == 0 {
		return 0, nil
	}
	need := uint64(headerLen) + uint64(count)*uint64(recordLen)
	if need > uint64(len(data)) {
		return 0, errors.Wrapf(errs.ErrOutOfBounds, "section %s declares %d records (%d bytes) but has %d bytes", kind, count, need, len(data))
	}
	return int(count), nil
}

func parseMemTopology(data []byte) ([]Bank, error) {
	const headerLen = 8
	count, err := recordCount(MemTopology, data, headerLen, memDataSize)
	if err != nil {
		return nil, err
	}
	banks := make([]Bank, count)
	for i := range banks {
		rec := data[headerLen+i*memDataSize:]
		banks[i] = Bank{
			Index: i,
			Type:  MemType(rec[0]),
			Used:  rec[1] != 0,
			Size:  le.Uint64(rec[8:]) << 10,
			Base:  le.Uint64(rec[16:]),
			Tag:   cstring(rec[24:40]),
		}
	}
	return banks, nil
}

func parseIPLayout(data []byte) ([]IP, error) {
	const headerLen = 8
	count, err := recordCount(IPLayout, data, headerLen, ipDataSize)
	if err != nil {
		return nil, err
	}
	ips := make([]IP, count)
	for i := range ips {
		rec := data[headerLen+i*ipDataSize:]
		ips[i] = IP{
			Index:      i,
			Type:       IPType(le.Uint32(rec[0:])),
			Properties: le.Uint32(rec[4:]),
			Base:       le.Uint64(rec[8:]),
			Name:       cstring(rec[16:80]),
		}
	}
	return ips, nil
}

func parseConnectivity(data []byte, numIPs, numBanks int) ([]Connection, error) {
	const headerLen = 4
	count, err := recordCount(Connectivity, data, headerLen, connectionSize)
	if err != nil {
		return nil, err
	}
	conns := make([]Connection, count)
	for i := range conns {
		rec := data[headerLen+i*connectionSize:]
		conn := Connection{
			ArgIndex: int(int32(le.Uint32(rec[0:]))),
			IPIndex:  int(int32(le.Uint32(rec[4:]))),
			MemIndex: int(int32(le.Uint32(rec[8:]))),
		}
		if conn.ArgIndex < 0 {
			return nil, errors.Wrapf(errs.ErrHeader, "connection %d has a negative argument index %d", i, conn.ArgIndex)
		}
		if conn.IPIndex < 0 || conn.IPIndex >= numIPs {
			return nil, errors.Wrapf(errs.ErrOutOfBounds, "connection %d refers to IP %d of %d", i, conn.IPIndex, numIPs)
		}
		if conn.MemIndex < 0 || conn.MemIndex >= numBanks {
			return nil, errors.Wrapf(errs.ErrOutOfBounds, "connection %d refers to bank %d of %d", i, conn.MemIndex, numBanks)
		}
		conns[i] = conn
	}
	return conns, nil
}
