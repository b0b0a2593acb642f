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

import "fmt"

// Magic starting every image.
const Magic = "xclbin2\x00"

// Sizes of the fixed layout records, in bytes.
const (
	prologueSize      = 304
	headerSize        = 152
	sectionHeaderSize = 40
	memDataSize       = 40
	ipDataSize        = 80
	connectionSize    = 12

	// maxSections is the largest section count accepted in a header.
	maxSections = 0x10000
)

// Offsets of the fields in the prologue.
const (
	offMagic        = 0
	offSignatureLen = 8
	offKeyBlock     = 40
	offUniqueID     = 296
	offHeader       = prologueSize
	offSections     = prologueSize + headerSize
)

// SectionKind identifies the content of a section.
type SectionKind uint32

// Section kinds.
const (
	Bitstream            SectionKind = 0
	ClearingBitstream    SectionKind = 1
	EmbeddedMetadata     SectionKind = 2
	Firmware             SectionKind = 3
	DebugData            SectionKind = 4
	SchedFirmware        SectionKind = 5
	MemTopology          SectionKind = 6
	Connectivity         SectionKind = 7
	IPLayout             SectionKind = 8
	DebugIPLayout        SectionKind = 9
	DesignCheckPoint     SectionKind = 10
	ClockFreqTopology    SectionKind = 11
	BuildMetadata        SectionKind = 14
	KeyValueMetadata     SectionKind = 15
	UserMetadata         SectionKind = 16
	PDI                  SectionKind = 18
	PartitionMetadata    SectionKind = 20
	EmulationData        SectionKind = 21
	SystemMetadata       SectionKind = 22
	SoftKernel           SectionKind = 23
	AskGroupTopology     SectionKind = 26
	AskGroupConnectivity SectionKind = 27
)

var sectionKindNames = map[SectionKind]string{
	Bitstream:            "BITSTREAM",
	ClearingBitstream:    "CLEARING_BITSTREAM",
	EmbeddedMetadata:     "EMBEDDED_METADATA",
	Firmware:             "FIRMWARE",
	DebugData:            "DEBUG_DATA",
	SchedFirmware:        "SCHED_FIRMWARE",
	MemTopology:          "MEM_TOPOLOGY",
	Connectivity:         "CONNECTIVITY",
	IPLayout:             "IP_LAYOUT",
	DebugIPLayout:        "DEBUG_IP_LAYOUT",
	DesignCheckPoint:     "DESIGN_CHECK_POINT",
	ClockFreqTopology:    "CLOCK_FREQ_TOPOLOGY",
	BuildMetadata:        "BUILD_METADATA",
	KeyValueMetadata:     "KEYVALUE_METADATA",
	UserMetadata:         "USER_METADATA",
	PDI:                  "PDI",
	PartitionMetadata:    "PARTITION_METADATA",
	EmulationData:        "EMULATION_DATA",
	SystemMetadata:       "SYSTEM_METADATA",
	SoftKernel:           "SOFT_KERNEL",
	AskGroupTopology:     "ASK_GROUP_TOPOLOGY",
	AskGroupConnectivity: "ASK_GROUP_CONNECTIVITY",
}

func (k SectionKind) String() string {
	if name, ok := sectionKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("SECTION_%d", uint32(k))
}

// ParseSectionKind returns the kind given its name.
func ParseSectionKind(name string) (SectionKind, bool) {
	for kind, kindName := range sectionKindNames {
		if kindName == name {
			return kind, true
		}
	}
	return 0, false
}

// MemType is the type of a memory bank.
type MemType uint8

// Memory types.
const (
	MemDDR3 MemType = iota
	MemDDR4
	MemDRAM
	MemStreaming
	MemPreallocatedGlobal
	MemARE
	MemHBM
	MemBRAM
	MemURAM
	MemStreamingConnection
	MemHost
	MemPSKernel
)

var memTypeNames = [...]string{
	MemDDR3:                "DDR3",
	MemDDR4:                "DDR4",
	MemDRAM:                "DRAM",
	MemStreaming:           "STREAMING",
	MemPreallocatedGlobal:  "PREALLOCATED_GLOBAL",
	MemARE:                 "ARE",
	MemHBM:                 "HBM",
	MemBRAM:                "BRAM",
	MemURAM:                "URAM",
	MemStreamingConnection: "STREAMING_CONNECTION",
	MemHost:                "HOST",
	MemPSKernel:            "PS_KERNEL",
}

func (t MemType) String() string {
	if int(t) >= len(memTypeNames) {
		return fmt.Sprintf("MEM_%d", uint8(t))
	}
	return memTypeNames[t]
}

// IPType is the type of an IP in the layout.
type IPType uint32

// IP types.
const (
	IPMicroBlaze IPType = iota
	IPKernel
	IPDNASC
	IPDDR4Controller
	IPMemDDR4
	IPMemHBM
	IPMemHBMECC
	IPPSKernel
)

var ipTypeNames = [...]string{
	IPMicroBlaze:     "MB",
	IPKernel:         "KERNEL",
	IPDNASC:          "DNASC",
	IPDDR4Controller: "DDR4_CONTROLLER",
	IPMemDDR4:        "MEM_DDR4",
	IPMemHBM:         "MEM_HBM",
	IPMemHBMECC:      "MEM_HBM_ECC",
	IPPSKernel:       "PS_KERNEL",
}

func (t IPType) String() string {
	if int(t) >= len(ipTypeNames) {
		return fmt.Sprintf("IP_%d", uint32(t))
	}
	return ipTypeNames[t]
}

// ControlProtocol of a compute unit.
type ControlProtocol uint8

// Control protocols.
const (
	APCtrlHS ControlProtocol = iota
	APCtrlChain
	APCtrlNone
	APCtrlME
	AccelAdapter
	FastAdapter
)

var controlProtocolNames = [...]string{
	APCtrlHS:     "ap_ctrl_hs",
	APCtrlChain:  "ap_ctrl_chain",
	APCtrlNone:   "ap_ctrl_none",
	APCtrlME:     "ap_ctrl_me",
	AccelAdapter: "accel_adapter",
	FastAdapter:  "fast_adapter",
}

func (p ControlProtocol) String() string {
	if int(p) >= len(controlProtocolNames) {
		return fmt.Sprintf("protocol_%d", uint8(p))
	}
	return controlProtocolNames[p]
}

// Bit fields of the IP properties.
const (
	propInterruptEnable = 0x1
	propInterruptIDMask = 0xFE
	propInterruptShift  = 1
	propControlMask     = 0xFF00
	propControlShift    = 8
)

// StreamingAddress is the base address of compute units without an
// addressable control interface.
const StreamingAddress = ^uint64(0)

// streamingKey is the sort key of streaming compute units: the largest
// address, aligned down so that protocol bits can be encoded in the key.
const streamingKey = ^uint64(0) &^ 0xFF
