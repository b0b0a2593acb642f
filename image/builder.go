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
	"github.com/pkg/errors"
)

// Builder serialises images.
type Builder struct {
	header    Header
	uniqueID  uint64
	banks     []Bank
	ips       []IP
	conns     []Connection
	kernels   []Kernel
	bitstream *BitstreamHeader
	payload   []byte
	askGroup  bool
	extra     []rawSection
}

type rawSection struct {
	kind SectionKind
	name string
	data []byte
}

// NewBuilder returns a builder of images with the format version 2.1.0.
func NewBuilder() *Builder {
	return &Builder{
		header: Header{
			VersionMajor: 2,
			VersionMinor: 1,
			PlatformVBNV: "accrt:swemu:1.0",
		},
	}
}

// SetVersion sets the format version of the image.
func (b *Builder) SetVersion(major, minor uint8, patch uint16) *Builder {
	b.header.VersionMajor = major
	b.header.VersionMinor = minor
	b.header.VersionPatch = patch
	return b
}

// SetPlatform sets the platform name of the image.
func (b *Builder) SetPlatform(vbnv string) *Builder {
	b.header.PlatformVBNV = vbnv
	return b
}

// SetTimestamp sets the creation time of the image, in seconds since epoch.
func (b *Builder) SetTimestamp(ts uint64) *Builder {
	b.header.Timestamp = ts
	return b
}

// SetUUID sets the UUID of the image.
func (b *Builder) SetUUID(uuid [16]byte) *Builder {
	b.header.UUID = uuid
	return b
}

// SetUniqueID sets the unique id of the prologue.
func (b *Builder) SetUniqueID(id uint64) *Builder {
	b.uniqueID = id
	return b
}

// UseAskGroupConnectivity writes the connectivity in an ASK_GROUP_CONNECTIVITY
// section instead of a CONNECTIVITY section.
func (b *Builder) UseAskGroupConnectivity() *Builder {
	b.askGroup = true
	return b
}

// AddBank appends a memory bank to the topology and returns its index.
// The size of the bank must be a multiple of 1KiB.
func (b *Builder) AddBank(bank Bank) int {
	bank.Index = len(b.banks)
	b.banks = append(b.banks, bank)
	return bank.Index
}

// AddIP appends an IP to the layout and returns its index.
func (b *Builder) AddIP(ip IP) int {
	ip.Index = len(b.ips)
	b.ips = append(b.ips, ip)
	return ip.Index
}

// AddComputeUnit appends a kernel IP named "kernel:instance" and returns its index in the layout.
func (b *Builder) AddComputeUnit(name string, base uint64, protocol ControlProtocol) int {
	return b.AddIP(IP{
		Type:       IPKernel,
		Properties: uint32(protocol) << propControlShift,
		Base:       base,
		Name:       name,
	})
}

// Connect an argument of an IP to a bank.
func (b *Builder) Connect(ip, arg, bank int) *Builder {
	b.conns = append(b.conns, Connection{ArgIndex: arg, IPIndex: ip, MemIndex: bank})
	return b
}

// AddKernel adds the signature of a kernel to the embedded metadata.
func (b *Builder) AddKernel(k Kernel) *Builder {
	b.kernels = append(b.kernels, k)
	return b
}

// SetBitstream sets the bitstream section.
func (b *Builder) SetBitstream(h BitstreamHeader, payload []byte) *Builder {
	b.bitstream = &h
	b.payload = payload
	return b
}

// AddSection appends a section with arbitrary content.
func (b *Builder) AddSection(kind SectionKind, name string, data []byte) *Builder {
	b.extra = append(b.extra, rawSection{kind: kind, name: name, data: data})
	return b
}

func putString(dst []byte, s, what string) error {
	if len(s) >= len(dst) {
		return errors.Errorf("%s %q is longer than %d bytes", what, s, len(dst)-1)
	}
	copy(dst, s)
	return nil
}

func (b *Builder) memTopology() ([]byte, error) {
	data := make([]byte, 8+len(b.banks)*memDataSize)
	le.PutUint32(data, uint32(len(b.banks)))
	for i, bank := range b.banks {
		if bank.Size%1024 != 0 {
			return nil, errors.Errorf("bank %d: size %d is not a multiple of 1KiB", i, bank.Size)
		}
		rec := data[8+i*memDataSize:]
		rec[0] = byte(bank.Type)
		if bank.Used {
			rec[1] = 1
		}
		le.PutUint64(rec[8:], bank.Size>>10)
		le.PutUint64(rec[16:], bank.Base)
		if err := putString(rec[24:40], bank.Tag, "bank tag"); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (b *Builder) ipLayout() ([]byte, error) {
	data := make([]byte, 8+len(b.ips)*ipDataSize)
	le.PutUint32(data, uint32(len(b.ips)))
	for i, ip := range b.ips {
		rec := data[8+i*ipDataSize:]
		le.PutUint32(rec[0:], uint32(ip.Type))
		le.PutUint32(rec[4:], ip.Properties)
		le.PutUint64(rec[8:], ip.Base)
		if err := putString(rec[16:80], ip.Name, "IP name"); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (b *Builder) connectivity() ([]byte, error) {
	data := make([]byte, 4+len(b.conns)*connectionSize)
	le.PutUint32(data, uint32(len(b.conns)))
	for i, conn := range b.conns {
		if conn.IPIndex < 0 || conn.IPIndex >= len(b.ips) {
			return nil, errors.Errorf("connection %d: no IP %d", i, conn.IPIndex)
		}
		if conn.MemIndex < 0 || conn.MemIndex >= len(b.banks) {
			return nil, errors.Errorf("connection %d: no bank %d", i, conn.MemIndex)
		}
		rec := data[4+i*connectionSize:]
		le.PutUint32(rec[0:], uint32(conn.ArgIndex))
		le.PutUint32(rec[4:], uint32(conn.IPIndex))
		le.PutUint32(rec[8:], uint32(conn.MemIndex))
	}
	return data, nil
}

func (b *Builder) sections() ([]rawSection, error) {
	var secs []rawSection
	if b.bitstream != nil {
		data, err := b.bitstream.marshal(b.payload)
		if err != nil {
			return nil, err
		}
		secs = append(secs, rawSection{kind: Bitstream, name: "bit", data: data})
	}
	if len(b.banks) > 0 {
		data, err := b.memTopology()
		if err != nil {
			return nil, err
		}
		secs = append(secs, rawSection{kind: MemTopology, name: "mem", data: data})
	}
	if len(b.ips) > 0 {
		data, err := b.ipLayout()
		if err != nil {
			return nil, err
		}
		secs = append(secs, rawSection{kind: IPLayout, name: "ip", data: data})
	}
	if len(b.conns) > 0 {
		data, err := b.connectivity()
		if err != nil {
			return nil, err
		}
		kind := Connectivity
		if b.askGroup {
			kind = AskGroupConnectivity
		}
		secs = append(secs, rawSection{kind: kind, name: "conn", data: data})
	}
	if len(b.kernels) > 0 {
		data, err := marshalMetadata(b.kernels)
		if err != nil {
			return nil, err
		}
		secs = append(secs, rawSection{kind: EmbeddedMetadata, name: "xml", data: data})
	}
	return append(secs, b.extra...), nil
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// Build returns the bytes of the image.
func (b *Builder) Build() ([]byte, error) {
	secs, err := b.sections()
	if err != nil {
		return nil, err
	}
	offset := align8(offSections + len(secs)*sectionHeaderSize)
	table := make([]SectionHeader, len(secs))
	for i, sec := range secs {
		table[i] = SectionHeader{Kind: sec.kind, Name: sec.name, Offset: uint64(offset), Size: uint64(len(sec.data))}
		offset = align8(offset + len(sec.data))
	}
	out := make([]byte, offset)
	copy(out[offMagic:], Magic)
	le.PutUint32(out[offSignatureLen:], ^uint32(0))
	for i := offSignatureLen + 4; i < offKeyBlock; i++ {
		out[i] = 0xFF
	}
	le.PutUint64(out[offUniqueID:], b.uniqueID)

	h := b.header
	h.Length = uint64(len(out))
	h.NumSections = uint32(len(secs))
	hdr := out[offHeader:offSections]
	le.PutUint64(hdr[0:], h.Length)
	le.PutUint64(hdr[8:], h.Timestamp)
	le.PutUint64(hdr[16:], h.FeatureROMTimestamp)
	le.PutUint16(hdr[24:], h.VersionPatch)
	hdr[26] = h.VersionMajor
	hdr[27] = h.VersionMinor
	le.PutUint16(hdr[28:], h.Mode)
	le.PutUint16(hdr[30:], h.ActionMask)
	copy(hdr[32:48], h.InterfaceUUID[:])
	if err := putString(hdr[48:112], h.PlatformVBNV, "platform"); err != nil {
		return nil, err
	}
	copy(hdr[112:128], h.UUID[:])
	if err := putString(hdr[128:144], h.DebugBin, "debug bin"); err != nil {
		return nil, err
	}
	le.PutUint32(hdr[144:], h.NumSections)

	for i, sh := range table {
		rec := out[offSections+i*sectionHeaderSize:]
		le.PutUint32(rec[0:], uint32(sh.Kind))
		if err := putString(rec[4:20], sh.Name, "section name"); err != nil {
			return nil, err
		}
		le.PutUint64(rec[24:], sh.Offset)
		le.PutUint64(rec[32:], sh.Size)
		copy(out[sh.Offset:], secs[i].data)
	}
	return out, nil
}

// MustBuild returns the bytes of the image and panics on error.
func (b *Builder) MustBuild() []byte {
	data, err := b.Build()
	if err != nil {
		panic(err)
	}
	return data
}

