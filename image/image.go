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

// Package image parses device images.
//
// An image is an immutable binary container made of a fixed prologue, a
// header, a table of section headers and the section payloads. Parse
// validates every section against the image length before reading it and
// derives the memory banks, compute units and kernels of the image.
//
// All values are little endian except the bitstream header which follows
// the big endian layout of the configuration tools.
package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"iter"
	"slices"

	"github.com/gx-org/accrt/base/ordered"
	"github.com/gx-org/accrt/errs"
	"github.com/pkg/errors"
)

var le = binary.LittleEndian

// ID identifies an image by the SHA-256 of its content.
type ID [sha256.Size]byte

// String returns the hexadecimal representation of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns a prefix of the ID for logs.
func (id ID) Short() string {
	return id.String()[:12]
}

// IsZero returns true if the ID has not been set.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ParseID parses the hexadecimal representation of an ID.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Errorf("invalid image id %q: %v", s, err)
	}
	if len(b) != len(id) {
		return id, errors.Errorf("invalid image id %q: got %d bytes, want %d", s, len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

// IDOf returns the ID of an image given its bytes.
func IDOf(data []byte) ID {
	return sha256.Sum256(data)
}

// Header of an image.
type Header struct {
	Length              uint64
	Timestamp           uint64
	FeatureROMTimestamp uint64
	VersionPatch        uint16
	VersionMajor        uint8
	VersionMinor        uint8
	Mode                uint16
	ActionMask          uint16
	InterfaceUUID       [16]byte
	PlatformVBNV        string
	UUID                [16]byte
	DebugBin            string
	NumSections         uint32
}

// Version returns the semantic version of the image format.
func (h *Header) Version() string {
	return fmt.Sprintf("v%d.%d.%d", h.VersionMajor, h.VersionMinor, h.VersionPatch)
}

// SectionHeader locates a section in an image.
type SectionHeader struct {
	Kind   SectionKind
	Name   string
	Offset uint64
	Size   uint64
}

// ValidateSection checks that a section lies within an image of imageLen bytes.
// It must be called before the bytes of a section are read.
func ValidateSection(h SectionHeader, imageLen uint64) error {
	if h.Offset > imageLen || h.Size > imageLen-h.Offset {
		return errors.Wrapf(errs.ErrOutOfBounds, "section %s [%#x, +%#x) exceeds image length %#x", h.Kind, h.Offset, h.Size, imageLen)
	}
	return nil
}

// Image is a parsed device image. It is immutable.
type Image struct {
	raw             []byte
	id              ID
	signatureLength int32
	uniqueID        uint64
	header          Header
	sections        []SectionHeader

	banks     []Bank
	ips       []IP
	conns     []Connection
	cus       []*ComputeUnit
	kernels   *ordered.Map[string, *Kernel]
	bitstream *BitstreamHeader
}

// cstring returns the bytes of a null terminated string stored in a fixed size field.
func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Parse an image. The image keeps its own copy of data.
// Either a fully initialized image or an error is returned.
func Parse(data []byte) (*Image, error) {
	if len(data) < offSections {
		return nil, errors.Wrapf(errs.ErrHeader, "image of %d bytes is shorter than its %d bytes header", len(data), offSections)
	}
	for i := range len(Magic) {
		if data[offMagic+i] != Magic[i] {
			return nil, errors.Wrapf(errs.ErrHeader, "magic byte %d: got %#02x, want %#02x", i, data[offMagic+i], Magic[i])
		}
	}
	img := &Image{
		raw:             bytes.Clone(data),
		signatureLength: int32(le.Uint32(data[offSignatureLen:])),
		uniqueID:        le.Uint64(data[offUniqueID:]),
		header:          parseHeader(data[offHeader:offSections]),
	}
	imageLen := uint64(len(img.raw))
	if img.header.Length != imageLen {
		return nil, errors.Wrapf(errs.ErrHeader, "header declares %d bytes but image has %d", img.header.Length, imageLen)
	}
	if img.header.NumSections > maxSections {
		return nil, errors.Wrapf(errs.ErrHeader, "too many sections: %d", img.header.NumSections)
	}
	tableEnd := uint64(offSections) + uint64(img.header.NumSections)*sectionHeaderSize
	if tableEnd > imageLen {
		return nil, errors.Wrapf(errs.ErrOutOfBounds, "table of %d sections exceeds image length %d", img.header.NumSections, imageLen)
	}
	img.sections = make([]SectionHeader, img.header.NumSections)
	for i := range img.sections {
		rec := img.raw[offSections+i*sectionHeaderSize:]
		sh := SectionHeader{
			Kind:   SectionKind(le.Uint32(rec[0:])),
			Name:   cstring(rec[4:20]),
			Offset: le.Uint64(rec[24:]),
			Size:   le.Uint64(rec[32:]),
		}
		if err := ValidateSection(sh, imageLen); err != nil {
			return nil, err
		}
		img.sections[i] = sh
	}
	if err := img.parseSections(); err != nil {
		return nil, err
	}
	img.id = IDOf(img.raw)
	return img, nil
}

func parseHeader(b []byte) Header {
	return Header{
		Length:              le.Uint64(b[0:]),
		Timestamp:           le.Uint64(b[8:]),
		FeatureROMTimestamp: le.Uint64(b[16:]),
		VersionPatch:        le.Uint16(b[24:]),
		VersionMajor:        b[26],
		VersionMinor:        b[27],
		Mode:                le.Uint16(b[28:]),
		ActionMask:          le.Uint16(b[30:]),
		InterfaceUUID:       [16]byte(b[32:48]),
		PlatformVBNV:        cstring(b[48:112]),
		UUID:                [16]byte(b[112:128]),
		DebugBin:            cstring(b[128:144]),
		NumSections:         le.Uint32(b[144:]),
	}
}

func (img *Image) parseSections() error {
	var err error
	if data, ok, sErr := img.optionalSection(MemTopology); sErr != nil {
		return sErr
	} else if ok {
		if img.banks, err = parseMemTopology(data); err != nil {
			return err
		}
	}
	if data, ok, sErr := img.optionalSection(IPLayout); sErr != nil {
		return sErr
	} else if ok {
		if img.ips, err = parseIPLayout(data); err != nil {
			return err
		}
	}
	connKind := AskGroupConnectivity
	data, ok, err := img.optionalSection(connKind)
	if err != nil {
		return err
	}
	if !ok {
		connKind = Connectivity
		if data, ok, err = img.optionalSection(connKind); err != nil {
			return err
		}
	}
	if ok {
		if img.conns, err = parseConnectivity(data, len(img.ips), len(img.banks)); err != nil {
			return errors.WithMessagef(err, "section %s", connKind)
		}
	}
	if data, ok, sErr := img.optionalSection(Bitstream); sErr != nil {
		return sErr
	} else if ok {
		if img.bitstream, err = ParseBitstreamHeader(data); err != nil {
			return err
		}
	}
	img.cus = extractComputeUnits(img.ips, img.conns)
	var meta []byte
	if meta, ok, err = img.optionalSection(EmbeddedMetadata); err != nil {
		return err
	}
	if img.kernels, err = buildKernels(meta, ok, img.cus); err != nil {
		return err
	}
	return nil
}

func (img *Image) optionalSection(kind SectionKind) ([]byte, bool, error) {
	data, err := img.SectionData(kind)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// ID of the image.
func (img *Image) ID() ID {
	return img.id
}

// Header of the image.
func (img *Image) Header() Header {
	return img.header
}

// Version of the image format.
func (img *Image) Version() string {
	return img.header.Version()
}

// UniqueID returns the unique id stored in the prologue.
func (img *Image) UniqueID() uint64 {
	return img.uniqueID
}

// Signed returns true if the image carries a signature.
func (img *Image) Signed() bool {
	return img.signatureLength > 0
}

// Len returns the length of the image in bytes.
func (img *Image) Len() int {
	return len(img.raw)
}

// Bytes returns a copy of the image bytes.
func (img *Image) Bytes() []byte {
	return bytes.Clone(img.raw)
}

// Sections returns the section headers in table order.
func (img *Image) Sections() []SectionHeader {
	return slices.Clone(img.sections)
}

// Section returns the first section header of a given kind.
func (img *Image) Section(kind SectionKind) (SectionHeader, error) {
	for _, sh := range img.sections {
		if sh.Kind == kind {
			return sh, nil
		}
	}
	return SectionHeader{}, errors.Wrapf(errs.ErrNotFound, "section %s", kind)
}

// SectionData returns the bytes of the first section of a given kind.
// The returned slice must not be modified.
func (img *Image) SectionData(kind SectionKind) ([]byte, error) {
	sh, err := img.Section(kind)
	if err != nil {
		return nil, err
	}
	if err := ValidateSection(sh, uint64(len(img.raw))); err != nil {
		return nil, err
	}
	end := sh.Offset + sh.Size
	return img.raw[sh.Offset:end:end], nil
}

// Banks returns the memory banks of the image in topology order.
func (img *Image) Banks() []Bank {
	return slices.Clone(img.banks)
}

// Bank returns a bank given its index in the topology.
func (img *Image) Bank(index int) (Bank, error) {
	if index < 0 || index >= len(img.banks) {
		return Bank{}, errors.Wrapf(errs.ErrInvalidBank, "bank %d not in [0, %d)", index, len(img.banks))
	}
	return img.banks[index], nil
}

// IPs returns the IP layout in section order.
func (img *Image) IPs() []IP {
	return slices.Clone(img.ips)
}

// Connections returns the connectivity edges of the image.
func (img *Image) Connections() []Connection {
	return slices.Clone(img.conns)
}

// ComputeUnits returns the compute units sorted by their index.
func (img *Image) ComputeUnits() []*ComputeUnit {
	return slices.Clone(img.cus)
}

// ComputeUnit returns a compute unit given its index.
func (img *Image) ComputeUnit(index int) (*ComputeUnit, error) {
	if index < 0 || index >= len(img.cus) {
		return nil, errors.Wrapf(errs.ErrNotFound, "compute unit %d not in [0, %d)", index, len(img.cus))
	}
	return img.cus[index], nil
}

// Kernels iterates over the kernels of the image.
func (img *Image) Kernels() iter.Seq[*Kernel] {
	return img.kernels.Values()
}

// Kernel returns a kernel given its name.
func (img *Image) Kernel(name string) (*Kernel, error) {
	k, ok := img.kernels.Load(name)
	if !ok {
		return nil, errors.Wrapf(errs.ErrNotFound, "kernel %q", name)
	}
	return k, nil
}

// BitstreamHeader returns the header of the bitstream section, if any.
func (img *Image) BitstreamHeader() (*BitstreamHeader, bool) {
	if img.bitstream == nil {
		return nil, false
	}
	h := *img.bitstream
	return &h, true
}
