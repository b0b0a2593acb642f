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
	"bytes"
	"encoding/binary"

	"github.com/gx-org/accrt/errs"
	"github.com/pkg/errors"
)

// Magic bytes of the bitstream header, alternating from the first byte.
const (
	bitEvenMagic = 0x0F
	bitOddMagic  = 0xF0
	// bitMagicLength is the length written by the builder, null included.
	bitMagicLength = 9
)

// BitstreamHeader is the header preceding the configuration data in a bitstream section.
type BitstreamHeader struct {
	Design string
	Part   string
	Date   string
	Time   string
	// HeaderLength is the number of bytes of the header.
	HeaderLength int
	// PayloadLength is the number of bytes of configuration data following the header.
	PayloadLength uint32
}

type bitReader struct {
	data []byte
	pos  int
}

func (r *bitReader) take(n int, what string) ([]byte, error) {
	if n < 0 || n > len(r.data)-r.pos {
		return nil, errors.Wrapf(errs.ErrHeader, "bitstream header: %s needs %d bytes at offset %d but %d remain", what, n, r.pos, len(r.data)-r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *bitReader) u16(what string) (uint16, error) {
	b, err := r.take(2, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *bitReader) u32(what string) (uint32, error) {
	b, err := r.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *bitReader) tag(want byte) error {
	b, err := r.take(1, "field tag")
	if err != nil {
		return err
	}
	if b[0] != want {
		return errors.Wrapf(errs.ErrHeader, "bitstream header: got field tag %q at offset %d, want %q", b[0], r.pos-1, want)
	}
	return nil
}

// field reads a length prefixed null terminated string.
func (r *bitReader) field(tag byte) (string, error) {
	if err := r.tag(tag); err != nil {
		return "", err
	}
	n, err := r.u16("field length")
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n), "field "+string(tag))
	if err != nil {
		return "", err
	}
	if n == 0 || b[n-1] != 0 {
		return "", errors.Wrapf(errs.ErrHeader, "bitstream header: field %q is not null terminated", tag)
	}
	return string(b[:n-1]), nil
}

// ParseBitstreamHeader parses the header at the start of a bitstream section.
// The fields are read in a strict order and the first mismatch fails.
func ParseBitstreamHeader(data []byte) (*BitstreamHeader, error) {
	r := &bitReader{data: data}
	magicLen, err := r.u16("magic length")
	if err != nil {
		return nil, err
	}
	if magicLen == 0 {
		return nil, errors.Wrapf(errs.ErrHeader, "bitstream header: empty magic")
	}
	magic, err := r.take(int(magicLen)-1, "magic")
	if err != nil {
		return nil, err
	}
	for i, b := range magic {
		want := byte(bitEvenMagic)
		if i%2 == 1 {
			want = bitOddMagic
		}
		if b != want {
			return nil, errors.Wrapf(errs.ErrHeader, "bitstream header: magic byte %d: got %#02x, want %#02x", i, b, want)
		}
	}
	if _, err := r.take(1, "magic terminator"); err != nil {
		return nil, err
	}
	one, err := r.u16("separator")
	if err != nil {
		return nil, err
	}
	if one != 0x0001 {
		return nil, errors.Wrapf(errs.ErrHeader, "bitstream header: got separator %#04x, want 0x0001", one)
	}
	h := &BitstreamHeader{}
	for _, f := range []struct {
		tag byte
		dst *string
	}{
		{'a', &h.Design},
		{'b', &h.Part},
		{'c', &h.Date},
		{'d', &h.Time},
	} {
		if *f.dst, err = r.field(f.tag); err != nil {
			return nil, err
		}
	}
	if err := r.tag('e'); err != nil {
		return nil, err
	}
	if h.PayloadLength, err = r.u32("payload length"); err != nil {
		return nil, err
	}
	h.HeaderLength = r.pos
	if uint64(h.PayloadLength) > uint64(len(data)-r.pos) {
		return nil, errors.Wrapf(errs.ErrHeader, "bitstream header: payload of %d bytes exceeds the %d bytes left in the section", h.PayloadLength, len(data)-r.pos)
	}
	return h, nil
}

func writeBitField(buf *bytes.Buffer, tag byte, s string) error {
	n := len(s) + 1
	if n > 0xFFFF {
		return errors.Errorf("bitstream field %q of %d bytes is too long", tag, len(s))
	}
	buf.WriteByte(tag)
	binary.Write(buf, binary.BigEndian, uint16(n))
	buf.WriteString(s)
	buf.WriteByte(0)
	return nil
}

// marshal writes the header followed by the payload.
func (h *BitstreamHeader) marshal(payload []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint16(bitMagicLength))
	for i := range bitMagicLength - 1 {
		if i%2 == 0 {
			buf.WriteByte(bitEvenMagic)
		} else {
			buf.WriteByte(bitOddMagic)
		}
	}
	buf.WriteByte(0)
	binary.Write(buf, binary.BigEndian, uint16(0x0001))
	for _, f := range []struct {
		tag byte
		s   string
	}{
		{'a', h.Design},
		{'b', h.Part},
		{'c', h.Date},
		{'d', h.Time},
	} {
		if err := writeBitField(buf, f.tag, f.s); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('e')
	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes(), nil
}
