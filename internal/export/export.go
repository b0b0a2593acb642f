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

// Package export shares buffers and fences with other processes.
//
// An exported object is described by a Descriptor. A Platform stores the
// encoded descriptor behind an opaque Handle that an importer resolves,
// together with the id of the exporting process, to re-derive the object
// from the descriptor rather than from values supplied by the caller.
package export

import (
	"fmt"

	"github.com/gx-org/accrt/errs"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Kind of an exported object.
type Kind string

// Kinds of objects.
const (
	Buffer Kind = "bo"
	Fence  Kind = "fence"
)

// Descriptor of an exported object.
type Descriptor struct {
	Kind       Kind   `msgpack:"kind"`
	Device     string `msgpack:"device,omitempty"`
	DeviceUUID string `msgpack:"uuid,omitempty"`
	Image      string `msgpack:"image,omitempty"`

	// Buffers.
	Address uint64 `msgpack:"addr,omitempty"`
	Size    uint64 `msgpack:"size,omitempty"`
	Bank    int    `msgpack:"bank,omitempty"`
	Flags   uint32 `msgpack:"flags,omitempty"`

	// Fences.
	Mode  int    `msgpack:"mode,omitempty"`
	Value uint64 `msgpack:"value,omitempty"`

	// Object is the handle of the exported object in the exporting process.
	Object uint64 `msgpack:"object,omitempty"`
}

// Encode a descriptor.
func (d *Descriptor) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(d)
	if err != nil {
		return nil, errors.Errorf("cannot encode %s export descriptor: %v", d.Kind, err)
	}
	return data, nil
}

// Decode a descriptor.
func Decode(data []byte) (*Descriptor, error) {
	d := &Descriptor{}
	if err := msgpack.Unmarshal(data, d); err != nil {
		return nil, errors.Wrapf(errs.ErrNotFound, "invalid export descriptor: %v", err)
	}
	return d, nil
}

// Expect returns an error if the descriptor does not describe an object of the given kind.
func (d *Descriptor) Expect(kind Kind) error {
	if d.Kind != kind {
		return errors.Wrapf(errs.ErrNotFound, "export handle refers to a %q, not a %q", d.Kind, kind)
	}
	return nil
}

// Handle to an exported object.
type Handle struct {
	// Platform is the name of the platform which exported the object.
	Platform string
	// PID of the exporting process.
	PID int
	// Value is a file descriptor or a handle, depending on the platform.
	Value uint64
}

func (h Handle) String() string {
	return fmt.Sprintf("%s:%d:%d", h.Platform, h.PID, h.Value)
}

// Platform stores export descriptors.
type Platform interface {
	// Name of the platform.
	Name() string
	// Export stores a descriptor and returns its handle.
	Export(*Descriptor) (Handle, error)
	// Import returns the descriptor stored behind a handle.
	Import(Handle) (*Descriptor, error)
	// Release deletes the descriptor of a handle returned by Export.
	Release(Handle) error
}

func platformOf(h Handle) (Platform, error) {
	for _, p := range platforms() {
		if p.Name() == h.Platform {
			return p, nil
		}
	}
	return nil, errors.Wrapf(errs.ErrNotSupported, "handle %s from an unknown platform", h)
}

// Import returns the descriptor of a handle exported by any platform.
func Import(h Handle) (*Descriptor, error) {
	p, err := platformOf(h)
	if err != nil {
		return nil, err
	}
	return p.Import(h)
}

// Release a handle exported by any platform.
func Release(h Handle) error {
	p, err := platformOf(h)
	if err != nil {
		return err
	}
	return p.Release(h)
}
