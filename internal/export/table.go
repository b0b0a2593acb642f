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

package export

import (
	"os"

	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/internal/handle"
	"github.com/pkg/errors"
)

type tableEntry struct {
	data []byte
}

type table struct{}

// Table returns the platform storing descriptors in the handle table of the
// process. Its handles can only be imported by the exporting process.
func Table() Platform {
	return table{}
}

const tableName = "handle"

func (table) Name() string { return tableName }

func (table) Export(d *Descriptor) (Handle, error) {
	data, err := d.Encode()
	if err != nil {
		return Handle{}, err
	}
	h := handle.Wrap(&tableEntry{data: data})
	return Handle{Platform: tableName, PID: os.Getpid(), Value: uint64(h)}, nil
}

func (table) Import(h Handle) (*Descriptor, error) {
	if h.PID != os.Getpid() {
		return nil, errors.Wrapf(errs.ErrNotSupported, "handle %s exported by another process", h)
	}
	entry, err := handle.Lookup[*tableEntry](handle.Handle(h.Value))
	if err != nil {
		return nil, err
	}
	return Decode(entry.data)
}

func (table) Release(h Handle) error {
	if h.PID != os.Getpid() {
		return errors.Wrapf(errs.ErrNotSupported, "handle %s exported by another process", h)
	}
	return handle.Release(handle.Handle(h.Value))
}
