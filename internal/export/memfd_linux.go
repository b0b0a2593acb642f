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

//go:build linux

package export

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/gx-org/accrt/errs"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type memfd struct{}

// FD returns the platform storing descriptors in anonymous memory files.
// Other processes import the descriptor through /proc/<pid>/fd/<fd>.
func FD() Platform {
	return memfd{}
}

// Default returns the platform used when none is specified.
func Default() Platform {
	return FD()
}

func platforms() []Platform {
	return []Platform{Table(), FD()}
}

const fdName = "fd"

func (memfd) Name() string { return fdName }

func (memfd) Export(d *Descriptor) (Handle, error) {
	data, err := d.Encode()
	if err != nil {
		return Handle{}, err
	}
	fd, err := unix.MemfdCreate("accrt-"+string(d.Kind), unix.MFD_CLOEXEC)
	if err != nil {
		return Handle{}, errors.Errorf("cannot create export file: %v", err)
	}
	for written := 0; written < len(data); {
		n, err := unix.Write(fd, data[written:])
		if err != nil {
			unix.Close(fd)
			return Handle{}, errors.Errorf("cannot write export file: %v", err)
		}
		written += n
	}
	return Handle{Platform: fdName, PID: os.Getpid(), Value: uint64(fd)}, nil
}

func procPath(h Handle) string {
	return fmt.Sprintf("/proc/%d/fd/%d", h.PID, h.Value)
}

func (memfd) Import(h Handle) (*Descriptor, error) {
	data, err := os.ReadFile(procPath(h))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(errs.ErrNotFound, "export handle %s", h)
	}
	if err != nil {
		return nil, errors.Errorf("cannot read export handle %s: %v", h, err)
	}
	return Decode(data)
}

func (memfd) Release(h Handle) error {
	if h.PID != os.Getpid() {
		return errors.Wrapf(errs.ErrNotSupported, "handle %s exported by another process", h)
	}
	if err := unix.Close(int(h.Value)); err != nil {
		return errors.Wrapf(errs.ErrNotFound, "releasing export handle %s: %v", h, err)
	}
	return nil
}
