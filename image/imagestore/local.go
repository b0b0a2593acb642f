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

package imagestore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/image"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Local stores images in a directory.
type Local struct {
	Dir string
	// Compress stores new images as lz4 frames.
	Compress bool
}

var _ Store = (*Local)(nil)

// Get reads an image from the directory.
func (l *Local) Get(ctx context.Context, id image.ID) ([]byte, error) {
	for _, compressed := range []bool{false, true} {
		path := filepath.Join(l.Dir, objectName(id, compressed))
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errors.Errorf("reading image %s: %v", id.Short(), err)
		}
		klog.FromContext(ctx).V(1).Info("read image", "path", path, "bytes", len(data))
		return decodeAndCheck(id, data, path)
	}
	return nil, errors.Wrapf(errs.ErrNotFound, "image %s in %s", id.Short(), l.Dir)
}

// Put writes an image in the directory.
func (l *Local) Put(ctx context.Context, data []byte) (image.ID, error) {
	log := klog.FromContext(ctx)
	id := image.IDOf(data)
	for _, compressed := range []bool{false, true} {
		path := filepath.Join(l.Dir, objectName(id, compressed))
		if _, err := os.Stat(path); err == nil {
			log.V(1).Info("image already stored", "path", path)
			return id, nil
		}
	}
	content := data
	if l.Compress {
		var err error
		if content, err = Encode(data); err != nil {
			return id, err
		}
	}
	path := filepath.Join(l.Dir, objectName(id, l.Compress))
	if err := writeFile(ctx, path, content); err != nil {
		return id, err
	}
	log.Info("stored image", "path", path, "bytes", len(content))
	return id, nil
}

// writeFile writes a file atomically through a temporary file in the same directory.
func writeFile(ctx context.Context, path string, content []byte) error {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Errorf("creating directory: %v", err)
	}
	tempFile, err := os.CreateTemp(dir, "image")
	if err != nil {
		return errors.Errorf("creating temp file: %v", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	if _, err := tempFile.Write(content); err != nil {
		tempFile.Close()
		return errors.Errorf("writing temp file: %v", err)
	}
	if err := tempFile.Close(); err != nil {
		return errors.Errorf("closing temp file: %v", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return errors.Errorf("renaming temp file: %v", err)
	}
	shouldDeleteTempFile = false
	return nil
}
