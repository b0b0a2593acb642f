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

// Package imagestore stores device images addressed by their ID.
//
// Images may be stored raw or as lz4 frames. Readers detect the lz4 frame
// magic and decompress transparently.
package imagestore

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/gx-org/accrt/image"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Store of images.
type Store interface {
	// Get returns the bytes of an image.
	// If no such image exists, errors.Is(err, errs.ErrNotFound) is true.
	Get(ctx context.Context, id image.ID) ([]byte, error)
	// Put stores an image and returns its ID.
	// If the image already exists, Put does nothing and returns no error.
	Put(ctx context.Context, data []byte) (image.ID, error)
}

// lz4FrameMagic starts every lz4 frame.
var lz4FrameMagic = []byte{0x04, 0x22, 0x4D, 0x18}

// IsCompressed returns true if data is an lz4 frame.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, lz4FrameMagic)
}

// Decode returns the image bytes stored in data, decompressing lz4 frames.
func Decode(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return data, nil
	}
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, errors.Errorf("decompressing lz4 image: %v", err)
	}
	return out, nil
}

// Encode compresses an image in an lz4 frame.
func Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, errors.Errorf("compressing image: %v", err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Errorf("compressing image: %v", err)
	}
	return buf.Bytes(), nil
}

// decodeAndCheck decodes data and checks that its content matches id.
func decodeAndCheck(id image.ID, data []byte, where string) ([]byte, error) {
	decoded, err := Decode(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "image %s at %s", id.Short(), where)
	}
	if got := image.IDOf(decoded); got != id {
		return nil, errors.Errorf("image at %s has id %s, want %s", where, got, id)
	}
	return decoded, nil
}

// objectName returns the name of the object storing an image.
func objectName(id image.ID, compressed bool) string {
	if compressed {
		return id.String() + ".xclbin.lz4"
	}
	return id.String() + ".xclbin"
}

// Location of a store.
type Location struct {
	// Bucket is set for Google Cloud Storage locations.
	Bucket string
	// Path is the directory of a local store, or the object prefix in a bucket.
	Path string
}

// ParseLocation parses a store location: either a local directory or a
// Google Cloud Storage URL gs://bucket/prefix.
func ParseLocation(loc string) (Location, error) {
	rest, isGCS := strings.CutPrefix(loc, "gs://")
	if !isGCS {
		if loc == "" {
			return Location{}, errors.Errorf("empty store location")
		}
		return Location{Path: loc}, nil
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, errors.Errorf("no bucket in store location %q", loc)
	}
	return Location{Bucket: bucket, Path: strings.Trim(prefix, "/")}, nil
}

// Open a store given its location.
func Open(ctx context.Context, loc string) (Store, io.Closer, error) {
	l, err := ParseLocation(loc)
	if err != nil {
		return nil, nil, err
	}
	if l.Bucket == "" {
		return &Local{Dir: l.Path}, noClose{}, nil
	}
	gcs, err := NewGCS(ctx, l.Bucket, l.Path)
	if err != nil {
		return nil, nil, err
	}
	return gcs, gcs, nil
}

type noClose struct{}

func (noClose) Close() error { return nil }
