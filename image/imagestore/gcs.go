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
	"bytes"
	"context"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/image"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GCS stores images in a Google Cloud Storage bucket.
type GCS struct {
	Bucket string
	Prefix string
	// Compress stores new images as lz4 frames.
	Compress bool

	client *storage.Client
}

var _ Store = (*GCS)(nil)

// NewGCS returns a store using a bucket with the default credentials.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Errorf("creating GCS storage client: %v", err)
	}
	return &GCS{Bucket: bucket, Prefix: prefix, client: client}, nil
}

// Close the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) object(id image.ID, compressed bool) (*storage.ObjectHandle, string) {
	key := path.Join(g.Prefix, objectName(id, compressed))
	return g.client.Bucket(g.Bucket).Object(key), "gs://" + g.Bucket + "/" + key
}

// Get downloads an image from the bucket.
func (g *GCS) Get(ctx context.Context, id image.ID) ([]byte, error) {
	log := klog.FromContext(ctx)
	for _, compressed := range []bool{false, true} {
		obj, gcsURL := g.object(id, compressed)
		startedAt := time.Now()
		r, err := obj.NewReader(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			continue
		}
		if err != nil {
			return nil, errors.Errorf("opening object from GCS %q: %v", gcsURL, err)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, errors.Errorf("downloading from GCS %q: %v", gcsURL, err)
		}
		log.Info("downloaded image from GCS", "url", gcsURL, "bytes", len(data), "duration", time.Since(startedAt))
		return decodeAndCheck(id, data, gcsURL)
	}
	return nil, errors.Wrapf(errs.ErrNotFound, "image %s in gs://%s/%s", id.Short(), g.Bucket, g.Prefix)
}

// Put uploads an image to the bucket.
func (g *GCS) Put(ctx context.Context, data []byte) (image.ID, error) {
	log := klog.FromContext(ctx)
	id := image.IDOf(data)
	obj, gcsURL := g.object(id, g.Compress)
	_, err := obj.Attrs(ctx)
	if err == nil {
		log.Info("image already exists in GCS", "url", gcsURL)
		return id, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return id, errors.Errorf("getting object attributes for %q: %v", gcsURL, err)
	}
	content := data
	if g.Compress {
		if content, err = Encode(data); err != nil {
			return id, err
		}
	}
	startedAt := time.Now()
	w := obj.NewWriter(ctx)
	n, err := io.Copy(w, bytes.NewReader(content))
	if err != nil {
		w.Close()
		return id, errors.Errorf("uploading to GCS: %v", err)
	}
	if err := w.Close(); err != nil {
		return id, errors.Errorf("closing GCS writer: %v", err)
	}
	log.Info("uploaded image to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return id, nil
}
