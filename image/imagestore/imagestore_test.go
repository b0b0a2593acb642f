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

package imagestore_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/image"
	"github.com/gx-org/accrt/image/imagestore"
)

func testImage(t *testing.T) []byte {
	t.Helper()
	b := image.NewBuilder()
	b.AddBank(image.Bank{Type: image.MemDDR4, Used: true, Size: 16 << 10, Tag: "bank0"})
	cu := b.AddComputeUnit("vadd:vadd_0", 0x1800000, image.APCtrlHS)
	b.Connect(cu, 0, 0)
	data, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestLocal(t *testing.T) {
	ctx := context.Background()
	data := testImage(t)
	for _, compress := range []bool{false, true} {
		store := &imagestore.Local{Dir: filepath.Join(t.TempDir(), "images"), Compress: compress}
		id, err := store.Put(ctx, data)
		if err != nil {
			t.Fatal(err)
		}
		if id != image.IDOf(data) {
			t.Errorf("compress=%v: got id %s, want %s", compress, id, image.IDOf(data))
		}
		// Storing twice is a no-op.
		if _, err := store.Put(ctx, data); err != nil {
			t.Errorf("compress=%v: second put: %v", compress, err)
		}
		entries, err := os.ReadDir(store.Dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("compress=%v: got %d files in the store, want 1", compress, len(entries))
		}
		stored, err := os.ReadFile(filepath.Join(store.Dir, entries[0].Name()))
		if err != nil {
			t.Fatal(err)
		}
		if imagestore.IsCompressed(stored) != compress {
			t.Errorf("compress=%v: stored file compressed=%v", compress, imagestore.IsCompressed(stored))
		}
		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("compress=%v: got different image bytes", compress)
		}
	}
}

func TestLocalErrors(t *testing.T) {
	ctx := context.Background()
	store := &imagestore.Local{Dir: t.TempDir()}
	data := testImage(t)
	id := image.IDOf(data)
	if _, err := store.Get(ctx, id); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("missing image: got %v, want %v", err, errs.ErrNotFound)
	}
	corrupted := bytes.Clone(data)
	corrupted[len(corrupted)-1] ^= 0xFF
	if err := os.WriteFile(filepath.Join(store.Dir, id.String()+".xclbin"), corrupted, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, id); err == nil {
		t.Errorf("corrupted image: expected an error")
	}
}

func TestEncodeDecode(t *testing.T) {
	data := testImage(t)
	encoded, err := imagestore.Encode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !imagestore.IsCompressed(encoded) {
		t.Errorf("encoded image is not an lz4 frame")
	}
	for _, in := range [][]byte{data, encoded} {
		got, err := imagestore.Decode(in)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("decoded image differs from the original")
		}
	}
	truncated := encoded[:len(encoded)/2]
	if _, err := imagestore.Decode(truncated); err == nil {
		t.Errorf("truncated lz4 frame: expected an error")
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		loc  string
		want imagestore.Location
		err  bool
	}{
		{loc: "/var/lib/images", want: imagestore.Location{Path: "/var/lib/images"}},
		{loc: "gs://images", want: imagestore.Location{Bucket: "images"}},
		{loc: "gs://images/prod/u250/", want: imagestore.Location{Bucket: "images", Path: "prod/u250"}},
		{loc: "gs:///prod", err: true},
		{loc: "", err: true},
	}
	for i, test := range tests {
		got, err := imagestore.ParseLocation(test.loc)
		if (err != nil) != test.err {
			t.Errorf("test %d: ParseLocation(%q) error = %v, want error=%v", i, test.loc, err, test.err)
			continue
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("test %d: unexpected location (-want +got):\n%s", i, diff)
		}
	}
}
