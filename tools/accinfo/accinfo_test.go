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

package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gx-org/accrt/image/imagestore"
	"github.com/gx-org/accrt/internal/imagetest"
)

func parse(t *testing.T, args ...string) (*options, error) {
	t.Helper()
	fs := flag.NewFlagSet("accinfo", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseFlags(fs, args)
}

func checkOutput(t *testing.T, got string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(got, w) {
			t.Errorf("output does not contain %q:\n%s", w, got)
		}
	}
}

func TestImageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.xclbin.lz4")
	data, err := imagestore.Encode(imagetest.Build())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	opts, err := parse(t, "-image", path, "-load", "-reset")
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := run(context.Background(), &out, opts); err != nil {
		t.Fatalf("%+v", err)
	}
	checkOutput(t, out.String(),
		"accrt_test",
		"IP_LAYOUT",
		"bank2",
		"vadd:vadd_0",
		"incr:incr_0",
		"vscale(data uint*",
		"Loaded ",
		"Reset ",
	)
	if strings.Index(out.String(), "vadd:vadd_0") > strings.Index(out.String(), "vadd:vadd_1") {
		t.Errorf("compute units not printed in index order:\n%s", out.String())
	}
}

func TestMemCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.xclbin")
	if err := os.WriteFile(path, imagetest.Build(), 0o644); err != nil {
		t.Fatal(err)
	}
	opts, err := parse(t, "-image", path, "-load", "-memcheck", "4")
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := run(context.Background(), &out, opts); err != nil {
		t.Fatalf("%+v", err)
	}
	checkOutput(t, out.String(),
		"Memory check:",
		"Bank 0 (bank0): [4]uint32{0, 1, 2, 3}",
		"Bank 1 (bank1): [4]uint32{65536, 65537, 65538, 65539}",
		"Bank 2 (bank2): [4]uint32{131072, 131073, 131074, 131075}",
	)
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	store := &imagestore.Local{Dir: dir}
	id, err := store.Put(context.Background(), imagetest.Build())
	if err != nil {
		t.Fatal(err)
	}
	opts, err := parse(t, "-store", dir, "-id", id.String(), "-sections", "mem_topology")
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := run(context.Background(), &out, opts); err != nil {
		t.Fatalf("%+v", err)
	}
	checkOutput(t, out.String(), id.String(), "MEM_TOPOLOGY")
	if strings.Contains(out.String(), "IP_LAYOUT") {
		t.Errorf("output lists a section which has not been selected:\n%s", out.String())
	}
}

func TestFlagErrors(t *testing.T) {
	tests := [][]string{
		{},
		{"-image", "a", "-store", "b"},
		{"-store", "b"},
		{"-image", "a", "-reset"},
		{"-image", "a", "-memcheck", "4"},
		{"-image", "a", "-load", "-memcheck", "-1"},
		{"-image", "a", "-sections", "nope"},
	}
	for _, args := range tests {
		if _, err := parse(t, args...); err == nil {
			t.Errorf("parseFlags(%q) did not return an error", args)
		}
	}
}
