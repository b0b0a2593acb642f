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

package image_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gx-org/accrt/image"
)

func mixedLayout() []byte {
	b := image.NewBuilder()
	bank := b.AddBank(image.Bank{Type: image.MemDDR4, Used: true, Size: 4 << 10, Tag: "bank0"})
	b.AddComputeUnit("stream:stream_0", image.StreamingAddress, image.APCtrlNone)
	b.AddComputeUnit("fir:fir_2", 0x30000, image.APCtrlHS)
	b.AddIP(image.IP{Type: image.IPMemDDR4, Base: 0x0, Name: "ddr4_0"})
	fir0 := b.AddComputeUnit("fir:fir_0", 0x10000, image.APCtrlChain)
	b.AddComputeUnit("stream:stream_1", image.StreamingAddress, image.APCtrlNone)
	b.AddIP(image.IP{Type: image.IPPSKernel, Base: 0x5000, Name: "ps:ps_0"})
	b.AddComputeUnit("fir:fir_1", 0x20000, image.APCtrlHS)
	b.Connect(fir0, 0, bank)
	return b.MustBuild()
}

func cuNames(img *image.Image) []string {
	var names []string
	for _, cu := range img.ComputeUnits() {
		names = append(names, cu.Name)
	}
	return names
}

func TestComputeUnitOrder(t *testing.T) {
	data := mixedLayout()
	want := []string{"fir:fir_0", "fir:fir_1", "fir:fir_2", "stream:stream_0", "stream:stream_1"}
	first := mustParse(t, data)
	if diff := cmp.Diff(want, cuNames(first)); diff != "" {
		t.Fatalf("unexpected compute unit order (-want +got):\n%s", diff)
	}
	for i := range 10 {
		again := mustParse(t, data)
		if diff := cmp.Diff(cuNames(first), cuNames(again)); diff != "" {
			t.Errorf("parse %d: compute unit order changed (-first +again):\n%s", i, diff)
		}
	}
	cus := first.ComputeUnits()
	for i, cu := range cus {
		if cu.Index != i {
			t.Errorf("compute unit %s has index %d, want %d", cu.Name, cu.Index, i)
		}
		if i > 0 && cus[i-1].Streaming() && !cu.Streaming() {
			t.Errorf("addressable compute unit %s sorted after streaming compute unit %s", cu.Name, cus[i-1].Name)
		}
	}
	k, err := first.Kernel("fir")
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(k.ComputeUnits, []int{0, 1, 2}) {
		t.Errorf("got fir compute units %v, want [0 1 2]", k.ComputeUnits)
	}
	if len(k.Args) != 1 || !k.Args[0].IsBuffer() {
		t.Errorf("got fir arguments %v, want one buffer argument", k.Args)
	}
}

func TestSortKey(t *testing.T) {
	tests := []struct {
		ip           image.IP
		withProtocol bool
		want         uint64
	}{
		{
			ip:   image.IP{Base: 0x1800000, Properties: uint32(image.APCtrlChain) << 8},
			want: 0x1800000,
		},
		{
			ip:           image.IP{Base: 0x1800000, Properties: uint32(image.APCtrlChain) << 8},
			withProtocol: true,
			want:         0x1800001,
		},
		{
			ip:   image.IP{Base: image.StreamingAddress, Properties: uint32(image.APCtrlNone) << 8},
			want: 0xFFFFFFFFFFFFFF00,
		},
		{
			ip:           image.IP{Base: image.StreamingAddress, Properties: uint32(image.APCtrlNone)<<8 | 0x3},
			withProtocol: true,
			want:         0xFFFFFFFFFFFFFF02,
		},
	}
	for i, test := range tests {
		if got := image.SortKey(test.ip, test.withProtocol); got != test.want {
			t.Errorf("test %d: got key %#x, want %#x", i, got, test.want)
		}
	}
}

func TestSortIPsWithProtocol(t *testing.T) {
	ips := []image.IP{
		{Index: 0, Type: image.IPKernel, Base: 0x1000, Properties: uint32(image.APCtrlNone) << 8, Name: "k:b"},
		{Index: 1, Type: image.IPKernel, Base: 0x1000, Properties: uint32(image.APCtrlHS) << 8, Name: "k:a"},
		{Index: 2, Type: image.IPMicroBlaze, Base: 0x0, Name: "mb"},
	}
	var got []string
	for _, ip := range image.SortIPs(ips, true) {
		got = append(got, ip.Name)
	}
	if diff := cmp.Diff([]string{"k:a", "k:b"}, got); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
	got = got[:0]
	for _, ip := range image.SortIPs(ips, false) {
		got = append(got, ip.Name)
	}
	if diff := cmp.Diff([]string{"k:b", "k:a"}, got); diff != "" {
		t.Errorf("unexpected stable order (-want +got):\n%s", diff)
	}
}

func TestAskGroupConnectivityPreferred(t *testing.T) {
	b := image.NewBuilder().UseAskGroupConnectivity()
	b.AddBank(image.Bank{Type: image.MemDDR4, Used: true, Size: 4 << 10, Tag: "bank0"})
	b.AddBank(image.Bank{Type: image.MemHBM, Used: true, Size: 4 << 10, Tag: "hbm0"})
	cu := b.AddComputeUnit("k:k_0", 0x1000, image.APCtrlHS)
	b.Connect(cu, 0, 1)
	// A CONNECTIVITY section connecting the argument to bank 0.
	b.AddSection(image.Connectivity, "conn", []byte{
		1, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	})
	img := mustParse(t, b.MustBuild())
	got, err := img.ComputeUnit(0)
	if err != nil {
		t.Fatal(err)
	}
	if banks := got.Banks(0); !cmp.Equal(banks, []int{1}) {
		t.Errorf("got banks %v, want [1] from %s", banks, image.AskGroupConnectivity)
	}
}

func TestIPProperties(t *testing.T) {
	ip := image.IP{Properties: 0x0201 | 5<<1, Name: "vadd:vadd_1"}
	if !ip.InterruptEnabled() || ip.InterruptID() != 5 || ip.Protocol() != image.APCtrlNone {
		t.Errorf("unexpected properties of %#x: enabled=%v id=%d protocol=%s", ip.Properties, ip.InterruptEnabled(), ip.InterruptID(), ip.Protocol())
	}
	if ip.KernelName() != "vadd" || ip.InstanceName() != "vadd_1" {
		t.Errorf("got kernel %q instance %q", ip.KernelName(), ip.InstanceName())
	}
	noInst := image.IP{Name: "vadd"}
	if noInst.KernelName() != "vadd" || noInst.InstanceName() != "vadd" {
		t.Errorf("got kernel %q instance %q", noInst.KernelName(), noInst.InstanceName())
	}
}
