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

// Command accinfo prints the content of a device image.
//
// The image is read from a file or from an image store:
//
//	accinfo -image vadd.xclbin
//	accinfo -store gs://bucket/images -id 3f2a... -load -reset
//	accinfo -image vadd.xclbin -load -memcheck 8
//
// With -load, the image is also loaded on the software emulation device.
// With -memcheck, a pattern is written to every memory bank of the image,
// read back from the device and printed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/gx-org/accrt/bo"
	"github.com/gx-org/accrt/config"
	"github.com/gx-org/accrt/device"
	"github.com/gx-org/accrt/driver/swemu"
	"github.com/gx-org/accrt/errs"
	"github.com/gx-org/accrt/fmt/fmtarray"
	"github.com/gx-org/accrt/image"
	"github.com/gx-org/accrt/image/imagestore"
	"github.com/gx-org/accrt/tools/accflag"
	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/backend/shape"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

type options struct {
	image    string
	store    string
	id       string
	load     bool
	reset    bool
	memcheck int
	sections []image.SectionKind
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	opts := &options{}
	fs.StringVar(&opts.image, "image", "", "path to an image file, compressed or not")
	fs.StringVar(&opts.store, "store", "", "image store: a local directory or gs://bucket/prefix")
	fs.StringVar(&opts.id, "id", "", "hexadecimal ID of the image in the store")
	fs.BoolVar(&opts.load, "load", false, "load the image on the software emulation device")
	fs.BoolVar(&opts.reset, "reset", false, "reset the device after loading the image")
	fs.IntVar(&opts.memcheck, "memcheck", 0, "number of words written to and read back from each memory bank")
	sections := accflag.SectionKinds(fs, "sections", "comma separated kinds of the sections to print; all if empty")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.sections = *sections
	if (opts.image == "") == (opts.store == "") {
		return nil, errors.Errorf("exactly one of -image or -store is required")
	}
	if opts.store != "" && opts.id == "" {
		return nil, errors.Errorf("-store requires -id")
	}
	if opts.reset && !opts.load {
		return nil, errors.Errorf("-reset requires -load")
	}
	if opts.memcheck < 0 {
		return nil, errors.Errorf("-memcheck must be positive")
	}
	if opts.memcheck > 0 && !opts.load {
		return nil, errors.Errorf("-memcheck requires -load")
	}
	return opts, nil
}

func readImage(ctx context.Context, opts *options) (data []byte, err error) {
	if opts.image != "" {
		raw, err := os.ReadFile(opts.image)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read image")
		}
		return imagestore.Decode(raw)
	}
	id, err := image.ParseID(opts.id)
	if err != nil {
		return nil, err
	}
	store, closer, err := imagestore.Open(ctx, opts.store)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, closer.Close())
	}()
	return store.Get(ctx, id)
}

func printImage(w io.Writer, img *image.Image, kinds []image.SectionKind) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	h := img.Header()
	fmt.Fprintf(tw, "ID:\t%s\n", img.ID())
	fmt.Fprintf(tw, "Version:\t%s\n", img.Version())
	fmt.Fprintf(tw, "Platform:\t%s\n", h.PlatformVBNV)
	fmt.Fprintf(tw, "Length:\t%d\n", h.Length)
	fmt.Fprintf(tw, "Unique ID:\t%#x\n", img.UniqueID())
	fmt.Fprintf(tw, "Signed:\t%v\n", img.Signed())
	if bit, ok := img.BitstreamHeader(); ok {
		fmt.Fprintf(tw, "Design:\t%s\n", bit.Design)
		fmt.Fprintf(tw, "Part:\t%s\n", bit.Part)
		fmt.Fprintf(tw, "Built:\t%s %s\n", bit.Date, bit.Time)
		fmt.Fprintf(tw, "Bitstream:\t%d bytes\n", bit.PayloadLength)
	}

	fmt.Fprintf(tw, "\nSections:\n")
	for _, s := range img.Sections() {
		if len(kinds) > 0 && !slices.Contains(kinds, s.Kind) {
			continue
		}
		fmt.Fprintf(tw, "  %s\t%q\toffset %#x\tsize %d\n", s.Kind, s.Name, s.Offset, s.Size)
	}

	fmt.Fprintf(tw, "\nBanks:\n")
	for _, b := range img.Banks() {
		fmt.Fprintf(tw, "  %d\t%s\t%s\tbase %#x\tsize %d\tused %v\n", b.Index, b.Tag, b.Type, b.Base, b.Size, b.Used)
	}

	fmt.Fprintf(tw, "\nCompute units:\n")
	for _, cu := range img.ComputeUnits() {
		var conns []string
		for _, arg := range cu.ConnectedArgs() {
			conns = append(conns, fmt.Sprintf("%d:%v", arg, cu.Banks(arg)))
		}
		fmt.Fprintf(tw, "  %d\t%s\tbase %#x\t%s\t%s\n", cu.Index, cu.Name, cu.Base, cu.Protocol, strings.Join(conns, " "))
	}

	fmt.Fprintf(tw, "\nKernels:\n")
	for k := range img.Kernels() {
		var args []string
		for _, arg := range k.Args {
			args = append(args, fmt.Sprintf("%s %s", arg.Name, arg.Type))
		}
		fmt.Fprintf(tw, "  %s(%s)\tcompute units %v\n", k.Name, strings.Join(args, ", "), k.ComputeUnits)
	}
	return tw.Flush()
}

func checkBank(w io.Writer, ctx *device.Context, bank image.Bank, words int) (err error) {
	sh := &shape.Shape{DType: dtype.Uint32, AxisLengths: []int{words}}
	b, err := bo.AllocShape(ctx, sh, bank.Index, bo.Normal)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, b.Free())
	}()
	data, err := bo.Slice[uint32](b)
	if err != nil {
		return err
	}
	for i := range data {
		data[i] = uint32(bank.Index)<<16 | uint32(i)
	}
	want := slices.Clone(data)
	if err := b.SyncAll(bo.ToDevice); err != nil {
		return err
	}
	clear(data)
	if err := b.SyncAll(bo.FromDevice); err != nil {
		return err
	}
	if !slices.Equal(data, want) {
		return errors.Errorf("bank %d (%s): read %v, wrote %v", bank.Index, bank.Tag, data, want)
	}
	s, err := fmtarray.Buffer[uint32](b)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Bank %d (%s): %s\n", bank.Index, bank.Tag, s)
	return nil
}

// checkBanks writes words to every memory bank of the image and reads them back.
func checkBanks(w io.Writer, dev *device.Device, id image.ID, words int) (err error) {
	ctx, err := dev.OpenContext(id, device.Primary)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, ctx.Close())
	}()
	fmt.Fprintf(w, "\nMemory check:\n")
	for _, bank := range ctx.Banks() {
		if bank.Streaming() {
			continue
		}
		if err := checkBank(w, ctx, bank, words); err != nil {
			return err
		}
	}
	return nil
}

func loadImage(ctx context.Context, w io.Writer, data []byte, opts *options) (err error) {
	dev, err := device.Open(swemu.New(), device.WithConfig(config.Get()))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, dev.Close())
	}()
	id, err := dev.LoadImage(ctx, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nLoaded %s on %s\n", id.Short(), dev.Name())
	if opts.memcheck > 0 {
		if err := checkBanks(w, dev, id, opts.memcheck); err != nil {
			return err
		}
	}
	if !opts.reset {
		return nil
	}
	if err := dev.Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintf(w, "Reset %s\n", dev.Name())
	return nil
}

func run(ctx context.Context, w io.Writer, opts *options) error {
	data, err := readImage(ctx, opts)
	if err != nil {
		return err
	}
	img, err := image.Parse(data)
	if err != nil {
		return err
	}
	klog.V(1).InfoS("image parsed", "id", img.ID(), "sections", len(img.Sections()))
	if err := printImage(w, img, opts.sections); err != nil {
		return err
	}
	if !opts.load {
		return nil
	}
	return loadImage(ctx, w, data, opts)
}

func main() {
	klog.InitFlags(nil)
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	ctx := context.Background()
	if timeout := config.Get().DefaultTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err = run(ctx, os.Stdout, opts)
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "accinfo: %+v\n", err)
		os.Exit(-errs.Code(err))
	}
}
