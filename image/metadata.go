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

package image

import (
	"encoding/xml"
	"fmt"
	"slices"
	"strconv"

	"github.com/gx-org/accrt/base/ordered"
	"github.com/gx-org/accrt/errs"
	"github.com/pkg/errors"
)

// AddressQualifier of a kernel argument.
type AddressQualifier int

// Address qualifiers.
const (
	AddrScalar   AddressQualifier = 0
	AddrGlobal   AddressQualifier = 1
	AddrConstant AddressQualifier = 2
	AddrLocal    AddressQualifier = 3
	AddrStream   AddressQualifier = 4
)

// Direction of the data of a buffer argument.
type Direction int

// Directions. InOut is In|Out.
const (
	In Direction = 1 << iota
	Out
	InOut = In | Out
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	case InOut:
		return "inout"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

func parseDirection(s string) (Direction, error) {
	switch s {
	case "", "inout":
		return InOut, nil
	case "in":
		return In, nil
	case "out":
		return Out, nil
	}
	return 0, errors.Errorf("unknown direction %q", s)
}

// Arg is an argument of a kernel signature.
type Arg struct {
	Name             string
	Index            int
	AddressQualifier AddressQualifier
	// Size of the argument in the register map.
	Size uint64
	// Offset of the argument in the register map.
	Offset    uint64
	Type      string
	Direction Direction
}

// IsBuffer returns true if the argument is bound to a buffer.
func (a Arg) IsBuffer() bool {
	return a.AddressQualifier == AddrGlobal || a.AddressQualifier == AddrConstant
}

// IsStream returns true if the argument is a stream connection.
func (a Arg) IsStream() bool {
	return a.AddressQualifier == AddrStream
}

// Kernel is a logical function of an image.
type Kernel struct {
	Name string
	Args []Arg
	// ComputeUnits lists the indices of the compute units implementing the kernel.
	ComputeUnits []int
}

// Arg returns an argument given its index.
func (k *Kernel) Arg(index int) (Arg, bool) {
	for _, arg := range k.Args {
		if arg.Index == index {
			return arg, true
		}
	}
	return Arg{}, false
}

type (
	xmlProject struct {
		XMLName xml.Name    `xml:"project"`
		Name    string      `xml:"name,attr,omitempty"`
		Kernels []xmlKernel `xml:"platform>device>core>kernel"`
	}

	xmlKernel struct {
		Name string   `xml:"name,attr"`
		Args []xmlArg `xml:"arg"`
	}

	xmlArg struct {
		Name             string `xml:"name,attr"`
		ID               string `xml:"id,attr"`
		AddressQualifier string `xml:"addressQualifier,attr"`
		Size             string `xml:"size,attr,omitempty"`
		Offset           string `xml:"offset,attr,omitempty"`
		Type             string `xml:"type,attr,omitempty"`
		Direction        string `xml:"direction,attr,omitempty"`
	}
)

func parseNumber(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 0, 64)
}

func (xa xmlArg) toArg() (Arg, error) {
	id, err := strconv.Atoi(xa.ID)
	if err != nil || id < 0 {
		return Arg{}, errors.Errorf("argument %q: invalid id %q", xa.Name, xa.ID)
	}
	qual, err := strconv.Atoi(xa.AddressQualifier)
	if err != nil {
		return Arg{}, errors.Errorf("argument %q: invalid address qualifier %q", xa.Name, xa.AddressQualifier)
	}
	size, err := parseNumber(xa.Size)
	if err != nil {
		return Arg{}, errors.Errorf("argument %q: invalid size %q", xa.Name, xa.Size)
	}
	offset, err := parseNumber(xa.Offset)
	if err != nil {
		return Arg{}, errors.Errorf("argument %q: invalid offset %q", xa.Name, xa.Offset)
	}
	dir, err := parseDirection(xa.Direction)
	if err != nil {
		return Arg{}, errors.Errorf("argument %q: %v", xa.Name, err)
	}
	return Arg{
		Name:             xa.Name,
		Index:            id,
		AddressQualifier: AddressQualifier(qual),
		Size:             size,
		Offset:           offset,
		Type:             xa.Type,
		Direction:        dir,
	}, nil
}

func parseMetadata(data []byte) ([]*Kernel, error) {
	var proj xmlProject
	if err := xml.Unmarshal(data, &proj); err != nil {
		return nil, errors.Wrapf(errs.ErrHeader, "section %s: %v", EmbeddedMetadata, err)
	}
	kernels := make([]*Kernel, len(proj.Kernels))
	for i, xk := range proj.Kernels {
		k := &Kernel{Name: xk.Name}
		for _, xa := range xk.Args {
			arg, err := xa.toArg()
			if err != nil {
				return nil, errors.Wrapf(errs.ErrHeader, "section %s: kernel %q: %v", EmbeddedMetadata, xk.Name, err)
			}
			if _, dup := k.Arg(arg.Index); dup {
				return nil, errors.Wrapf(errs.ErrHeader, "section %s: kernel %q: duplicate argument id %d", EmbeddedMetadata, xk.Name, arg.Index)
			}
			k.Args = append(k.Args, arg)
		}
		slices.SortFunc(k.Args, func(a, b Arg) int { return a.Index - b.Index })
		kernels[i] = k
	}
	return kernels, nil
}

func marshalMetadata(kernels []Kernel) ([]byte, error) {
	proj := xmlProject{Name: "accrt"}
	for _, k := range kernels {
		xk := xmlKernel{Name: k.Name}
		for _, arg := range k.Args {
			xk.Args = append(xk.Args, xmlArg{
				Name:             arg.Name,
				ID:               strconv.Itoa(arg.Index),
				AddressQualifier: strconv.Itoa(int(arg.AddressQualifier)),
				Size:             fmt.Sprintf("%#x", arg.Size),
				Offset:           fmt.Sprintf("%#x", arg.Offset),
				Type:             arg.Type,
				Direction:        arg.Direction.xmlString(),
			})
		}
		proj.Kernels = append(proj.Kernels, xk)
	}
	out, err := xml.MarshalIndent(proj, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

func (d Direction) xmlString() string {
	if d == 0 || d == InOut {
		return ""
	}
	return d.String()
}

// buildKernels assembles the kernels of an image from its metadata and
// its compute units. Without metadata, kernels are derived from the
// compute units and every connected argument is a global buffer.
func buildKernels(meta []byte, hasMeta bool, cus []*ComputeUnit) (*ordered.Map[string, *Kernel], error) {
	kernels := ordered.NewMap[string, *Kernel]()
	if hasMeta {
		parsed, err := parseMetadata(meta)
		if err != nil {
			return nil, err
		}
		for _, k := range parsed {
			kernels.Store(k.Name, k)
		}
	}
	for _, cu := range cus {
		k, ok := kernels.Load(cu.Kernel)
		if !ok {
			if hasMeta {
				return nil, errors.Wrapf(errs.ErrHeader, "compute unit %q implements kernel %q missing from %s", cu.Name, cu.Kernel, EmbeddedMetadata)
			}
			k = &Kernel{Name: cu.Kernel}
			kernels.Store(k.Name, k)
		}
		k.ComputeUnits = append(k.ComputeUnits, cu.Index)
		if hasMeta {
			continue
		}
		for _, argIndex := range cu.ConnectedArgs() {
			if _, found := k.Arg(argIndex); found {
				continue
			}
			k.Args = append(k.Args, Arg{
				Name:             fmt.Sprintf("arg%d", argIndex),
				Index:            argIndex,
				AddressQualifier: AddrGlobal,
				Size:             8,
				Type:             "void*",
				Direction:        InOut,
			})
		}
	}
	for k := range kernels.Values() {
		slices.SortFunc(k.Args, func(a, b Arg) int { return a.Index - b.Index })
	}
	return kernels, nil
}
