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

// Package accflag provides flag types for the runtime tools.
package accflag

import (
	"flag"
	"strings"

	"github.com/gx-org/accrt/image"
	"github.com/pkg/errors"
)

type stringList struct {
	list *[]string
}

func (sl *stringList) String() string {
	if sl.list == nil {
		return ""
	}
	return strings.Join(*sl.list, ",")
}

func (sl *stringList) Set(values string) error {
	for _, value := range strings.Split(values, ",") {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		*sl.list = append(*sl.list, value)
	}
	return nil
}

// StringList returns a flag to pass a list of strings from the command line.
func StringList(fs *flag.FlagSet, name, doc string) *[]string {
	var list []string
	fs.Var(&stringList{&list}, name, doc)
	return &list
}

type sectionKinds struct {
	kinds *[]image.SectionKind
}

func (sk *sectionKinds) String() string {
	if sk.kinds == nil {
		return ""
	}
	names := make([]string, len(*sk.kinds))
	for i, kind := range *sk.kinds {
		names[i] = kind.String()
	}
	return strings.Join(names, ",")
}

func (sk *sectionKinds) Set(values string) error {
	var names []string
	if err := (&stringList{&names}).Set(values); err != nil {
		return err
	}
	for _, name := range names {
		kind, ok := image.ParseSectionKind(strings.ToUpper(name))
		if !ok {
			return errors.Errorf("unknown section kind %q", name)
		}
		*sk.kinds = append(*sk.kinds, kind)
	}
	return nil
}

// SectionKinds returns a flag to pass a list of image section kinds by name,
// for example "ip_layout,mem_topology".
func SectionKinds(fs *flag.FlagSet, name, doc string) *[]image.SectionKind {
	var kinds []image.SectionKind
	fs.Var(&sectionKinds{&kinds}, name, doc)
	return &kinds
}
