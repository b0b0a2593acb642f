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

// Package fmtarray formats the content of arrays and buffers.
package fmtarray

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gx-org/accrt/bo"
	"github.com/gx-org/backend/dtype"
	"github.com/pkg/errors"
)

const tab = "\t"

func formatValue[T dtype.GoDataType](x T) string {
	switch v := any(x).(type) {
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fmt.Sprint(x)
}

func numElements(axes []int) int {
	n := 1
	for _, size := range axes {
		n *= size
	}
	return n
}

// writeArray writes data as nested braces, one level per axis.
// The innermost axis is written on a single line.
func writeArray[T dtype.GoDataType](w *strings.Builder, data []T, axes []int, indent string) {
	if len(axes) == 1 {
		vals := make([]string, len(data))
		for i, x := range data {
			vals[i] = formatValue(x)
		}
		w.WriteString("{" + strings.Join(vals, ", ") + "}")
		return
	}
	stride := numElements(axes[1:])
	w.WriteString("{\n")
	for i := range axes[0] {
		w.WriteString(indent + tab)
		writeArray(w, data[i*stride:(i+1)*stride], axes[1:], indent+tab)
		w.WriteString(",\n")
	}
	w.WriteString(indent + "}")
}

func sprint[T dtype.GoDataType](data []T, axes []int, withType bool) (string, error) {
	if n := numElements(axes); n != len(data) {
		return "", errors.Errorf("len(data)=%d does not match axes %v=%d", len(data), axes, n)
	}
	w := &strings.Builder{}
	if withType {
		for _, size := range axes {
			fmt.Fprintf(w, "[%d]", size)
		}
		var zero T
		fmt.Fprintf(w, "%T", zero)
	}
	if len(axes) == 0 {
		w.WriteString("(" + formatValue(data[0]) + ")")
		return w.String(), nil
	}
	writeArray(w, data, axes, "")
	return w.String(), nil
}

// Values returns the values of an array without its type.
func Values[T dtype.GoDataType](data []T, axes []int) string {
	s, err := sprint(data, axes, false)
	if err != nil {
		return err.Error()
	}
	return s
}

// Sprint returns a representation of an array as a Go composite literal.
func Sprint[T dtype.GoDataType](data []T, axes []int) string {
	s, err := sprint(data, axes, true)
	if err != nil {
		return err.Error()
	}
	return s
}

// Buffer formats the host mapping of a buffer as an array of T.
// The axes are the ones of the shape of the buffer if it has been
// allocated with a shape. Otherwise, the buffer is a vector.
func Buffer[T dtype.GoDataType](b *bo.BO) (string, error) {
	data, err := bo.Slice[T](b)
	if err != nil {
		return "", err
	}
	axes := []int{len(data)}
	if sh := b.Shape(); sh != nil {
		axes = sh.AxisLengths
	}
	return sprint(data, axes, true)
}
