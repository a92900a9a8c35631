// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/x448/float16"
)

// TensorStringDefaultPrecision used by Tensor.String.
const TensorStringDefaultPrecision = 4

// maxRowElements is the number of elements of a row printed before ellipsis is used.
const maxRowElements = 6

var typeFloat16 = reflect.TypeOf(float16.Float16(0))

// String converts to string, using t.Summary(precision=4).
func (t *Tensor) String() string {
	if !t.Ok() {
		return "<invalid tensor>"
	}
	return t.Summary(TensorStringDefaultPrecision)
}

// Summary returns a multi-line summary of the Tensor's content, inspired by numpy output.
// Rows with more than 6 elements are abbreviated with an ellipsis.
func (t *Tensor) Summary(precision int) string {
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }
	wValue := func(v reflect.Value) {
		if v.Type() == typeFloat16 {
			w("%.*g", precision, v.Interface().(float16.Float16).Float32())
			return
		}
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			w("%d", v.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			w("%d", v.Uint())
		case reflect.Bool:
			w("%v", v.Bool())
		default:
			w("%.*g", precision, v.Float())
		}
	}

	dims := t.Shape().Dimensions
	t.MustConstFlatData(func(flat any) {
		values := reflect.ValueOf(flat)
		for _, dim := range dims {
			w("[%d]", dim)
		}
		w("%s", values.Type().Elem())
		if len(dims) == 0 {
			w("(")
			wValue(values.Index(0))
			w(")")
			return
		}

		var printRows func(index, depth int)
		printRows = func(index, depth int) {
			dim := dims[depth]
			stride := 1
			for _, d := range dims[depth+1:] {
				stride *= d
			}
			w("{")
			for ii := 0; ii < dim; ii++ {
				if dim > maxRowElements && ii == maxRowElements/2 {
					w(", ...")
					ii = dim - maxRowElements/2
				}
				if ii > 0 {
					w(", ")
					if depth < len(dims)-1 {
						w("\n%*s", depth+1, "")
					}
				}
				if depth == len(dims)-1 {
					wValue(values.Index(index + ii))
				} else {
					printRows(index+ii*stride, depth+1)
				}
			}
			w("}")
		}
		printRows(0, 0)
	})
	return buf.String()
}
