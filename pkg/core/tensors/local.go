// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/gomlx/simnets/pkg/support/xslices"
	"github.com/pkg/errors"
)

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from. There are no recursions in
// generics' constraint definitions, so we enumerate up to rank 5.
type MultiDimensionSlice interface {
	float32 | float64 | int | int32 | int64 | uint8 | bool |
		[]float32 | []float64 | []int | []int32 | []int64 | []uint8 | []bool |
		[][]float32 | [][]float64 | [][]int | [][]int32 | [][]int64 | [][]uint8 | [][]bool |
		[][][]float32 | [][][]float64 | [][][]int | [][][]int32 | [][][]int64 | [][][]uint8 | [][][]bool |
		[][][][]float32 | [][][][]float64 | [][][][]int | [][][][]int32 | [][][][]int64 | [][][][]uint8 | [][][][]bool |
		[][][][][]float32 | [][][][][]float64 | [][][][][]int | [][][][][]int32 | [][][][][]int64 | [][][][][]uint8 | [][][][][]bool
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
//
// It panics if you provide an invalid shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	size := shape.Size()
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size)
	return &Tensor{shape: shape, flat: flatV.Interface()}
}

// FromScalar creates a tensor with the given scalar.
// The `DType` is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtypes.FromGenericsType[T](), dimensions...))
	MustMutableFlatData(t, func(flat []T) {
		xslices.FillSlice(flat, value)
	})
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	t.MustMutableBytes(func(tensorData []byte) {
		// Copy bytes: it also works for `int`, whose tensor storage is either int32 or int64.
		var dummy T
		copy(tensorData, unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(dummy)))
	})
	return t
}

// FromValue returns a tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
//
// It panics if the shape is not regular.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue.
// If the input is a tensor already, it is simply returned.
//
// It panics with an error if the value type is unsupported or the shape is not regular.
func FromAnyValue(value any) *Tensor {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t := FromShape(shape)
	t.MustMutableFlatData(func(flatAny any) {
		flatV := reflect.ValueOf(flatAny)
		if baseType(reflect.TypeOf(value)).Kind() == reflect.Int {
			// Go's int is stored as int32 or int64 according to the platform, so we convert element by element.
			valueV := reflect.ValueOf(value)
			if shape.IsScalar() {
				flatV.Index(0).Set(valueV.Convert(flatV.Type().Elem()))
				return
			}
			pos := 0
			convertIntsRecursively(flatV, valueV, &pos)
			return
		}
		if shape.IsScalar() {
			flatV.Index(0).Set(reflect.ValueOf(value))
			return
		}
		copySlicesRecursively(flatV, reflect.ValueOf(value), shape.Strides())
	})
	return t
}

// copySlicesRecursively copy values on a multi-dimension slice to a flat data slice
// assuming the strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		reflect.Copy(data, mdSlice)
		return
	}
	numElements := mdSlice.Len()
	subStrides := strides[1:]
	for ii := 0; ii < numElements; ii++ {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		copySlicesRecursively(subData, mdSlice.Index(ii), subStrides)
	}
}

func convertIntsRecursively(data reflect.Value, mdSlice reflect.Value, pos *int) {
	if mdSlice.Kind() != reflect.Slice {
		data.Index(*pos).Set(mdSlice.Convert(data.Type().Elem()))
		*pos++
		return
	}
	for ii := 0; ii < mdSlice.Len(); ii++ {
		convertIntsRecursively(data, mdSlice.Index(ii), pos)
	}
}

// convertDataToSlices takes data as a flat slice and creates a multidimensional slice with the given dimensions that
// points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	strides := shapes.Shape{DType: dtypes.Float32, Dimensions: dimensions}.Strides()
	return createSlicesRecursively(resultT, dataV, dimensions, strides)
}

func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := 0; ii < numElements; ii++ {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}

func shapeForValue(v any) (shapes.Shape, error) {
	var shape shapes.Shape
	err := shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return shape, err
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	switch t.Kind() {
	case reflect.Slice:
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion: %T", v.Interface())
		}
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}
	case reflect.Pointer:
		return errors.Errorf("cannot convert Pointer (%s) to a concrete value for tensors", t)
	default:
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot convert type %s to a value concrete tensor type", t)
		}
	}
	return nil
}

// baseType returns the underlying type of a multi-dimension slice. So `baseType([][]int{})` would return the
// type `int`.
func baseType(valueType reflect.Type) reflect.Type {
	for valueType.Kind() == reflect.Slice || valueType.Kind() == reflect.Array {
		valueType = valueType.Elem()
	}
	return valueType
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// Even scalar values have a flattened data representation of one element.
// It holds a read lock on the Tensor until accessFn returns, so concurrent readers don't block each other.
//
// The data is owned by the Tensor and should not be changed: see MutableFlatData for that.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.CheckValid(); err != nil {
		return err
	}
	accessFn(t.flat)
	return nil
}

// MustConstFlatData is like ConstFlatData, but panics on error.
func (t *Tensor) MustConstFlatData(accessFn func(flat any)) {
	if err := t.ConstFlatData(accessFn); err != nil {
		panic(err)
	}
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data, that can be modified.
// It locks the Tensor until accessFn returns.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.CheckValid(); err != nil {
		return err
	}
	accessFn(t.flat)
	return nil
}

// MustMutableFlatData is like MutableFlatData, but panics on error.
func (t *Tensor) MustMutableFlatData(accessFn func(flat any)) {
	if err := t.MutableFlatData(accessFn); err != nil {
		panic(err)
	}
}

// ConstFlatData is the generics version of Tensor.ConstFlatData.
// It returns an error if T doesn't match the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.DType() != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.DType(), dtypes.FromGenericsType[T]())
	}
	return t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MustConstFlatData is the generics version of Tensor.MustConstFlatData.
// It panics if T doesn't match the tensor's dtype.
func MustConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := ConstFlatData(t, accessFn); err != nil {
		exceptions.Panicf("%+v", err)
	}
}

// MutableFlatData is the generics version of Tensor.MutableFlatData.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.DType() != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("MutableFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.DType(), dtypes.FromGenericsType[T]())
	}
	return t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MustMutableFlatData is the generics version of Tensor.MustMutableFlatData.
// It panics if T doesn't match the tensor's dtype.
func MustMutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := MutableFlatData(t, accessFn); err != nil {
		exceptions.Panicf("%+v", err)
	}
}

// MustCopyFlatData returns a copy of the flat data of the Tensor.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var result []T
	MustConstFlatData(t, func(flat []T) {
		result = make([]T, len(flat))
		copy(result, flat)
	})
	return result
}

// MutableBytes calls accessFn with the data as a bytes slice, that can be modified.
// It locks the Tensor until accessFn returns.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) error {
	return t.MutableFlatData(func(flat any) { flatBytes(flat, accessFn) })
}

func flatBytes(flat any, accessFn func(data []byte)) {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		accessFn(nil)
		return
	}
	element0 := flatV.Index(0)
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	accessFn(unsafe.Slice((*byte)(element0.Addr().UnsafePointer()), sizeBytes))
}

// MustMutableBytes is like MutableBytes, but panics on error.
func (t *Tensor) MustMutableBytes(accessFn func(data []byte)) {
	if err := t.MutableBytes(accessFn); err != nil {
		panic(err)
	}
}

// ConstBytes calls accessFn with the data as a bytes slice. It should not be changed.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) error {
	return t.ConstFlatData(func(flat any) { flatBytes(flat, accessFn) })
}

// ToScalar returns the scalar value of the Tensor.
// It panics if the tensor is not a scalar or if T doesn't match the dtype.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if !t.IsScalar() {
		exceptions.Panicf("tensors.ToScalar(%s): tensor is not a scalar", t.Shape())
	}
	var v T
	MustConstFlatData(t, func(flat []T) { v = flat[0] })
	return v
}

// Value returns a multidimensional slice (except if shape is a scalar) containing a copy of the values stored
// in the tensor.
func (t *Tensor) Value() any {
	var value any
	t.MustConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		if t.IsScalar() {
			value = flatV.Index(0).Interface()
			return
		}
		cloneV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
		reflect.Copy(cloneV, flatV)
		value = convertDataToSlices(cloneV, t.shape.Dimensions...).Interface()
	})
	return value
}

// Clone creates a clone of the Tensor value.
func (t *Tensor) Clone() *Tensor {
	clone := FromShape(t.shape)
	t.MustConstFlatData(func(flat any) {
		clone.MustMutableFlatData(func(cloneFlat any) {
			reflect.Copy(reflect.ValueOf(cloneFlat), reflect.ValueOf(flat))
		})
	})
	return clone
}

// Equal checks weather t == otherTensor.
// If they are the same pointer, they are considered equal.
// If the shapes are different, it returns false.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	return t.InDelta(otherTensor, 0)
}

// InDelta checks weather Abs(t - otherTensor) <= delta for every element. NaNs compare equal to NaNs.
// If the shapes are different, it returns false.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	inDelta := true
	t.MustConstFlatData(func(flat0 any) {
		otherTensor.MustConstFlatData(func(flat1 any) {
			inDelta = xslices.SlicesInDelta(flat0, flat1, delta)
		})
	})
	return inDelta
}
