// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a representation of a multi-dimensional array stored in host memory.
//
// Tensors are the values fed to and returned by the kernels in pkg/kernels: a shape (see package shapes)
// plus a flat slice of the corresponding Go type, laid out in "row-major" order.
//
// Access to the underlying data is given through callbacks (ConstFlatData, MutableFlatData), which hold the
// Tensor lock for the duration of the call.
package tensors

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array stored in host memory.
//
// It is safe to access a Tensor concurrently for reading. Mutating access is serialized by an internal lock.
type Tensor struct {
	shape shapes.Shape
	mu    sync.RWMutex

	// flat holds the array with actual data: a slice of the Go type for the dtype of the shape.
	flat any
}

// Shape of Tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It returns dtypes.InvalidDType if the tensor is nil.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used by the tensor data.
func (t *Tensor) Memory() int { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state: it is not nil, and it hasn't been finalized.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// CheckValid returns an error if Tensor is nil or invalid.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	if !t.shape.Ok() {
		return errors.New("Tensor shape is invalid")
	}
	if t.flat == nil {
		return errors.New("Tensor has been finalized")
	}
	return nil
}

// AssertValid panics if Tensor is nil or invalid.
func (t *Tensor) AssertValid() {
	if err := t.CheckValid(); err != nil {
		exceptions.Panicf("%+v", err)
	}
}

// FinalizeAll immediately frees the tensor data. The Tensor becomes invalid.
// It's a no-op if the tensor is already finalized.
func (t *Tensor) FinalizeAll() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flat = nil
	t.shape = shapes.Invalid()
}
