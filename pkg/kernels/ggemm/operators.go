// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ggemm

import (
	"github.com/gomlx/simnets/pkg/core/dtypes"
)

// Operator defines a generalized matrix multiplication: Combine replaces the product and Reduce the sum.
//
// Identity must be the identity of Reduce: it is used to initialize padding, so padded slots never
// change a result.
type Operator[T dtypes.GoFloat] interface {
	Combine(a, b T) T
	Reduce(acc, value T) T
	Identity() T
}

// AddMax combines with addition and reduces with max. Identity is -Inf.
//
// NaN values never compare as the maximum.
type AddMax[T dtypes.GoFloat] struct{}

func (AddMax[T]) Combine(a, b T) T { return a + b }

func (AddMax[T]) Reduce(acc, value T) T {
	if value > acc {
		return value
	}
	return acc
}

func (AddMax[T]) Identity() T { return dtypes.Inf[T](-1) }

// AddMin combines with addition and reduces with min. Identity is +Inf.
//
// NaN values never compare as the minimum.
type AddMin[T dtypes.GoFloat] struct{}

func (AddMin[T]) Combine(a, b T) T { return a + b }

func (AddMin[T]) Reduce(acc, value T) T {
	if value < acc {
		return value
	}
	return acc
}

func (AddMin[T]) Identity() T { return dtypes.Inf[T](1) }

// AddSum combines and reduces with addition.
type AddSum[T dtypes.GoFloat] struct{}

func (AddSum[T]) Combine(a, b T) T      { return a + b }
func (AddSum[T]) Reduce(acc, value T) T { return acc + value }
func (AddSum[T]) Identity() T           { return 0 }

// MulAdd is the ordinary matrix multiplication.
type MulAdd[T dtypes.GoFloat] struct{}

func (MulAdd[T]) Combine(a, b T) T      { return a * b }
func (MulAdd[T]) Reduce(acc, value T) T { return acc + value }
func (MulAdd[T]) Identity() T           { return 0 }
