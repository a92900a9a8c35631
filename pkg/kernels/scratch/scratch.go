// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scratch provides pooled temporary buffers for the kernels.
//
// Buffers are pooled per (dtype, length), so repeated invocations of a kernel with the same
// dimensions reuse the same memory. Every buffer returned by Get is zero-filled.
package scratch

import (
	"sync"

	"github.com/gomlx/simnets/pkg/core/dtypes"
)

// Buffer is a scratch slice of T taken from the pool. Return it with Put once done.
type Buffer[T dtypes.GoFloat] struct {
	Flat []T
}

type poolKey struct {
	dtype  dtypes.DType
	length int
}

var pools sync.Map

func getPool[T dtypes.GoFloat](length int) *sync.Pool {
	key := poolKey{dtype: dtypes.FromGenericsType[T](), length: length}
	pool, ok := pools.Load(key)
	if !ok {
		pool, _ = pools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				return &Buffer[T]{Flat: make([]T, length)}
			},
		})
	}
	return pool.(*sync.Pool)
}

// Get returns a zero-filled buffer with length elements.
// A length of 0 returns a buffer with an empty slice.
func Get[T dtypes.GoFloat](length int) *Buffer[T] {
	if length <= 0 {
		return &Buffer[T]{}
	}
	buf := getPool[T](length).Get().(*Buffer[T])
	clear(buf.Flat)
	return buf
}

// Put returns buf to the pool. After this any references to buf should be dropped.
// It's a no-op for nil or empty buffers.
func Put[T dtypes.GoFloat](buf *Buffer[T]) {
	if buf == nil || len(buf.Flat) == 0 {
		return
	}
	getPool[T](len(buf.Flat)).Put(buf)
}
