// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ggemm implements a generalized (batched) matrix multiplication, where the product and the sum
// are replaced by the Combine and Reduce methods of an Operator:
//
//	out[b][m, n] = Reduce_k Combine(A_b[m, k], B_b[k, n])
//
// It also implements ReadBack, the second stabilized pass used by log-domain reductions: it sums a
// transformation of each combined value relative to a previously computed reduction and writes back a
// transformation of that sum.
//
// The functions here trust their Dims: there are no bounds or consistency checks beyond Go's own. Callers
// validate their inputs beforehand.
package ggemm

import (
	"github.com/gomlx/simnets/pkg/core/dtypes"
)

// TileK is the granularity of the contracting axis when using padded operands (Dims.PaddedK).
const TileK = 4

// blockSize is the number of output columns processed at a time, to keep the output row block in cache.
const blockSize = 256

// Dims describes the operands of Reduce and ReadBack. All operands are row-major:
//
//   - A_b = a[b*ABatchStride:], shaped [M, K]. ABatchStride == 0 means every batch shares the same A.
//   - B_b = b[b*K*N:], shaped [K, N].
//   - out_b = out[b*M*N:], shaped [M, N].
//
// If PaddedK is set, K is replaced by PaddedLen(K) in the layouts of A and B above (but not the output),
// and the padding must be filled with the operator's Identity (see PackA and PackB).
type Dims struct {
	M, N, K      int
	Batch        int
	ABatchStride int
	PaddedK      bool
}

// KStride returns the length of the contracting axis as laid out in memory.
func (d Dims) KStride() int {
	if d.PaddedK {
		return PaddedLen(d.K)
	}
	return d.K
}

// PaddedLen rounds k up to a multiple of TileK.
func PaddedLen(k int) int {
	return (k + TileK - 1) / TileK * TileK
}

// Reduce computes out[b][m, n] = Reduce_k Combine(A_b[m, k], B_b[k, n]) for every batch b, starting
// the reduction from init.
//
// The reduction over k is always done in increasing order of k, so results are deterministic.
func Reduce[T dtypes.GoFloat, Op Operator[T]](op Op, dims Dims, a, b []T, init T, out []T) {
	kStride := dims.KStride()
	bBatchStride := kStride * dims.N
	outBatchStride := dims.M * dims.N
	for batchIdx := range dims.Batch {
		aBase := batchIdx * dims.ABatchStride
		bBase := batchIdx * bBatchStride
		outBase := batchIdx * outBatchStride
		for m := range dims.M {
			aRow := a[aBase+m*kStride : aBase+(m+1)*kStride]
			outRow := out[outBase+m*dims.N : outBase+(m+1)*dims.N]
			for n := range outRow {
				outRow[n] = init
			}
			for nStart := 0; nStart < dims.N; nStart += blockSize {
				nEnd := min(nStart+blockSize, dims.N)
				outBlock := outRow[nStart:nEnd]
				k := 0
				if dims.PaddedK {
					for ; k < kStride; k += TileK {
						a0, a1, a2, a3 := aRow[k], aRow[k+1], aRow[k+2], aRow[k+3]
						b0 := b[bBase+k*dims.N+nStart : bBase+k*dims.N+nEnd]
						b1 := b[bBase+(k+1)*dims.N+nStart : bBase+(k+1)*dims.N+nEnd]
						b2 := b[bBase+(k+2)*dims.N+nStart : bBase+(k+2)*dims.N+nEnd]
						b3 := b[bBase+(k+3)*dims.N+nStart : bBase+(k+3)*dims.N+nEnd]
						for n, acc := range outBlock {
							acc = op.Reduce(acc, op.Combine(a0, b0[n]))
							acc = op.Reduce(acc, op.Combine(a1, b1[n]))
							acc = op.Reduce(acc, op.Combine(a2, b2[n]))
							acc = op.Reduce(acc, op.Combine(a3, b3[n]))
							outBlock[n] = acc
						}
					}
					continue
				}
				for ; k < dims.K; k++ {
					aValue := aRow[k]
					bRow := b[bBase+k*dims.N+nStart : bBase+k*dims.N+nEnd]
					for n, acc := range outBlock {
						outBlock[n] = op.Reduce(acc, op.Combine(aValue, bRow[n]))
					}
				}
			}
		}
	}
}

// Readback defines the second pass of a stabilized reduction, see ReadBack.
type Readback[T dtypes.GoFloat] interface {
	// Prepare transforms the difference between a combined value and the first pass result.
	Prepare(x T) T

	// Finish computes the final value given the sum of the prepared values and the first pass result.
	Finish(sum, r T) T
}

// ReadBack computes, for every batch b and every [m, n]:
//
//	s = Sum_k rb.Prepare(Combine(A_b[m, k], B_b[k, n]) - r[m, n])
//	r[m, n] = rb.Finish(s, r[m, n])
//
// in place over r, which is laid out like the output of Reduce. Combined values equal to r[m, n] contribute
// Prepare(0), also when they are infinite. With Dims.PaddedK the padding of the contracting axis is skipped.
//
// The summation is a plain addition in increasing order of k.
func ReadBack[T dtypes.GoFloat, Op Operator[T], R Readback[T]](op Op, rb R, dims Dims, a, b []T, r []T) {
	kStride := dims.KStride()
	bBatchStride := kStride * dims.N
	outBatchStride := dims.M * dims.N
	sums := make([]T, min(blockSize, dims.N))
	for batchIdx := range dims.Batch {
		aBase := batchIdx * dims.ABatchStride
		bBase := batchIdx * bBatchStride
		rBase := batchIdx * outBatchStride
		for m := range dims.M {
			aRow := a[aBase+m*kStride : aBase+(m+1)*kStride]
			rRow := r[rBase+m*dims.N : rBase+(m+1)*dims.N]
			for nStart := 0; nStart < dims.N; nStart += blockSize {
				nEnd := min(nStart+blockSize, dims.N)
				rBlock := rRow[nStart:nEnd]
				blockSums := sums[:nEnd-nStart]
				clear(blockSums)
				for k := range dims.K {
					aValue := aRow[k]
					bRow := b[bBase+k*dims.N+nStart : bBase+k*dims.N+nEnd]
					for n, ref := range rBlock {
						v := op.Combine(aValue, bRow[n])
						var d T
						if v != ref {
							d = v - ref
						}
						blockSums[n] += rb.Prepare(d)
					}
				}
				for n, ref := range rBlock {
					rBlock[n] = rb.Finish(blockSums[n], ref)
				}
			}
		}
	}
}

// PackA copies the [m, k] row-major matrices of a (one every aBatchStride elements, for batch matrices)
// into a new slice with the contracting axis padded to PaddedLen(k), with the padding set to
// op.Identity(). The returned slice has a batch stride of m*PaddedLen(k).
//
// Use batch=1 and aBatchStride=0 for a single shared matrix.
func PackA[T dtypes.GoFloat, Op Operator[T]](op Op, m, k, batch, aBatchStride int, a []T) []T {
	kPadded := PaddedLen(k)
	packed := make([]T, batch*m*kPadded)
	identity := op.Identity()
	for batchIdx := range batch {
		for row := range m {
			src := a[batchIdx*aBatchStride+row*k : batchIdx*aBatchStride+(row+1)*k]
			dst := packed[(batchIdx*m+row)*kPadded : (batchIdx*m+row+1)*kPadded]
			copy(dst, src)
			for ii := k; ii < kPadded; ii++ {
				dst[ii] = identity
			}
		}
	}
	return packed
}

// PackB copies the batch [k, n] row-major matrices of b into dst (or a new slice if dst is nil), padding
// the contracting axis to PaddedLen(k) rows filled with op.Identity().
func PackB[T dtypes.GoFloat, Op Operator[T]](op Op, k, n, batch int, b, dst []T) []T {
	kPadded := PaddedLen(k)
	if dst == nil {
		dst = make([]T, batch*kPadded*n)
	}
	identity := op.Identity()
	for batchIdx := range batch {
		src := b[batchIdx*k*n : (batchIdx+1)*k*n]
		dstBatch := dst[batchIdx*kPadded*n : (batchIdx+1)*kPadded*n]
		copy(dstBatch, src)
		pad := dstBatch[k*n:]
		for ii := range pad {
			pad[ii] = identity
		}
	}
	return dst
}
