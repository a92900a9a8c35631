// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ConvertDType returns a new tensor with the values of t converted to dtype.
//
// Only conversions to a float dtype (Float16, Float32, Float64) are supported, from any numeric dtype.
// If t already has the requested dtype, a clone is returned.
func ConvertDType(t *Tensor, dtype dtypes.DType) (*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	if t.DType() == dtype {
		return t.Clone(), nil
	}
	var values []float64
	var err error
	t.MustConstFlatData(func(flat any) {
		values, err = toFloat64(flat)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "converting tensor %s to %s", t.Shape(), dtype)
	}
	converted := FromShape(t.Shape().WithDType(dtype))
	switch dtype {
	case dtypes.Float64:
		MustMutableFlatData(converted, func(flat []float64) { copy(flat, values) })
	case dtypes.Float32:
		MustMutableFlatData(converted, func(flat []float32) {
			for ii, v := range values {
				flat[ii] = float32(v)
			}
		})
	case dtypes.Float16:
		MustMutableFlatData(converted, func(flat []float16.Float16) {
			for ii, v := range values {
				flat[ii] = float16.Fromfloat32(float32(v))
			}
		})
	default:
		return nil, errors.Errorf("ConvertDType: conversion to %s not supported, only to float dtypes", dtype)
	}
	return converted, nil
}

func toFloat64(flat any) ([]float64, error) {
	switch flat := flat.(type) {
	case []float64:
		return flat, nil
	case []float32:
		return convertSlice(flat), nil
	case []float16.Float16:
		values := make([]float64, len(flat))
		for ii, v := range flat {
			values[ii] = float64(v.Float32())
		}
		return values, nil
	case []int64:
		return convertSlice(flat), nil
	case []int32:
		return convertSlice(flat), nil
	case []int16:
		return convertSlice(flat), nil
	case []int8:
		return convertSlice(flat), nil
	case []uint64:
		return convertSlice(flat), nil
	case []uint32:
		return convertSlice(flat), nil
	case []uint16:
		return convertSlice(flat), nil
	case []uint8:
		return convertSlice(flat), nil
	default:
		return nil, errors.Errorf("unsupported source type %T", flat)
	}
}

func convertSlice[T dtypes.Number](flat []T) []float64 {
	values := make([]float64, len(flat))
	for ii, v := range flat {
		values[ii] = float64(v)
	}
	return values
}
