// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/graphfreeze/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

type realNumber interface {
	constraints.Integer | constraints.Float
}

func toFloat64s[T realNumber](flat []T) []float64 {
	values := make([]float64, len(flat))
	for ii, v := range flat {
		values[ii] = float64(v)
	}
	return values
}

func fromFloat64s[T realNumber](values []float64) []T {
	flat := make([]T, len(values))
	for ii, v := range values {
		flat[ii] = T(v)
	}
	return flat
}

// Float64s returns the values of the tensor converted to float64. Booleans are converted to 0 or 1.
//
// It returns an error for dtypes that have no real-number representation (complex numbers).
func (t *Tensor) Float64s() ([]float64, error) {
	t.AssertValid()
	switch t.DType() {
	case dtypes.Bool:
		flat := CopyFlatData[bool](t)
		values := make([]float64, len(flat))
		for ii, b := range flat {
			if b {
				values[ii] = 1
			}
		}
		return values, nil
	case dtypes.Int8:
		return toFloat64s(CopyFlatData[int8](t)), nil
	case dtypes.Int16:
		return toFloat64s(CopyFlatData[int16](t)), nil
	case dtypes.Int32:
		return toFloat64s(CopyFlatData[int32](t)), nil
	case dtypes.Int64:
		return toFloat64s(CopyFlatData[int64](t)), nil
	case dtypes.Uint8:
		return toFloat64s(CopyFlatData[uint8](t)), nil
	case dtypes.Uint16:
		return toFloat64s(CopyFlatData[uint16](t)), nil
	case dtypes.Uint32:
		return toFloat64s(CopyFlatData[uint32](t)), nil
	case dtypes.Uint64:
		return toFloat64s(CopyFlatData[uint64](t)), nil
	case dtypes.Float32:
		return toFloat64s(CopyFlatData[float32](t)), nil
	case dtypes.Float64:
		return CopyFlatData[float64](t), nil
	case dtypes.Float16:
		flat := CopyFlatData[float16.Float16](t)
		values := make([]float64, len(flat))
		for ii, v := range flat {
			values[ii] = float64(v.Float32())
		}
		return values, nil
	case dtypes.BFloat16:
		flat := CopyFlatData[bfloat16.BFloat16](t)
		values := make([]float64, len(flat))
		for ii, v := range flat {
			values[ii] = float64(v.Float32())
		}
		return values, nil
	}
	return nil, errors.Errorf("tensor dtype %s cannot be converted to float64", t.DType())
}

// FromFloat64s creates a tensor of the given shape with the values converted to the shape's DType.
// Integer dtypes truncate, Bool is true for any non-zero value.
func FromFloat64s(shape shapes.Shape, values []float64) (*Tensor, error) {
	if len(values) != shape.Size() {
		return nil, errors.Errorf("FromFloat64s(%s): got %d values, wanted %d", shape, len(values), shape.Size())
	}
	dims := shape.Dimensions
	switch shape.DType {
	case dtypes.Bool:
		flat := make([]bool, len(values))
		for ii, v := range values {
			flat[ii] = v != 0 && !math.IsNaN(v)
		}
		return FromFlatDataAndDimensions(flat, dims...), nil
	case dtypes.Int8:
		return FromFlatDataAndDimensions(fromFloat64s[int8](values), dims...), nil
	case dtypes.Int16:
		return FromFlatDataAndDimensions(fromFloat64s[int16](values), dims...), nil
	case dtypes.Int32:
		return FromFlatDataAndDimensions(fromFloat64s[int32](values), dims...), nil
	case dtypes.Int64:
		return FromFlatDataAndDimensions(fromFloat64s[int64](values), dims...), nil
	case dtypes.Uint8:
		return FromFlatDataAndDimensions(fromFloat64s[uint8](values), dims...), nil
	case dtypes.Uint16:
		return FromFlatDataAndDimensions(fromFloat64s[uint16](values), dims...), nil
	case dtypes.Uint32:
		return FromFlatDataAndDimensions(fromFloat64s[uint32](values), dims...), nil
	case dtypes.Uint64:
		return FromFlatDataAndDimensions(fromFloat64s[uint64](values), dims...), nil
	case dtypes.Float32:
		return FromFlatDataAndDimensions(fromFloat64s[float32](values), dims...), nil
	case dtypes.Float64:
		return FromFlatDataAndDimensions(values, dims...), nil
	case dtypes.Float16:
		flat := make([]float16.Float16, len(values))
		for ii, v := range values {
			flat[ii] = float16.Fromfloat32(float32(v))
		}
		return FromFlatDataAndDimensions(flat, dims...), nil
	case dtypes.BFloat16:
		flat := make([]bfloat16.BFloat16, len(values))
		for ii, v := range values {
			flat[ii] = bfloat16.FromFloat32(float32(v))
		}
		return FromFlatDataAndDimensions(flat, dims...), nil
	}
	return nil, errors.Errorf("FromFloat64s(%s): dtype not supported", shape)
}

// InDelta checks weather Abs(t - otherTensor) <= delta for every element.
// If the shapes are different it returns false.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	if t == otherTensor {
		return true
	}
	if !t.Ok() || !otherTensor.Ok() || !t.shape.Equal(otherTensor.shape) {
		return false
	}
	values0, err0 := t.Float64s()
	values1, err1 := otherTensor.Float64s()
	if err0 != nil || err1 != nil {
		return false
	}
	for ii := range values0 {
		if math.Abs(values0[ii]-values1[ii]) > delta {
			return false
		}
	}
	return true
}
