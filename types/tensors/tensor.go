// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a host (CPU) representation of a multi-dimensional array.
//
// Tensors hold the values of model variables and the values embedded in constant nodes of a
// frozen graph. They are defined by their shape (a data type and its axes dimensions) and their
// content, stored as a flat little-endian array of bytes -- the same layout used by the
// `tensor_content` field of a serialized graph, so no conversion is needed when freezing or
// writing.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalar[T Supported](value T): creates a scalar Tensor.
//
//   - FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromRaw(shape shapes.Shape, data []byte): creates a Tensor from its raw bytes, as read from
//     a checkpoint or a serialized graph.
//
//   - FromFloat64s(shape shapes.Shape, values []float64): converts float64 values to the shape's DType.
//
// Tensors are treated as immutable once created: the freezing code shares them freely between
// sessions and graphs.
package tensors

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/graphfreeze/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Supported lists the Go types that can be used as the flat data of a Tensor.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		float16.Float16 | bfloat16.BFloat16 | float32 | float64
}

// Tensor represents a multidimensional array, defined by its shape (dtypes.DType and axes'
// dimensions) and its content stored as a flat (1D) array of bytes in little-endian order.
type Tensor struct {
	shape shapes.Shape
	data  []byte
}

// DTypeFor returns the DType corresponding to the Go type T.
func DTypeFor[T Supported]() dtypes.DType {
	var zero T
	switch any(zero).(type) {
	case bool:
		return dtypes.Bool
	case int8:
		return dtypes.Int8
	case int16:
		return dtypes.Int16
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case uint8:
		return dtypes.Uint8
	case uint16:
		return dtypes.Uint16
	case uint32:
		return dtypes.Uint32
	case uint64:
		return dtypes.Uint64
	case float16.Float16:
		return dtypes.Float16
	case bfloat16.BFloat16:
		return dtypes.BFloat16
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	}
	return dtypes.InvalidDType
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	return &Tensor{shape: shape.Clone(), data: make([]byte, shape.Memory())}
}

// FromRaw creates a Tensor with the given shape and a copy of the raw (little-endian) data.
// It returns an error if the size of data doesn't match the shape.
func FromRaw(shape shapes.Shape, data []byte) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("tensors.FromRaw(%s): invalid shape", shape)
	}
	if uintptr(len(data)) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromRaw(%s): shape requires %d bytes, got %d bytes",
			shape, shape.Memory(), len(data))
	}
	t := FromShape(shape)
	copy(t.data, data)
	return t, nil
}

// FromScalar creates a local tensor with the given scalar.
// The `DType` is inferred from the value.
func FromScalar[T Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
// The `DType` is inferred from the `data` type.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(DTypeFor[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d", shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	copy(t.data, bytesOf(data))
	return t
}

// bytesOf returns a view of the flat slice as bytes. It shares the memory with flat.
func bytesOf[T Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), uintptr(len(flat))*unsafe.Sizeof(zero))
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok()
}

// AssertValid panics if the tensor is nil or has an invalid shape.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensor is nil")
	}
	if !t.shape.Ok() {
		exceptions.Panicf("tensor has an invalid shape")
	}
}

// Bytes returns the raw little-endian content of the tensor.
// The Tensor owns the returned slice, don't change it.
func (t *Tensor) Bytes() []byte {
	t.AssertValid()
	return t.data
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	t2 := FromShape(t.shape)
	copy(t2.data, t.data)
	return t2
}

// Equal checks weather t == otherTensor: same shape and byte-identical content.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t == otherTensor {
		return true
	}
	if !t.Ok() || !otherTensor.Ok() {
		return false
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	return string(t.data) == string(otherTensor.data)
}

// CopyFlatData returns a copy of the flat data of the tensor.
// It panics if T doesn't match the tensor's DType.
func CopyFlatData[T Supported](t *Tensor) []T {
	t.AssertValid()
	if dtype := DTypeFor[T](); dtype != t.DType() {
		exceptions.Panicf("CopyFlatData[%s]: tensor has dtype %s", dtype, t.DType())
	}
	flat := make([]T, t.Size())
	copy(bytesOf(flat), t.data)
	return flat
}

// ToScalar returns the scalar value of the tensor.
// It panics if the tensor is not a scalar or if T doesn't match its DType.
func ToScalar[T Supported](t *Tensor) T {
	t.AssertValid()
	if !t.IsScalar() {
		exceptions.Panicf("ToScalar: tensor with shape %s is not a scalar", t.Shape())
	}
	return CopyFlatData[T](t)[0]
}

// maxStringValues is the maximum number of values printed by Tensor.String.
const maxStringValues = 16

// String implements fmt.Stringer, it prints the shape and the first values of the tensor.
func (t *Tensor) String() string {
	if !t.Ok() {
		return "Tensor(invalid)"
	}
	values, err := t.Float64s()
	if err != nil {
		return fmt.Sprintf("Tensor%s", t.shape)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%s: [", t.shape)
	for ii, v := range values {
		if ii >= maxStringValues {
			sb.WriteString(" ...")
			break
		}
		if ii > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("]")
	return sb.String()
}
