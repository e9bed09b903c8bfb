// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (dimensions and DType) of a tensor value held by a variable or
// embedded in a constant node of a computation graph. DType indicates the type of the unit
// element of the tensor, and it is the enumeration defined in github.com/gomlx/gopjrt/dtypes.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - DType: the data type of the unit element in a tensor.
//   - Scalar: is a shape where there are no axes (or dimensions), only a single value
//     of the associated DType.
//
// Example: the kernel of a dense layer with 2048 inputs and 256 outputs, stored as float32,
// has shape `(Float32)[2048 256]`, and it could be created with `shapes.Make(dtypes.Float32, 2048, 256)`.
package shapes

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape represents the shape of a tensor.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// Dimensions of size 0 are valid (empty tensors), negative dimensions are not.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s
}

// MakeChecked is like Make, but for dimensions that come from untrusted sources (files): it
// returns an error, instead of panicking, for a negative dimension or if the number of
// elements or bytes of the shape doesn't fit an int.
func MakeChecked(dtype dtypes.DType, dimensions ...int) (Shape, error) {
	size := 1
	for axis, dim := range dimensions {
		if dim < 0 {
			return Invalid(), errors.Errorf("shape (%s)%v: axis %d has negative dimension %d", dtype, dimensions, axis, dim)
		}
		if dim > 0 && size > math.MaxInt/dim {
			return Invalid(), errors.Errorf("shape (%s)%v: number of elements overflows", dtype, dimensions)
		}
		size *= dim
	}
	if elementSize := int(dtype.Memory()); elementSize > 0 && size > math.MaxInt/elementSize {
		return Invalid(), errors.Errorf("shape (%s)%v: size in bytes overflows", dtype, dimensions)
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}, nil
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// HasShape is implemented by anything that carries a Shape, tensors in particular.
type HasShape interface {
	Shape() Shape
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if s.Rank() != s2.Rank() {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}
