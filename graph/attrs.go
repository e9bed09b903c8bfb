// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphfreeze/types/shapes"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/pkg/errors"
)

// AttrKind indicates which field of an AttrValue is set.
type AttrKind int

const (
	AttrInvalid AttrKind = iota
	AttrString
	AttrInt
	AttrFloat
	AttrBool
	AttrType
	AttrShape
	AttrTensor
	AttrList

	// AttrRaw holds an attribute this package doesn't interpret (functions, placeholders,
	// tensors of strings or resources). Its serialized bytes are kept verbatim in AttrValue.Raw.
	AttrRaw
)

// AttrValue is the value of a node attribute. Exactly one of its fields is meaningful, as
// indicated by Kind.
type AttrValue struct {
	Kind AttrKind

	S      []byte
	I      int64
	F      float32
	B      bool
	Type   DataType
	Shape  *TensorShape
	Tensor *tensors.Tensor
	List   *AttrListValue

	// Raw is the serialized AttrValue message, for Kind == AttrRaw.
	Raw []byte
}

// AttrListValue holds the values of a list attribute. Usually only one of the slices is non-empty.
type AttrListValue struct {
	S      [][]byte
	I      []int64
	F      []float32
	B      []bool
	Type   []DataType
	Shape  []*TensorShape
	Tensor []*tensors.Tensor
}

// TensorShape is a possibly partially known shape: dimensions set to -1 are unknown, and
// UnknownRank means not even the number of dimensions is known.
type TensorShape struct {
	Dims        []int64
	UnknownRank bool

	// DimNames are the optional names of the dimensions. If not empty it has the same length as Dims.
	DimNames []string
}

// StringAttr returns an attribute holding a string.
func StringAttr(s string) *AttrValue { return &AttrValue{Kind: AttrString, S: []byte(s)} }

// IntAttr returns an attribute holding an int.
func IntAttr(i int64) *AttrValue { return &AttrValue{Kind: AttrInt, I: i} }

// FloatAttr returns an attribute holding a float.
func FloatAttr(f float32) *AttrValue { return &AttrValue{Kind: AttrFloat, F: f} }

// BoolAttr returns an attribute holding a bool.
func BoolAttr(b bool) *AttrValue { return &AttrValue{Kind: AttrBool, B: b} }

// TypeAttr returns an attribute holding a DataType.
func TypeAttr(dt DataType) *AttrValue { return &AttrValue{Kind: AttrType, Type: dt} }

// ShapeAttr returns an attribute holding a shape.
func ShapeAttr(shape *TensorShape) *AttrValue { return &AttrValue{Kind: AttrShape, Shape: shape} }

// TensorAttr returns an attribute holding a tensor value.
func TensorAttr(t *tensors.Tensor) *AttrValue { return &AttrValue{Kind: AttrTensor, Tensor: t} }

// ListAttr returns an attribute holding a list.
func ListAttr(list *AttrListValue) *AttrValue { return &AttrValue{Kind: AttrList, List: list} }

// Clone returns a copy of the attribute. Tensors are immutable and shared.
func (a *AttrValue) Clone() *AttrValue {
	if a == nil {
		return nil
	}
	a2 := *a
	a2.S = slices.Clone(a.S)
	a2.Raw = slices.Clone(a.Raw)
	a2.Shape = a.Shape.Clone()
	if a.List != nil {
		l := *a.List
		l.S = make([][]byte, len(a.List.S))
		for ii, s := range a.List.S {
			l.S[ii] = slices.Clone(s)
		}
		l.I = slices.Clone(a.List.I)
		l.F = slices.Clone(a.List.F)
		l.B = slices.Clone(a.List.B)
		l.Type = slices.Clone(a.List.Type)
		l.Shape = make([]*TensorShape, len(a.List.Shape))
		for ii, s := range a.List.Shape {
			l.Shape[ii] = s.Clone()
		}
		l.Tensor = slices.Clone(a.List.Tensor)
		a2.List = &l
	}
	return &a2
}

// String implements fmt.Stringer.
func (a *AttrValue) String() string {
	if a == nil {
		return "<nil>"
	}
	switch a.Kind {
	case AttrString:
		return fmt.Sprintf("%q", a.S)
	case AttrInt:
		return fmt.Sprintf("%d", a.I)
	case AttrFloat:
		return fmt.Sprintf("%g", a.F)
	case AttrBool:
		return fmt.Sprintf("%v", a.B)
	case AttrType:
		return a.Type.String()
	case AttrShape:
		return a.Shape.String()
	case AttrTensor:
		return a.Tensor.String()
	case AttrList:
		return fmt.Sprintf("list(%d s, %d i, %d f, %d b, %d type, %d shape, %d tensor)",
			len(a.List.S), len(a.List.I), len(a.List.F), len(a.List.B), len(a.List.Type), len(a.List.Shape), len(a.List.Tensor))
	case AttrRaw:
		return fmt.Sprintf("raw(%d bytes)", len(a.Raw))
	}
	return "<invalid>"
}

// ShapeFrom returns the TensorShape of a fully known shape.
func ShapeFrom(shape shapes.Shape) *TensorShape {
	ts := &TensorShape{Dims: make([]int64, shape.Rank())}
	for ii, dim := range shape.Dimensions {
		ts.Dims[ii] = int64(dim)
	}
	return ts
}

// Clone returns a deep copy of the shape.
func (ts *TensorShape) Clone() *TensorShape {
	if ts == nil {
		return nil
	}
	return &TensorShape{Dims: slices.Clone(ts.Dims), UnknownRank: ts.UnknownRank, DimNames: slices.Clone(ts.DimNames)}
}

// IsFullyDefined returns whether the rank and all dimensions are known.
func (ts *TensorShape) IsFullyDefined() bool {
	if ts == nil || ts.UnknownRank {
		return false
	}
	for _, dim := range ts.Dims {
		if dim < 0 {
			return false
		}
	}
	return true
}

// ToShape converts to a shapes.Shape with the given dtype. It returns an error if the shape is
// not fully defined or too large.
func (ts *TensorShape) ToShape(dtype dtypes.DType) (shapes.Shape, error) {
	if !ts.IsFullyDefined() {
		return shapes.Invalid(), errors.Errorf("shape %s is not fully defined", ts)
	}
	dims := make([]int, len(ts.Dims))
	for ii, dim := range ts.Dims {
		if dim > math.MaxInt {
			return shapes.Invalid(), errors.Errorf("shape %s: dimension %d too large", ts, dim)
		}
		dims[ii] = int(dim)
	}
	return shapes.MakeChecked(dtype, dims...)
}

// String implements fmt.Stringer.
func (ts *TensorShape) String() string {
	if ts == nil || ts.UnknownRank {
		return "<unknown>"
	}
	return fmt.Sprintf("%v", ts.Dims)
}
