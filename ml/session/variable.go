// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/gomlx/graphfreeze/types/shapes"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/pkg/errors"
)

// Variable holds the current value of a model variable (a weight). Its name is the name of the
// graph node that represents it.
//
// The value can be accessed with Value and changed with SetValue. Values are treated as
// immutable: SetValue replaces the tensor, it doesn't change it in place.
type Variable struct {
	name string

	// Trainable indicates whether variable is trainable. If set to false it won't be
	// averaged when loading the mean of checkpoints.
	Trainable bool

	shape shapes.Shape
	value *tensors.Tensor // nil if not initialized.
}

// Name of the variable, the same as the graph node that holds it.
func (v *Variable) Name() string {
	return v.name
}

// String implements stringer.
func (v *Variable) String() string {
	if v == nil {
		return "INVALID (NIL) VARIABLE"
	}
	if v.value == nil {
		return fmt.Sprintf("%s%s (uninitialized)", v.name, v.shape)
	}
	return fmt.Sprintf("%s%s", v.name, v.shape)
}

// Shape returns the variable shape.
func (v *Variable) Shape() shapes.Shape {
	if v == nil {
		return shapes.Shape{}
	}
	return v.shape
}

// IsInitialized returns whether the variable has a value.
func (v *Variable) IsInitialized() bool {
	return v != nil && v.value != nil
}

// Value returns the tensor holding the variable value, or an error wrapping ErrUninitialized.
func (v *Variable) Value() (*tensors.Tensor, error) {
	if !v.IsInitialized() {
		return nil, errors.Wrapf(ErrUninitialized, "variable %q", v.Name())
	}
	return v.value, nil
}

// SetValue updates the tensor holding the variable value. The value must have the variable's shape.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	if value == nil || !value.Ok() {
		return errors.Errorf("variable %q: invalid value", v.name)
	}
	if !value.Shape().Equal(v.shape) {
		return errors.Errorf("variable %q has shape %s, but value has shape %s -- did the model change since "+
			"the value was saved?", v.name, v.shape, value.Shape())
	}
	v.value = value
	return nil
}

// SetTrainable sets the variable trainable status. Returns itself, so calls can be cascaded.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.Trainable = trainable
	return v
}
