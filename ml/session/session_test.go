// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session_test

import (
	"testing"

	"github.com/gomlx/graphfreeze/graph"
	"github.com/gomlx/graphfreeze/graph/graphtest"
	"github.com/gomlx/graphfreeze/ml/session"
	"github.com/gomlx/graphfreeze/ml/session/sessiontest"
	"github.com/gomlx/graphfreeze/types/shapes"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromGraph(t *testing.T) {
	sess, err := session.FromGraph(graphtest.DenseGraph(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"dense/kernel", "dense/bias"}, sess.VariableNames())
	assert.Equal(t, 2, sess.NumVariables())
	assert.Equal(t, 8, sess.NumParameters())
	assert.Equal(t, uintptr(32), sess.Memory())

	kernel := sess.GetVariable("dense/kernel")
	require.NotNil(t, kernel)
	assert.Equal(t, []int{3, 2}, kernel.Shape().Dimensions)
	assert.Equal(t, tensors.DTypeFor[float32](), kernel.Shape().DType)
	assert.False(t, kernel.IsInitialized())
	assert.True(t, kernel.Trainable)

	_, err = kernel.Value()
	require.ErrorIs(t, err, session.ErrUninitialized)
	_, err = sess.ReadVariable("dense/bias")
	require.ErrorIs(t, err, session.ErrUninitialized)
	_, err = sess.ReadVariable("missing")
	require.ErrorIs(t, err, session.ErrUninitialized)

	// Registering again is a no-op.
	require.NoError(t, sess.RegisterGraphVariables())
	assert.Equal(t, 2, sess.NumVariables())
}

func TestNoGraph(t *testing.T) {
	sess := session.New(nil)
	_, err := sess.Graph()
	require.ErrorIs(t, err, session.ErrNoGraph)
	require.ErrorIs(t, sess.RegisterGraphVariables(), session.ErrNoGraph)
	_, err = sess.Run(nil, "C")
	require.ErrorIs(t, err, session.ErrNoGraph)
}

func TestVariables(t *testing.T) {
	sess := session.New(graph.New())
	v, err := sess.VariableWithValue("w", tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2))
	require.NoError(t, err)
	assert.True(t, v.IsInitialized())
	_, err = sess.VariableWithValue("w", tensors.FromScalar(1.0))
	require.Error(t, err)

	// Shape is checked when setting a value.
	require.Error(t, v.SetValue(tensors.FromScalar(1.0)))
	require.Error(t, v.SetValue(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)))
	require.NoError(t, v.SetValue(tensors.FromFlatDataAndDimensions([]float64{3, 4}, 2)))
	value, err := sess.ReadVariable("w")
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, tensors.CopyFlatData[float64](value))

	step, err := sess.AddVariable("global_step", shapes.Scalar(tensors.DTypeFor[int64]()))
	require.NoError(t, err)
	step.SetTrainable(false)
	assert.False(t, step.Trainable)
	assert.Contains(t, step.String(), "uninitialized")
	_, err = sess.AddVariable("global_step", shapes.Scalar(tensors.DTypeFor[int64]()))
	require.Error(t, err)

	var names []string
	sess.EnumerateVariables(func(v *session.Variable) { names = append(names, v.Name()) })
	assert.Equal(t, []string{"w", "global_step"}, names)
}

// mapLoader implements session.Loader with a map.
type mapLoader map[string]*tensors.Tensor

func (l mapLoader) LoadVariable(_ *session.Session, v *session.Variable) (*tensors.Tensor, bool) {
	value, found := l[v.Name()]
	return value, found
}

func TestLoader(t *testing.T) {
	sess := session.New(graphtest.AddGraph(t))
	sess.SetLoader(mapLoader{"A": tensors.FromScalar(float32(7))})
	require.NoError(t, sess.RegisterGraphVariables())
	results, err := sess.Run(nil, "C")
	require.NoError(t, err)
	assert.Equal(t, float32(10), tensors.ToScalar[float32](results[0]))

	// A loaded value with the wrong shape is an error.
	sess = session.New(graphtest.AddGraph(t))
	sess.SetLoader(mapLoader{"A": tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)})
	require.Error(t, sess.RegisterGraphVariables())
}

func TestRun(t *testing.T) {
	sess := sessiontest.AddModel(t)
	results, err := sess.Run(nil, "C")
	require.NoError(t, err)
	assert.Equal(t, float32(8), tensors.ToScalar[float32](results[0]))

	sess = sessiontest.DenseModel(t)
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 1, 3)
	results, err = sess.Run(map[string]*tensors.Tensor{"x": x}, "dense/BiasAdd")
	require.NoError(t, err)
	assert.Equal(t, []float32{4.5, -1.5}, tensors.CopyFlatData[float32](results[0]))
}
