// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model_test

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/graphfreeze/graph/graphpb"
	"github.com/gomlx/graphfreeze/graph/graphtest"
	"github.com/gomlx/graphfreeze/ml/model"
	"github.com/gomlx/graphfreeze/ml/session"
	"github.com/gomlx/graphfreeze/ml/session/sessiontest"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my_model")
	require.NoError(t, model.Save(sessiontest.AddModel(t), dir))
	// Saving twice keeps only the latest checkpoint.
	require.NoError(t, model.Save(sessiontest.AddModel(t), dir))

	sess, err := model.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sess.VariableNames())
	results, err := sess.Run(nil, "C")
	require.NoError(t, err)
	assert.Equal(t, float32(8), tensors.ToScalar[float32](results[0]))
}

func TestTakeMean(t *testing.T) {
	dir := t.TempDir()
	sess := sessiontest.AddModel(t)
	require.NoError(t, model.Build(dir).Keep(-1).Save(sess))
	require.NoError(t, sess.GetVariable("A").SetValue(tensors.FromScalar(float32(7))))
	require.NoError(t, model.Build(dir).Keep(-1).Save(sess))

	readA := func(sess *session.Session) float32 {
		value, err := sess.ReadVariable("A")
		require.NoError(t, err)
		return tensors.ToScalar[float32](value)
	}
	latest, err := model.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, float32(7), readA(latest))
	mean, err := model.Build(dir).TakeMean(2).Load()
	require.NoError(t, err)
	assert.InDelta(t, 6.0, readA(mean), 1e-6)

	// Keep(1), the default, removes the older checkpoints.
	require.NoError(t, model.Save(sess, dir))
	mean, err = model.Build(dir).TakeMean(-1).Load()
	require.NoError(t, err)
	assert.Equal(t, float32(7), readA(mean))
}

func TestLoadUninitialized(t *testing.T) {
	dir := t.TempDir()
	_, err := graphpb.WriteGraph(graphtest.DenseGraph(t), dir, model.GraphFileName, false)
	require.NoError(t, err)
	sess, err := model.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.NumVariables())
	_, err = sess.ReadVariable("dense/kernel")
	require.ErrorIs(t, err, session.ErrUninitialized)
}

func TestLoadTextGraph(t *testing.T) {
	dir := t.TempDir()
	_, err := graphpb.WriteGraph(graphtest.DenseGraph(t), dir, model.GraphTextFileName, true)
	require.NoError(t, err)
	sess, err := model.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.NumVariables())
	assert.Equal(t, "Softmax", must.M1(sess.Graph()).Node("dense/Softmax").Op)
}

func TestLoadErrors(t *testing.T) {
	_, err := model.Load(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	err = model.Save(session.New(nil), t.TempDir())
	require.ErrorIs(t, err, session.ErrNoGraph)
}
