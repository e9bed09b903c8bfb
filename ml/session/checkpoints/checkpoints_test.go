// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphfreeze/graph/graphtest"
	"github.com/gomlx/graphfreeze/ml/session"
	"github.com/gomlx/graphfreeze/ml/session/sessiontest"
	"github.com/gomlx/graphfreeze/types/shapes"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoints(t *testing.T) {
	var dir string
	{
		// Build model, checkpoint a few times.
		sess := sessiontest.DenseModel(t)
		step, err := sess.VariableWithValue(GlobalStepVariableName, tensors.FromScalar(int64(0)))
		require.NoError(t, err)
		step.SetTrainable(false)
		dir = filepath.Join(t.TempDir(), "checkpoints")
		checkpoint, err := Build(sess).Dir(dir).Keep(3).Done()
		require.NoError(t, err)
		assert.Equal(t, dir, checkpoint.Dir())
		for ii := range 10 {
			require.NoError(t, step.SetValue(tensors.FromScalar(int64(ii+1))))
			require.NoError(t, checkpoint.Save(), "Saving checkpoint")
		}

		// Check the correct number of checkpoints (3) remain.
		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		require.Len(t, list, 3, "Number of remaining checkpoints")
		assert.Contains(t, list[2], "-step-00000010")
		assert.Equal(t, 9, maxCheckPointCountFromCheckpoints(list))
	}

	// Test loading of values.
	{
		sess := session.New(graphtest.DenseGraph(t))
		checkpoint, err := Build(sess).Dir(dir).Keep(3).Done()
		require.NoError(t, err)

		// Nothing registered yet: all values are pending.
		assert.Len(t, checkpoint.LoadedVariables(), 3)
		require.NoError(t, sess.RegisterGraphVariables())
		assert.Len(t, checkpoint.LoadedVariables(), 1) // global_step is not in the graph.

		kernel, err := sess.ReadVariable("dense/kernel")
		require.NoError(t, err)
		assert.Equal(t, sessiontest.DenseKernel, tensors.CopyFlatData[float32](kernel))
		bias, err := sess.ReadVariable("dense/bias")
		require.NoError(t, err)
		assert.Equal(t, sessiontest.DenseBias, tensors.CopyFlatData[float32](bias))

		// Saving keeps the values not used by the session.
		require.NoError(t, checkpoint.Save())
		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		assert.Len(t, list, 3)
		assert.Contains(t, list[2], "checkpoint-n0000010-")
		assert.Contains(t, list[2], "-initial", "global_step is not a variable of this session")
	}

	// Variables already registered are loaded when the Handler is created.
	{
		sess, err := session.FromGraph(graphtest.DenseGraph(t))
		require.NoError(t, err)
		_, err = Build(sess).Dir(dir).Done()
		require.NoError(t, err)
		assert.True(t, sess.GetVariable("dense/kernel").IsInitialized())
		assert.True(t, sess.GetVariable("dense/bias").IsInitialized())
	}

	// SaveOnly doesn't load anything.
	{
		sess, err := session.FromGraph(graphtest.DenseGraph(t))
		require.NoError(t, err)
		checkpoint, err := Build(sess).Dir(dir).SaveOnly().Done()
		require.NoError(t, err)
		assert.False(t, sess.GetVariable("dense/kernel").IsInitialized())
		assert.Empty(t, checkpoint.LoadedVariables())
	}
}

func TestTakeMean(t *testing.T) {
	dir := t.TempDir()
	sess := session.New(nil)
	w, err := sess.VariableWithValue("w", tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2))
	require.NoError(t, err)
	counter, err := sess.VariableWithValue("counter", tensors.FromScalar(int32(0)))
	require.NoError(t, err)
	checkpoint, err := Build(sess).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)
	for ii := range 3 {
		require.NoError(t, w.SetValue(tensors.FromFlatDataAndDimensions([]float32{float32(ii), 10 * float32(ii)}, 2)))
		require.NoError(t, counter.SetValue(tensors.FromScalar(int32(ii))))
		require.NoError(t, checkpoint.Save())
	}

	sess = session.New(nil)
	_, err = Build(sess).Dir(dir).TakeMean(-1).Done()
	require.NoError(t, err)
	w, err = sess.AddVariable("w", shapes.Make(tensors.DTypeFor[float32](), 2))
	require.NoError(t, err)
	counter, err = sess.AddVariable("counter", shapes.Scalar(tensors.DTypeFor[int32]()))
	require.NoError(t, err)
	wValue, err := w.Value()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 10}, tensors.CopyFlatData[float32](wValue), 1e-5)
	counterValue, err := counter.Value()
	require.NoError(t, err)
	assert.Equal(t, int32(2), tensors.ToScalar[int32](counterValue), "integer variables are taken from the last checkpoint")
}

func TestConfigErrors(t *testing.T) {
	sess := session.New(nil)
	_, err := Build(sess).Done()
	require.Error(t, err, "no directory configured")

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = Build(sess).Dir(file).Done()
	require.Error(t, err, "directory is a file")

	// Corrupted metadata.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint-n0000000-20240101-000000-initial.json"), []byte("{"), 0644))
	_, err = Build(sess).Dir(dir).Done()
	require.Error(t, err)
}

// saveCorrupted saves the AddModel variables to a new directory and rewrites the
// metadata with edit applied to the saved variable.
func saveCorrupted(t *testing.T, edit func(v *serializedVar)) string {
	dir := t.TempDir()
	checkpoint, err := Build(sessiontest.AddModel(t)).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())
	list, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 1)

	jsonFileName := filepath.Join(dir, list[0]+jsonNameSuffix)
	contents, err := os.ReadFile(jsonFileName)
	require.NoError(t, err)
	var serialized serializedData
	require.NoError(t, json.Unmarshal(contents, &serialized))
	require.Len(t, serialized.Variables, 1)
	edit(&serialized.Variables[0])
	contents, err = json.Marshal(&serialized)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(jsonFileName, contents, 0644))
	return dir
}

func TestCorruptedMetadata(t *testing.T) {
	for name, edit := range map[string]func(v *serializedVar){
		"negative dimension": func(v *serializedVar) { v.Dimensions = []int{-1} },
		"overflowing shape":  func(v *serializedVar) { v.Dimensions = []int{1 << 40, 1 << 30} },
		"invalid dtype":      func(v *serializedVar) { v.DType = dtypes.InvalidDType },
		"wrong length":       func(v *serializedVar) { v.Length = 3 },
		"beyond end of file": func(v *serializedVar) { v.Pos = 1000 },
		"negative position":  func(v *serializedVar) { v.Pos = -4 },
	} {
		t.Run(name, func(t *testing.T) {
			dir := saveCorrupted(t, edit)
			var err error
			require.NotPanics(t, func() {
				_, err = Build(session.New(nil)).Dir(dir).Done()
			})
			require.Error(t, err)
		})
	}

	// Unchanged metadata loads fine.
	dir := saveCorrupted(t, func(*serializedVar) {})
	sess := session.New(nil)
	_, err := Build(sess).Dir(dir).Done()
	require.NoError(t, err)
}
