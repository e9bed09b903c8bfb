// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/graphfreeze/graph/exec"
	"github.com/gomlx/graphfreeze/graph/graphpb"
	"github.com/gomlx/graphfreeze/graph/graphtest"
	"github.com/gomlx/graphfreeze/ml/freeze"
	"github.com/gomlx/graphfreeze/ml/model"
	"github.com/gomlx/graphfreeze/ml/session"
	"github.com/gomlx/graphfreeze/ml/session/sessiontest"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T) options {
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "my_model")
	require.NoError(t, model.Save(sessiontest.AddModel(t), modelDir))
	return options{
		modelDir: modelDir,
		takeMean: 1,
		outputs:  []string{"C:0"},
		logDir:   filepath.Join(dir, "model"),
		name:     "tf_model_io.pb",
	}
}

func TestRun(t *testing.T) {
	opts := testOptions(t)
	opts.summary = true
	opts.progress = true
	path, err := run(opts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(opts.logDir, opts.name), path)

	frozen := must.M1(graphpb.ReadGraph(path))
	assert.Equal(t, "Const", frozen.Node("A").Op)
	assert.Empty(t, frozen.Node("A").Device)
	assert.False(t, frozen.Has("init"))
	results, err := exec.Run(frozen, nil, nil, "C")
	require.NoError(t, err)
	assert.Equal(t, float32(8), tensors.ToScalar[float32](results[0]))
}

func TestRunTakeMean(t *testing.T) {
	opts := testOptions(t)
	sess := sessiontest.AddModel(t)
	require.NoError(t, sess.GetVariable("A").SetValue(tensors.FromScalar(float32(7))))
	require.NoError(t, model.Build(opts.modelDir).Keep(-1).Save(sess))
	opts.takeMean = 2
	path, err := run(opts)
	require.NoError(t, err)

	// A is the mean of 5 and 7.
	frozen := must.M1(graphpb.ReadGraph(path))
	results, err := exec.Run(frozen, nil, nil, "C")
	require.NoError(t, err)
	assert.InDelta(t, 9.0, tensors.ToScalar[float32](results[0]), 1e-6)
}

func TestRunKeepVars(t *testing.T) {
	opts := testOptions(t)
	opts.keepVars = []string{"A"}
	opts.keepDevices = true
	opts.asText = true
	opts.name = "tf_model_io" + graphpb.TextExtension
	path, err := run(opts)
	require.NoError(t, err)
	contents := string(must.M1(os.ReadFile(path)))
	assert.Regexp(t, `op:\s*"VariableV2"`, contents)
	assert.Regexp(t, `device:\s*"/device:CPU:0"`, contents)

	frozen := must.M1(graphpb.ReadGraph(path))
	assert.Equal(t, "VariableV2", frozen.Node("A").Op)
	assert.Equal(t, "Const", frozen.Node("B").Op)
}

func TestRunFailures(t *testing.T) {
	opts := testOptions(t)
	opts.outputs = []string{"Z"}
	_, err := run(opts)
	require.ErrorIs(t, err, freeze.ErrUnknownOutput)
	_, err = os.Stat(opts.logDir)
	assert.True(t, os.IsNotExist(err))

	opts = testOptions(t)
	opts.modelDir = filepath.Join(t.TempDir(), "missing")
	_, err = run(opts)
	require.Error(t, err)

	// Model graph without checkpoint values: variables are uninitialized.
	opts = testOptions(t)
	opts.modelDir = t.TempDir()
	_, err = graphpb.WriteGraph(graphtest.AddGraph(t), opts.modelDir, model.GraphFileName, false)
	require.NoError(t, err)
	_, err = run(opts)
	require.ErrorIs(t, err, session.ErrUninitialized)
	_, err = os.Stat(opts.logDir)
	assert.True(t, os.IsNotExist(err))
}

func TestSortedOps(t *testing.T) {
	ops := sortedOps(map[string]int{"Const": 3, "AddV2": 1, "Identity": 3})
	assert.Equal(t, []opCount{{"Const", 3}, {"Identity", 3}, {"AddV2", 1}}, ops)
}
