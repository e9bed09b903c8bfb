// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sessiontest builds small live sessions for tests, on top of the graphs of graphtest.
package sessiontest

import (
	"testing"

	"github.com/gomlx/graphfreeze/graph/graphtest"
	"github.com/gomlx/graphfreeze/ml/session"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/stretchr/testify/require"
)

// AddModel returns a session for graphtest.AddGraph (C = A + B, B = 3) with A = 5.
func AddModel(t *testing.T) *session.Session {
	sess, err := session.FromGraph(graphtest.AddGraph(t))
	require.NoError(t, err)
	require.NoError(t, sess.GetVariable("A").SetValue(tensors.FromScalar(float32(5))))
	return sess
}

// DenseKernel and DenseBias are the values of the variables of DenseModel.
var (
	DenseKernel = []float32{1, 0, 0, 1, 1, -1}
	DenseBias   = []float32{0.5, -0.5}
)

// DenseModel returns a session for graphtest.DenseGraph with the variables set to DenseKernel
// and DenseBias.
func DenseModel(t *testing.T) *session.Session {
	sess, err := session.FromGraph(graphtest.DenseGraph(t))
	require.NoError(t, err)
	require.NoError(t, sess.GetVariable("dense/kernel").SetValue(tensors.FromFlatDataAndDimensions(DenseKernel, 3, 2)))
	require.NoError(t, sess.GetVariable("dense/bias").SetValue(tensors.FromFlatDataAndDimensions(DenseBias, 2)))
	return sess
}
