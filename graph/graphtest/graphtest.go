// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package: node
// constructors for the common op types and a couple of small model graphs.
package graphtest

import (
	"testing"

	"github.com/gomlx/graphfreeze/graph"
	"github.com/gomlx/graphfreeze/types/shapes"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/stretchr/testify/require"
)

// DefaultProducer is the producer version set in the test graphs.
const DefaultProducer = 27

// Const returns a "Const" node holding value.
func Const(name string, value *tensors.Tensor) *graph.Node {
	return graph.NewNode(name, "Const").
		SetAttr("dtype", graph.TypeAttr(graph.DataTypeFor(value.DType()))).
		SetAttr("value", graph.TensorAttr(value))
}

// Placeholder returns a "Placeholder" node; the shape may be partially unknown (-1 dimensions).
func Placeholder(name string, dt graph.DataType, dims ...int64) *graph.Node {
	return graph.NewNode(name, "Placeholder").
		SetAttr("dtype", graph.TypeAttr(dt)).
		SetAttr("shape", graph.ShapeAttr(&graph.TensorShape{Dims: dims}))
}

// VariableV2 returns a legacy (reference) variable node.
func VariableV2(name string, shape shapes.Shape) *graph.Node {
	return graph.NewNode(name, "VariableV2").
		SetAttr("dtype", graph.TypeAttr(graph.DataTypeFor(shape.DType))).
		SetAttr("shape", graph.ShapeAttr(graph.ShapeFrom(shape))).
		SetAttr("container", graph.StringAttr("")).
		SetAttr("shared_name", graph.StringAttr(""))
}

// VarHandleOp returns a resource variable node.
func VarHandleOp(name string, shape shapes.Shape) *graph.Node {
	return graph.NewNode(name, "VarHandleOp").
		SetAttr("dtype", graph.TypeAttr(graph.DataTypeFor(shape.DType))).
		SetAttr("shape", graph.ShapeAttr(graph.ShapeFrom(shape))).
		SetAttr("container", graph.StringAttr("")).
		SetAttr("shared_name", graph.StringAttr(name))
}

// ReadVariableOp returns a node that reads the resource variable named handle.
func ReadVariableOp(name, handle string, dt graph.DataType) *graph.Node {
	return graph.NewNode(name, "ReadVariableOp", handle).
		SetAttr("dtype", graph.TypeAttr(dt))
}

// Op returns a node of the given op type, with the "T" attribute set to dt.
func Op(name, op string, dt graph.DataType, inputs ...string) *graph.Node {
	return graph.NewNode(name, op, inputs...).SetAttr("T", graph.TypeAttr(dt))
}

// AddGraph builds the graph C = A + B, where A is a scalar float32 variable and B the
// constant 3. It also holds A's initializer (A/initial_value, A/Assign and init), which is
// not needed to compute C. All nodes are placed on "/device:CPU:0".
func AddGraph(t *testing.T) *graph.Graph {
	scalar := shapes.Make(tensors.DTypeFor[float32]())
	g := graph.New()
	g.Versions.Producer = DefaultProducer
	require.NoError(t, g.AddNode(
		VariableV2("A", scalar),
		Const("A/initial_value", tensors.FromScalar(float32(5))),
		Op("A/Assign", "Assign", graph.DTFloat, "A", "A/initial_value").
			SetAttr("use_locking", graph.BoolAttr(true)).
			SetAttr("validate_shape", graph.BoolAttr(true)),
		Const("B", tensors.FromScalar(float32(3))),
		Op("C", "AddV2", graph.DTFloat, "A", "B"),
		graph.NewNode("init", "NoOp", "^A/Assign"),
	))
	for _, node := range g.Nodes {
		node.Device = "/device:CPU:0"
	}
	require.NoError(t, g.Validate())
	return g
}

// DenseGraph builds a one layer softmax classifier with resource variables, the way Keras
// writes it: probabilities = Softmax(x @ dense/kernel + dense/bias), where x is a [?, 3]
// placeholder and there are 2 classes.
//
// It also holds a training loss subgraph (labels, loss/Sub, loss/Square), not needed
// to compute "dense/Softmax".
func DenseGraph(t *testing.T) *graph.Graph {
	f32 := tensors.DTypeFor[float32]()
	g := graph.New()
	g.Versions.Producer = DefaultProducer
	require.NoError(t, g.AddNode(
		Placeholder("x", graph.DTFloat, -1, 3),
		VarHandleOp("dense/kernel", shapes.Make(f32, 3, 2)),
		VarHandleOp("dense/bias", shapes.Make(f32, 2)),
		ReadVariableOp("dense/MatMul/ReadVariableOp", "dense/kernel", graph.DTFloat),
		Op("dense/MatMul", "MatMul", graph.DTFloat, "x", "dense/MatMul/ReadVariableOp").
			SetAttr("transpose_a", graph.BoolAttr(false)).
			SetAttr("transpose_b", graph.BoolAttr(false)),
		ReadVariableOp("dense/BiasAdd/ReadVariableOp", "dense/bias", graph.DTFloat),
		Op("dense/BiasAdd", "BiasAdd", graph.DTFloat, "dense/MatMul", "dense/BiasAdd/ReadVariableOp").
			SetAttr("data_format", graph.StringAttr("NHWC")),
		Op("dense/Softmax", "Softmax", graph.DTFloat, "dense/BiasAdd"),
		Placeholder("labels", graph.DTFloat, -1, 2),
		Op("loss/Sub", "Sub", graph.DTFloat, "dense/Softmax", "labels"),
		Op("loss/Square", "Square", graph.DTFloat, "loss/Sub"),
	))
	g.Node("dense/kernel").Device = "/job:localhost/replica:0/task:0/device:GPU:0"
	g.Node("dense/MatMul").Device = "/job:localhost/replica:0/task:0/device:GPU:0"
	require.NoError(t, g.Validate())
	return g
}
