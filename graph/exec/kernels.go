// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphfreeze/graph"
	"github.com/gomlx/graphfreeze/types/shapes"
	"github.com/gomlx/graphfreeze/types/tensors"
)

// Kernel computes the value of a node given the values of its (data) inputs.
// Errors are reported by panicking (see exceptions.Panicf).
type Kernel func(node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor

// Kernels maps op types to their implementation.
var Kernels = map[string]Kernel{
	"Const":                  constKernel,
	"Placeholder":            placeholderKernel,
	"PlaceholderWithDefault": identityKernel,
	"Identity":               identityKernel,
	"ReadVariableOp":         identityKernel,
	"StopGradient":           identityKernel,
	"NoOp":                   noOpKernel,

	"Add":     binaryKernel(func(a, b float64) float64 { return a + b }),
	"AddV2":   binaryKernel(func(a, b float64) float64 { return a + b }),
	"Sub":     binaryKernel(func(a, b float64) float64 { return a - b }),
	"Mul":     binaryKernel(func(a, b float64) float64 { return a * b }),
	"RealDiv": binaryKernel(func(a, b float64) float64 { return a / b }),
	"Maximum": binaryKernel(math.Max),
	"Minimum": binaryKernel(math.Min),

	"Neg":     unaryKernel(func(x float64) float64 { return -x }),
	"Square":  unaryKernel(func(x float64) float64 { return x * x }),
	"Relu":    unaryKernel(func(x float64) float64 { return math.Max(x, 0) }),
	"Sigmoid": unaryKernel(func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }),
	"Tanh":    unaryKernel(math.Tanh),

	"MatMul":  matMulKernel,
	"BiasAdd": biasAddKernel,
	"Softmax": softmaxKernel,
}

func checkNumInputs(node *graph.Node, inputs []*tensors.Tensor, n int) {
	if len(inputs) != n {
		exceptions.Panicf("node %q (%s): expected %d inputs, got %d", node.Name, node.Op, n, len(inputs))
	}
}

func float64s(node *graph.Node, t *tensors.Tensor) []float64 {
	values, err := t.Float64s()
	if err != nil {
		exceptions.Panicf("node %q (%s): %v", node.Name, node.Op, err)
	}
	return values
}

func fromFloat64s(node *graph.Node, shape shapes.Shape, values []float64) *tensors.Tensor {
	t, err := tensors.FromFloat64s(shape, values)
	if err != nil {
		exceptions.Panicf("node %q (%s): %v", node.Name, node.Op, err)
	}
	return t
}

func constKernel(node *graph.Node, _ []*tensors.Tensor) *tensors.Tensor {
	value := node.Attr("value")
	if value == nil || value.Kind != graph.AttrTensor {
		exceptions.Panicf("node %q (Const): missing or unsupported \"value\" attribute", node.Name)
	}
	return value.Tensor
}

func placeholderKernel(node *graph.Node, _ []*tensors.Tensor) *tensors.Tensor {
	exceptions.Panicf("placeholder %q was not fed", node.Name)
	return nil
}

func identityKernel(node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	checkNumInputs(node, inputs, 1)
	return inputs[0]
}

func noOpKernel(_ *graph.Node, _ []*tensors.Tensor) *tensors.Tensor {
	return tensors.FromShape(shapes.Make(tensors.DTypeFor[bool](), 0))
}

func unaryKernel(fn func(x float64) float64) Kernel {
	return func(node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
		checkNumInputs(node, inputs, 1)
		values := float64s(node, inputs[0])
		for ii, v := range values {
			values[ii] = fn(v)
		}
		return fromFloat64s(node, inputs[0].Shape(), values)
	}
}

func binaryKernel(fn func(a, b float64) float64) Kernel {
	return func(node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
		checkNumInputs(node, inputs, 2)
		lhs, rhs := inputs[0], inputs[1]
		if lhs.DType() != rhs.DType() {
			exceptions.Panicf("node %q (%s): operands have different dtypes %s and %s", node.Name, node.Op, lhs.DType(), rhs.DType())
		}
		dims, ok := broadcastDims(lhs.Shape().Dimensions, rhs.Shape().Dimensions)
		if !ok {
			exceptions.Panicf("node %q (%s): shapes %s and %s are not compatible", node.Name, node.Op, lhs.Shape(), rhs.Shape())
		}
		output := shapes.Make(lhs.DType(), dims...)
		lhsValues, rhsValues := float64s(node, lhs), float64s(node, rhs)
		lhsIdx := broadcastIndices(dims, lhs.Shape().Dimensions)
		rhsIdx := broadcastIndices(dims, rhs.Shape().Dimensions)
		values := make([]float64, output.Size())
		for ii := range values {
			values[ii] = fn(lhsValues[lhsIdx[ii]], rhsValues[rhsIdx[ii]])
		}
		return fromFloat64s(node, output, values)
	}
}

func boolAttr(node *graph.Node, key string) bool {
	attr := node.Attr(key)
	return attr != nil && attr.Kind == graph.AttrBool && attr.B
}

// transpose2D transposes a row-major [rows, cols] matrix.
func transpose2D(values []float64, rows, cols int) []float64 {
	transposed := make([]float64, len(values))
	for row := range rows {
		for col := range cols {
			transposed[col*rows+row] = values[row*cols+col]
		}
	}
	return transposed
}

func matMulKernel(node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	checkNumInputs(node, inputs, 2)
	lhs, rhs := inputs[0], inputs[1]
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		exceptions.Panicf("node %q (MatMul): operands must be matrices, got %s and %s", node.Name, lhs.Shape(), rhs.Shape())
	}
	lhsValues, rhsValues := float64s(node, lhs), float64s(node, rhs)
	m, k := lhs.Shape().Dim(0), lhs.Shape().Dim(1)
	if boolAttr(node, "transpose_a") {
		lhsValues = transpose2D(lhsValues, m, k)
		m, k = k, m
	}
	k2, n := rhs.Shape().Dim(0), rhs.Shape().Dim(1)
	if boolAttr(node, "transpose_b") {
		rhsValues = transpose2D(rhsValues, k2, n)
		k2, n = n, k2
	}
	if k != k2 {
		exceptions.Panicf("node %q (MatMul): contracting dimensions don't match: %s x %s", node.Name, lhs.Shape(), rhs.Shape())
	}
	values := make([]float64, m*n)
	for row := range m {
		for col := range n {
			var sum float64
			for ii := range k {
				sum += lhsValues[row*k+ii] * rhsValues[ii*n+col]
			}
			values[row*n+col] = sum
		}
	}
	return fromFloat64s(node, shapes.Make(lhs.DType(), m, n), values)
}

func biasAddKernel(node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	checkNumInputs(node, inputs, 2)
	x, bias := inputs[0], inputs[1]
	if format := node.Attr("data_format"); format != nil && string(format.S) == "NCHW" {
		exceptions.Panicf("node %q (BiasAdd): data_format NCHW is not supported", node.Name)
	}
	if bias.Rank() != 1 || x.Rank() < 1 || x.Shape().Dim(-1) != bias.Shape().Dim(0) {
		exceptions.Panicf("node %q (BiasAdd): bias %s doesn't match the last axis of %s", node.Name, bias.Shape(), x.Shape())
	}
	values, biasValues := float64s(node, x), float64s(node, bias)
	for ii := range values {
		values[ii] += biasValues[ii%len(biasValues)]
	}
	return fromFloat64s(node, x.Shape(), values)
}

// softmaxKernel normalizes over the last axis.
func softmaxKernel(node *graph.Node, inputs []*tensors.Tensor) *tensors.Tensor {
	checkNumInputs(node, inputs, 1)
	x := inputs[0]
	if x.Rank() < 1 {
		exceptions.Panicf("node %q (Softmax): input must have rank >= 1, got %s", node.Name, x.Shape())
	}
	axisDim := x.Shape().Dim(-1)
	if axisDim == 0 {
		return x
	}
	values := float64s(node, x)
	for start := 0; start < len(values); start += axisDim {
		row := values[start : start+axisDim]
		maxValue := slices.Max(row)
		var sum float64
		for ii, v := range row {
			row[ii] = math.Exp(v - maxValue)
			sum += row[ii]
		}
		for ii := range row {
			row[ii] /= sum
		}
	}
	return fromFloat64s(node, x.Shape(), values)
}
