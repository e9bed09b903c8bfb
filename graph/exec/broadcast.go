// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

// broadcastDims returns the dimensions of the result of a binary operation, following the
// numpy broadcasting rules. It returns false if the dimensions are not compatible.
func broadcastDims(lhs, rhs []int) ([]int, bool) {
	rank := max(len(lhs), len(rhs))
	dims := make([]int, rank)
	for ii := range rank {
		l, r := 1, 1
		if jj := ii - (rank - len(lhs)); jj >= 0 {
			l = lhs[jj]
		}
		if jj := ii - (rank - len(rhs)); jj >= 0 {
			r = rhs[jj]
		}
		switch {
		case l == r || r == 1:
			dims[ii] = l
		case l == 1:
			dims[ii] = r
		default:
			return nil, false
		}
	}
	return dims, true
}

// broadcastIndices returns, for each element of a tensor with dimensions outDims, the flat
// index of the element of the operand with dimensions inDims that is broadcast to it.
func broadcastIndices(outDims, inDims []int) []int {
	size := 1
	for _, dim := range outDims {
		size *= dim
	}
	// Strides of the operand, aligned to the output axes: 0 for broadcast axes.
	strides := make([]int, len(outDims))
	stride := 1
	for ii := len(outDims) - 1; ii >= 0; ii-- {
		jj := ii - (len(outDims) - len(inDims))
		if jj < 0 {
			continue
		}
		if inDims[jj] != 1 {
			strides[ii] = stride
		}
		stride *= inDims[jj]
	}
	indices := make([]int, size)
	position := make([]int, len(outDims))
	inIdx := 0
	for ii := range indices {
		indices[ii] = inIdx
		// Increment the multi-dimensional position, starting from the last axis.
		for axis := len(outDims) - 1; axis >= 0; axis-- {
			position[axis]++
			inIdx += strides[axis]
			if position[axis] < outDims[axis] {
				break
			}
			inIdx -= strides[axis] * position[axis]
			position[axis] = 0
		}
	}
	return indices
}
