// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"strconv"
	"strings"
)

// This file defines methods that allow for introspection of the graph.

// ParseInput parses an input reference of a node: "name", "name:port" or "^name".
// Control dependencies return port -1 and isControl set to true.
func ParseInput(ref string) (name string, port int, isControl bool) {
	if strings.HasPrefix(ref, "^") {
		return ref[1:], -1, true
	}
	if idx := strings.LastIndexByte(ref, ':'); idx >= 0 {
		if p, err := strconv.Atoi(ref[idx+1:]); err == nil {
			return ref[:idx], p, false
		}
	}
	return ref, 0, false
}

// NodeName returns the name of the node of a tensor name or input reference:
// "dense_2/Softmax:0" and "^dense_2/Softmax" both return "dense_2/Softmax".
func NodeName(tensorName string) string {
	name, _, _ := ParseInput(tensorName)
	return name
}

// Consumers returns the nodes that use the node with the given name as an input, including
// control dependencies, in graph order.
func (g *Graph) Consumers(name string) []*Node {
	var consumers []*Node
	for _, node := range g.Nodes {
		for _, input := range node.Inputs {
			if NodeName(input) == name {
				consumers = append(consumers, node)
				break
			}
		}
	}
	return consumers
}

// OpCounts returns the number of nodes per operation type.
func (g *Graph) OpCounts() map[string]int {
	counts := make(map[string]int)
	for _, node := range g.Nodes {
		counts[node.Op]++
	}
	return counts
}

// VariableNodes returns the nodes that hold mutable state (see VariableOps), in graph order.
func (g *Graph) VariableNodes() []*Node {
	var vars []*Node
	for _, node := range g.Nodes {
		if node.IsVariable() {
			vars = append(vars, node)
		}
	}
	return vars
}
