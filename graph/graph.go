// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph defines the computation graph data model used by the freezer: a Graph is an
// ordered list of named Node definitions connected by input references, in the same structure
// as a TensorFlow `GraphDef`. See package graphpb for its serialization.
//
// A Graph here is a structural snapshot: nodes hold no runtime state. Mutable state (variables)
// lives in a session (package ml/session), and freezing (package ml/freeze) produces a new
// Graph where the variables were replaced by constants.
//
// Node names are unique within a Graph, and every input reference must name a node of the same
// Graph -- see Graph.Validate.
package graph

import (
	"slices"

	"github.com/gomlx/graphfreeze/types"
	"github.com/pkg/errors"
)

// Versions of the producer of the graph and the minimum consumer version needed to read it.
type Versions struct {
	Producer     int32
	MinConsumer  int32
	BadConsumers []int32
}

// Graph is an ordered list of nodes. The order is preserved by all transformations and by
// the serialization, which makes them deterministic.
type Graph struct {
	Nodes    []*Node
	Versions Versions

	// Unparsed holds the serialized fields of the GraphDef that the graph doesn't interpret
	// (the function library, debug information, ...). They are written back verbatim.
	Unparsed []byte
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{}
}

// AddNode appends nodes to the graph. It returns an error if a node name is empty or
// already in use; nodes before the offending one are kept.
func (g *Graph) AddNode(nodes ...*Node) error {
	for _, node := range nodes {
		if node == nil || node.Name == "" {
			return errors.New("graph.AddNode: node without a name")
		}
		if g.Has(node.Name) {
			return errors.Errorf("graph.AddNode: a node named %q already exists", node.Name)
		}
		g.Nodes = append(g.Nodes, node)
	}
	return nil
}

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.Nodes) }

// Node returns the node with the given name, or nil if there is none.
func (g *Graph) Node(name string) *Node {
	for _, node := range g.Nodes {
		if node.Name == name {
			return node
		}
	}
	return nil
}

// Has returns whether there is a node with the given name.
func (g *Graph) Has(name string) bool { return g.Node(name) != nil }

// Index returns a map of node name to node. It is a snapshot: changes to g.Nodes after the
// call are not reflected.
func (g *Graph) Index() map[string]*Node {
	index := make(map[string]*Node, len(g.Nodes))
	for _, node := range g.Nodes {
		index[node.Name] = node
	}
	return index
}

// Clone returns a deep copy of the graph. Tensor values of attributes are immutable and shared.
func (g *Graph) Clone() *Graph {
	g2 := g.cloneEmpty()
	g2.Nodes = make([]*Node, len(g.Nodes))
	for ii, node := range g.Nodes {
		g2.Nodes[ii] = node.Clone()
	}
	return g2
}

// cloneEmpty returns a graph with a copy of the versions and unparsed fields of g, but no nodes.
func (g *Graph) cloneEmpty() *Graph {
	return &Graph{
		Versions: Versions{
			Producer:     g.Versions.Producer,
			MinConsumer:  g.Versions.MinConsumer,
			BadConsumers: slices.Clone(g.Versions.BadConsumers),
		},
		Unparsed: slices.Clone(g.Unparsed),
	}
}

// Validate checks that node names are unique and non-empty, and that all input references point
// to nodes of the graph.
func (g *Graph) Validate() error {
	names := types.MakeSet[string](len(g.Nodes))
	for _, node := range g.Nodes {
		if node.Name == "" {
			return errors.Errorf("graph has a node without name (op %q)", node.Op)
		}
		if names.Has(node.Name) {
			return errors.Errorf("graph has duplicate node name %q", node.Name)
		}
		names.Insert(node.Name)
	}
	for _, node := range g.Nodes {
		for _, input := range node.Inputs {
			inputName, _, _ := ParseInput(input)
			if !names.Has(inputName) {
				return errors.Wrapf(ErrNodeNotFound, "input %q of node %q", input, node.Name)
			}
		}
	}
	return nil
}
