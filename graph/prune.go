// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/graphfreeze/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNodeNotFound is returned (wrapped) when a reference names a node that is not in the graph.
var ErrNodeNotFound = errors.New("node not found in graph")

// ExtractSubGraph returns a new graph with only the nodes needed to compute the nodes in
// destNames: a node is kept if it is one of destNames or if it is a transitive input
// (data or control) of one of them.
//
// Names may be given as tensor names ("name:0"). The kept nodes are cloned and kept in the
// original order. It returns an error wrapping ErrNodeNotFound if a destination, or an input
// of a kept node, is not in the graph.
func ExtractSubGraph(g *Graph, destNames []string) (*Graph, error) {
	index := g.Index()
	reachable := types.MakeSet[string](len(g.Nodes))
	queue := make([]string, 0, len(destNames))
	for _, dest := range destNames {
		name := NodeName(dest)
		if _, found := index[name]; !found {
			return nil, errors.Wrapf(ErrNodeNotFound, "destination %q", dest)
		}
		if !reachable.Has(name) {
			reachable.Insert(name)
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, input := range index[name].Inputs {
			inputName := NodeName(input)
			if _, found := index[inputName]; !found {
				return nil, errors.Wrapf(ErrNodeNotFound, "input %q of node %q", input, name)
			}
			if !reachable.Has(inputName) {
				reachable.Insert(inputName)
				queue = append(queue, inputName)
			}
		}
	}

	pruned := g.cloneEmpty()
	for _, node := range g.Nodes {
		if reachable.Has(node.Name) {
			pruned.Nodes = append(pruned.Nodes, node.Clone())
		}
	}
	klog.V(2).Infof("ExtractSubGraph: kept %d of %d nodes", len(pruned.Nodes), len(g.Nodes))
	return pruned, nil
}
