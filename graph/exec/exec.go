// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package exec evaluates a graph.Graph on the host.
//
// It is a small interpreter, used to check that a frozen graph computes the same values as the
// live session it was frozen from. It supports the ops of simple feed-forward models (see
// Kernels); values are computed in float64 and converted back to the dtype of the op.
//
// Control inputs are not executed: none of the supported ops has side effects.
package exec

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphfreeze/graph"
	"github.com/gomlx/graphfreeze/types"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Variables is the source of the values of variable nodes (VariableV2, VarHandleOp, ...).
// It is implemented by session.Session.
type Variables interface {
	ReadVariable(name string) (*tensors.Tensor, error)
}

// Executor evaluates nodes of a graph, memoizing the value of each node evaluated.
//
// It is not safe for concurrent use.
type Executor struct {
	g        *graph.Graph
	nodes    map[string]*graph.Node
	vars     Variables
	feeds    map[string]*tensors.Tensor
	values   map[string]*tensors.Tensor
	visiting types.Set[string]
}

// New creates an Executor for g. vars can be nil if the graph has no variables (a frozen graph).
// feeds maps node names (typically placeholders) to the values to use for them.
func New(g *graph.Graph, vars Variables, feeds map[string]*tensors.Tensor) *Executor {
	e := &Executor{
		g:        g,
		nodes:    g.Index(),
		vars:     vars,
		feeds:    make(map[string]*tensors.Tensor, len(feeds)),
		values:   make(map[string]*tensors.Tensor),
		visiting: types.MakeSet[string](),
	}
	for name, value := range feeds {
		e.feeds[graph.NodeName(name)] = value
	}
	return e
}

// Run evaluates the fetches (node names, optionally with a ":0" suffix) and returns their values
// in the same order.
func Run(g *graph.Graph, vars Variables, feeds map[string]*tensors.Tensor, fetches ...string) ([]*tensors.Tensor, error) {
	return New(g, vars, feeds).Run(fetches...)
}

// Run evaluates the fetches. Values computed in previous calls are reused.
func (e *Executor) Run(fetches ...string) (results []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		results = make([]*tensors.Tensor, len(fetches))
		for ii, fetch := range fetches {
			name, port, isControl := graph.ParseInput(fetch)
			if isControl || port > 0 {
				exceptions.Panicf("fetch %q: only the first output of a node can be fetched", fetch)
			}
			results[ii] = e.eval(name)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to evaluate %q", fetches)
	}
	return results, nil
}

// eval returns the value of the named node, evaluating its inputs first.
func (e *Executor) eval(name string) *tensors.Tensor {
	if value, found := e.feeds[name]; found {
		return value
	}
	if value, found := e.values[name]; found {
		return value
	}
	node, found := e.nodes[name]
	if !found {
		panic(errors.Wrapf(graph.ErrNodeNotFound, "node %q", name))
	}
	if e.visiting.Has(name) {
		exceptions.Panicf("cycle in graph at node %q", name)
	}
	e.visiting.Insert(name)
	defer delete(e.visiting, name)

	var inputs []*tensors.Tensor
	for _, ref := range node.Inputs {
		inputName, port, isControl := graph.ParseInput(ref)
		if isControl {
			continue
		}
		if port > 0 {
			exceptions.Panicf("node %q: input %q uses output #%d, only single output ops are supported", name, ref, port)
		}
		if node.Op == "ReadVariableOp" {
			// The input is a resource handle: it is not evaluated, the variable is read by name.
			inputs = append(inputs, e.readVariable(e.nodes[inputName]))
			continue
		}
		inputs = append(inputs, e.eval(inputName))
	}

	var value *tensors.Tensor
	if node.IsVariable() {
		value = e.readVariable(node)
	} else {
		kernel, found := Kernels[node.Op]
		if !found {
			exceptions.Panicf("node %q: op %q is not supported", name, node.Op)
		}
		value = kernel(node, inputs)
	}
	klog.V(3).Infof("exec: %s(%s) -> %s", node.Op, name, value.Shape())
	e.values[name] = value
	return value
}

func (e *Executor) readVariable(node *graph.Node) *tensors.Tensor {
	if node == nil {
		exceptions.Panicf("reading variable of a missing node")
	}
	if !node.IsVariable() {
		exceptions.Panicf("node %q (%s) is not a variable", node.Name, node.Op)
	}
	if e.vars == nil {
		exceptions.Panicf("node %q is a variable, but no variables were given", node.Name)
	}
	value, err := e.vars.ReadVariable(node.Name)
	if err != nil {
		panic(err)
	}
	return value
}
