// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package freeze converts the variables of a live session.Session into constants embedded in
// its computation graph, and prunes the graph to what is needed to compute a set of outputs.
//
// The result is a self-contained graph.Graph, with no reference to the session, that can be
// written with graphpb.WriteGraph and used for inference.
//
// Example:
//
//	frozen, err := freeze.Build(sess).Outputs("dense_2/Softmax").Done()
//	if err != nil { … }
//	_, err = graphpb.WriteGraph(frozen, "model", "tf_model_io.pb", false)
package freeze

import (
	"github.com/gomlx/graphfreeze/graph"
	"github.com/gomlx/graphfreeze/ml/session"
	"github.com/gomlx/graphfreeze/types"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnknownOutput is returned (wrapped) when a requested output is not a node of the graph.
var ErrUnknownOutput = errors.New("output is not a node of the graph")

// Config for freezing a session. Create it with Build, configure it with the various methods and
// call Done to freeze.
type Config struct {
	sess         *session.Session
	keep         types.Set[string]
	outputs      []string
	clearDevices bool
	onVariable   []func(name string, value *tensors.Tensor)
}

// Build a configuration to freeze sess. By default, device assignments are cleared.
func Build(sess *session.Session) *Config {
	return &Config{
		sess:         sess,
		keep:         types.MakeSet[string](),
		clearDevices: true,
	}
}

// Session freezes sess: see Config.Done. It's a shortcut to
// `Build(sess).Keep(namesToPreserve...).Outputs(outputNames...).ClearDevices(clearDevices).Done()`.
func Session(sess *session.Session, namesToPreserve []string, outputNames []string, clearDevices bool) (*graph.Graph, error) {
	return Build(sess).Keep(namesToPreserve...).Outputs(outputNames...).ClearDevices(clearDevices).Done()
}

// Keep adds names of variables that are not frozen: they are kept as variables in the result.
// It can be called multiple times.
func (c *Config) Keep(names ...string) *Config {
	c.keep.Insert(names...)
	return c
}

// Outputs adds the names of the nodes whose values are needed. Tensor names ("name:0") are
// accepted and converted to node names. It can be called multiple times.
func (c *Config) Outputs(names ...string) *Config {
	c.outputs = append(c.outputs, names...)
	return c
}

// ClearDevices configures whether the device assignments of the nodes are cleared, so the
// result can be used on any machine. The default is true.
func (c *Config) ClearDevices(clear bool) *Config {
	c.clearDevices = clear
	return c
}

// KeepDevices keeps the device assignment of the nodes. Same as ClearDevices(false).
func (c *Config) KeepDevices() *Config {
	return c.ClearDevices(false)
}

// OnVariable registers fn to be called for each variable frozen, in graph order, with the
// value embedded in the graph. It can be called multiple times.
func (c *Config) OnVariable(fn func(name string, value *tensors.Tensor)) *Config {
	c.onVariable = append(c.onVariable, fn)
	return c
}

// VariablesToFreeze returns the names of the session variables that will be frozen, in the
// session's order: all variables not listed in Keep.
func (c *Config) VariablesToFreeze() []string {
	var names []string
	if c.sess == nil {
		return names
	}
	c.sess.EnumerateVariables(func(v *session.Variable) {
		if !c.keep.Has(v.Name()) {
			names = append(names, v.Name())
		}
	})
	return names
}

// NumVariablesToFreeze returns the number of variables that will be frozen.
func (c *Config) NumVariablesToFreeze() int {
	return len(c.VariablesToFreeze())
}

// Done freezes the session and returns the frozen graph:
//
//  1. All session variables not listed in Keep are frozen.
//  2. The outputs kept are those given in Outputs plus all the session variables, so
//     variables are never pruned.
//  3. The graph is copied; the session and its graph are not changed.
//  4. If ClearDevices (the default), the device of every node is cleared.
//  5. Each frozen variable node is replaced by a "Const" node holding the variable's current
//     value. "ReadVariableOp" nodes reading a frozen resource variable become "Identity".
//  6. Nodes not needed to compute the outputs are pruned, keeping the original order.
//
// It returns an error wrapping ErrUnknownOutput if an output is not a node of the graph,
// session.ErrNoGraph if the session has no graph, and session.ErrUninitialized if the value
// of a variable to freeze can't be read. Outputs are checked before any value is read.
func (c *Config) Done() (*graph.Graph, error) {
	if c.sess == nil {
		return nil, session.ErrNoGraph
	}
	g, err := c.sess.Graph()
	if err != nil {
		return nil, err
	}
	index := g.Index()
	outputs := make([]string, 0, len(c.outputs)+c.sess.NumVariables())
	for _, output := range c.outputs {
		name := graph.NodeName(output)
		if _, found := index[name]; !found {
			return nil, errors.Wrapf(ErrUnknownOutput, "output %q", output)
		}
		outputs = append(outputs, name)
	}

	// Freeze set and variable outputs.
	freezeSet := types.MakeSet[string]()
	c.sess.EnumerateVariables(func(v *session.Variable) {
		outputs = append(outputs, v.Name())
		if !c.keep.Has(v.Name()) {
			freezeSet.Insert(v.Name())
		}
	})
	for _, name := range c.sess.VariableNames() {
		node, found := index[name]
		if !found {
			return nil, errors.Errorf("variable %q of the session is not a node of the graph", name)
		}
		if freezeSet.Has(name) && !node.IsVariable() {
			return nil, errors.Errorf("variable %q of the session is held by node of type %q, which is not a variable op",
				name, node.Op)
		}
	}
	for name := range c.keep {
		if c.sess.GetVariable(name) == nil {
			klog.V(1).Infof("freeze: %q is not a variable of the session, ignored", name)
		}
	}
	for _, node := range g.VariableNodes() {
		if c.sess.GetVariable(node.Name) == nil {
			klog.Warningf("freeze: variable node %q (%s) is not registered in the session, it won't be frozen", node.Name, node.Op)
		}
	}

	// Work on a copy, replacing frozen variables.
	frozen := g.Clone()
	numResourceReads := 0
	for ii, node := range frozen.Nodes {
		if c.clearDevices {
			node.Device = ""
		}
		switch {
		case freezeSet.Has(node.Name):
			value, err := c.sess.ReadVariable(node.Name)
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to freeze variable %q", node.Name)
			}
			value = value.Clone()
			frozen.Nodes[ii] = constNode(node, value)
			for _, fn := range c.onVariable {
				fn(node.Name, value)
			}
		case node.Op == "ReadVariableOp" && len(node.Inputs) > 0:
			handle := graph.NodeName(node.Inputs[0])
			if freezeSet.Has(handle) && index[handle].Op == "VarHandleOp" {
				frozen.Nodes[ii] = identityNode(node, handle)
				numResourceReads++
			}
		}
	}

	pruned, err := graph.ExtractSubGraph(frozen, outputs)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to prune frozen graph")
	}
	klog.V(1).Infof("freeze: %d variables frozen (%d resource reads converted), %d variables kept, %d of %d nodes kept",
		len(freezeSet), numResourceReads, c.sess.NumVariables()-len(freezeSet), pruned.NumNodes(), g.NumNodes())
	return pruned, nil
}

// constNode returns the "Const" node that replaces the variable node.
func constNode(variable *graph.Node, value *tensors.Tensor) *graph.Node {
	return graph.NewNode(variable.Name, "Const").
		SetDevice(variable.Device).
		SetAttr("dtype", graph.TypeAttr(graph.DataTypeFor(value.DType()))).
		SetAttr("value", graph.TensorAttr(value))
}

// identityNode returns the "Identity" node that replaces a "ReadVariableOp" of a frozen resource
// variable: the constant is used directly.
func identityNode(read *graph.Node, handle string) *graph.Node {
	identity := graph.NewNode(read.Name, "Identity", handle).SetDevice(read.Device)
	if dtype := read.Attr("dtype"); dtype != nil {
		identity.SetAttr("T", dtype)
	}
	if class := read.Attr("_class"); class != nil {
		identity.SetAttr("_class", class)
	}
	return identity
}
