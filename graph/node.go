// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/graphfreeze/types"
)

// Node is one operation of a computation graph: its unique name, the operation type, the
// references to its inputs, the device where it is placed and its attributes.
//
// Inputs are references to outputs of other nodes: "name" (output 0), "name:port"
// or "^name" for a control dependency. See ParseInput.
type Node struct {
	Name   string
	Op     string
	Inputs []string
	Device string
	Attrs  map[string]*AttrValue

	// Unparsed holds the serialized fields of the NodeDef not interpreted here (debug
	// information, full type, ...), written back verbatim.
	Unparsed []byte
}

// VariableOps are the operation types that hold mutable state in a session.
var VariableOps = types.SetWith("Variable", "VariableV2", "VarHandleOp", "AutoReloadVariable")

// NewNode creates a node with the given name, op and inputs.
func NewNode(name, op string, inputs ...string) *Node {
	return &Node{Name: name, Op: op, Inputs: slices.Clone(inputs), Attrs: make(map[string]*AttrValue)}
}

// Attr returns the attribute with the given key, or nil if not set.
func (n *Node) Attr(key string) *AttrValue {
	if n.Attrs == nil {
		return nil
	}
	return n.Attrs[key]
}

// SetAttr sets an attribute and returns the node itself, so calls can be chained.
func (n *Node) SetAttr(key string, value *AttrValue) *Node {
	if n.Attrs == nil {
		n.Attrs = make(map[string]*AttrValue)
	}
	n.Attrs[key] = value
	return n
}

// SetDevice sets the device placement of the node and returns the node itself.
func (n *Node) SetDevice(device string) *Node {
	n.Device = device
	return n
}

// IsVariable returns whether the node holds mutable state, see VariableOps.
func (n *Node) IsVariable() bool {
	return VariableOps.Has(n.Op)
}

// SortedAttrKeys returns the attribute keys in ascending order.
func (n *Node) SortedAttrKeys() []string {
	keys := slices.Collect(maps.Keys(n.Attrs))
	slices.Sort(keys)
	return keys
}

// Clone returns a deep copy of the node. Tensor values of attributes are immutable and shared.
func (n *Node) Clone() *Node {
	n2 := &Node{
		Name:     n.Name,
		Op:       n.Op,
		Inputs:   slices.Clone(n.Inputs),
		Device:   n.Device,
		Attrs:    make(map[string]*AttrValue, len(n.Attrs)),
		Unparsed: slices.Clone(n.Unparsed),
	}
	for key, value := range n.Attrs {
		n2.Attrs[key] = value.Clone()
	}
	return n2
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s = %s(%s)", n.Name, n.Op, strings.Join(n.Inputs, ", "))
	if n.Device != "" {
		fmt.Fprintf(&sb, " @%s", n.Device)
	}
	return sb.String()
}
