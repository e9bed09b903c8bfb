// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package session defines the Session and Variable types: a Session is a live model, that is, a
// computation graph plus the current values of its variables.
//
// Variables are kept in an explicit collection, in registration order, so they can be enumerated
// without inspecting the graph (see Session.EnumerateVariables). A variable's name is the name
// of the graph node that holds it.
//
// Values can be loaded from storage by a Loader (see SetLoader) the moment a variable is
// registered. An example of a loader in ml/session/checkpoints.
package session

import (
	"github.com/gomlx/graphfreeze/graph"
	"github.com/gomlx/graphfreeze/graph/exec"
	"github.com/gomlx/graphfreeze/types/shapes"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNoGraph is returned when the session has no computation graph.
	ErrNoGraph = errors.New("session has no graph")

	// ErrUninitialized is returned when reading a variable that has no value.
	ErrUninitialized = errors.New("variable is not initialized")
)

// Loader can be implemented by any library providing loading of variables for Session.
// Loader implementations need to provide values on demand, as variables are registered,
// even if the variable is registered with a value (see VariableWithValue): the loaded value
// overrides it.
type Loader interface {
	// LoadVariable tries to load the variable v, usually specified by its name.
	// If it's not found, returns false, and the variable is left unchanged.
	LoadVariable(s *Session, v *Variable) (value *tensors.Tensor, found bool)
}

// Session holds a computation graph and the variables it uses.
//
// It is not safe for concurrent use.
type Session struct {
	g         *graph.Graph
	variables []*Variable
	byName    map[string]*Variable
	loader    Loader
}

// New creates a Session for the graph g, with no variables registered. g may be nil, in which
// case Graph returns ErrNoGraph.
func New(g *graph.Graph) *Session {
	return &Session{
		g:      g,
		byName: make(map[string]*Variable),
	}
}

// FromGraph creates a Session for g and registers all its variable nodes (see
// RegisterGraphVariables). Variables are left uninitialized.
func FromGraph(g *graph.Graph) (*Session, error) {
	s := New(g)
	if err := s.RegisterGraphVariables(); err != nil {
		return nil, err
	}
	return s, nil
}

// Graph returns the computation graph of the session, or ErrNoGraph.
func (s *Session) Graph() (*graph.Graph, error) {
	if s == nil || s.g == nil {
		return nil, ErrNoGraph
	}
	return s.g, nil
}

// RegisterGraphVariables registers a variable for each variable node of the graph
// (see graph.VariableOps) not yet registered, using the node's "dtype" and "shape" attributes.
// If a Loader is set, it is used to load their values.
func (s *Session) RegisterGraphVariables() error {
	g, err := s.Graph()
	if err != nil {
		return err
	}
	for _, node := range g.VariableNodes() {
		if _, found := s.byName[node.Name]; found {
			continue
		}
		shape, err := variableShape(node)
		if err != nil {
			return err
		}
		if _, err = s.AddVariable(node.Name, shape); err != nil {
			return err
		}
	}
	klog.V(1).Infof("session: %d variables registered", len(s.variables))
	return nil
}

// variableShape returns the shape of the value held by a variable node.
func variableShape(node *graph.Node) (shapes.Shape, error) {
	dtypeAttr := node.Attr("dtype")
	if dtypeAttr == nil || dtypeAttr.Kind != graph.AttrType {
		return shapes.Invalid(), errors.Errorf("variable node %q (%s) has no \"dtype\" attribute", node.Name, node.Op)
	}
	dtype := dtypeAttr.Type.Base().DType()
	if !dtype.IsFloat() && !dtype.IsInt() && dtype != tensors.DTypeFor[bool]() {
		return shapes.Invalid(), errors.Errorf("variable node %q (%s) has unsupported dtype %s", node.Name, node.Op, dtypeAttr.Type)
	}
	shapeAttr := node.Attr("shape")
	if shapeAttr == nil || shapeAttr.Kind != graph.AttrShape {
		return shapes.Invalid(), errors.Errorf("variable node %q (%s) has no \"shape\" attribute", node.Name, node.Op)
	}
	shape, err := shapeAttr.Shape.ToShape(dtype)
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "variable node %q (%s)", node.Name, node.Op)
	}
	return shape, nil
}

// AddVariable registers a new uninitialized variable with the given shape. If a Loader is
// configured and has a value for it, the value is loaded.
//
// It returns an error if a variable with the same name already exists.
func (s *Session) AddVariable(name string, shape shapes.Shape) (*Variable, error) {
	if _, found := s.byName[name]; found {
		return nil, errors.Errorf("variable %q already exists", name)
	}
	if !shape.Ok() {
		return nil, errors.Errorf("variable %q: invalid shape", name)
	}
	v := &Variable{
		name:      name,
		shape:     shape.Clone(),
		Trainable: true,
	}
	s.variables = append(s.variables, v)
	s.byName[name] = v
	if err := s.tryToLoad(v); err != nil {
		return nil, err
	}
	return v, nil
}

// VariableWithValue registers a new variable initialized with value. By default, variables are
// marked as trainable.
//
// If a Loader is configured (see SetLoader), and the value is available to load, it will override
// the value given here -- e.g.: the value could be actually loaded from the last checkpoint.
func (s *Session) VariableWithValue(name string, value *tensors.Tensor) (*Variable, error) {
	if _, found := s.byName[name]; found {
		return nil, errors.Errorf("variable %q already exists", name)
	}
	if value == nil || !value.Ok() {
		return nil, errors.Errorf("variable %q: invalid value", name)
	}
	v := &Variable{
		name:      name,
		shape:     value.Shape().Clone(),
		value:     value,
		Trainable: true,
	}
	s.variables = append(s.variables, v)
	s.byName[name] = v
	if err := s.tryToLoad(v); err != nil {
		return nil, err
	}
	return v, nil
}

// tryToLoad loads the value of v from the loader, if one is set and it has the value.
func (s *Session) tryToLoad(v *Variable) error {
	if s.loader == nil {
		return nil
	}
	value, found := s.loader.LoadVariable(s, v)
	if !found {
		return nil
	}
	if err := v.SetValue(value); err != nil {
		return errors.WithMessagef(err, "loading of variable %q", v.name)
	}
	return nil
}

// GetVariable returns the variable with the given name, or nil if it doesn't exist.
func (s *Session) GetVariable(name string) *Variable {
	return s.byName[name]
}

// EnumerateVariables calls fn for each variable in the session, in registration order.
//
// Example:
//
//	sess.EnumerateVariables(func(v *session.Variable) {
//		fmt.Printf("\t%s: shape=%s\n", v.Name(), v.Shape())
//	})
func (s *Session) EnumerateVariables(fn func(v *Variable)) {
	for _, v := range s.variables {
		fn(v)
	}
}

// NumVariables return the number of variables in this Session.
func (s *Session) NumVariables() int {
	return len(s.variables)
}

// VariableNames returns the names of the variables in registration order.
func (s *Session) VariableNames() []string {
	names := make([]string, 0, len(s.variables))
	for _, v := range s.variables {
		names = append(names, v.name)
	}
	return names
}

// NumParameters returns the summed-up number of elements of all variables.
// It ignores the `DType`, so a `float64` will count as much as a `uint8`.
func (s *Session) NumParameters() int {
	total := 0
	s.EnumerateVariables(func(v *Variable) {
		total += v.Shape().Size()
	})
	return total
}

// Memory returns the total number of bytes summed across all variables.
func (s *Session) Memory() uintptr {
	var total uintptr
	s.EnumerateVariables(func(v *Variable) {
		total += v.Shape().Memory()
	})
	return total
}

// Loader returns the current configured Loader for this session. See SetLoader for details.
func (s *Session) Loader() Loader {
	return s.loader
}

// SetLoader configures the loader used just after any new variable is registered, either with
// AddVariable, VariableWithValue or RegisterGraphVariables. If the Loader has a value for the
// variable, it overrides the one given.
func (s *Session) SetLoader(loader Loader) {
	s.loader = loader
}

// ReadVariable returns the current value of the named variable. It implements exec.Variables.
//
// It returns an error wrapping ErrUninitialized if the variable doesn't exist or has no value.
func (s *Session) ReadVariable(name string) (*tensors.Tensor, error) {
	v := s.byName[name]
	if v == nil {
		return nil, errors.Wrapf(ErrUninitialized, "variable %q is not registered in the session", name)
	}
	return v.Value()
}

// Run evaluates the fetches on the session's graph, using the current variable values.
// See exec.Run.
func (s *Session) Run(feeds map[string]*tensors.Tensor, fetches ...string) ([]*tensors.Tensor, error) {
	g, err := s.Graph()
	if err != nil {
		return nil, err
	}
	return exec.Run(g, s, feeds, fetches...)
}
