// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphpb

import (
	"github.com/gomlx/graphfreeze/graph"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Marshal serializes the graph to the binary `GraphDef` wire format.
//
// The output is deterministic: fields are written in field number order, attributes sorted
// by key, and the unparsed fields last.
func Marshal(g *graph.Graph) ([]byte, error) {
	msg, err := toGraphDef(g)
	if err != nil {
		return nil, err
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize GraphDef")
	}
	return data, nil
}

// fieldByName returns the descriptor of the field name of m.
func fieldByName(m protoreflect.Message, name string) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByName(protoreflect.Name(name))
}

func set(m protoreflect.Message, name string, v protoreflect.Value) {
	m.Set(fieldByName(m, name), v)
}

// setString sets a string field, if s is not empty.
func setString(m protoreflect.Message, name string, s string) {
	if s != "" {
		set(m, name, protoreflect.ValueOfString(s))
	}
}

// mutable returns the sub-message, list or map of the field name of m, creating it if needed.
func mutable(m protoreflect.Message, name string) protoreflect.Value {
	return m.Mutable(fieldByName(m, name))
}

func appendAll[T any](l protoreflect.List, values []T, convert func(v T) protoreflect.Value) {
	for _, v := range values {
		l.Append(convert(v))
	}
}

func toGraphDef(g *graph.Graph) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(messageDescriptor(coreSchema(), graphDefMsg))
	nodes := mutable(msg, "node").List()
	for _, node := range g.Nodes {
		nodeMsg := nodes.NewElement().Message()
		if err := toNodeDef(node, nodeMsg); err != nil {
			return nil, errors.WithMessagef(err, "serializing node %q", node.Name)
		}
		nodes.Append(protoreflect.ValueOfMessage(nodeMsg))
	}
	versions := mutable(msg, "versions").Message()
	if g.Versions.Producer != 0 {
		set(versions, "producer", protoreflect.ValueOfInt32(g.Versions.Producer))
	}
	if g.Versions.MinConsumer != 0 {
		set(versions, "min_consumer", protoreflect.ValueOfInt32(g.Versions.MinConsumer))
	}
	appendAll(mutable(versions, "bad_consumers").List(), g.Versions.BadConsumers, protoreflect.ValueOfInt32)
	msg.SetUnknown(g.Unparsed)
	return msg, nil
}

func toNodeDef(node *graph.Node, msg protoreflect.Message) error {
	setString(msg, "name", node.Name)
	setString(msg, "op", node.Op)
	appendAll(mutable(msg, "input").List(), node.Inputs, protoreflect.ValueOfString)
	setString(msg, "device", node.Device)
	attrs := mutable(msg, "attr").Map()
	for key, attr := range node.Attrs {
		value := attrs.NewValue()
		if err := toAttrValue(attr, value.Message()); err != nil {
			return errors.WithMessagef(err, "attribute %q", key)
		}
		attrs.Set(protoreflect.ValueOfString(key).MapKey(), value)
	}
	msg.SetUnknown(node.Unparsed)
	return nil
}

func toAttrValue(attr *graph.AttrValue, msg protoreflect.Message) error {
	if attr == nil {
		return errors.New("nil attribute value")
	}
	switch attr.Kind {
	case graph.AttrString:
		set(msg, "s", protoreflect.ValueOfBytes(attr.S))
	case graph.AttrInt:
		set(msg, "i", protoreflect.ValueOfInt64(attr.I))
	case graph.AttrFloat:
		set(msg, "f", protoreflect.ValueOfFloat32(attr.F))
	case graph.AttrBool:
		set(msg, "b", protoreflect.ValueOfBool(attr.B))
	case graph.AttrType:
		set(msg, "type", protoreflect.ValueOfEnum(protoreflect.EnumNumber(attr.Type)))
	case graph.AttrShape:
		toTensorShape(attr.Shape, mutable(msg, "shape").Message())
	case graph.AttrTensor:
		if err := toTensor(attr.Tensor, mutable(msg, "tensor").Message()); err != nil {
			return err
		}
	case graph.AttrList:
		if err := toListValue(attr.List, mutable(msg, "list").Message()); err != nil {
			return err
		}
	case graph.AttrRaw:
		if err := (proto.UnmarshalOptions{Merge: true}).Unmarshal(attr.Raw, msg.Interface()); err != nil {
			return errors.Wrap(err, "invalid unparsed attribute value")
		}
	default:
		return errors.Errorf("attribute kind %d cannot be serialized", attr.Kind)
	}
	return nil
}

func toListValue(list *graph.AttrListValue, msg protoreflect.Message) error {
	if list == nil {
		return nil
	}
	appendAll(mutable(msg, "s").List(), list.S, protoreflect.ValueOfBytes)
	appendAll(mutable(msg, "i").List(), list.I, protoreflect.ValueOfInt64)
	appendAll(mutable(msg, "f").List(), list.F, protoreflect.ValueOfFloat32)
	appendAll(mutable(msg, "b").List(), list.B, protoreflect.ValueOfBool)
	appendAll(mutable(msg, "type").List(), list.Type, func(dt graph.DataType) protoreflect.Value {
		return protoreflect.ValueOfEnum(protoreflect.EnumNumber(dt))
	})
	shapes := mutable(msg, "shape").List()
	for _, shape := range list.Shape {
		shapeMsg := shapes.NewElement().Message()
		toTensorShape(shape, shapeMsg)
		shapes.Append(protoreflect.ValueOfMessage(shapeMsg))
	}
	tensorList := mutable(msg, "tensor").List()
	for _, t := range list.Tensor {
		tensorMsg := tensorList.NewElement().Message()
		if err := toTensor(t, tensorMsg); err != nil {
			return err
		}
		tensorList.Append(protoreflect.ValueOfMessage(tensorMsg))
	}
	return nil
}

func toTensorShape(shape *graph.TensorShape, msg protoreflect.Message) {
	if shape == nil {
		return
	}
	dims := mutable(msg, "dim").List()
	for ii, size := range shape.Dims {
		dim := dims.NewElement().Message()
		if size != 0 {
			set(dim, "size", protoreflect.ValueOfInt64(size))
		}
		if ii < len(shape.DimNames) {
			setString(dim, "name", shape.DimNames[ii])
		}
		dims.Append(protoreflect.ValueOfMessage(dim))
	}
	if shape.UnknownRank {
		set(msg, "unknown_rank", protoreflect.ValueOfBool(true))
	}
}

// toTensor writes the tensor with its values in `tensor_content`, the compact
// little-endian encoding.
func toTensor(t *tensors.Tensor, msg protoreflect.Message) error {
	if !t.Ok() {
		return errors.New("invalid tensor value")
	}
	dt := graph.DataTypeFor(t.DType())
	if dt == graph.DTInvalid {
		return errors.Errorf("tensor dtype %s has no graph DataType", t.DType())
	}
	set(msg, "dtype", protoreflect.ValueOfEnum(protoreflect.EnumNumber(dt)))
	toTensorShape(graph.ShapeFrom(t.Shape()), mutable(msg, "tensor_shape").Message())
	if t.Size() > 0 {
		set(msg, "tensor_content", protoreflect.ValueOfBytes(t.Bytes()))
	}
	return nil
}
