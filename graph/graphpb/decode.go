// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphpb

import (
	"encoding/binary"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphfreeze/graph"
	"github.com/gomlx/graphfreeze/types/shapes"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// MaxTensorBytes is the largest tensor attribute value, in bytes, Unmarshal accepts.
// The limit of the format itself is 2GB for the whole GraphDef.
var MaxTensorBytes int64 = 1 << 31

// Unmarshal parses a binary `GraphDef`.
//
// Fields not interpreted by the graph model (the function library, debug information, ...) are
// kept in the Unparsed fields of the graph and its nodes. Attributes that can't be interpreted
// (functions, tensors of strings, ...) are kept as graph.AttrRaw. Both are written back
// by Marshal.
func Unmarshal(data []byte) (*graph.Graph, error) {
	msg := dynamicpb.NewMessage(messageDescriptor(coreSchema(), graphDefMsg))
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(err, "failed to parse GraphDef")
	}
	g, err := fromGraphDef(msg)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse GraphDef")
	}
	return g, nil
}

// get returns the value of the field name of m.
func get(m protoreflect.Message, name string) protoreflect.Value {
	return m.Get(m.Descriptor().Fields().ByName(protoreflect.Name(name)))
}

func getList(m protoreflect.Message, name string) protoreflect.List {
	return get(m, name).List()
}

func has(m protoreflect.Message, name string) bool {
	return m.Has(m.Descriptor().Fields().ByName(protoreflect.Name(name)))
}

// listOf converts the values of a repeated field.
func listOf[T any](l protoreflect.List, convert func(v protoreflect.Value) T) []T {
	if l.Len() == 0 {
		return nil
	}
	values := make([]T, l.Len())
	for ii := range values {
		values[ii] = convert(l.Get(ii))
	}
	return values
}

func fromGraphDef(msg protoreflect.Message) (*graph.Graph, error) {
	g := graph.New()
	nodes := getList(msg, "node")
	g.Nodes = make([]*graph.Node, 0, nodes.Len())
	for ii := range nodes.Len() {
		node, err := fromNodeDef(nodes.Get(ii).Message())
		if err != nil {
			return nil, errors.WithMessagef(err, "parsing node #%d", ii)
		}
		g.Nodes = append(g.Nodes, node)
	}
	versions := get(msg, "versions").Message()
	g.Versions = graph.Versions{
		Producer:    int32(get(versions, "producer").Int()),
		MinConsumer: int32(get(versions, "min_consumer").Int()),
		BadConsumers: listOf(getList(versions, "bad_consumers"), func(v protoreflect.Value) int32 {
			return int32(v.Int())
		}),
	}
	g.Unparsed = slices.Clone(msg.GetUnknown())
	return g, nil
}

func fromNodeDef(msg protoreflect.Message) (*graph.Node, error) {
	node := graph.NewNode(get(msg, "name").String(), get(msg, "op").String())
	node.Inputs = listOf(getList(msg, "input"), protoreflect.Value.String)
	node.Device = get(msg, "device").String()
	node.Unparsed = slices.Clone(msg.GetUnknown())
	var err error
	get(msg, "attr").Map().Range(func(key protoreflect.MapKey, value protoreflect.Value) bool {
		var attr *graph.AttrValue
		attr, err = fromAttrValue(value.Message())
		if err != nil {
			err = errors.WithMessagef(err, "attribute %q of node %q", key.String(), node.Name)
			return false
		}
		node.Attrs[key.String()] = attr
		return true
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// hasUnknown returns whether m or any of its sub-messages has unknown fields.
func hasUnknown(m protoreflect.Message) bool {
	if len(m.GetUnknown()) > 0 {
		return true
	}
	found := false
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsMap():
			if fd.MapValue().Message() != nil {
				v.Map().Range(func(_ protoreflect.MapKey, entry protoreflect.Value) bool {
					found = hasUnknown(entry.Message())
					return !found
				})
			}
		case fd.Message() == nil:
		case fd.IsList():
			l := v.List()
			for ii := 0; ii < l.Len() && !found; ii++ {
				found = hasUnknown(l.Get(ii).Message())
			}
		default:
			found = hasUnknown(v.Message())
		}
		return !found
	})
	return found
}

// rawAttr returns the attribute kept verbatim as its serialized AttrValue.
func rawAttr(msg protoreflect.Message) (*graph.AttrValue, error) {
	raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg.Interface())
	if err != nil {
		return nil, errors.Wrap(err, "serializing unparsed attribute")
	}
	return &graph.AttrValue{Kind: graph.AttrRaw, Raw: raw}, nil
}

func fromAttrValue(msg protoreflect.Message) (*graph.AttrValue, error) {
	fd := msg.WhichOneof(msg.Descriptor().Oneofs().ByName("value"))
	if fd == nil || hasUnknown(msg) {
		// Functions, placeholders and empty values.
		return rawAttr(msg)
	}
	v := msg.Get(fd)
	switch fd.Name() {
	case "s":
		return &graph.AttrValue{Kind: graph.AttrString, S: slices.Clone(v.Bytes())}, nil
	case "i":
		return graph.IntAttr(v.Int()), nil
	case "f":
		return graph.FloatAttr(float32(v.Float())), nil
	case "b":
		return graph.BoolAttr(v.Bool()), nil
	case "type":
		return graph.TypeAttr(graph.DataType(v.Enum())), nil
	case "shape":
		return graph.ShapeAttr(fromTensorShape(v.Message())), nil
	case "tensor":
		t, err := fromTensor(v.Message())
		if err != nil {
			return nil, err
		}
		if t == nil {
			return rawAttr(msg)
		}
		return graph.TensorAttr(t), nil
	case "list":
		list, err := fromListValue(v.Message())
		if err != nil {
			return nil, err
		}
		if list == nil {
			return rawAttr(msg)
		}
		return graph.ListAttr(list), nil
	}
	return rawAttr(msg)
}

// fromListValue returns nil if the list holds tensors that are kept raw.
func fromListValue(msg protoreflect.Message) (*graph.AttrListValue, error) {
	list := &graph.AttrListValue{
		S: listOf(getList(msg, "s"), func(v protoreflect.Value) []byte { return slices.Clone(v.Bytes()) }),
		I: listOf(getList(msg, "i"), protoreflect.Value.Int),
		F: listOf(getList(msg, "f"), func(v protoreflect.Value) float32 { return float32(v.Float()) }),
		B: listOf(getList(msg, "b"), protoreflect.Value.Bool),
		Type: listOf(getList(msg, "type"), func(v protoreflect.Value) graph.DataType {
			return graph.DataType(v.Enum())
		}),
		Shape: listOf(getList(msg, "shape"), func(v protoreflect.Value) *graph.TensorShape {
			return fromTensorShape(v.Message())
		}),
	}
	tensorList := getList(msg, "tensor")
	for ii := range tensorList.Len() {
		t, err := fromTensor(tensorList.Get(ii).Message())
		if err != nil {
			return nil, errors.WithMessagef(err, "list element #%d", ii)
		}
		if t == nil {
			return nil, nil
		}
		list.Tensor = append(list.Tensor, t)
	}
	return list, nil
}

func fromTensorShape(msg protoreflect.Message) *graph.TensorShape {
	shape := &graph.TensorShape{
		Dims:        []int64{},
		UnknownRank: get(msg, "unknown_rank").Bool(),
	}
	dims := getList(msg, "dim")
	named := false
	names := make([]string, dims.Len())
	for ii := range dims.Len() {
		dim := dims.Get(ii).Message()
		shape.Dims = append(shape.Dims, get(dim, "size").Int())
		names[ii] = get(dim, "name").String()
		named = named || names[ii] != ""
	}
	if named {
		shape.DimNames = names
	}
	return shape
}

// fromTensor returns nil for tensors whose dtype has no numeric representation (strings,
// resources, variants, quantized and complex numbers): those are kept raw by the caller.
func fromTensor(msg protoreflect.Message) (*tensors.Tensor, error) {
	dt := graph.DataType(get(msg, "dtype").Enum())
	dtype := dt.DType()
	if dtype == dtypes.InvalidDType || dtype == dtypes.Complex64 || dtype == dtypes.Complex128 {
		return nil, nil
	}
	tensorShape := &graph.TensorShape{}
	if has(msg, "tensor_shape") {
		tensorShape = fromTensorShape(get(msg, "tensor_shape").Message())
	}
	shape, err := tensorShape.ToShape(dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing TensorProto of %s", dt)
	}
	if int64(shape.DType.Memory())*int64(shape.Size()) > MaxTensorBytes {
		return nil, errors.Errorf("parsing TensorProto: tensor %s is larger than the limit of %d bytes", shape, MaxTensorBytes)
	}
	if content := get(msg, "tensor_content").Bytes(); len(content) > 0 {
		t, err := tensors.FromRaw(shape, content)
		if err != nil {
			return nil, errors.WithMessage(err, "parsing TensorProto")
		}
		return t, nil
	}
	return fromTypedValues(msg, shape)
}

// fromTypedValues builds the tensor from the typed repeated fields. If there are fewer values
// than elements, the last value is repeated; if there are none, the tensor is zero.
func fromTypedValues(msg protoreflect.Message, shape shapes.Shape) (*tensors.Tensor, error) {
	size := shape.Size()
	dims := shape.Dimensions
	toFloat32 := func(v protoreflect.Value) float32 { return float32(v.Float()) }
	switch shape.DType {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(fill(getList(msg, "float_val"), size, toFloat32), dims...), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(fill(getList(msg, "double_val"), size, protoreflect.Value.Float), dims...), nil
	case dtypes.Int64:
		return tensors.FromFlatDataAndDimensions(fill(getList(msg, "int64_val"), size, protoreflect.Value.Int), dims...), nil
	case dtypes.Bool:
		return tensors.FromFlatDataAndDimensions(fill(getList(msg, "bool_val"), size, protoreflect.Value.Bool), dims...), nil
	case dtypes.Uint32:
		return tensors.FromFlatDataAndDimensions(fill(getList(msg, "uint32_val"), size, func(v protoreflect.Value) uint32 {
			return uint32(v.Uint())
		}), dims...), nil
	case dtypes.Uint64:
		return tensors.FromFlatDataAndDimensions(fill(getList(msg, "uint64_val"), size, protoreflect.Value.Uint), dims...), nil
	case dtypes.Int32:
		return tensors.FromFlatDataAndDimensions(fill(getList(msg, "int_val"), size, func(v protoreflect.Value) int32 {
			return int32(v.Int())
		}), dims...), nil
	case dtypes.Int16:
		return tensors.FromFlatDataAndDimensions(fill(getList(msg, "int_val"), size, func(v protoreflect.Value) int16 {
			return int16(v.Int())
		}), dims...), nil
	case dtypes.Int8:
		return tensors.FromFlatDataAndDimensions(fill(getList(msg, "int_val"), size, func(v protoreflect.Value) int8 {
			return int8(v.Int())
		}), dims...), nil
	case dtypes.Uint8:
		return tensors.FromFlatDataAndDimensions(fill(getList(msg, "int_val"), size, func(v protoreflect.Value) uint8 {
			return uint8(v.Int())
		}), dims...), nil
	case dtypes.Uint16:
		return tensors.FromFlatDataAndDimensions(fill(getList(msg, "int_val"), size, func(v protoreflect.Value) uint16 {
			return uint16(v.Int())
		}), dims...), nil
	case dtypes.Float16, dtypes.BFloat16:
		// half_val holds the 16 bits of each value.
		halves := fill(getList(msg, "half_val"), size, func(v protoreflect.Value) uint16 { return uint16(v.Int()) })
		raw := make([]byte, 2*size)
		for ii, v := range halves {
			binary.LittleEndian.PutUint16(raw[2*ii:], v)
		}
		return tensors.FromRaw(shape, raw)
	}
	return nil, errors.Errorf("tensor dtype %s not supported", shape.DType)
}

// fill converts the values of l to a slice of length size, repeating the last value if needed.
func fill[T any](l protoreflect.List, size int, convert func(v protoreflect.Value) T) []T {
	flat := make([]T, size)
	n := l.Len()
	if n == 0 {
		return flat
	}
	for ii := range flat {
		flat[ii] = convert(l.Get(min(ii, n-1)))
	}
	return flat
}
