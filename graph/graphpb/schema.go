// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphpb reads and writes graph.Graph in the `GraphDef` protocol buffer format used by
// TensorFlow, in its binary (Marshal, Unmarshal) and text (MarshalText, UnmarshalText) forms.
package graphpb

import (
	"strings"
	"sync"

	"github.com/gomlx/graphfreeze/graph"
	"github.com/janpfeifer/must"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// The message schemas of the `GraphDef` format (package "tensorflow") are built at runtime from
// descriptors, and the messages are handled with dynamicpb.
//
// Two versions of the schema are built:
//
//   - coreSchema only declares the fields mapped to the graph package model. Everything else is
//     an unknown field of the parsed message, and it is kept verbatim in the Unparsed fields
//     of graph.Graph and graph.Node, or the attribute is kept as graph.AttrRaw.
//   - textSchema also declares the function library, debug information, full types and the
//     other attribute values, so the text format can name them.
var (
	coreSchema = sync.OnceValue(func() protoreflect.FileDescriptor { return buildSchema(false) })
	textSchema = sync.OnceValue(func() protoreflect.FileDescriptor { return buildSchema(true) })
)

const protoPackage = "tensorflow"

// Message names.
const (
	graphDefMsg    = "GraphDef"
	nodeDefMsg     = "NodeDef"
	versionDefMsg  = "VersionDef"
	attrValueMsg   = "AttrValue"
	listValueMsg   = "ListValue"
	tensorShapeMsg = "TensorShapeProto"
	dimMsg         = "Dim"
	tensorMsg      = "TensorProto"
	dataTypeEnum   = "DataType"
)

// messageDescriptor returns the descriptor of the message name in the schema.
func messageDescriptor(schema protoreflect.FileDescriptor, name string) protoreflect.MessageDescriptor {
	return schema.Messages().ByName(protoreflect.Name(name))
}

type fieldType = descriptorpb.FieldDescriptorProto_Type

const (
	typeString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
	typeBytes   = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	typeBool    = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	typeInt32   = descriptorpb.FieldDescriptorProto_TYPE_INT32
	typeInt64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
	typeUint32  = descriptorpb.FieldDescriptorProto_TYPE_UINT32
	typeUint64  = descriptorpb.FieldDescriptorProto_TYPE_UINT64
	typeFloat   = descriptorpb.FieldDescriptorProto_TYPE_FLOAT
	typeDouble  = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	typeEnum    = descriptorpb.FieldDescriptorProto_TYPE_ENUM
	typeMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
)

// field declares an optional field. typeName is the name of the message or enum for fields of
// those types.
func field(name string, number int32, typ fieldType, typeName ...string) *descriptorpb.FieldDescriptorProto {
	fd := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Type:   typ.Enum(),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
	}
	if len(typeName) > 0 {
		fd.TypeName = proto.String("." + protoPackage + "." + strings.Join(typeName, "."))
	}
	return fd
}

// repeated declares a repeated field. Numeric fields are packed, the proto3 default.
func repeated(name string, number int32, typ fieldType, typeName ...string) *descriptorpb.FieldDescriptorProto {
	fd := field(name, number, typ, typeName...)
	fd.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return fd
}

// oneof marks the fields as members of the oneof of the given index.
func oneof(index int32, fields ...*descriptorpb.FieldDescriptorProto) []*descriptorpb.FieldDescriptorProto {
	for _, fd := range fields {
		fd.OneofIndex = proto.Int32(index)
	}
	return fields
}

// messageBuilder accumulates the declaration of one message.
type messageBuilder struct {
	desc *descriptorpb.DescriptorProto
}

func message(name string) *messageBuilder {
	return &messageBuilder{desc: &descriptorpb.DescriptorProto{Name: proto.String(name)}}
}

// fields adds the fields to the message.
func (b *messageBuilder) fields(fields ...*descriptorpb.FieldDescriptorProto) *messageBuilder {
	b.desc.Field = append(b.desc.Field, fields...)
	return b
}

// oneof declares a oneof holding the fields.
func (b *messageBuilder) oneof(name string, fields ...*descriptorpb.FieldDescriptorProto) *messageBuilder {
	index := int32(len(b.desc.OneofDecl))
	b.desc.OneofDecl = append(b.desc.OneofDecl, &descriptorpb.OneofDescriptorProto{Name: proto.String(name)})
	return b.fields(oneof(index, fields...)...)
}

// mapField declares a map field, with its implicit nested entry message.
func (b *messageBuilder) mapField(name string, number int32, key, value *descriptorpb.FieldDescriptorProto) *messageBuilder {
	var entryName strings.Builder
	for _, part := range strings.Split(name, "_") {
		if part != "" {
			entryName.WriteString(strings.ToUpper(part[:1]) + part[1:])
		}
	}
	entryName.WriteString("Entry")
	key.Name, key.Number = proto.String("key"), proto.Int32(1)
	value.Name, value.Number = proto.String("value"), proto.Int32(2)
	b.desc.NestedType = append(b.desc.NestedType, &descriptorpb.DescriptorProto{
		Name:    proto.String(entryName.String()),
		Field:   []*descriptorpb.FieldDescriptorProto{key, value},
		Options: &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)},
	})
	return b.fields(repeated(name, number, typeMessage, b.desc.GetName(), entryName.String()))
}

// mapEntryValue is a placeholder key or value declaration of a map entry: mapField names and
// numbers it.
func mapEntryValue(typ fieldType, typeName ...string) *descriptorpb.FieldDescriptorProto {
	return field("", 0, typ, typeName...)
}

// dataTypeDescriptor declares the DataType enum, with the names used by graph.DataType.
func dataTypeDescriptor() *descriptorpb.EnumDescriptorProto {
	enum := &descriptorpb.EnumDescriptorProto{Name: proto.String(dataTypeEnum)}
	add := func(dt graph.DataType) {
		enum.Value = append(enum.Value, &descriptorpb.EnumValueDescriptorProto{
			Name:   proto.String(dt.String()),
			Number: proto.Int32(int32(dt)),
		})
	}
	for dt := graph.DTInvalid; dt <= graph.DTUint64; dt++ {
		add(dt)
	}
	for dt := graph.DTFloat; dt <= graph.DTUint64; dt++ {
		add(dt.Ref())
	}
	return enum
}

// buildSchema builds the file descriptor of the `GraphDef` messages. If full is false, only the
// fields mapped to the graph model are declared.
func buildSchema(full bool) protoreflect.FileDescriptor {
	graphDef := message(graphDefMsg).fields(
		repeated("node", 1, typeMessage, nodeDefMsg),
		field("versions", 4, typeMessage, versionDefMsg))
	nodeDef := message(nodeDefMsg).fields(
		field("name", 1, typeString),
		field("op", 2, typeString),
		repeated("input", 3, typeString),
		field("device", 4, typeString)).
		mapField("attr", 5, mapEntryValue(typeString), mapEntryValue(typeMessage, attrValueMsg))
	versionDef := message(versionDefMsg).fields(
		field("producer", 1, typeInt32),
		field("min_consumer", 2, typeInt32),
		repeated("bad_consumers", 3, typeInt32))
	attrValue := message(attrValueMsg)
	attrValueFields := []*descriptorpb.FieldDescriptorProto{
		field("s", 2, typeBytes),
		field("i", 3, typeInt64),
		field("f", 4, typeFloat),
		field("b", 5, typeBool),
		field("type", 6, typeEnum, dataTypeEnum),
		field("shape", 7, typeMessage, tensorShapeMsg),
		field("tensor", 8, typeMessage, tensorMsg),
		field("list", 1, typeMessage, listValueMsg),
	}
	listValue := message(listValueMsg).fields(
		repeated("s", 2, typeBytes),
		repeated("i", 3, typeInt64),
		repeated("f", 4, typeFloat),
		repeated("b", 5, typeBool),
		repeated("type", 6, typeEnum, dataTypeEnum),
		repeated("shape", 7, typeMessage, tensorShapeMsg),
		repeated("tensor", 8, typeMessage, tensorMsg))
	tensorShape := message(tensorShapeMsg).fields(
		repeated("dim", 2, typeMessage, dimMsg),
		field("unknown_rank", 3, typeBool))
	dim := message(dimMsg).fields(
		field("size", 1, typeInt64),
		field("name", 2, typeString))
	tensor := message(tensorMsg).fields(
		field("dtype", 1, typeEnum, dataTypeEnum),
		field("tensor_shape", 2, typeMessage, tensorShapeMsg),
		field("tensor_content", 4, typeBytes),
		repeated("float_val", 5, typeFloat),
		repeated("double_val", 6, typeDouble),
		repeated("int_val", 7, typeInt32),
		repeated("int64_val", 10, typeInt64),
		repeated("bool_val", 11, typeBool),
		repeated("half_val", 13, typeInt32),
		repeated("uint32_val", 16, typeUint32),
		repeated("uint64_val", 17, typeUint64))
	messages := []*messageBuilder{graphDef, nodeDef, versionDef, attrValue, listValue, tensorShape, dim, tensor}

	if full {
		graphDef.fields(
			field("library", 2, typeMessage, "FunctionDefLibrary"),
			field("version", 3, typeInt32),
			field("debug_info", 5, typeMessage, "GraphDebugInfo"))
		nodeDef.fields(
			field("experimental_debug_info", 6, typeMessage, "NodeDebugInfo"),
			field("experimental_type", 7, typeMessage, "FullTypeDef"))
		attrValueFields = append(attrValueFields,
			field("placeholder", 9, typeString),
			field("func", 10, typeMessage, "NameAttrList"))
		listValue.fields(repeated("func", 9, typeMessage, "NameAttrList"))
		tensor.fields(
			field("version_number", 3, typeInt32),
			repeated("string_val", 8, typeBytes),
			repeated("scomplex_val", 9, typeFloat),
			repeated("dcomplex_val", 12, typeDouble),
			repeated("resource_handle_val", 14, typeMessage, "ResourceHandleProto"),
			repeated("variant_val", 15, typeMessage, "VariantTensorDataProto"))
		messages = append(messages, extendedMessages()...)
	}
	attrValue.oneof("value", attrValueFields...)

	fileProto := &descriptorpb.FileDescriptorProto{
		Name:     proto.String("graphfreeze/graph_def.proto"),
		Package:  proto.String(protoPackage),
		Syntax:   proto.String("proto3"),
		EnumType: []*descriptorpb.EnumDescriptorProto{dataTypeDescriptor()},
	}
	if !full {
		fileProto.Name = proto.String("graphfreeze/graph_def_core.proto")
	}
	for _, b := range messages {
		fileProto.MessageType = append(fileProto.MessageType, b.desc)
	}
	return must.M1(protodesc.NewFile(fileProto, nil))
}

// extendedMessages declares the messages only used by the text schema.
func extendedMessages() []*messageBuilder {
	attrMap := func(b *messageBuilder, name string, number int32) *messageBuilder {
		return b.mapField(name, number, mapEntryValue(typeString), mapEntryValue(typeMessage, attrValueMsg))
	}
	return []*messageBuilder{
		message("FunctionDefLibrary").fields(
			repeated("function", 1, typeMessage, "FunctionDef"),
			repeated("gradient", 2, typeMessage, "GradientDef"),
			repeated("registered_gradients", 3, typeMessage, "RegisteredGradient")),
		attrMap(message("FunctionDef").fields(
			field("signature", 1, typeMessage, "OpDef"),
			repeated("node_def", 3, typeMessage, nodeDefMsg)), "attr", 5).
			mapField("arg_attr", 7, mapEntryValue(typeUint32), mapEntryValue(typeMessage, "ArgAttrs")).
			mapField("resource_arg_unique_id", 8, mapEntryValue(typeUint32), mapEntryValue(typeUint32)).
			mapField("ret", 4, mapEntryValue(typeString), mapEntryValue(typeString)).
			mapField("control_ret", 6, mapEntryValue(typeString), mapEntryValue(typeString)),
		attrMap(message("ArgAttrs"), "attr", 1),
		message("GradientDef").fields(
			field("function_name", 1, typeString),
			field("gradient_func", 2, typeString)),
		message("RegisteredGradient").fields(
			field("gradient_func", 1, typeString),
			field("registered_op_type", 2, typeString)),
		message("OpDef").fields(
			field("name", 1, typeString),
			repeated("input_arg", 2, typeMessage, "ArgDef"),
			repeated("output_arg", 3, typeMessage, "ArgDef"),
			repeated("control_output", 20, typeString),
			repeated("attr", 4, typeMessage, "AttrDef"),
			field("deprecation", 8, typeMessage, "OpDeprecation"),
			field("summary", 5, typeString),
			field("description", 6, typeString),
			field("is_commutative", 18, typeBool),
			field("is_aggregate", 16, typeBool),
			field("is_stateful", 17, typeBool),
			field("allows_uninitialized_input", 19, typeBool),
			field("is_distributed_communication", 21, typeBool)),
		message("ArgDef").fields(
			field("name", 1, typeString),
			field("description", 2, typeString),
			field("type", 3, typeEnum, dataTypeEnum),
			field("type_attr", 4, typeString),
			field("number_attr", 5, typeString),
			field("type_list_attr", 6, typeString),
			repeated("handle_data", 7, typeMessage, "DtypeAndShape"),
			field("is_ref", 16, typeBool),
			field("experimental_full_type", 17, typeMessage, "FullTypeDef")),
		message("AttrDef").fields(
			field("name", 1, typeString),
			field("type", 2, typeString),
			field("default_value", 3, typeMessage, attrValueMsg),
			field("description", 4, typeString),
			field("has_minimum", 5, typeBool),
			field("minimum", 6, typeInt64),
			field("allowed_values", 7, typeMessage, attrValueMsg)),
		message("OpDeprecation").fields(
			field("version", 1, typeInt32),
			field("explanation", 2, typeString)),
		attrMap(message("NameAttrList").fields(field("name", 1, typeString)), "attr", 2),
		message("NodeDebugInfo").fields(
			repeated("original_node_names", 1, typeString),
			repeated("original_func_names", 2, typeString)),
		message("FullTypeDef").fields(
			field("type_id", 1, typeInt32),
			repeated("args", 2, typeMessage, "FullTypeDef")).
			oneof("attr", field("s", 3, typeString), field("i", 4, typeInt64)),
		message("ResourceHandleProto").fields(
			field("device", 1, typeString),
			field("container", 2, typeString),
			field("name", 3, typeString),
			field("hash_code", 4, typeUint64),
			field("maybe_type_name", 5, typeString),
			repeated("dtypes_and_shapes", 6, typeMessage, "DtypeAndShape")),
		message("DtypeAndShape").fields(
			field("dtype", 1, typeEnum, dataTypeEnum),
			field("shape", 2, typeMessage, tensorShapeMsg)),
		message("VariantTensorDataProto").fields(
			field("type_name", 1, typeString),
			field("metadata", 2, typeBytes),
			repeated("tensors", 3, typeMessage, tensorMsg)),
		message("GraphDebugInfo").fields(repeated("files", 1, typeString)).
			mapField("traces", 2, mapEntryValue(typeString), mapEntryValue(typeMessage, "StackTrace")),
		message("StackTrace").fields(repeated("file_line_cols", 1, typeMessage, "FileLineCol")),
		message("FileLineCol").fields(
			field("file_index", 1, typeInt32),
			field("line", 2, typeInt32),
			field("col", 3, typeInt32),
			field("func", 4, typeString),
			field("code", 5, typeString)),
	}
}
