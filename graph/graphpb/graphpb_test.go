// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphpb_test

import (
	"encoding/hex"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/gomlx/graphfreeze/graph"
	"github.com/gomlx/graphfreeze/graph/graphpb"
	"github.com/gomlx/graphfreeze/graph/graphtest"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMarshalRoundTrip(t *testing.T) {
	for name, g := range map[string]*graph.Graph{
		"add":   graphtest.AddGraph(t),
		"dense": graphtest.DenseGraph(t),
	} {
		t.Run(name, func(t *testing.T) {
			data, err := graphpb.Marshal(g)
			require.NoError(t, err)
			decoded, err := graphpb.Unmarshal(data)
			require.NoError(t, err)
			require.NoError(t, decoded.Validate())

			require.Equal(t, g.NumNodes(), decoded.NumNodes())
			for ii, node := range g.Nodes {
				got := decoded.Nodes[ii]
				assert.Equal(t, node.Name, got.Name)
				assert.Equal(t, node.Op, got.Op)
				assert.Equal(t, len(node.Inputs), len(got.Inputs))
				assert.Equal(t, node.Device, got.Device)
				assert.Equal(t, node.SortedAttrKeys(), got.SortedAttrKeys())
			}
			assert.Equal(t, g.Versions.Producer, decoded.Versions.Producer)

			// Encoding is deterministic: re-encoding the decoded graph yields the same bytes.
			again, err := graphpb.Marshal(decoded)
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}

func TestMarshalGolden(t *testing.T) {
	g := graph.New()
	g.Versions.Producer = 27
	require.NoError(t, g.AddNode(graph.NewNode("n", "NoOp")))
	data, err := graphpb.Marshal(g)
	require.NoError(t, err)
	// node { name: "n" op: "NoOp" } versions { producer: 27 }
	assert.Equal(t, "0a090a016e12044e6f4f702202081b", hex.EncodeToString(data))

	// Attributes are sorted by key, and an AttrValue holding a zero int is still written.
	g.Nodes[0].SetAttr("b", graph.IntAttr(0)).SetAttr("a", graph.TypeAttr(graph.DTFloat))
	data, err = graphpb.Marshal(g)
	require.NoError(t, err)
	assert.Equal(t, "0a1b0a016e12044e6f4f702a070a016112023001"+"2a070a016212021800"+"2202081b",
		hex.EncodeToString(data))
}

func TestMarshalValues(t *testing.T) {
	g := graphtest.AddGraph(t)
	data, err := graphpb.Marshal(g)
	require.NoError(t, err)
	decoded, err := graphpb.Unmarshal(data)
	require.NoError(t, err)

	b := decoded.Node("B")
	require.NotNil(t, b)
	value := b.Attr("value")
	require.NotNil(t, value)
	require.Equal(t, graph.AttrTensor, value.Kind)
	assert.Equal(t, float32(3), tensors.ToScalar[float32](value.Tensor))
	assert.Equal(t, graph.DTFloat, b.Attr("dtype").Type)

	assign := decoded.Node("A/Assign")
	assert.True(t, assign.Attr("use_locking").B)
	assert.Equal(t, []string{"A", "A/initial_value"}, assign.Inputs)
	assert.Equal(t, []string{"^A/Assign"}, decoded.Node("init").Inputs)

	dense := graphtest.DenseGraph(t)
	data, err = graphpb.Marshal(dense)
	require.NoError(t, err)
	decoded, err = graphpb.Unmarshal(data)
	require.NoError(t, err)
	shape := decoded.Node("x").Attr("shape").Shape
	assert.Equal(t, []int64{-1, 3}, shape.Dims)
	assert.False(t, shape.IsFullyDefined())
	assert.Equal(t, "NHWC", string(decoded.Node("dense/BiasAdd").Attr("data_format").S))
}

func TestMarshalListsAndNamedDims(t *testing.T) {
	g := graph.New()
	node := graph.NewNode("n", "IdentityN").
		SetAttr("T", graph.ListAttr(&graph.AttrListValue{Type: []graph.DataType{graph.DTFloat, graph.DTInt64}})).
		SetAttr("_output_shapes", graph.ListAttr(&graph.AttrListValue{Shape: []*graph.TensorShape{
			{Dims: []int64{-1, 3}, DimNames: []string{"batch", ""}},
			{UnknownRank: true},
		}})).
		SetAttr("sizes", graph.ListAttr(&graph.AttrListValue{I: []int64{-1, 0, 7}, F: []float32{0.5}, B: []bool{false, true}}))
	require.NoError(t, g.AddNode(node))
	data, err := graphpb.Marshal(g)
	require.NoError(t, err)
	decoded, err := graphpb.Unmarshal(data)
	require.NoError(t, err)

	got := decoded.Node("n")
	assert.Equal(t, []graph.DataType{graph.DTFloat, graph.DTInt64}, got.Attr("T").List.Type)
	outputShapes := got.Attr("_output_shapes").List.Shape
	require.Len(t, outputShapes, 2)
	assert.Equal(t, []int64{-1, 3}, outputShapes[0].Dims)
	assert.Equal(t, []string{"batch", ""}, outputShapes[0].DimNames)
	assert.True(t, outputShapes[1].UnknownRank)
	sizes := got.Attr("sizes").List
	assert.Equal(t, []int64{-1, 0, 7}, sizes.I)
	assert.Equal(t, []float32{0.5}, sizes.F)
	assert.Equal(t, []bool{false, true}, sizes.B)
}

// attrEntry encodes one NodeDef.attr map entry holding the serialized AttrValue attr.
func attrEntry(key string, attr []byte) []byte {
	var entry []byte
	entry = protowire.AppendTag(entry, 1, protowire.BytesType)
	entry = protowire.AppendString(entry, key)
	entry = protowire.AppendTag(entry, 2, protowire.BytesType)
	entry = protowire.AppendBytes(entry, attr)
	return entry
}

// nodeDef encodes a GraphDef with a single node with the given attributes.
func nodeDef(name, op string, attrs ...[]byte) []byte {
	var node []byte
	node = protowire.AppendTag(node, 1, protowire.BytesType)
	node = protowire.AppendString(node, name)
	node = protowire.AppendTag(node, 2, protowire.BytesType)
	node = protowire.AppendString(node, op)
	for _, attr := range attrs {
		node = protowire.AppendTag(node, 5, protowire.BytesType)
		node = protowire.AppendBytes(node, attr)
	}
	var g []byte
	g = protowire.AppendTag(g, 1, protowire.BytesType)
	g = protowire.AppendBytes(g, node)
	return g
}

// tensorAttr encodes an AttrValue holding a TensorProto of dtype dt with the given dimensions,
// followed by the already encoded fields of the TensorProto values.
func tensorAttr(dt graph.DataType, dims []uint64, values []byte) []byte {
	var shape []byte
	for _, size := range dims {
		var dim []byte
		dim = protowire.AppendTag(dim, 1, protowire.VarintType)
		dim = protowire.AppendVarint(dim, size)
		shape = protowire.AppendTag(shape, 2, protowire.BytesType)
		shape = protowire.AppendBytes(shape, dim)
	}
	var tensor []byte
	tensor = protowire.AppendTag(tensor, 1, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, uint64(dt))
	tensor = protowire.AppendTag(tensor, 2, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, shape)
	tensor = append(tensor, values...)
	var attr []byte
	attr = protowire.AppendTag(attr, 8, protowire.BytesType)
	attr = protowire.AppendBytes(attr, tensor)
	return attr
}

func TestUnmarshalTypedValues(t *testing.T) {
	// TensorProto{dtype: DT_FLOAT, tensor_shape: [2, 2], float_val: [2.5]}: a single value is
	// broadcast to all elements.
	var floatVal []byte
	floatVal = protowire.AppendTag(floatVal, 5, protowire.Fixed32Type)
	floatVal = protowire.AppendFixed32(floatVal, math.Float32bits(2.5))
	attr := tensorAttr(graph.DTFloat, []uint64{2, 2}, floatVal)

	// TensorProto{dtype: DT_INT32, int_val: [-7]} as a scalar. Negative int32 values are
	// sign-extended to 10 bytes varints.
	minusSeven := int64(-7)
	var intVal []byte
	intVal = protowire.AppendTag(intVal, 7, protowire.VarintType)
	intVal = protowire.AppendVarint(intVal, uint64(minusSeven))
	require.Len(t, intVal, 11)
	intAttr := tensorAttr(graph.DTInt32, nil, intVal)

	// TensorProto{dtype: DT_HALF, tensor_shape: [2], half_val: [1.0]}, packed.
	halfVal, err := hex.DecodeString("6a02" + "8078") // 0x3c00 is 1.0 in float16.
	require.NoError(t, err)
	halfAttr := tensorAttr(graph.DTHalf, []uint64{2}, halfVal)

	g, err := graphpb.Unmarshal(nodeDef("c", "Const",
		attrEntry("value", attr), attrEntry("axis", intAttr), attrEntry("half", halfAttr)))
	require.NoError(t, err)
	value := g.Node("c").Attr("value")
	require.Equal(t, graph.AttrTensor, value.Kind)
	assert.Equal(t, []int{2, 2}, value.Tensor.Shape().Dimensions)
	assert.Equal(t, []float32{2.5, 2.5, 2.5, 2.5}, tensors.CopyFlatData[float32](value.Tensor))

	axis := g.Node("c").Attr("axis")
	require.Equal(t, graph.AttrTensor, axis.Kind)
	assert.Equal(t, int32(-7), tensors.ToScalar[int32](axis.Tensor))

	half := g.Node("c").Attr("half")
	require.Equal(t, graph.AttrTensor, half.Kind)
	assert.Equal(t, []byte{0x00, 0x3c, 0x00, 0x3c}, half.Tensor.Bytes())
}

func TestUnmarshalKeepsRawAttributes(t *testing.T) {
	// AttrValue.func (field 10) is not interpreted, and a DT_STRING tensor has no numeric value:
	// both must be preserved byte for byte.
	var funcAttr []byte
	funcAttr = protowire.AppendTag(funcAttr, 10, protowire.BytesType)
	funcAttr = protowire.AppendBytes(funcAttr, []byte{0x0a, 0x03, 'f', 'o', 'o'})
	var stringTensor []byte
	stringTensor = protowire.AppendTag(stringTensor, 1, protowire.VarintType)
	stringTensor = protowire.AppendVarint(stringTensor, uint64(graph.DTString))
	stringTensor = protowire.AppendTag(stringTensor, 8, protowire.BytesType)
	stringTensor = protowire.AppendBytes(stringTensor, []byte("hello"))
	var stringAttr []byte
	stringAttr = protowire.AppendTag(stringAttr, 8, protowire.BytesType)
	stringAttr = protowire.AppendBytes(stringAttr, stringTensor)

	data := nodeDef("call", "PartitionedCall", attrEntry("f", funcAttr), attrEntry("value", stringAttr))
	g, err := graphpb.Unmarshal(data)
	require.NoError(t, err)
	node := g.Node("call")
	require.NotNil(t, node)
	assert.Equal(t, graph.AttrRaw, node.Attr("f").Kind)
	assert.Equal(t, funcAttr, node.Attr("f").Raw)
	assert.Equal(t, graph.AttrRaw, node.Attr("value").Kind)
	assert.Equal(t, stringAttr, node.Attr("value").Raw)

	encoded, err := graphpb.Marshal(g)
	require.NoError(t, err)
	decoded, err := graphpb.Unmarshal(encoded)
	require.NoError(t, err)
	assert.Equal(t, funcAttr, decoded.Node("call").Attr("f").Raw)
	assert.Equal(t, stringAttr, decoded.Node("call").Attr("value").Raw)
}

func TestUnmarshalKeepsUnparsedFields(t *testing.T) {
	// node { name: "n" op: "NoOp" experimental_type { type_id: 1 } }
	input, err := hex.DecodeString("0a0d0a016e12044e6f4f703a020801")
	require.NoError(t, err)
	g, err := graphpb.Unmarshal(input)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3a, 0x02, 0x08, 0x01}, g.Node("n").Unparsed)
	data, err := graphpb.Marshal(g)
	require.NoError(t, err)
	// Marshal always writes the (empty) versions.
	assert.Equal(t, "0a0d0a016e12044e6f4f703a020801"+"2200", hex.EncodeToString(data))

	// GraphDef.debug_info (field 5) and a TensorShapeProto.Dim name.
	var shape []byte
	shape = protowire.AppendTag(shape, 7, protowire.BytesType)
	shape = protowire.AppendBytes(shape, []byte{0x12, 0x07, 0x08, 0x04, 0x12, 0x03, 'r', 'o', 'w'})
	input = nodeDef("x", "Placeholder", attrEntry("shape", shape))
	input = append(input, 0x2a, 0x02, 0x0a, 0x00)
	g, err = graphpb.Unmarshal(input)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2a, 0x02, 0x0a, 0x00}, g.Unparsed)
	xShape := g.Node("x").Attr("shape")
	require.Equal(t, graph.AttrShape, xShape.Kind)
	assert.Equal(t, []int64{4}, xShape.Shape.Dims)
	assert.Equal(t, []string{"row"}, xShape.Shape.DimNames)
	data, err = graphpb.Marshal(g)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(nodeDef("x", "Placeholder", attrEntry("shape", shape)))+"2200"+"2a020a00",
		hex.EncodeToString(data))

	// Unparsed fields survive a Clone.
	data, err = graphpb.Marshal(g.Clone())
	require.NoError(t, err)
	assert.Contains(t, hex.EncodeToString(data), "2a020a00")
}

func TestUnmarshalErrors(t *testing.T) {
	_, err := graphpb.Unmarshal([]byte{0x0a, 0x10, 0x01})
	require.Error(t, err)

	// Element count overflows.
	data := nodeDef("c", "Const", attrEntry("value", tensorAttr(graph.DTFloat, []uint64{1 << 40, 1 << 30}, nil)))
	require.NotPanics(t, func() { _, err = graphpb.Unmarshal(data) })
	require.Error(t, err)

	// Valid shape, but larger than MaxTensorBytes.
	data = nodeDef("c", "Const", attrEntry("value", tensorAttr(graph.DTFloat, []uint64{1 << 20, 1 << 20}, nil)))
	_, err = graphpb.Unmarshal(data)
	require.ErrorContains(t, err, "larger than the limit")

	// tensor_content doesn't match the shape.
	var content []byte
	content = protowire.AppendTag(content, 4, protowire.BytesType)
	content = protowire.AppendBytes(content, []byte{1, 2, 3})
	data = nodeDef("c", "Const", attrEntry("value", tensorAttr(graph.DTFloat, []uint64{2}, content)))
	_, err = graphpb.Unmarshal(data)
	require.Error(t, err)

	_, err = graphpb.UnmarshalText([]byte(`node { name: "a" not_a_field: 1 }`))
	require.Error(t, err)
}

var (
	textNodeRegexp = regexp.MustCompile(`(?m)^node:?\s*\{`)
	textNameRegexp = regexp.MustCompile(`name:\s*"dense/Softmax"`)
)

func TestMarshalText(t *testing.T) {
	g := graphtest.AddGraph(t)
	text, err := graphpb.MarshalText(g)
	require.NoError(t, err)
	got := string(text)
	for _, want := range []string{
		`name:\s*"A"\s+op:\s*"VariableV2"`,
		`input:\s*"\^A/Assign"`,
		`device:\s*"/device:CPU:0"`,
		`key:\s*"dtype"\s+value:?\s*\{\s*type:\s*DT_FLOAT\s*\}`,
		`b:\s*true`,
		`dtype:\s*DT_FLOAT\s+tensor_shape:?\s*\{\s*\}\s+tensor_content:\s*"`,
		`versions:?\s*\{\s*producer:\s*27\s*\}`,
	} {
		assert.Regexp(t, want, got)
	}
	assert.Len(t, textNodeRegexp.FindAllString(got, -1), 6)

	// Parsing the text yields the same graph.
	decoded, err := graphpb.UnmarshalText(text)
	require.NoError(t, err)
	want, err := graphpb.Marshal(g)
	require.NoError(t, err)
	again, err := graphpb.Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, want, again)
}

func TestMarshalTextUnparsed(t *testing.T) {
	g := graphtest.AddGraph(t)
	// library { function { signature { name: "f" } } }
	g.Unparsed = []byte{0x12, 0x07, 0x0a, 0x05, 0x0a, 0x03, 0x0a, 0x01, 'f'}
	// experimental_type { type_id: 1 }
	g.Node("C").Unparsed = []byte{0x3a, 0x02, 0x08, 0x01}
	// attr { key: "f" value { func { name: "foo" } } }
	g.Node("init").SetAttr("f", &graph.AttrValue{Kind: graph.AttrRaw, Raw: []byte{0x52, 0x05, 0x0a, 0x03, 'f', 'o', 'o'}})

	text, err := graphpb.MarshalText(g)
	require.NoError(t, err)
	got := string(text)
	assert.Regexp(t, `library:?\s*\{\s*function:?\s*\{\s*signature:?\s*\{\s*name:\s*"f"`, got)
	assert.Regexp(t, `experimental_type:?\s*\{\s*type_id:\s*1\s*\}`, got)
	assert.Regexp(t, `func:?\s*\{\s*name:\s*"foo"\s*\}`, got)

	decoded, err := graphpb.UnmarshalText(text)
	require.NoError(t, err)
	assert.Equal(t, g.Unparsed, decoded.Unparsed)
	assert.Equal(t, g.Node("C").Unparsed, decoded.Node("C").Unparsed)
	assert.Equal(t, g.Node("init").Attr("f").Raw, decoded.Node("init").Attr("f").Raw)
}

func TestWriteAndReadGraph(t *testing.T) {
	g := graphtest.DenseGraph(t)
	logdir := filepath.Join(t.TempDir(), "model")
	path, err := graphpb.WriteGraph(g, logdir, "frozen.pb", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(logdir, "frozen.pb"), path)

	loaded, err := graphpb.ReadGraph(path)
	require.NoError(t, err)
	want, err := graphpb.Marshal(g)
	require.NoError(t, err)
	got, err := graphpb.Marshal(loaded)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	textPath, err := graphpb.WriteGraph(g, logdir, "frozen"+graphpb.TextExtension, true)
	require.NoError(t, err)
	text, err := os.ReadFile(textPath)
	require.NoError(t, err)
	assert.Regexp(t, textNameRegexp, string(text))
	loaded, err = graphpb.ReadGraph(textPath)
	require.NoError(t, err)
	got, err = graphpb.Marshal(loaded)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = graphpb.ReadGraph(filepath.Join(logdir, "missing.pb"))
	require.Error(t, err)
}

func TestWriteGraphFailureWritesNothing(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode(graph.NewNode("bad", "Const").SetAttr("value", &graph.AttrValue{})))
	logdir := filepath.Join(t.TempDir(), "out")
	_, err := graphpb.WriteGraph(g, logdir, "bad.pb", false)
	require.Error(t, err)
	_, statErr := os.Stat(logdir)
	assert.True(t, os.IsNotExist(statErr))
}
