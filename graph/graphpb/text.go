// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphpb

import (
	"github.com/gomlx/graphfreeze/graph"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"
)

// MarshalText serializes the graph in the protocol buffer text format (`.pbtxt`), the format
// written by TensorFlow's `write_graph(..., as_text=True)`.
//
// The function library, debug information and attributes kept as graph.AttrRaw are written
// with their field names. Fields unknown even to the text schema are written by number, and
// can't be read back by UnmarshalText.
//
// The text format makes no stability guarantees on its whitespace: compare the output
// semantically, e.g. by parsing it back.
func MarshalText(g *graph.Graph) ([]byte, error) {
	data, err := Marshal(g)
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(messageDescriptor(textSchema(), graphDefMsg))
	if err = proto.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(err, "failed to convert GraphDef to text format")
	}
	text, err := prototext.MarshalOptions{Multiline: true, Indent: "  ", EmitUnknown: true}.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert GraphDef to text format")
	}
	return text, nil
}

// UnmarshalText parses a `GraphDef` in the protocol buffer text format, see MarshalText.
func UnmarshalText(text []byte) (*graph.Graph, error) {
	msg := dynamicpb.NewMessage(messageDescriptor(textSchema(), graphDefMsg))
	if err := prototext.Unmarshal(text, msg); err != nil {
		return nil, errors.Wrap(err, "failed to parse GraphDef in text format")
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse GraphDef in text format")
	}
	return Unmarshal(data)
}
