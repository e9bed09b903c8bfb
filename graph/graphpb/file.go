// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphpb

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/graphfreeze/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used by WriteGraph.
	DirPermMode = os.FileMode(0755)

	// FilePermMode is the permission (before umask) of the files created by WriteGraph.
	FilePermMode = os.FileMode(0644)
)

// WriteGraph serializes g and writes it to the file name under logdir, creating logdir if
// needed. If asText is true it uses the text format (see MarshalText), otherwise the binary
// wire format. It returns the path of the file written.
//
// The graph is serialized before the file is created, so a graph that fails to serialize
// leaves no file behind.
func WriteGraph(g *graph.Graph, logdir, name string, asText bool) (path string, err error) {
	var data []byte
	if asText {
		data, err = MarshalText(g)
	} else {
		data, err = Marshal(g)
	}
	if err != nil {
		return "", err
	}
	if logdir != "" {
		if err = os.MkdirAll(logdir, DirPermMode); err != nil {
			return "", errors.Wrapf(err, "failed to create directory %q", logdir)
		}
	}
	path = filepath.Join(logdir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FilePermMode)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create graph file %q", path)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close graph file %q", path)
		}
	}()
	if _, err = f.Write(data); err != nil {
		return "", errors.Wrapf(err, "failed to write graph file %q", path)
	}
	klog.V(1).Infof("wrote graph with %d nodes (%d bytes) to %q", g.NumNodes(), len(data), path)
	return path, nil
}

// TextExtension is the file extension of graphs in the text format.
const TextExtension = ".pbtxt"

// ReadGraph reads a graph from path. Files with the TextExtension are parsed in the text
// format, anything else in the binary wire format.
func ReadGraph(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph file %q", path)
	}
	var g *graph.Graph
	if strings.EqualFold(filepath.Ext(path), TextExtension) {
		g, err = UnmarshalText(data)
	} else {
		g, err = Unmarshal(data)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "graph file %q", path)
	}
	return g, nil
}
