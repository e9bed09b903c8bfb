// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model loads and saves model directories: a computation graph plus the values of its
// variables.
//
// A model directory holds:
//
//   - GraphFileName ("graph.pb"): the graph, in the binary `GraphDef` format, including the
//     variable nodes. If it is missing, GraphTextFileName ("graph.pbtxt") is read instead.
//   - checkpoint files (see package checkpoints): the variable values, keyed by the variable node
//     names. The latest checkpoint is loaded.
package model

import (
	"os"
	"path/filepath"

	"github.com/gomlx/graphfreeze/graph/graphpb"
	"github.com/gomlx/graphfreeze/ml/session"
	"github.com/gomlx/graphfreeze/ml/session/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GraphFileName is the name of the graph file in a model directory.
const GraphFileName = "graph.pb"

// GraphTextFileName is the name of the graph file in the text format, read if there is no
// GraphFileName.
const GraphTextFileName = "graph" + graphpb.TextExtension

// Config for loading or saving a model directory. Create it with Build, configure it with the
// various methods and call Load or Save.
type Config struct {
	dir      string
	takeMean int
	keep     int
}

// Build a configuration for the model directory dir.
func Build(dir string) *Config {
	return &Config{dir: dir, takeMean: 1, keep: 1}
}

// TakeMean configures Load to use the mean of the last n checkpoints as the variable values,
// instead of only the latest one. If n <= 0, the mean of all checkpoints is taken. Only
// trainable float variables are averaged, see checkpoints.Config.TakeMean.
//
// The default is 1: only the latest checkpoint is used.
func (c *Config) TakeMean(n int) *Config {
	c.takeMean = n
	return c
}

// Keep configures how many checkpoints Save keeps in the directory, including the one it
// writes. If n < 0, no checkpoint is removed. The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Load is a shortcut to Build(dir).Load().
func Load(dir string) (*session.Session, error) {
	return Build(dir).Load()
}

// Save is a shortcut to Build(dir).Save(sess).
func Save(sess *session.Session, dir string) error {
	return Build(dir).Save(sess)
}

// Load the model into a new session. Variable nodes of the graph without a value in the
// checkpoint are registered uninitialized.
func (c *Config) Load() (*session.Session, error) {
	dir := c.dir
	path := filepath.Join(dir, GraphFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if textPath := filepath.Join(dir, GraphTextFileName); fileExists(textPath) {
			path = textPath
		}
	}
	g, err := graphpb.ReadGraph(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading model from %q", dir)
	}
	sess := session.New(g)
	checkpoint, err := checkpoints.Build(sess).Dir(dir).TakeMean(c.takeMean).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading variables of model in %q", dir)
	}
	if found, err := checkpoint.HasCheckpoints(); err != nil {
		return nil, errors.WithMessagef(err, "loading variables of model in %q", dir)
	} else if !found {
		klog.Warningf("model %q: no checkpoint found, variables have no values", dir)
	}
	if err = sess.RegisterGraphVariables(); err != nil {
		return nil, errors.WithMessagef(err, "loading model from %q", dir)
	}
	var numUninitialized int
	sess.EnumerateVariables(func(v *session.Variable) {
		if !v.IsInitialized() {
			numUninitialized++
			klog.Warningf("model %q: variable %q has no saved value", dir, v.Name())
		}
	})
	klog.V(1).Infof("loaded model from %q: %d nodes, %d variables (%d uninitialized)",
		dir, g.NumNodes(), sess.NumVariables(), numUninitialized)
	return sess, nil
}

// Save the session's graph and variable values to the directory, creating it if needed.
// Only the latest checkpoints are kept, see Keep.
func (c *Config) Save(sess *session.Session) error {
	g, err := sess.Graph()
	if err != nil {
		return err
	}
	if _, err = graphpb.WriteGraph(g, c.dir, GraphFileName, false); err != nil {
		return errors.WithMessagef(err, "saving model to %q", c.dir)
	}
	checkpoint, err := checkpoints.Build(sess).Dir(c.dir).Keep(c.keep).SaveOnly().Done()
	if err != nil {
		return errors.WithMessagef(err, "saving model to %q", c.dir)
	}
	return checkpoint.Save()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
