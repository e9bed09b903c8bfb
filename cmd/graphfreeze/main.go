// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// graphfreeze loads a trained model (graph plus checkpoint), converts its variables to constants,
// prunes the graph to what is needed to compute the given outputs, and writes the result as a
// binary GraphDef that can be used for inference.
//
// Example:
//
//	graphfreeze -model ./my_model -outputs dense_2/Softmax -logdir model -name tf_model_io.pb
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/graphfreeze/graph"
	"github.com/gomlx/graphfreeze/graph/graphpb"
	"github.com/gomlx/graphfreeze/ml/freeze"
	"github.com/gomlx/graphfreeze/ml/model"
	"github.com/gomlx/graphfreeze/ml/session"
	"github.com/gomlx/graphfreeze/ui/commandline"
	"k8s.io/klog/v2"
)

var (
	flagModel   = flag.String("model", "./my_model", "Directory of the model to freeze: it must hold \"graph.pb\" and the checkpoint with the variable values.")
	flagOutputs = flag.String("outputs", "dense_2/Softmax", "Comma-separated list of the output nodes (or tensor names, like \"dense_2/Softmax:0\") to preserve.")
	flagMean    = flag.Int("take_mean", 1, "Freeze the mean of the last N checkpoints of the model, instead of only the latest. If N <= 0, the mean of all checkpoints is used.")
	flagKeep    = flag.String("keep_vars", "", "Comma-separated list of variables not to freeze: they are kept as variables.")
	flagDevices = flag.Bool("keep_devices", false, "Keep the device assignments of the nodes. By default they are cleared, so the graph can run anywhere.")
	flagLogDir  = flag.String("logdir", "model", "Directory where to write the frozen graph. It is created if it doesn't exist.")
	flagName    = flag.String("name", "tf_model_io.pb", "File name of the frozen graph, within -logdir.")
	flagAsText  = flag.Bool("as_text", false, "Write the frozen graph in text format, instead of binary.")

	flagSummary  = flag.Bool("summary", false, "Display a summary of the frozen graph: sizes and ops used.")
	flagProgress = flag.Bool("progress", false, "Display a progress bar while freezing the variables.")
)

// options of one conversion, normally taken from the flags.
type options struct {
	modelDir          string
	outputs, keepVars []string
	keepDevices       bool
	logDir, name      string
	asText            bool
	summary, progress bool
}

func optionsFromFlags() options {
	return options{
		modelDir:    *flagModel,
		takeMean:    *flagMean,
		outputs:     commandline.ParseNameList(*flagOutputs),
		keepVars:    commandline.ParseNameList(*flagKeep),
		keepDevices: *flagDevices,
		logDir:      *flagLogDir,
		name:        *flagName,
		asText:      *flagAsText,
		summary:     *flagSummary,
		progress:    *flagProgress,
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'graphfreeze -help'.", flag.Args())
		os.Exit(1)
	}
	path, err := run(optionsFromFlags())
	if err != nil {
		klog.Errorf("Failed to freeze model: %+v", err)
		os.Exit(1)
	}
	fmt.Printf("Frozen graph written to %q\n", path)
}

// run loads the model, freezes it and writes the frozen graph. It returns the path of the file
// written. Nothing is written if loading or freezing fails.
func run(opts options) (path string, err error) {
	var sess *session.Session
	sess, err = model.Build(opts.modelDir).TakeMean(opts.takeMean).Load()
	if err != nil {
		return
	}
	config := freeze.Build(sess).
		Keep(opts.keepVars...).
		Outputs(opts.outputs...).
		ClearDevices(!opts.keepDevices)
	if opts.progress {
		config = commandline.AttachProgressBar(config)
	}
	numFrozen := config.NumVariablesToFreeze()
	var frozen *graph.Graph
	frozen, err = config.Done()
	if err != nil {
		return
	}
	path, err = graphpb.WriteGraph(frozen, opts.logDir, opts.name, opts.asText)
	if err != nil {
		return
	}
	if opts.summary {
		summary(opts, sess, frozen, numFrozen, path)
	}
	return
}
