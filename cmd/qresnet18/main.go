// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// qresnet18 inspects and trains the quantized ResNet-18 model.
//
// Inspect the model built for 224x224 images, with a custom quantization configuration:
//
//	$ qresnet18 -summary -vars -quantize_config=quantize.yaml -set="batch_norm_mode=frozen"
//
// Write a JSON description of the model (taps, variables and configuration):
//
//	$ qresnet18 -manifest=model.json
//
// Train on ImageNet (see package examples/imagenet for the expected layout of the data directory):
//
//	$ qresnet18 -train -data=~/work/imagenet -checkpoint=new
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/qresnet/examples/imagenet"
	"github.com/gomlx/qresnet/pkg/ml/layers/quantize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir        = flag.String("data", "~/work/imagenet", "ImageNet data directory, used with -train.")
	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save and load checkpoints from, relative to -data. If empty no checkpoints are created. Use \"new\" for a new uniquely named directory.")
	flagQuantizeConfig = flag.String("quantize_config", "", "YAML file with the quantization configuration. Values set with -set take precedence.")

	flagTrain     = flag.Bool("train", false, "Train the model on the ImageNet data in -data.")
	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end of training.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagSummary    = flag.Bool("summary", false, "Display a summary of the model: configuration, feature taps and sizes.")
	flagVars       = flag.Bool("vars", false, "Lists the model variables, quantized kernels are highlighted.")
	flagManifest   = flag.String("manifest", "", "Write a JSON description of the model to the given file.")
	flagImageSize  = flag.Int("image_size", 224, "Input image size used by -summary, -vars and -manifest.")
	flagNumClasses = flag.Int("num_classes", 0, "If > 0, -summary, -vars and -manifest include the classifier head with the given number of classes.")
)

func main() {
	ctx := imagenet.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	if *flagQuantizeConfig != "" {
		cfg := must.M1(quantize.LoadConfig(*flagQuantizeConfig))
		cfg.SetParams(ctx)
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	if !*flagTrain && !*flagSummary && !*flagVars && *flagManifest == "" {
		klog.Errorf("Nothing to do: set one of -train, -summary, -vars or -manifest. See 'qresnet18 -help'.")
		os.Exit(1)
	}

	if *flagSummary || *flagVars || *flagManifest != "" {
		// The model is built on a clone, so the training context has no variables yet.
		inspectCtx := must.M1(ctx.Clone())
		manifest, err := BuildManifest(backends.MustNew(), inspectCtx, *flagImageSize, *flagNumClasses)
		if err != nil {
			klog.Fatalf("Failed to build model: %+v", err)
		}
		if *flagSummary {
			Summary(manifest)
		}
		if *flagVars {
			ListVariables(manifest)
		}
		if *flagManifest != "" {
			must.M(manifest.WriteJSON(*flagManifest))
			fmt.Printf("Manifest written to %q\n", *flagManifest)
		}
	}

	if *flagTrain {
		imagenet.TrainModel(ctx, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
	}
}
