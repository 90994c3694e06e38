// Command train runs the grid-recurrent detector training loop from a JSON
// or YAML configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nvr-ai/go-reinspect/backbone"
	"github.com/nvr-ai/go-reinspect/checkpoint"
	"github.com/nvr-ai/go-reinspect/config"
	"github.com/nvr-ai/go-reinspect/data"
	"github.com/nvr-ai/go-reinspect/idl"
	"github.com/nvr-ai/go-reinspect/logging"
	"github.com/nvr-ai/go-reinspect/trainer"
)

func main() {
	var (
		configPath      string
		weights         string
		backboneKind    string
		backboneWeights string
		onnxModel       string
		onnxLib         string
		dumpHidden      string
		workers         int
	)
	flag.StringVar(&configPath, "config", "", "Path to the training configuration (.json, .yaml or .yml)")
	flag.StringVar(&weights, "weights", "", "Warm-start snapshot, overrides solver.weights from the configuration")
	flag.StringVar(&backboneKind, "backbone", "pooled", "Feature source: synthetic, pooled, conv or onnx")
	flag.StringVar(&backboneWeights, "backbone-weights", "", "Snapshot with convolutional backbone weights (backbone=conv)")
	flag.StringVar(&onnxModel, "onnx-model", "", "Path to the backbone ONNX model (backbone=onnx)")
	flag.StringVar(&onnxLib, "onnx-lib", "", "Path to the onnxruntime shared library (backbone=onnx)")
	flag.StringVar(&dumpHidden, "dump-hidden", "", "Write hidden-state statistics for one example to this path and exit")
	flag.IntVar(&workers, "workers", 0, "Cell worker pool size, 0 uses all CPUs")
	flag.Parse()

	if configPath == "" {
		log.Fatal("missing -config: point it at a training configuration file")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	if weights != "" {
		cfg.Solver.Weights = weights
	}

	if err := logging.Init(cfg.Logging.Level); err != nil {
		log.Fatalf("initializing logging: %v", err)
	}
	defer logging.Sync()

	if err := run(cfg, backboneKind, backboneWeights, onnxModel, onnxLib, dumpHidden, workers); err != nil {
		logging.S().Fatalw("training failed", "error", err.Error())
	}
}

func run(cfg config.Config, backboneKind, backboneWeights, onnxModel, onnxLib, dumpHidden string, workers int) error {
	if cfg.Data.TrainIDL == "" {
		return fmt.Errorf("configuration names no train_idl annotation list")
	}

	var mean *data.Mean
	if cfg.Data.IDLMean != "" {
		m, err := data.LoadMean(cfg.Data.IDLMean, cfg.Net.ImgWidth, cfg.Net.ImgHeight)
		if err != nil {
			return fmt.Errorf("loading mean blob: %w", err)
		}
		mean = m
	}

	train, err := loadDataset(cfg, cfg.Data.TrainIDL, mean, cfg.Data.Jitter, cfg.Solver.RandomSeed)
	if err != nil {
		return fmt.Errorf("loading training annotations: %w", err)
	}
	var test *data.Dataset
	if cfg.Data.TestIDL != "" {
		test, err = loadDataset(cfg, cfg.Data.TestIDL, mean, false, cfg.Solver.RandomSeed+1)
		if err != nil {
			return fmt.Errorf("loading test annotations: %w", err)
		}
	}

	source, closeSource, err := buildSource(cfg, backboneKind, backboneWeights, onnxModel, onnxLib)
	if err != nil {
		return err
	}
	defer closeSource()

	tr, err := trainer.New(trainer.Args{
		Config:  &cfg,
		Source:  source,
		Train:   train,
		Test:    test,
		Workers: workers,
	})
	if err != nil {
		return err
	}

	if dumpHidden != "" {
		split := train
		if test != nil {
			split = test
		}
		ex, err := split.Next()
		if err != nil {
			return fmt.Errorf("loading example for hidden dump: %w", err)
		}
		if err := tr.DumpHidden(dumpHidden, ex); err != nil {
			return err
		}
		logging.S().Infow("hidden state report written", "path", dumpHidden, "image", ex.ImagePath)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return tr.Run(ctx)
}

// loadDataset parses an annotation list and wraps it in a shuffling dataset.
// Relative image paths resolve against the list's own directory.
func loadDataset(cfg config.Config, idlPath string, mean *data.Mean, jitter bool, seed int64) (*data.Dataset, error) {
	annos, err := idl.ParseFile(idlPath)
	if err != nil {
		return nil, err
	}
	return data.New(data.Args{
		Net:         cfg.Net,
		Annotations: annos,
		BaseDir:     filepath.Dir(idlPath),
		Mean:        mean,
		Jitter:      jitter,
		Seed:        seed,
	})
}

// buildSource picks the feature extractor named on the command line. The
// returned func releases whatever the source holds (graph VMs, ONNX
// sessions); for the stateless sources it is a no-op.
func buildSource(cfg config.Config, kind, backboneWeights, onnxModel, onnxLib string) (backbone.FeatureSource, func(), error) {
	noop := func() {}
	switch kind {
	case "synthetic":
		return backbone.NewSynthetic(cfg.Net, cfg.Solver.RandomSeed), noop, nil
	case "pooled":
		src, err := backbone.NewPooled(cfg.Net, nil)
		return src, noop, err
	case "conv":
		src, err := backbone.NewConvNet(cfg.Net)
		if err != nil {
			return nil, nil, err
		}
		if backboneWeights != "" {
			snap, err := checkpoint.Load(backboneWeights)
			if err != nil {
				src.Close()
				return nil, nil, fmt.Errorf("loading backbone weights: %w", err)
			}
			if err := src.LoadWeights(snap); err != nil {
				src.Close()
				return nil, nil, fmt.Errorf("restoring backbone weights: %w", err)
			}
		}
		return src, src.Close, nil
	case "onnx":
		if onnxModel == "" {
			return nil, nil, fmt.Errorf("backbone=onnx needs -onnx-model")
		}
		src, err := backbone.NewONNXRuntime(cfg.Net, backbone.ONNXArgs{
			ModelPath:   onnxModel,
			LibraryPath: onnxLib,
		})
		if err != nil {
			return nil, nil, err
		}
		return src, func() {
			if err := src.Close(); err != nil {
				logging.S().Warnw("closing onnx source", "error", err.Error())
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backbone %q (want synthetic, pooled, conv or onnx)", kind)
	}
}
