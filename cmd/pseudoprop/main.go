// Package main provides the pseudoprop CLI: train and evaluate synapse
// networks with vanilla backprop, feedback alignment or pseudo-backprop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/born-ml/pseudoprop/internal/autodiff"
	"github.com/born-ml/pseudoprop/internal/backend/cpu"
	"github.com/born-ml/pseudoprop/internal/config"
	"github.com/born-ml/pseudoprop/internal/dataset"
	"github.com/born-ml/pseudoprop/internal/eval"
	"github.com/born-ml/pseudoprop/internal/nn"
	"github.com/born-ml/pseudoprop/internal/optim"
	"github.com/born-ml/pseudoprop/internal/train"
)

const version = "v0.1.0-dev"

// Backend is the autodiff-over-CPU backend every command runs on.
type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "train":
		return runTrain(ctx, args[1:], stdout)
	case "eval":
		return runEval(ctx, args[1:], stdout)
	case "version":
		fmt.Fprintf(stdout, "pseudoprop %s\n", version)
		return nil
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: pseudoprop <train|eval|version> [flags]\n"+
		"  train -params <file> [-resume <checkpoint>] [-log-level info]\n"+
		"  eval  -params <file> -checkpoint <file>", msg)
}

func runTrain(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	paramsPath := fs.String("params", "", "experiment file (.yaml, .yml or .json)")
	resume := fs.String("resume", "", "checkpoint to resume from")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *paramsPath == "" {
		return usageError("train: -params is required")
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	exp, err := config.Load(*paramsPath)
	if err != nil {
		return err
	}

	trainSet, testSet, err := splitData(exp)
	if err != nil {
		return err
	}
	//nolint:gosec // G404: shuffling order, not security-sensitive
	batches, err := dataset.NewBatches(trainSet, exp.BatchSize, rand.New(rand.NewSource(exp.RandomSeed)))
	if err != nil {
		return err
	}

	backend := autodiff.New(cpu.New())
	net, err := newNetwork(exp, backend, logger)
	if err != nil {
		return err
	}
	optimizer, err := optim.New(net.Parameters(), exp.OptimizerConfig(), backend)
	if err != nil {
		return err
	}

	trainer, err := train.New(net, optimizer, backend, train.Config{
		Epochs:         exp.Epochs,
		RecomputeEvery: exp.RecomputeEvery,
		SaveEvery:      exp.SaveEvery,
		ModelFolder:    exp.ModelFolder,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if *resume != "" {
		if _, err := trainer.Resume(*resume); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(exp.ModelFolder, 0o755); err != nil {
		return fmt.Errorf("create model folder: %w", err)
	}
	if err := exp.Save(filepath.Join(exp.ModelFolder, "params.yaml")); err != nil {
		return err
	}

	logger.Info("starting training",
		"model_type", net.Variant(),
		"layers", exp.Layers,
		"train_examples", humanize.Comma(int64(trainSet.Len())),
		"batches", batches.Len(),
		"run_id", trainer.RunID())
	result, err := trainer.Fit(ctx, batches)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "run %s: %d steps, %d checkpoints in %s\n",
		result.RunID, result.Steps, len(result.Checkpoints), exp.ModelFolder)
	if testSet.Len() == 0 {
		return nil
	}
	return report(ctx, stdout, net, testSet, exp, backend)
}

func runEval(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	paramsPath := fs.String("params", "", "experiment file the checkpoint was trained with")
	checkpoint := fs.String("checkpoint", "", "checkpoint file (.safetensors)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *paramsPath == "" || *checkpoint == "" {
		return usageError("eval: -params and -checkpoint are required")
	}

	logger, err := newLogger("warn")
	if err != nil {
		return err
	}
	exp, err := config.Load(*paramsPath)
	if err != nil {
		return err
	}
	_, testSet, err := splitData(exp)
	if err != nil {
		return err
	}
	if testSet.Len() == 0 {
		return errors.New("eval: test_examples is 0, nothing to evaluate")
	}

	backend := autodiff.New(cpu.New())
	net, err := newNetwork(exp, backend, logger)
	if err != nil {
		return err
	}
	ckpt, err := nn.LoadCheckpoint[Backend](*checkpoint, net, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "checkpoint %s (run %s, epoch %d, images %s)\n",
		filepath.Base(*checkpoint), ckpt.RunID, ckpt.Epoch, humanize.Comma(ckpt.Images))
	return report(ctx, stdout, net, testSet, exp, backend)
}

// splitData generates the experiment's dataset and returns (train, test).
func splitData(exp config.Experiment) (*dataset.Dataset, *dataset.Dataset, error) {
	ds, err := dataset.Blobs(exp.Dataset)
	if err != nil {
		return nil, nil, err
	}
	testSet, trainSet, err := ds.Split(exp.TestExamples)
	if err != nil {
		return nil, nil, err
	}
	return trainSet, testSet, nil
}

func newNetwork(exp config.Experiment, backend Backend, logger *slog.Logger) (*nn.Network[Backend], error) {
	cfg, err := exp.NetworkConfig(logger)
	if err != nil {
		return nil, err
	}
	return nn.NewNetwork(cfg, backend)
}

func report(ctx context.Context, stdout io.Writer, net *nn.Network[Backend], testSet *dataset.Dataset,
	exp config.Experiment, backend Backend,
) error {
	batches, err := dataset.NewBatches(testSet, exp.BatchSize, nil)
	if err != nil {
		return err
	}
	result, err := eval.Evaluate[Backend](ctx, net, batches, exp.Dataset.NumClasses, backend)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "test: %s examples, accuracy %.2f%%, loss %.4f\n",
		humanize.Comma(int64(result.Examples)), 100*result.Accuracy(), result.Loss)
	fmt.Fprintln(stdout, "confusion (rows: label, columns: predicted)")
	for label, row := range result.Confusion {
		cells := make([]string, len(row))
		for i, n := range row {
			cells[i] = fmt.Sprintf("%5d", n)
		}
		fmt.Fprintf(stdout, "%3d |%s\n", label, strings.Join(cells, ""))
	}
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}
