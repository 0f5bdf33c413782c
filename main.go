package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/b0tShaman/neuro-gpt/config"
	"github.com/b0tShaman/neuro-gpt/data"
	"github.com/b0tShaman/neuro-gpt/dist"
	"github.com/b0tShaman/neuro-gpt/journal"
	"github.com/b0tShaman/neuro-gpt/ml"
	"github.com/b0tShaman/neuro-gpt/train"
)

const (
	exitOK          = 0
	exitFatal       = 1
	exitUsage       = 2
	exitInterrupted = 130
)

// -------- MAIN -------- //
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "train"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "train":
		return runTrain(ctx, args, stdout, stderr)
	case "eval":
		return runEval(args, stdout, stderr)
	case "gendata":
		return runGendata(args, stdout, stderr)
	case "verify":
		return runVerify(args, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q (want train, eval, gendata or verify)\n", cmd)
		return exitUsage
	}
}

// newLogger writes human-readable records to a terminal and JSON otherwise.
func newLogger(w io.Writer) *slog.Logger {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return slog.New(slog.NewTextHandler(w, nil))
	}
	return slog.New(slog.NewJSONHandler(w, nil))
}

// exitCode maps a fatal error onto the process exit status.
func exitCode(err error) int {
	var (
		cfgErr  *config.Error
		topoErr *dist.TopologyError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, train.ErrInterrupted):
		return exitInterrupted
	case errors.As(err, &cfgErr), errors.As(err, &topoErr):
		return exitUsage
	default:
		return exitFatal
	}
}

func runTrain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to the YAML run configuration")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	logger := newLogger(stderr)

	err := trainJob(ctx, *cfgPath, stdout, logger)
	if err != nil && !errors.Is(err, train.ErrInterrupted) {
		logger.Error("training failed", "err", err)
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return exitCode(err)
}

// trainJob runs one training job. Output and logs are silenced on every rank
// but the master once the topology is known.
func trainJob(ctx context.Context, cfgPath string, stdout io.Writer, logger *slog.Logger) (err error) {
	if cfgPath == "" {
		return &config.Error{Field: "--config", Reason: "path is required"}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateTraining(); err != nil {
		return err
	}

	coord, err := dist.Setup(ctx, dist.Options{SyncTimeout: cfg.Training.SyncTimeout, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && !errors.Is(err, train.ErrInterrupted) {
			coord.Abort(err.Error())
		}
		if terr := coord.Teardown(context.Background()); terr != nil && err == nil {
			err = terr
		}
	}()

	topo := coord.Topology()
	out := stdout
	if !topo.IsMaster() {
		out = io.Discard
		logger = slog.New(slog.DiscardHandler)
	}
	fmt.Fprintf(out, "Running on %d cores (rank %d of %d, micro-batch = %d)\n\n",
		runtime.GOMAXPROCS(0), topo.Rank, topo.WorldSize, cfg.Training.BatchSize)

	// 1. Load Data
	fmt.Fprintln(out, "Loading dataset...")
	ds, err := data.Open(cfg.Data.TrainDir, cfg.Model.BlockSize)
	if err != nil {
		return err
	}
	defer ds.Close()
	fmt.Fprintf(out, "Loaded dataset: %d tokens, %d windows of %d\n", ds.NumTokens(), ds.Len(), ds.BlockSize())

	var evalDS data.Dataset
	if cfg.Data.EvalData != "" {
		eds, err := openDataset(cfg.Data.EvalData, cfg.Model.BlockSize)
		if err != nil {
			return err
		}
		defer eds.Close()
		evalDS = eds
	}

	// 2. Initialize Network
	rng := rand.New(rand.NewPCG(cfg.Training.Seed+uint64(topo.Rank), cfg.Training.Seed))
	model, err := ml.NewGPT(cfg.Model, rng)
	if err != nil {
		return &config.Error{Field: "model", Reason: err.Error()}
	}

	// 3. Run journal (master only)
	var store journal.Store
	if topo.IsMaster() {
		if err := os.MkdirAll(cfg.Training.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		store, err = journal.NewStore(cfg.Training.Journal, filepath.Join(cfg.Training.OutputDir, "journal.db"))
		if err != nil {
			return &config.Error{Field: "training.journal", Reason: err.Error()}
		}
		if store != nil {
			if err := store.Init(context.WithoutCancel(ctx)); err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer journal.CloseIfSupported(store)
		}
	}

	// 4. Configure & Train
	trainer, err := train.New(train.Options{
		Config:      cfg,
		Coordinator: coord,
		Model:       model,
		Train:       ds,
		Eval:        evalDS,
		Journal:     store,
		Out:         out,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	_, err = trainer.Run(ctx)
	return err
}

// openDataset accepts either a directory of *.bin shards or a single file.
func openDataset(path string, blockSize int) (*data.TokenDataset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	if info.IsDir() {
		return data.Open(path, blockSize)
	}
	return data.OpenFile(path, blockSize)
}
