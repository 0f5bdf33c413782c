package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"slices"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/b0tShaman/neuro-gpt/checkpoint"
	"github.com/b0tShaman/neuro-gpt/config"
	"github.com/b0tShaman/neuro-gpt/data"
	"github.com/b0tShaman/neuro-gpt/ml"
	"github.com/b0tShaman/neuro-gpt/train"
)

// -------- EVAL -------- //

type evalReport struct {
	Checkpoint  string       `yaml:"checkpoint"`
	Loss        *float64     `yaml:"loss,omitempty"`
	Perplexity  *float64     `yaml:"perplexity,omitempty"`
	Windows     int          `yaml:"windows,omitempty"`
	Generations []generation `yaml:"generations,omitempty"`
}

type generation struct {
	Prompt []int `yaml:"prompt,flow"`
	Output []int `yaml:"output,flow"`
}

func runEval(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to the YAML run configuration")
	ckptPath := fs.String("checkpoint", "", "checkpoint or final model to evaluate")
	outPath := fs.String("output", "", "write the YAML report here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	err := evaluate(*cfgPath, *ckptPath, *outPath, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return exitCode(err)
}

func evaluate(cfgPath, ckptPath, outPath string, stdout io.Writer) error {
	if cfgPath == "" || ckptPath == "" {
		return &config.Error{Reason: "eval requires --config and --checkpoint"}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	sd, err := checkpoint.LoadModel(ckptPath)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(cfg.Training.Seed, cfg.Training.Seed))
	model, err := ml.NewGPT(cfg.Model, rng)
	if err != nil {
		return &config.Error{Field: "model", Reason: err.Error()}
	}
	if err := ml.LoadStateDict(model.Parameters(), sd); err != nil {
		return &checkpoint.CorruptError{Path: ckptPath, Reason: err.Error()}
	}
	ac := ml.Autocast{DType: cfg.Training.DType}
	report := evalReport{Checkpoint: ckptPath}

	// 1. Held-out loss
	if cfg.Data.EvalData != "" {
		ds, err := openDataset(cfg.Data.EvalData, cfg.Model.BlockSize)
		if err != nil {
			return err
		}
		defer ds.Close()
		r, err := train.Evaluate(model, ds, cfg.Eval.MaxSamples, cfg.Training.BatchSize, ac)
		if err != nil {
			return err
		}
		report.Loss, report.Perplexity, report.Windows = &r.Loss, &r.Perplexity, r.Windows
	}

	// 2. Sampling from token prompts
	dec := ml.DecodingConfig{
		MaxNewTokens: cfg.Eval.MaxNewTokens,
		Temperature:  cfg.Eval.Temperature,
		TopK:         cfg.Eval.TopK,
	}
	for _, prompt := range cfg.Eval.Prompts {
		seq, err := model.Generate(prompt, dec, ac, rng)
		if err != nil {
			return fmt.Errorf("generate from %v: %w", prompt, err)
		}
		report.Generations = append(report.Generations, generation{Prompt: prompt, Output: seq[len(prompt):]})
	}

	buf, err := yaml.Marshal(report)
	if err != nil {
		return err
	}
	if outPath == "" {
		_, err = stdout.Write(buf)
		return err
	}
	return os.WriteFile(outPath, buf, 0o644)
}

// -------- GENDATA -------- //

func runGendata(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gendata", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("output-dir", "data", "directory to write data.bin into")
	numTokens := fs.Int("num-tokens", 1_000_000, "number of tokens to generate")
	vocabSize := fs.Int("vocab-size", 50304, "tokens are drawn uniformly from [0, vocab-size)")
	seed := fs.Uint64("seed", 1337, "random seed")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *numTokens < 2 {
		fmt.Fprintln(stderr, "error: --num-tokens must be at least 2")
		return exitUsage
	}

	path, err := data.GenerateRandom(*dir, *numTokens, *vocabSize, *seed)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFatal
	}
	fmt.Fprintf(stdout, "Wrote %s tokens (%s) to %s\n",
		humanize.Comma(int64(*numTokens)), humanize.Bytes(uint64(2**numTokens)), path)
	return exitOK
}

// -------- VERIFY -------- //

var errMismatch = errors.New("checkpoints differ")

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path1 := fs.String("checkpoint1", "", "first checkpoint")
	path2 := fs.String("checkpoint2", "", "second checkpoint")
	tol := fs.Float64("tolerance", 0, "largest absolute difference still considered equal")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *path1 == "" || *path2 == "" {
		fmt.Fprintln(stderr, "error: verify requires --checkpoint1 and --checkpoint2")
		return exitUsage
	}

	a, err := checkpoint.LoadModel(*path1)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFatal
	}
	b, err := checkpoint.LoadModel(*path2)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFatal
	}

	diff, err := compareStateDicts(a, b, *tol)
	fmt.Fprintf(stdout, "Compared %d tensors (%s parameters): max abs diff %g\n",
		len(a), humanize.Comma(int64(a.ParamCount())), diff)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFatal
	}
	fmt.Fprintln(stdout, "✅ Checkpoints match")
	return exitOK
}

// compareStateDicts returns the largest absolute element difference. Differing
// tensor sets or shapes, or a difference above tol, wrap errMismatch.
func compareStateDicts(a, b ml.StateDict, tol float64) (float64, error) {
	if !slices.Equal(a.Names(), b.Names()) {
		return math.Inf(1), fmt.Errorf("%w: tensor names %v vs %v", errMismatch, a.Names(), b.Names())
	}
	maxDiff := 0.0
	worst := ""
	for _, name := range a.Names() {
		ma, mb := a[name], b[name]
		if !ma.SameShape(mb) {
			return math.Inf(1), fmt.Errorf("%w: %s shape [%d, %d] vs [%d, %d]",
				errMismatch, name, ma.Rows(), ma.Cols(), mb.Rows(), mb.Cols())
		}
		da, db := ma.Data(), mb.Data()
		for i := range da {
			d := math.Abs(da[i] - db[i])
			if d > maxDiff || math.IsNaN(d) {
				maxDiff, worst = d, name
			}
		}
	}
	if maxDiff > tol || math.IsNaN(maxDiff) {
		return maxDiff, fmt.Errorf("%w: %s differs by %g (tolerance %g)", errMismatch, worst, maxDiff, tol)
	}
	return maxDiff, nil
}
