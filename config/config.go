// Package config resolves the run configuration once at startup into typed,
// validated structures. Nothing downstream reads raw config keys.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/b0tShaman/neuro-gpt/ml"
)

const (
	NonFiniteWarn NonFinitePolicy = "warn"
	NonFiniteSkip NonFinitePolicy = "skip"
	NonFiniteHalt NonFinitePolicy = "halt"
)

// NonFinitePolicy decides what happens to an optimizer step whose synchronized
// gradients contain NaN or Inf.
type NonFinitePolicy string

type Config struct {
	Model    ml.GPTConfig `yaml:"model"`
	Training Training     `yaml:"training"`
	Data     Data         `yaml:"data"`
	Eval     Eval         `yaml:"eval"`
}

// Training is the run configuration proper.
type Training struct {
	Seed                      uint64   `yaml:"seed"`
	DType                     ml.DType `yaml:"dtype"`
	BatchSize                 int      `yaml:"batch_size"`
	GradientAccumulationSteps int      `yaml:"gradient_accumulation_steps"`
	LearningRate              float64  `yaml:"learning_rate"`
	MinLR                     float64  `yaml:"min_lr"`
	WarmupIters               uint64   `yaml:"warmup_iters"`
	LRDecayIters              uint64   `yaml:"lr_decay_iters"`
	WeightDecay               float64  `yaml:"weight_decay"`
	Beta1                     float64  `yaml:"beta1"`
	Beta2                     float64  `yaml:"beta2"`
	GradClip                  float64  `yaml:"grad_clip"`
	MaxIters                  uint64   `yaml:"max_iters"`
	MaxEpochs                 int      `yaml:"max_epochs"`
	LogInterval               uint64   `yaml:"log_interval"`
	EvalInterval              uint64   `yaml:"eval_interval"`
	OutputDir                 string   `yaml:"output_dir"`
	NumWorkers                int      `yaml:"num_workers"`

	ResumeFrom      string          `yaml:"resume_from"`
	SyncTimeout     time.Duration   `yaml:"sync_timeout"`
	NonFinitePolicy NonFinitePolicy `yaml:"nonfinite_policy"`
	Journal         string          `yaml:"journal"`
}

type Data struct {
	TrainDir string `yaml:"train_dir"`
	EvalData string `yaml:"eval_data"`
}

// Eval configures validation during training and the eval command.
type Eval struct {
	MaxSamples   int     `yaml:"max_samples"`
	Prompts      [][]int `yaml:"prompts"`
	MaxNewTokens int     `yaml:"max_new_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TopK         int     `yaml:"top_k"`
}

// Default returns the configuration every file is overlaid onto.
func Default() Config {
	return Config{
		Model: ml.DefaultGPTConfig,
		Training: Training{
			Seed:                      1337,
			DType:                     ml.BFloat16,
			BatchSize:                 12,
			GradientAccumulationSteps: 1,
			LearningRate:              6e-4,
			MinLR:                     6e-5,
			WarmupIters:               2000,
			LRDecayIters:              600000,
			WeightDecay:               0.1,
			Beta1:                     0.9,
			Beta2:                     0.95,
			GradClip:                  1.0,
			MaxIters:                  600000,
			MaxEpochs:                 1,
			LogInterval:               10,
			EvalInterval:              2000,
			OutputDir:                 "out",
			NumWorkers:                0,
			SyncTimeout:               30 * time.Minute,
			NonFinitePolicy:           NonFiniteWarn,
			Journal:                   "sqlite",
		},
		Eval: Eval{
			MaxSamples:   100,
			MaxNewTokens: 100,
			Temperature:  0.8,
			TopK:         200,
		},
	}
}

// Load reads and validates a YAML config file. Every failure is a *Error.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &Error{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Parse overlays the document onto Default. Unknown keys are rejected.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &Error{Reason: fmt.Sprintf("parse config: %v", err)}
	}
	return cfg, nil
}

// Marshal renders the config as YAML; checkpoints embed this snapshot.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks every precondition the training loop relies on and returns
// the first violation.
func (c Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return &Error{Field: "model", Reason: err.Error()}
	}

	t := c.Training
	if _, err := ml.ParseDType(string(t.DType)); err != nil {
		return &Error{Field: "training.dtype", Reason: err.Error()}
	}
	checks := []struct {
		ok     bool
		field  string
		reason string
	}{
		{t.BatchSize >= 1, "training.batch_size", "must be >= 1"},
		{t.GradientAccumulationSteps >= 1, "training.gradient_accumulation_steps", "must be >= 1"},
		{t.LearningRate > 0, "training.learning_rate", "must be > 0"},
		{t.MinLR >= 0 && t.MinLR <= t.LearningRate, "training.min_lr", "must be within [0, learning_rate]"},
		{t.WarmupIters < t.LRDecayIters, "training.lr_decay_iters",
			fmt.Sprintf("must be greater than warmup_iters (%d <= %d)", t.LRDecayIters, t.WarmupIters)},
		{t.WeightDecay >= 0, "training.weight_decay", "must be >= 0"},
		{t.Beta1 >= 0 && t.Beta1 < 1, "training.beta1", "must be within [0, 1)"},
		{t.Beta2 >= 0 && t.Beta2 < 1, "training.beta2", "must be within [0, 1)"},
		{t.GradClip >= 0, "training.grad_clip", "must be >= 0 (0 disables clipping)"},
		{t.MaxIters >= 1, "training.max_iters", "must be >= 1"},
		{t.MaxEpochs >= 1, "training.max_epochs", "must be >= 1"},
		{t.LogInterval >= 1, "training.log_interval", "must be >= 1"},
		{t.EvalInterval >= 1, "training.eval_interval", "must be >= 1"},
		{t.OutputDir != "", "training.output_dir", "must not be empty"},
		{t.NumWorkers >= 0, "training.num_workers", "must be >= 0"},
		{t.SyncTimeout > 0, "training.sync_timeout", "must be > 0"},
		{t.NonFinitePolicy == NonFiniteWarn || t.NonFinitePolicy == NonFiniteSkip || t.NonFinitePolicy == NonFiniteHalt,
			"training.nonfinite_policy", fmt.Sprintf("unknown policy %q (want warn, skip or halt)", t.NonFinitePolicy)},
		{t.Journal == "none" || t.Journal == "memory" || t.Journal == "sqlite",
			"training.journal", fmt.Sprintf("unknown journal %q (want none, memory or sqlite)", t.Journal)},
		{c.Eval.MaxSamples >= 1, "eval.max_samples", "must be >= 1"},
	}
	for _, ch := range checks {
		if !ch.ok {
			return &Error{Field: ch.field, Reason: ch.reason}
		}
	}
	return nil
}

// ValidateTraining additionally requires the training data location.
func (c Config) ValidateTraining() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Data.TrainDir == "" {
		return &Error{Field: "data.train_dir", Reason: "must be set for training"}
	}
	return nil
}
