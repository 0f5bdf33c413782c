// Package train drives data-parallel GPT pretraining: the learning-rate
// schedule, the gradient accumulation state machine and the epoch loop.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/b0tShaman/neuro-gpt/checkpoint"
	"github.com/b0tShaman/neuro-gpt/config"
	"github.com/b0tShaman/neuro-gpt/data"
	"github.com/b0tShaman/neuro-gpt/dist"
	"github.com/b0tShaman/neuro-gpt/journal"
	"github.com/b0tShaman/neuro-gpt/ml"
)

// ErrInterrupted is returned after a requested stop was honoured at an
// optimizer boundary and a resumable checkpoint was written.
var ErrInterrupted = errors.New("training interrupted")

type Options struct {
	Config      config.Config
	Coordinator *dist.Coordinator
	Model       ml.Model
	Train       data.Dataset
	Eval        data.Dataset // optional
	Journal     journal.Store
	Out         io.Writer
	Logger      *slog.Logger
}

// Result describes a finished run.
type Result struct {
	Steps       uint64
	Updates     uint64
	Skipped     uint64
	Checkpoints []string
	FinalPath   string
	Tokens      int64
	Elapsed     time.Duration
}

type Trainer struct {
	cfg     config.Config
	coord   *dist.Coordinator
	model   ml.Model
	replica *dist.Replica
	opt     ml.Optimizer
	scaler  *ml.GradScaler
	accum   *Accumulator
	sched   Schedule
	loader  *data.Loader
	evalDS  data.Dataset
	ckpt    *checkpoint.Manager
	journal journal.Store
	runID   string
	ac      ml.Autocast
	block   int

	out    io.Writer
	logger *slog.Logger
	state  State
}

// New wires a trainer. Only the master keeps its writer, logger and journal;
// every other rank writes nothing.
func New(o Options) (*Trainer, error) {
	cfg := o.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tc := cfg.Training
	sched, err := NewSchedule(tc.WarmupIters, tc.LearningRate, tc.LRDecayIters, tc.MinLR)
	if err != nil {
		return nil, err
	}
	if o.Coordinator == nil {
		return nil, errors.New("trainer requires a coordinator")
	}
	topo := o.Coordinator.Topology()

	out, logger, store := o.Out, o.Logger, o.Journal
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if !topo.IsMaster() {
		out = io.Discard
		logger = slog.New(slog.DiscardHandler)
		store = nil
	}

	dev := o.Coordinator.Device()
	if err := o.Model.To(dev); err != nil {
		return nil, err
	}
	opt := o.Model.ConfigureOptimizers(tc.WeightDecay, tc.LearningRate, [2]float64{tc.Beta1, tc.Beta2}, dev.Type)
	scaler := ml.NewGradScaler(tc.DType == ml.Float16)
	replica := o.Coordinator.Wrap(o.Model)

	var sampler data.Sampler = data.SequentialSampler{N: o.Train.Len()}
	if topo.Distributed() {
		sampler = data.DistributedSampler{
			N:        o.Train.Len(),
			Replicas: topo.WorldSize,
			Rank:     topo.Rank,
			Seed:     tc.Seed,
			Shuffle:  true,
		}
	}
	loader := data.NewLoader(o.Train, sampler, tc.BatchSize, tc.NumWorkers)
	if loader.NumBatches() == 0 {
		return nil, fmt.Errorf("training set holds no complete window of %d tokens", cfg.Model.BlockSize+1)
	}

	return &Trainer{
		cfg:     cfg,
		coord:   o.Coordinator,
		model:   o.Model,
		replica: replica,
		opt:     opt,
		scaler:  scaler,
		accum: NewAccumulator(o.Model.Parameters(), opt, AccumulatorOptions{
			Steps:    tc.GradientAccumulationSteps,
			GradClip: tc.GradClip,
			Policy:   tc.NonFinitePolicy,
			Scaler:   scaler,
			Sync:     replica,
			Logger:   logger,
		}),
		sched:  sched,
		loader: loader,
		evalDS: o.Eval,
		ckpt: &checkpoint.Manager{
			Dir:      tc.OutputDir,
			Interval: tc.EvalInterval,
			Master:   topo.IsMaster(),
			Logger:   logger,
		},
		journal: store,
		runID:   journal.NewRunID(),
		ac:      ml.Autocast{DType: tc.DType},
		block:   cfg.Model.BlockSize,
		out:     out,
		logger:  logger,
		state:   NewState(),
	}, nil
}

func (t *Trainer) State() State            { return t.state }
func (t *Trainer) Optimizer() ml.Optimizer { return t.opt }
func (t *Trainer) RunID() string           { return t.runID }

// Run trains until max_iters micro-steps, max_epochs, or a stop request.
// Cancelling ctx requests a stop at the next optimizer boundary; collectives
// and data loading keep running until then.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	tc := t.cfg.Training
	work := context.WithoutCancel(ctx)
	var res Result

	// 1. Initial state: resume or start from rank 0's weights
	if tc.ResumeFrom != "" {
		if err := t.resume(tc.ResumeFrom); err != nil {
			return res, err
		}
	}
	if err := t.replica.BroadcastParameters(work); err != nil {
		return res, err
	}

	params := t.model.Parameters()
	topo := t.coord.Topology()
	fmt.Fprintf(t.out, "Model: %s parameters | world size %d | device %s | dtype %s | accumulation %d\n",
		humanize.Comma(int64(ml.CountParams(params))), topo.WorldSize, t.coord.Device(), tc.DType, tc.GradientAccumulationSteps)
	t.startJournal(ctx, ml.CountParams(params))

	// 2. Epoch-major, batch-minor loop
	startStep := t.state.Step
	perEpoch := uint64(t.loader.NumBatches())
	startEpoch, skip := int(startStep/perEpoch), int(startStep%perEpoch)
	interrupted := false
	start := time.Now()
	t0 := start
	var lr float64

	fmt.Fprintln(t.out, "Starting Training...")
train:
	for epoch := startEpoch; epoch < tc.MaxEpochs && t.state.Step < tc.MaxIters; epoch++ {
		for _, batch := range t.loader.Epoch(work, epoch, skip) {
			step := t.state.Step
			lr = t.sched.At(step)
			for _, g := range t.opt.ParamGroups() {
				g.LR = lr
			}

			out, err := t.replica.Forward(batch.X, batch.Y, t.ac)
			if err != nil {
				return res, fmt.Errorf("forward at step %d: %w", step, err)
			}
			mr, err := t.accum.Micro(work, step, out.Loss, t.replica.Backward, ctx.Err() != nil)
			if err != nil {
				t.coord.Abort(err.Error())
				t.finishJournal(journal.StatusFailed)
				return res, err
			}

			t.state.RunningLoss += out.Loss
			t.state.RunningSteps++
			res.Tokens += int64(batch.Size() * t.block * topo.WorldSize)
			if step%tc.LogInterval == 0 {
				t1 := time.Now()
				dt := t1.Sub(t0)
				loss := t.state.MeanLoss()
				fmt.Fprintf(t.out, "iter %d: loss %.4f, lr %.6f, time %.2fms\n", step, loss, lr, float64(dt.Microseconds())/1000)
				t.recordMetric(ctx, journal.Metric{Step: step, Loss: loss, LR: lr, Elapsed: dt})
				t0 = t1
			}
			t.state.Step++

			if mr.Boundary {
				if mr.Stepped {
					t.state.Updates++
				}
				saved := false
				windowStart := t.state.Step - min(uint64(tc.GradientAccumulationSteps), t.state.Step)
				if t.ckpt.DueWithin(windowStart, t.state.Step) {
					t.validate()
					path, err := t.saveCheckpoint(ctx)
					if err != nil {
						return res, err
					}
					if path != "" {
						res.Checkpoints = append(res.Checkpoints, path)
					}
					saved = true
				}
				if mr.Stop && t.state.Step < tc.MaxIters {
					interrupted = true
					if !saved {
						path, err := t.saveCheckpoint(ctx)
						if err != nil {
							return res, err
						}
						if path != "" {
							res.Checkpoints = append(res.Checkpoints, path)
						}
					}
					break train
				}
			}
			if t.state.Step >= tc.MaxIters {
				break train
			}
		}
		skip = 0
	}

	// 3. Wrap up
	if n := t.accum.Pending(); n > 0 {
		t.logger.Warn("discarding partial accumulation window", "micro_steps", n, "step", t.state.Step)
		t.accum.Discard()
	}
	res.Steps = t.state.Step
	res.Updates = t.accum.Updates()
	res.Skipped = t.accum.Skipped()
	res.Elapsed = time.Since(start)

	if interrupted {
		fmt.Fprintf(t.out, "Interrupted at iter %d. Resume with resume_from: %s\n", t.state.Step, t.ckpt.Path(t.state.Step))
		t.finishJournal(journal.StatusInterrupted)
		return res, ErrInterrupted
	}

	if t.coord.IsMaster() {
		path, n, err := t.ckpt.SaveFinal(&checkpoint.Checkpoint{Model: ml.StateDictOf(params)})
		if err != nil {
			t.finishJournal(journal.StatusFailed)
			return res, err
		}
		res.FinalPath = path
		t.recordCheckpoint(ctx, journal.CheckpointRecord{Step: t.state.Step, Path: path, Bytes: n, At: time.Now()})
		fmt.Fprintf(t.out, "Training complete. Final model saved to %s (%s)\n", path, humanize.Bytes(uint64(n)))
	}
	secs := res.Elapsed.Seconds()
	if secs > 0 {
		fmt.Fprintf(t.out, "Total Time: %v | %d optimizer steps | %stokens/s\n",
			res.Elapsed.Round(time.Millisecond), res.Updates, humanize.SIWithDigits(float64(res.Tokens)/secs, 1, ""))
	}
	t.finishJournal(journal.StatusCompleted)
	return res, nil
}

func (t *Trainer) validate() {
	if t.evalDS == nil || !t.coord.IsMaster() {
		return
	}
	ev := t.cfg.Eval
	r, err := Evaluate(t.model, t.evalDS, ev.MaxSamples, t.cfg.Training.BatchSize, t.ac)
	if err != nil {
		t.logger.Warn("validation failed", "step", t.state.Step, "err", err)
		return
	}
	if r.Loss < t.state.BestValLoss {
		t.state.BestValLoss = r.Loss
	}
	fmt.Fprintf(t.out, "iter %d: val loss %.4f, perplexity %.2f, best %.4f\n", t.state.Step, r.Loss, r.Perplexity, t.state.BestValLoss)
}

// snapshot captures everything a resume needs. It runs right after the
// boundary sync, so it never holds state ahead of the other ranks.
func (t *Trainer) snapshot() (*checkpoint.Checkpoint, error) {
	blob, err := t.opt.StateDict()
	if err != nil {
		return nil, fmt.Errorf("optimizer state: %w", err)
	}
	cfgYAML, err := t.cfg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("config snapshot: %w", err)
	}
	return &checkpoint.Checkpoint{
		Model:     ml.StateDictOf(t.model.Parameters()),
		Optimizer: &checkpoint.OptimizerState{Blob: blob, Scaler: t.scaler.State()},
		IterNum:   t.state.Step,
		Config:    cfgYAML,
		State:     t.state.toCheckpoint(),
	}, nil
}

func (t *Trainer) saveCheckpoint(ctx context.Context) (string, error) {
	if !t.coord.IsMaster() {
		return "", nil
	}
	ck, err := t.snapshot()
	if err != nil {
		return "", err
	}
	path, n, err := t.ckpt.Save(ck)
	if err != nil {
		t.finishJournal(journal.StatusFailed)
		return "", err
	}
	fmt.Fprintf(t.out, "Saved checkpoint to %s (%s)\n", path, humanize.Bytes(uint64(n)))
	t.recordCheckpoint(ctx, journal.CheckpointRecord{Step: t.state.Step, Path: path, Bytes: n, At: time.Now()})
	return path, nil
}

// resume restores model, optimizer, scaler and loop state. Every rank reads
// the same file.
func (t *Trainer) resume(path string) error {
	ck, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if ck.Optimizer == nil {
		return &checkpoint.CorruptError{Path: path, Reason: "missing \"optimizer\" section required to resume"}
	}
	if err := ml.LoadStateDict(t.model.Parameters(), ck.Model); err != nil {
		return &checkpoint.CorruptError{Path: path, Reason: err.Error()}
	}
	if err := t.opt.LoadStateDict(ck.Optimizer.Blob); err != nil {
		return &checkpoint.CorruptError{Path: path, Reason: err.Error()}
	}
	t.scaler.LoadState(ck.Optimizer.Scaler)
	t.state = stateFromCheckpoint(ck)
	t.logger.Info("resumed from checkpoint", "path", path, "step", t.state.Step, "updates", t.state.Updates)
	return nil
}

// -------- JOURNAL -------- //

func (t *Trainer) startJournal(ctx context.Context, params int) {
	if t.journal == nil {
		return
	}
	cfgYAML, _ := t.cfg.Marshal()
	err := t.journal.StartRun(context.WithoutCancel(ctx), journal.Run{
		ID:          t.runID,
		StartedAt:   time.Now(),
		WorldSize:   t.coord.Topology().WorldSize,
		Params:      params,
		ResumedFrom: t.cfg.Training.ResumeFrom,
		Config:      cfgYAML,
	})
	if err != nil {
		t.logger.Warn("journal start failed", "err", err)
	}
}

func (t *Trainer) recordMetric(ctx context.Context, m journal.Metric) {
	if t.journal == nil {
		return
	}
	if err := t.journal.RecordMetric(context.WithoutCancel(ctx), t.runID, m); err != nil {
		t.logger.Warn("journal metric failed", "step", m.Step, "err", err)
	}
}

func (t *Trainer) recordCheckpoint(ctx context.Context, c journal.CheckpointRecord) {
	if t.journal == nil {
		return
	}
	if err := t.journal.RecordCheckpoint(context.WithoutCancel(ctx), t.runID, c); err != nil {
		t.logger.Warn("journal checkpoint failed", "path", c.Path, "err", err)
	}
}

func (t *Trainer) finishJournal(status string) {
	if t.journal == nil {
		return
	}
	if err := t.journal.FinishRun(context.Background(), t.runID, status, time.Now()); err != nil {
		t.logger.Warn("journal finish failed", "err", err)
	}
}
