package train

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/b0tShaman/neuro-gpt/config"
	"github.com/b0tShaman/neuro-gpt/ml"
)

const (
	Accumulating Phase = iota
	Boundary
)

// Phase is where the next micro-step falls inside the accumulation window.
type Phase int

func (p Phase) String() string {
	if p == Boundary {
		return "boundary"
	}
	return "accumulating"
}

// GradSyncer averages gradients across replicas at a window boundary and
// agrees on the stop flag. *dist.Replica implements it.
type GradSyncer interface {
	SyncGradients(ctx context.Context, step uint64, stop bool) (bool, error)
}

// NumericalError is returned only under the halt policy.
type NumericalError struct {
	Step uint64
	What string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("non-finite %s at step %d", e.What, e.Step)
}

type AccumulatorOptions struct {
	Steps    int
	GradClip float64
	Policy   config.NonFinitePolicy
	Scaler   *ml.GradScaler
	Sync     GradSyncer
	Logger   *slog.Logger
}

// MicroResult describes the outcome of one micro-step.
type MicroResult struct {
	Boundary bool
	Stepped  bool
	Stop     bool
	GradNorm float64
}

// Accumulator runs the micro-step state machine. Gradients of N consecutive
// micro-steps are summed into Param.Grad with each loss divided by N, so the
// window's gradient is the mean over its micro-batches.
type Accumulator struct {
	params []*ml.Param
	opt    ml.Optimizer
	o      AccumulatorOptions
	micro  int

	updates uint64
	skipped uint64
}

func NewAccumulator(params []*ml.Param, opt ml.Optimizer, o AccumulatorOptions) *Accumulator {
	if o.Steps < 1 {
		o.Steps = 1
	}
	if o.Scaler == nil {
		o.Scaler = ml.NewGradScaler(false)
	}
	if o.Policy == "" {
		o.Policy = config.NonFiniteWarn
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return &Accumulator{params: params, opt: opt, o: o}
}

// Phase reports whether the next call to Micro closes the window.
func (a *Accumulator) Phase() Phase {
	if a.micro+1 == a.o.Steps {
		return Boundary
	}
	return Accumulating
}

// Updates is the number of optimizer steps applied so far.
func (a *Accumulator) Updates() uint64 { return a.updates }

// Skipped counts windows whose update was dropped.
func (a *Accumulator) Skipped() uint64 { return a.skipped }

// Pending is the number of micro-steps already accrued in the open window.
func (a *Accumulator) Pending() int { return a.micro }

// Discard drops the open window's partial gradients.
func (a *Accumulator) Discard() {
	a.opt.ZeroGrad()
	a.micro = 0
}

// Micro accrues one micro-step. loss is the unscaled micro-batch loss and
// backward must accumulate d(scale*loss)/dθ. stop is this rank's wish to stop;
// at a boundary the agreed value is returned in MicroResult.Stop.
func (a *Accumulator) Micro(ctx context.Context, step uint64, loss float64, backward func(scale float64) error, stop bool) (MicroResult, error) {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		a.o.Logger.Warn("non-finite loss", "step", step, "loss", loss, "policy", a.o.Policy)
	}

	scale := a.o.Scaler.Scale() / float64(a.o.Steps)
	if err := backward(scale); err != nil {
		return MicroResult{}, fmt.Errorf("backward at step %d: %w", step, err)
	}
	a.micro++
	if a.micro < a.o.Steps {
		return MicroResult{Stop: stop}, nil
	}
	return a.boundary(ctx, step, stop)
}

func (a *Accumulator) boundary(ctx context.Context, step uint64, stop bool) (MicroResult, error) {
	res := MicroResult{Boundary: true, Stop: stop}
	defer func() { a.micro = 0 }()

	// 1. Synchronize across replicas
	if a.o.Sync != nil {
		agreed, err := a.o.Sync.SyncGradients(ctx, step, stop)
		if err != nil {
			return res, err
		}
		res.Stop = agreed
	}

	// 2. Unscale and inspect the synchronized gradients
	a.o.Scaler.Unscale(a.params)
	skip := false
	if ml.HasNonFinite(a.params) && !a.o.Scaler.Enabled() {
		switch a.o.Policy {
		case config.NonFiniteHalt:
			a.opt.ZeroGrad()
			return res, &NumericalError{Step: step, What: "gradients"}
		case config.NonFiniteSkip:
			a.o.Logger.Warn("non-finite gradients, skipping update", "step", step)
			skip = true
		default:
			a.o.Logger.Warn("non-finite gradients", "step", step)
		}
	}

	// 3. Clip, step, update scale and clear
	if !skip {
		if a.o.GradClip > 0 {
			res.GradNorm = ml.ClipGradNorm(a.params, a.o.GradClip)
		} else {
			res.GradNorm = ml.GradNorm(a.params)
		}
		res.Stepped = a.o.Scaler.Step(a.opt, a.params)
		if !res.Stepped {
			a.o.Logger.Warn("gradient overflow, skipping update", "step", step, "scale", a.o.Scaler.Scale())
		}
	}
	a.o.Scaler.Update()
	a.opt.ZeroGrad()

	if res.Stepped {
		a.updates++
	} else {
		a.skipped++
	}
	return res, nil
}
