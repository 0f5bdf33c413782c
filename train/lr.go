package train

import (
	"fmt"
	"math"

	"github.com/b0tShaman/neuro-gpt/config"
)

// LRAt is cosine decay with linear warmup. The ramp starts at exactly 0 on
// step 0; the first window therefore trains with a zero learning rate.
func LRAt(step, warmupIters uint64, baseLR float64, decayIters uint64, minLR float64) float64 {
	if step < warmupIters {
		return baseLR * float64(step) / float64(warmupIters)
	}
	if step > decayIters {
		return minLR
	}
	ratio := float64(step-warmupIters) / float64(decayIters-warmupIters)
	coeff := 0.5 * (1.0 + math.Cos(math.Pi*ratio))
	return minLR + coeff*(baseLR-minLR)
}

// Schedule binds LRAt to one run's hyperparameters.
type Schedule struct {
	warmup, decay uint64
	base, min     float64
}

// NewSchedule rejects decayIters <= warmupIters, which would divide by zero
// inside the cosine branch.
func NewSchedule(warmupIters uint64, baseLR float64, decayIters uint64, minLR float64) (Schedule, error) {
	if decayIters <= warmupIters {
		return Schedule{}, &config.Error{
			Field:  "training.lr_decay_iters",
			Reason: fmt.Sprintf("must be greater than warmup_iters (%d <= %d)", decayIters, warmupIters),
		}
	}
	return Schedule{warmup: warmupIters, decay: decayIters, base: baseLR, min: minLR}, nil
}

func (s Schedule) At(step uint64) float64 {
	return LRAt(step, s.warmup, s.base, s.decay, s.min)
}
