package train

import (
	"math"

	"github.com/b0tShaman/neuro-gpt/checkpoint"
)

// State is owned by the training loop. Step counts completed micro-steps and
// is the resumption point.
type State struct {
	Step         uint64
	RunningLoss  float64
	RunningSteps uint64
	BestValLoss  float64
	Updates      uint64
}

func NewState() State {
	return State{BestValLoss: math.Inf(1)}
}

// MeanLoss drains the running loss accumulated since the last report.
func (s *State) MeanLoss() float64 {
	if s.RunningSteps == 0 {
		return 0
	}
	mean := s.RunningLoss / float64(s.RunningSteps)
	s.RunningLoss = 0
	s.RunningSteps = 0
	return mean
}

func (s State) toCheckpoint() checkpoint.TrainingState {
	return checkpoint.TrainingState{
		RunningLoss:  s.RunningLoss,
		RunningSteps: s.RunningSteps,
		BestValLoss:  s.BestValLoss,
		Updates:      s.Updates,
	}
}

func stateFromCheckpoint(ck *checkpoint.Checkpoint) State {
	s := State{
		Step:         ck.IterNum,
		RunningLoss:  ck.State.RunningLoss,
		RunningSteps: ck.State.RunningSteps,
		BestValLoss:  ck.State.BestValLoss,
		Updates:      ck.State.Updates,
	}
	// Archives without a training_state section decode to zero.
	if s.BestValLoss == 0 {
		s.BestValLoss = math.Inf(1)
	}
	return s
}
