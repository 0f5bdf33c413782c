package ml

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
)

// Default settings generally recommended for GPT pretraining with AdamW
var DefaultAdamConfig = AdamConfig{
	Beta1:   0.9,
	Beta2:   0.95,
	Epsilon: 1e-8,
}

type AdamConfig struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// ParamGroup shares one learning rate and weight decay across its params.
// The training loop rewrites LR before every micro-step.
type ParamGroup struct {
	Params      []*Param
	LR          float64
	WeightDecay float64
}

type Optimizer interface {
	Step()
	ZeroGrad()
	ParamGroups() []*ParamGroup
	StateDict() ([]byte, error)
	LoadStateDict(buf []byte) error
}

type adamMoments struct {
	m, v []float64
}

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	cfg      AdamConfig
	groups   []*ParamGroup
	moments  map[string]*adamMoments
	timeStep int // 't' in the Adam paper, tracks number of updates
}

// adamState is the gob layout of an AdamW state dict.
type adamState struct {
	Config   AdamConfig
	TimeStep int
	Groups   []groupState
	M, V     map[string][]float64
}

type groupState struct {
	Names       []string
	LR          float64
	WeightDecay float64
}

func NewAdamW(groups []*ParamGroup, cfg AdamConfig) *AdamW {
	if cfg.Epsilon == 0 {
		cfg.Epsilon = DefaultAdamConfig.Epsilon
	}
	opt := &AdamW{
		cfg:     cfg,
		groups:  groups,
		moments: make(map[string]*adamMoments),
	}

	// Initialize zero moments for every parameter
	for _, g := range groups {
		for _, p := range g.Params {
			n := len(p.Value.data)
			opt.moments[p.Name] = &adamMoments{m: make([]float64, n), v: make([]float64, n)}
		}
	}
	return opt
}

func (opt *AdamW) ParamGroups() []*ParamGroup { return opt.groups }

func (opt *AdamW) ZeroGrad() {
	for _, g := range opt.groups {
		ZeroGrads(g.Params)
	}
}

// Step applies one AdamW update using each group's current LR.
func (opt *AdamW) Step() {
	// 1. Increment Time Step
	opt.timeStep++
	t := float64(opt.timeStep)

	// 2. Pre-calculate Correction Factors
	correction1 := 1.0 - math.Pow(opt.cfg.Beta1, t)
	correction2 := 1.0 - math.Pow(opt.cfg.Beta2, t)
	sqrtCorrection2 := math.Sqrt(correction2)

	beta1, beta2, eps := opt.cfg.Beta1, opt.cfg.Beta2, opt.cfg.Epsilon

	// 3. Loop Groups
	for _, g := range opt.groups {
		lr := g.LR
		stepSize := lr / correction1
		decay := 1.0 - lr*g.WeightDecay

		for _, p := range g.Params {
			st := opt.moments[p.Name]
			params, grads := p.Value.data, p.Grad.data

			for i := range params {
				gr := grads[i]

				// Decoupled weight decay
				params[i] *= decay

				// m_t = beta1 * m_{t-1} + (1 - beta1) * g
				st.m[i] = beta1*st.m[i] + (1.0-beta1)*gr
				// v_t = beta2 * v_{t-1} + (1 - beta2) * g^2
				st.v[i] = beta2*st.v[i] + (1.0-beta2)*(gr*gr)

				denom := math.Sqrt(st.v[i])/sqrtCorrection2 + eps
				params[i] -= stepSize * st.m[i] / denom
			}
		}
	}
}

func (opt *AdamW) StateDict() ([]byte, error) {
	st := adamState{
		Config:   opt.cfg,
		TimeStep: opt.timeStep,
		M:        make(map[string][]float64, len(opt.moments)),
		V:        make(map[string][]float64, len(opt.moments)),
	}
	for _, g := range opt.groups {
		gs := groupState{LR: g.LR, WeightDecay: g.WeightDecay}
		for _, p := range g.Params {
			gs.Names = append(gs.Names, p.Name)
			mom := opt.moments[p.Name]
			st.M[p.Name] = mom.m
			st.V[p.Name] = mom.v
		}
		st.Groups = append(st.Groups, gs)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return nil, fmt.Errorf("encode optimizer state: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadStateDict restores moments, time step and group hyperparameters. The
// group layout must match the optimizer the state was taken from.
func (opt *AdamW) LoadStateDict(buf []byte) error {
	var st adamState
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&st); err != nil {
		return fmt.Errorf("decode optimizer state: %w", err)
	}
	if len(st.Groups) != len(opt.groups) {
		return fmt.Errorf("optimizer state has %d param groups, optimizer has %d", len(st.Groups), len(opt.groups))
	}

	// --- VALIDATION STEP ---
	for gi, g := range opt.groups {
		saved := st.Groups[gi]
		if len(saved.Names) != len(g.Params) {
			return fmt.Errorf("param group %d: state has %d params, optimizer has %d", gi, len(saved.Names), len(g.Params))
		}
		for pi, p := range g.Params {
			if saved.Names[pi] != p.Name {
				return fmt.Errorf("param group %d: expected %q at position %d, state has %q", gi, p.Name, pi, saved.Names[pi])
			}
			n := len(p.Value.data)
			if len(st.M[p.Name]) != n || len(st.V[p.Name]) != n {
				return fmt.Errorf("moments for %q have wrong length", p.Name)
			}
		}
	}

	// --- APPLICATION STEP ---
	opt.cfg = st.Config
	opt.timeStep = st.TimeStep
	for gi, g := range opt.groups {
		g.LR = st.Groups[gi].LR
		g.WeightDecay = st.Groups[gi].WeightDecay
		for _, p := range g.Params {
			mom := opt.moments[p.Name]
			copy(mom.m, st.M[p.Name])
			copy(mom.v, st.V[p.Name])
		}
	}
	return nil
}
