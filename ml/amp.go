package ml

import (
	"fmt"
	"math"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

const (
	Float32  DType = "float32"
	BFloat16 DType = "bfloat16"
	Float16  DType = "float16"
)

// DType selects the reduced precision used inside autocast regions.
type DType string

func ParseDType(s string) (DType, error) {
	switch DType(s) {
	case Float32, BFloat16, Float16:
		return DType(s), nil
	}
	return "", fmt.Errorf("unknown dtype %q (want float32, bfloat16 or float16)", s)
}

// Autocast is the numerical context a forward pass runs in. Matmul outputs are
// rounded to DType; losses and optimizer math stay in float64.
type Autocast struct {
	DType DType
}

// Round rounds v to the autocast precision.
func (ac Autocast) Round(v float64) float64 {
	switch ac.DType {
	case BFloat16:
		return roundBFloat16(v)
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case Float32:
		return float64(float32(v))
	}
	return v
}

func (ac Autocast) RoundSlice(s []float64) {
	if ac.DType == "" {
		return
	}
	for i, v := range s {
		s[i] = ac.Round(v)
	}
}

// roundBFloat16 keeps the top 16 bits of the float32 pattern with
// round-to-nearest-even.
func roundBFloat16(v float64) float64 {
	f := float32(v)
	if math.IsNaN(float64(f)) {
		return v
	}
	bits := math.Float32bits(f)
	bits += 0x7FFF + ((bits >> 16) & 1)
	bits &= 0xFFFF0000
	return float64(math.Float32frombits(bits))
}

// -------- GRADIENT SCALER -------- //

// GradScaler implements dynamic loss scaling for float16 training. A disabled
// scaler is a no-op with scale 1.
type GradScaler struct {
	enabled        bool
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	growthTracker  int

	unscaled bool
	foundInf bool
}

// ScalerState is the persisted part of a GradScaler.
type ScalerState struct {
	Scale         float64
	GrowthTracker int
}

func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		enabled:        enabled,
		scale:          65536.0,
		growthFactor:   2.0,
		backoffFactor:  0.5,
		growthInterval: 2000,
	}
}

func (s *GradScaler) Enabled() bool { return s.enabled }

// Scale returns the multiplier the loss is scaled by before backward.
func (s *GradScaler) Scale() float64 {
	if !s.enabled {
		return 1.0
	}
	return s.scale
}

// Unscale divides gradients by the current scale once per step and records
// whether any of them overflowed.
func (s *GradScaler) Unscale(params []*Param) {
	if !s.enabled || s.unscaled {
		return
	}
	inv := 1.0 / s.scale
	for _, p := range params {
		floats.Scale(inv, p.Grad.data)
	}
	s.foundInf = HasNonFinite(params)
	s.unscaled = true
}

// Step applies opt unless the unscaled gradients contain inf/NaN. It reports
// whether the optimizer actually stepped.
func (s *GradScaler) Step(opt Optimizer, params []*Param) bool {
	if !s.enabled {
		opt.Step()
		return true
	}
	s.Unscale(params)
	if s.foundInf {
		return false
	}
	opt.Step()
	return true
}

// Update adjusts the scale for the next step.
func (s *GradScaler) Update() {
	if !s.enabled {
		return
	}
	if s.foundInf {
		s.scale *= s.backoffFactor
		s.growthTracker = 0
	} else {
		s.growthTracker++
		if s.growthTracker == s.growthInterval {
			s.scale *= s.growthFactor
			s.growthTracker = 0
		}
	}
	s.unscaled = false
	s.foundInf = false
}

func (s *GradScaler) State() ScalerState {
	return ScalerState{Scale: s.scale, GrowthTracker: s.growthTracker}
}

func (s *GradScaler) LoadState(st ScalerState) {
	if st.Scale > 0 {
		s.scale = st.Scale
	}
	s.growthTracker = st.GrowthTracker
}

// -------- GRADIENT UTILITIES -------- //

// HasNonFinite reports whether any gradient holds NaN or ±Inf.
func HasNonFinite(params []*Param) bool {
	for _, p := range params {
		for _, g := range p.Grad.data {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return true
			}
		}
	}
	return false
}

// GradNorm returns the global L2 norm over all gradients.
func GradNorm(params []*Param) float64 {
	total := 0.0
	for _, p := range params {
		n := floats.Norm(p.Grad.data, 2)
		total += n * n
	}
	return math.Sqrt(total)
}

// ClipGradNorm rescales gradients so their global L2 norm is at most maxNorm
// and returns the norm measured before clipping.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	total := GradNorm(params)
	if maxNorm <= 0 {
		return total
	}
	coef := maxNorm / (total + 1e-6)
	if coef < 1.0 {
		for _, p := range params {
			floats.Scale(coef, p.Grad.data)
		}
	}
	return total
}
