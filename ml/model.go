package ml

import (
	"fmt"
	"slices"
)

// -------- TYPE DEFINITIONS -------- //

// Param is a learnable tensor together with its accumulated gradient.
type Param struct {
	Name  string
	Value *Matrix
	Grad  *Matrix
}

func NewParam(name string, rows, cols int) *Param {
	return &Param{Name: name, Value: NewMatrix(rows, cols), Grad: NewMatrix(rows, cols)}
}

// Device names the accelerator a process is bound to. Only "cpu" is executable.
type Device struct {
	Type  string
	Index int
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}

// Output of a forward pass. Logits are views into model workspaces and are only
// valid until the next call to Forward.
type Output struct {
	Logits []*Matrix
	Loss   float64
}

// Model is the differentiable function the training loop drives.
//
// Backward accumulates d(scale*loss)/dθ into every Param.Grad; it never clears
// them, which is what makes gradient accumulation across micro-steps possible.
type Model interface {
	Forward(x, y [][]int, ac Autocast) (Output, error)
	Backward(scale float64) error
	Parameters() []*Param
	ConfigureOptimizers(weightDecay, learningRate float64, betas [2]float64, deviceType string) Optimizer
	To(dev Device) error
}

// StateDict maps parameter names to detached copies of their values.
type StateDict map[string]*Matrix

// Names returns the keys in sorted order.
func (sd StateDict) Names() []string {
	names := make([]string, 0, len(sd))
	for k := range sd {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// ParamCount returns the number of scalars held by the state dict.
func (sd StateDict) ParamCount() int {
	n := 0
	for _, m := range sd {
		n += len(m.data)
	}
	return n
}

func StateDictOf(params []*Param) StateDict {
	sd := make(StateDict, len(params))
	for _, p := range params {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

// LoadStateDict validates every name and shape before copying anything, so a
// mismatched file leaves the parameters untouched.
func LoadStateDict(params []*Param, sd StateDict) error {
	if len(params) != len(sd) {
		return fmt.Errorf("architecture mismatch: model has %d tensors, state dict has %d", len(params), len(sd))
	}

	// --- VALIDATION STEP ---
	for _, p := range params {
		loaded, ok := sd[p.Name]
		if !ok || loaded == nil {
			return fmt.Errorf("state dict is missing tensor %q", p.Name)
		}
		if !p.Value.SameShape(loaded) {
			return fmt.Errorf("tensor %q shape mismatch: expected [%d, %d], got [%d, %d]",
				p.Name, p.Value.rows, p.Value.cols, loaded.rows, loaded.cols)
		}
	}

	// --- APPLICATION STEP ---
	for _, p := range params {
		copy(p.Value.data, sd[p.Name].data)
	}
	return nil
}

// CountParams returns the number of learnable scalars.
func CountParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += len(p.Value.data)
	}
	return n
}

// ZeroGrads clears every accumulated gradient.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.Grad.Reset()
	}
}
