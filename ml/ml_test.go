package ml

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand/v2"
	"testing"
)

// --- Global Variables to prevent compiler optimizations ---
var resultMat *Matrix
var resultLoss float64

func newTestRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

var tinyConfig = GPTConfig{VocabSize: 7, BlockSize: 4, NLayer: 2, NHead: 2, NEmbd: 4}

func tinyBatch() (x, y [][]int) {
	x = [][]int{{1, 2, 3}, {4, 4, 0}}
	y = [][]int{{2, 3, 5}, {4, 0, 6}}
	return x, y
}

// --- 1. Gradient Correctness ---

func TestGPTGradientCheck(t *testing.T) {
	rng := newTestRand(1)
	g, err := NewGPT(tinyConfig, rng)
	if err != nil {
		t.Fatalf("NewGPT: %v", err)
	}
	// Larger weights than the init so attention gradients are not vanishingly small.
	for _, p := range g.Parameters() {
		p.Value.RandomizeNormal(rng, 0.5)
	}
	x, y := tinyBatch()
	ac := Autocast{}

	ZeroGrads(g.Parameters())
	if _, err := g.Forward(x, y, ac); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := g.Backward(1.0); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	lossAt := func() float64 {
		out, err := g.Forward(x, y, ac)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		return out.Loss
	}

	const eps = 1e-6
	for _, p := range g.Parameters() {
		for _, i := range []int{0, len(p.Value.data) / 2, len(p.Value.data) - 1} {
			orig := p.Value.data[i]
			p.Value.data[i] = orig + eps
			plus := lossAt()
			p.Value.data[i] = orig - eps
			minus := lossAt()
			p.Value.data[i] = orig

			numeric := (plus - minus) / (2 * eps)
			analytic := p.Grad.data[i]
			if math.Abs(numeric-analytic) > 1e-7+1e-4*math.Abs(numeric) {
				t.Errorf("%s[%d]: analytic %.10g, numeric %.10g", p.Name, i, analytic, numeric)
			}
		}
	}
}

func TestGPTBackwardAccumulatesScaled(t *testing.T) {
	g, err := NewGPT(tinyConfig, newTestRand(2))
	if err != nil {
		t.Fatalf("NewGPT: %v", err)
	}
	x, y := tinyBatch()
	params := g.Parameters()

	g.Forward(x, y, Autocast{})
	g.Backward(1.0)
	once := StateDictOf(gradsAsParams(params))

	ZeroGrads(params)
	g.Forward(x, y, Autocast{})
	g.Backward(0.25)
	g.Backward(0.75)
	for _, p := range params {
		want := once[p.Name].data
		for i, v := range p.Grad.data {
			if math.Abs(v-want[i]) > 1e-12 {
				t.Fatalf("%s[%d]: accumulated %g, want %g", p.Name, i, v, want[i])
			}
		}
	}
}

func gradsAsParams(params []*Param) []*Param {
	out := make([]*Param, len(params))
	for i, p := range params {
		out[i] = &Param{Name: p.Name, Value: p.Grad}
	}
	return out
}

func TestGPTRejectsBadBatches(t *testing.T) {
	g, _ := NewGPT(tinyConfig, newTestRand(3))
	tests := []struct {
		name string
		x, y [][]int
	}{
		{"empty", nil, nil},
		{"too long", [][]int{{1, 2, 3, 4, 5}}, nil},
		{"ragged", [][]int{{1, 2}, {1}}, nil},
		{"token out of vocab", [][]int{{1, 9}}, nil},
		{"target rows", [][]int{{1, 2}}, [][]int{{1, 2}, {3, 4}}},
		{"negative target", [][]int{{1, 2}}, [][]int{{1, -1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := g.Forward(tc.x, tc.y, Autocast{}); err == nil {
				t.Fatal("expected an error")
			}
		})
	}

	if _, err := g.Forward([][]int{{1, 2}}, nil, Autocast{}); err != nil {
		t.Fatalf("Forward without targets: %v", err)
	}
	if err := g.Backward(1); err == nil {
		t.Fatal("Backward after a target-less forward should fail")
	}
}

func TestGPTLossNearUniformAtInit(t *testing.T) {
	cfg := GPTConfig{VocabSize: 64, BlockSize: 8, NLayer: 1, NHead: 2, NEmbd: 8}
	g, _ := NewGPT(cfg, newTestRand(4))
	x := [][]int{{1, 2, 3, 4, 5, 6, 7, 8}}
	y := [][]int{{2, 3, 4, 5, 6, 7, 8, 9}}
	out, err := g.Forward(x, y, Autocast{DType: BFloat16})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if want := math.Log(64); math.Abs(out.Loss-want) > 0.1 {
		t.Fatalf("initial loss %.4f, want about ln(64) = %.4f", out.Loss, want)
	}
}

func TestConfigureOptimizersGroups(t *testing.T) {
	g, _ := NewGPT(tinyConfig, newTestRand(5))
	opt := g.ConfigureOptimizers(0.1, 6e-4, [2]float64{0.9, 0.95}, "cpu")
	groups := opt.ParamGroups()
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].WeightDecay != 0.1 || groups[1].WeightDecay != 0 {
		t.Fatalf("weight decay %g / %g, want 0.1 / 0", groups[0].WeightDecay, groups[1].WeightDecay)
	}
	if n := len(groups[1].Params); n != 1 || groups[1].Params[0].Name != "lm_head.bias" {
		t.Fatalf("undecayed group holds %d params, want only lm_head.bias", n)
	}
	if got, want := len(groups[0].Params)+len(groups[1].Params), len(g.Parameters()); got != want {
		t.Fatalf("groups cover %d params, model has %d", got, want)
	}
}

func TestGenerateGreedyIsDeterministic(t *testing.T) {
	g, _ := NewGPT(tinyConfig, newTestRand(6))
	cfg := DecodingConfig{MaxNewTokens: 6}
	a, err := g.Generate([]int{1, 2}, cfg, Autocast{}, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, _ := g.Generate([]int{1, 2}, cfg, Autocast{}, nil)
	if len(a) != 8 {
		t.Fatalf("generated %d tokens, want 8", len(a))
	}
	for i := range a {
		if a[i] != b[i] || a[i] < 0 || a[i] >= tinyConfig.VocabSize {
			t.Fatalf("greedy decoding differs or is out of vocab: %v vs %v", a, b)
		}
	}
}

// --- 2. Optimizer ---

func TestAdamWFirstStep(t *testing.T) {
	p := NewParam("w", 1, 2)
	copy(p.Value.data, []float64{1, 1})
	copy(p.Grad.data, []float64{0.5, -2})
	opt := NewAdamW([]*ParamGroup{{Params: []*Param{p}, LR: 0.1, WeightDecay: 0.1}}, DefaultAdamConfig)
	opt.Step()

	// First bias-corrected Adam step moves each weight by lr*sign(g) after decay.
	want := []float64{1*(1-0.01) - 0.1, 1*(1-0.01) + 0.1}
	for i, v := range p.Value.data {
		if math.Abs(v-want[i]) > 1e-6 {
			t.Fatalf("w[%d] = %.8f, want %.8f", i, v, want[i])
		}
	}
	opt.ZeroGrad()
	if p.Grad.data[0] != 0 || p.Grad.data[1] != 0 {
		t.Fatal("ZeroGrad left gradients behind")
	}
}

func TestAdamWStateDictRoundTrip(t *testing.T) {
	newSetup := func() (*Param, *AdamW) {
		p := NewParam("w", 2, 2)
		copy(p.Value.data, []float64{1, 2, 3, 4})
		return p, NewAdamW([]*ParamGroup{{Params: []*Param{p}, LR: 0.01}}, DefaultAdamConfig)
	}
	grads := []float64{0.1, -0.2, 0.3, -0.4}

	p1, opt1 := newSetup()
	for range 3 {
		copy(p1.Grad.data, grads)
		opt1.Step()
	}
	blob, err := opt1.StateDict()
	if err != nil {
		t.Fatalf("StateDict: %v", err)
	}

	p2, opt2 := newSetup()
	copy(p2.Value.data, p1.Value.data)
	if err := opt2.LoadStateDict(blob); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	copy(p1.Grad.data, grads)
	copy(p2.Grad.data, grads)
	opt1.Step()
	opt2.Step()
	for i := range p1.Value.data {
		if p1.Value.data[i] != p2.Value.data[i] {
			t.Fatalf("w[%d]: %v after resume, %v uninterrupted", i, p2.Value.data[i], p1.Value.data[i])
		}
	}

	other := NewParam("other", 2, 2)
	opt3 := NewAdamW([]*ParamGroup{{Params: []*Param{other}}}, DefaultAdamConfig)
	if err := opt3.LoadStateDict(blob); err == nil {
		t.Fatal("loading state for a different parameter should fail")
	}
}

// --- 3. State Dicts & Serialization ---

func TestLoadStateDictValidatesBeforeCopy(t *testing.T) {
	a := NewParam("a", 2, 2)
	b := NewParam("b", 1, 3)
	copy(a.Value.data, []float64{1, 2, 3, 4})
	params := []*Param{a, b}

	bad := StateDict{"a": NewMatrixFromSlice(2, 2, []float64{9, 9, 9, 9}), "b": NewMatrix(3, 1)}
	if err := LoadStateDict(params, bad); err == nil {
		t.Fatal("expected a shape mismatch error")
	}
	if a.Value.data[0] != 1 {
		t.Fatal("a failed load modified parameters")
	}

	missing := StateDict{"a": NewMatrix(2, 2), "c": NewMatrix(1, 3)}
	if err := LoadStateDict(params, missing); err == nil {
		t.Fatal("expected a missing tensor error")
	}

	good := StateDictOf(params)
	good["a"].data[3] = 42
	if err := LoadStateDict(params, good); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	if a.Value.data[3] != 42 {
		t.Fatalf("a[3] = %v, want 42", a.Value.data[3])
	}
}

func TestMatMulGoMatchesGonum(t *testing.T) {
	rng := newTestRand(11)
	a, b := NewMatrix(70, 130), NewMatrix(130, 65)
	a.RandomizeNormal(rng, 1)
	b.RandomizeNormal(rng, 1)
	want, got := NewMatrix(70, 65), NewMatrix(70, 65)
	MatMul(a.dense, b.dense, want)
	MatMulGo(a, b, got)
	for i := range want.data {
		if math.Abs(got.data[i]-want.data[i]) > 1e-9 {
			t.Fatalf("element %d: %v, want %v", i, got.data[i], want.data[i])
		}
	}
}

func TestMatrixGobRoundTrip(t *testing.T) {
	m := NewMatrixFromSlice(2, 3, []float64{1, -2, math.Pi, math.SmallestNonzeroFloat64, math.MaxFloat64, 0})
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got Matrix
	if err := gob.NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.SameShape(m) {
		t.Fatalf("shape %dx%d, want 2x3", got.rows, got.cols)
	}
	for i := range m.data {
		if math.Float64bits(got.data[i]) != math.Float64bits(m.data[i]) {
			t.Fatalf("value %d: %v, want %v", i, got.data[i], m.data[i])
		}
	}
	if got.dense.At(1, 0) != math.SmallestNonzeroFloat64 {
		t.Fatal("dense view not rebuilt over decoded data")
	}
}

// --- 4. Mixed Precision ---

func TestAutocastRound(t *testing.T) {
	tests := []struct {
		name string
		ac   Autocast
		in   float64
		want float64
	}{
		{"disabled", Autocast{}, 1.0 / 3, 1.0 / 3},
		{"float32", Autocast{DType: Float32}, 1.0 / 3, float64(float32(1.0 / 3))},
		{"bfloat16 exact", Autocast{DType: BFloat16}, 1.5, 1.5},
		{"bfloat16 ties to even", Autocast{DType: BFloat16}, 1 + math.Pow(2, -8), 1},
		{"bfloat16 rounds up", Autocast{DType: BFloat16}, 1 + 3*math.Pow(2, -9), 1 + math.Pow(2, -7)},
		{"float16 exact", Autocast{DType: Float16}, 0.5, 0.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ac.Round(tc.in); got != tc.want {
				t.Fatalf("Round(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}

	f16 := Autocast{DType: Float16}.Round(1.0 / 3)
	if f16 == 1.0/3 || math.Abs(f16-1.0/3) > 1e-3 {
		t.Fatalf("float16 rounding of 1/3 gave %v", f16)
	}
	if _, err := ParseDType("float64"); err == nil {
		t.Fatal("ParseDType accepted an unknown dtype")
	}
}

func TestGradScaler(t *testing.T) {
	p := NewParam("w", 1, 2)
	opt := NewAdamW([]*ParamGroup{{Params: []*Param{p}, LR: 0.1}}, DefaultAdamConfig)

	s := NewGradScaler(true)
	if s.Scale() != 65536 {
		t.Fatalf("initial scale %v, want 65536", s.Scale())
	}
	copy(p.Grad.data, []float64{2 * 65536, -65536})
	s.Unscale([]*Param{p})
	if p.Grad.data[0] != 2 || p.Grad.data[1] != -1 {
		t.Fatalf("unscaled grads %v, want [2 -1]", p.Grad.data)
	}
	if !s.Step(opt, []*Param{p}) {
		t.Fatal("finite step was skipped")
	}
	s.Update()
	if s.State().GrowthTracker != 1 {
		t.Fatalf("growth tracker %d, want 1", s.State().GrowthTracker)
	}

	before := p.Value.Clone()
	p.Grad.data[0] = math.Inf(1)
	if s.Step(opt, []*Param{p}) {
		t.Fatal("step with inf gradients was applied")
	}
	s.Update()
	if s.Scale() != 32768 || s.State().GrowthTracker != 0 {
		t.Fatalf("after overflow scale %v tracker %d, want 32768 and 0", s.Scale(), s.State().GrowthTracker)
	}
	for i := range before.data {
		if p.Value.data[i] != before.data[i] {
			t.Fatal("skipped step changed parameters")
		}
	}

	off := NewGradScaler(false)
	if off.Scale() != 1 || off.Enabled() {
		t.Fatal("disabled scaler must have scale 1")
	}
}

func TestClipGradNorm(t *testing.T) {
	p := NewParam("w", 1, 2)
	copy(p.Grad.data, []float64{3, 4})
	if norm := ClipGradNorm([]*Param{p}, 1.0); norm != 5 {
		t.Fatalf("pre-clip norm %v, want 5", norm)
	}
	if math.Abs(p.Grad.data[0]-0.6) > 1e-6 || math.Abs(p.Grad.data[1]-0.8) > 1e-6 {
		t.Fatalf("clipped grads %v, want about [0.6 0.8]", p.Grad.data)
	}

	copy(p.Grad.data, []float64{0.3, 0.4})
	ClipGradNorm([]*Param{p}, 1.0)
	if p.Grad.data[0] != 0.3 || p.Grad.data[1] != 0.4 {
		t.Fatal("gradients under the limit must not be rescaled")
	}

	p.Grad.data[1] = math.NaN()
	if !HasNonFinite([]*Param{p}) {
		t.Fatal("HasNonFinite missed a NaN")
	}
}

// --- 5. Benchmarks: Matrix Multiplication ---

func benchmarkMatMul(b *testing.B, size int, method string) {
	rng := newTestRand(7)
	m1 := NewMatrix(size, size)
	m2 := NewMatrix(size, size)
	out := NewMatrix(size, size)

	m1.RandomizeNormal(rng, 1)
	m2.RandomizeNormal(rng, 1)

	b.ResetTimer()

	if method == "Native" {
		for n := 0; n < b.N; n++ {
			MatMulGo(m1, m2, out)
		}
	} else {
		for n := 0; n < b.N; n++ {
			MatMul(m1.dense, m2.dense, out)
		}
	}
	resultMat = out
}

func BenchmarkMatMul_Native_64(b *testing.B)  { benchmarkMatMul(b, 64, "Native") }
func BenchmarkMatMul_Gonum_64(b *testing.B)   { benchmarkMatMul(b, 64, "Gonum") }
func BenchmarkMatMul_Native_256(b *testing.B) { benchmarkMatMul(b, 256, "Native") }
func BenchmarkMatMul_Gonum_256(b *testing.B)  { benchmarkMatMul(b, 256, "Gonum") }

// --- 6. Benchmarks: Training Step ---

func benchmarkTrainStep(b *testing.B, batchSize int) {
	cfg := GPTConfig{VocabSize: 256, BlockSize: 32, NLayer: 2, NHead: 4, NEmbd: 64}
	rng := newTestRand(8)
	g, _ := NewGPT(cfg, rng)
	opt := g.ConfigureOptimizers(0.1, 6e-4, [2]float64{0.9, 0.95}, "cpu")

	x := make([][]int, batchSize)
	y := make([][]int, batchSize)
	for i := range x {
		x[i], y[i] = make([]int, cfg.BlockSize), make([]int, cfg.BlockSize)
		for t := range cfg.BlockSize {
			x[i][t], y[i][t] = rng.IntN(cfg.VocabSize), rng.IntN(cfg.VocabSize)
		}
	}
	ac := Autocast{DType: BFloat16}

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		out, _ := g.Forward(x, y, ac)
		g.Backward(1.0)
		opt.Step()
		opt.ZeroGrad()
		resultLoss = out.Loss
	}
}

func BenchmarkTrainStep_Batch_1(b *testing.B)  { benchmarkTrainStep(b, 1) }
func BenchmarkTrainStep_Batch_8(b *testing.B)  { benchmarkTrainStep(b, 8) }
func BenchmarkTrainStep_Batch_32(b *testing.B) { benchmarkTrainStep(b, 32) }

func TestSamplingHelpers(t *testing.T) {
	probs := softmaxWithTemperature([]float64{1, 3, 3, -2}, 0.5)
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	if math.Abs(sum-1) > 1e-12 || probs[1] != probs[2] || probs[3] >= probs[0] {
		t.Errorf("softmax = %v", probs)
	}
	if got := greedySample([]float64{1, 3, 3, -2}); got != 1 {
		t.Errorf("greedy = %d, want the first maximum", got)
	}
	rng := newTestRand(9)
	for range 50 {
		if got := topKSample([]float64{0.1, 0.6, 0.05, 0.25}, 1, rng); got != 1 {
			t.Fatalf("top-1 sample = %d", got)
		}
		if got := topKSample([]float64{0.1, 0.6, 0.05, 0.25}, 2, rng); got != 1 && got != 3 {
			t.Fatalf("top-2 sample = %d", got)
		}
	}
}
