package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// GPTConfig holds the architecture hyperparameters (the `model` config section).
type GPTConfig struct {
	VocabSize int `yaml:"vocab_size"`
	BlockSize int `yaml:"block_size"`
	NLayer    int `yaml:"n_layer"`
	NHead     int `yaml:"n_head"`
	NEmbd     int `yaml:"n_embd"`
}

var DefaultGPTConfig = GPTConfig{
	VocabSize: 50304,
	BlockSize: 1024,
	NLayer:    12,
	NHead:     12,
	NEmbd:     768,
}

func (c GPTConfig) Validate() error {
	switch {
	case c.VocabSize < 2:
		return fmt.Errorf("vocab_size must be >= 2, got %d", c.VocabSize)
	case c.BlockSize < 1:
		return fmt.Errorf("block_size must be >= 1, got %d", c.BlockSize)
	case c.NLayer < 0:
		return fmt.Errorf("n_layer must be >= 0, got %d", c.NLayer)
	case c.NHead < 1 || c.NEmbd < 1:
		return fmt.Errorf("n_head and n_embd must be >= 1, got %d and %d", c.NHead, c.NEmbd)
	case c.NEmbd%c.NHead != 0:
		return fmt.Errorf("n_embd (%d) must be divisible by n_head (%d)", c.NEmbd, c.NHead)
	}
	return nil
}

var errNoTargets = errors.New("backward called without targets from the last forward pass")

type attnBlock struct {
	q, k, v, proj *Param
}

// GPT is an attention-only decoder: token + position embeddings, NLayer
// residual blocks of causal multi-head self-attention, and a linear LM head.
type GPT struct {
	cfg    GPTConfig
	device Device

	wte, wpe *Param
	blocks   []attnBlock
	lmW, lmB *Param
	params   []*Param

	// Forward State
	workspaces []*sampleWorkspace
	targets    [][]int
	tokens     int
}

// sampleWorkspace holds all pre-allocated matrices for a single sample's
// forward and backward pass.
type sampleWorkspace struct {
	T int
	x []int

	// Forward Matrices
	X          []*Matrix   // residual stream entering each layer, plus the final one
	Q, K, V, A []*Matrix   // per layer [T, d]
	P          [][]*Matrix // attention probabilities per layer per head [T, T]
	logits     *Matrix     // [T, vocab]
	probs      *Matrix     // [T, vocab]

	// Backward Matrices
	dLogits          *Matrix
	dX, dA           *Matrix
	dQ, dK, dV, tmpX *Matrix
	dP, dS           *Matrix
	tmpDD            *Matrix // [d, d]
	tmpDV            *Matrix // [d, vocab]
}

// NewGPT builds the model and initialises weights from rng.
func NewGPT(cfg GPTConfig, rng *rand.Rand) (*GPT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := cfg.NEmbd
	g := &GPT{cfg: cfg, device: Device{Type: "cpu"}}

	g.wte = NewParam("transformer.wte.weight", cfg.VocabSize, d)
	g.wpe = NewParam("transformer.wpe.weight", cfg.BlockSize, d)
	g.wte.Value.RandomizeNormal(rng, 0.02)
	g.wpe.Value.RandomizeNormal(rng, 0.02)
	g.params = append(g.params, g.wte, g.wpe)

	projStd := 0.02 / math.Sqrt(2*float64(max(cfg.NLayer, 1)))
	for l := range cfg.NLayer {
		prefix := fmt.Sprintf("transformer.h.%d.attn.", l)
		blk := attnBlock{
			q:    NewParam(prefix+"c_q.weight", d, d),
			k:    NewParam(prefix+"c_k.weight", d, d),
			v:    NewParam(prefix+"c_v.weight", d, d),
			proj: NewParam(prefix+"c_proj.weight", d, d),
		}
		blk.q.Value.RandomizeNormal(rng, 0.02)
		blk.k.Value.RandomizeNormal(rng, 0.02)
		blk.v.Value.RandomizeNormal(rng, 0.02)
		blk.proj.Value.RandomizeNormal(rng, projStd)
		g.blocks = append(g.blocks, blk)
		g.params = append(g.params, blk.q, blk.k, blk.v, blk.proj)
	}

	g.lmW = NewParam("lm_head.weight", d, cfg.VocabSize)
	g.lmB = NewParam("lm_head.bias", 1, cfg.VocabSize)
	g.lmW.Value.RandomizeNormal(rng, 0.02)
	g.params = append(g.params, g.lmW, g.lmB)

	return g, nil
}

// -------- MODEL METHODS -------- //
func (g *GPT) Config() GPTConfig    { return g.cfg }
func (g *GPT) Parameters() []*Param { return g.params }
func (g *GPT) Device() Device       { return g.device }

// To binds the model to dev. Parameters live in host memory, so only CPU
// devices are accepted.
func (g *GPT) To(dev Device) error {
	if dev.Type != "cpu" {
		return fmt.Errorf("device %s is not supported by this build", dev)
	}
	g.device = dev
	return nil
}

// ConfigureOptimizers puts every matrix in a weight-decayed group and vectors
// (the LM bias) in an undecayed one.
func (g *GPT) ConfigureOptimizers(weightDecay, learningRate float64, betas [2]float64, deviceType string) Optimizer {
	decay := &ParamGroup{LR: learningRate, WeightDecay: weightDecay}
	noDecay := &ParamGroup{LR: learningRate}
	for _, p := range g.params {
		if p.Value.rows > 1 && p.Value.cols > 1 {
			decay.Params = append(decay.Params, p)
		} else {
			noDecay.Params = append(noDecay.Params, p)
		}
	}
	return NewAdamW([]*ParamGroup{decay, noDecay}, AdamConfig{Beta1: betas[0], Beta2: betas[1], Epsilon: 1e-8})
}

func (g *GPT) ensureWorkspaces(batchSize, T int) {
	if len(g.workspaces) == batchSize && batchSize > 0 && g.workspaces[0].T == T {
		return
	}
	d, V, L, H := g.cfg.NEmbd, g.cfg.VocabSize, len(g.blocks), g.cfg.NHead

	g.workspaces = make([]*sampleWorkspace, batchSize)
	for b := range batchSize {
		ws := &sampleWorkspace{T: T}

		// 1. Forward Matrices
		for range L + 1 {
			ws.X = append(ws.X, NewMatrix(T, d))
		}
		for range L {
			ws.Q = append(ws.Q, NewMatrix(T, d))
			ws.K = append(ws.K, NewMatrix(T, d))
			ws.V = append(ws.V, NewMatrix(T, d))
			ws.A = append(ws.A, NewMatrix(T, d))
			heads := make([]*Matrix, H)
			for h := range H {
				heads[h] = NewMatrix(T, T)
			}
			ws.P = append(ws.P, heads)
		}
		ws.logits = NewMatrix(T, V)
		ws.probs = NewMatrix(T, V)

		// 2. Backward Matrices
		ws.dLogits = NewMatrix(T, V)
		ws.dX = NewMatrix(T, d)
		ws.dA = NewMatrix(T, d)
		ws.dQ = NewMatrix(T, d)
		ws.dK = NewMatrix(T, d)
		ws.dV = NewMatrix(T, d)
		ws.tmpX = NewMatrix(T, d)
		ws.dP = NewMatrix(T, T)
		ws.dS = NewMatrix(T, T)
		ws.tmpDD = NewMatrix(d, d)
		ws.tmpDV = NewMatrix(d, V)

		g.workspaces[b] = ws
	}
}

func (g *GPT) validateBatch(x, y [][]int) (int, error) {
	if len(x) == 0 {
		return 0, errors.New("empty batch")
	}
	T := len(x[0])
	if T == 0 || T > g.cfg.BlockSize {
		return 0, fmt.Errorf("sequence length %d outside [1, %d]", T, g.cfg.BlockSize)
	}
	if y != nil && len(y) != len(x) {
		return 0, fmt.Errorf("targets have %d rows, inputs have %d", len(y), len(x))
	}
	for b := range x {
		if len(x[b]) != T || (y != nil && len(y[b]) != T) {
			return 0, fmt.Errorf("sample %d: ragged sequence length", b)
		}
		for t := range T {
			if x[b][t] < 0 || x[b][t] >= g.cfg.VocabSize {
				return 0, fmt.Errorf("token %d out of bounds (vocab: %d)", x[b][t], g.cfg.VocabSize)
			}
			if y != nil && (y[b][t] < 0 || y[b][t] >= g.cfg.VocabSize) {
				return 0, fmt.Errorf("target %d out of bounds (vocab: %d)", y[b][t], g.cfg.VocabSize)
			}
		}
	}
	return T, nil
}

// Forward runs the model on a batch. With nil targets only logits are produced
// and Backward is unavailable until the next forward with targets.
func (g *GPT) Forward(x, y [][]int, ac Autocast) (Output, error) {
	T, err := g.validateBatch(x, y)
	if err != nil {
		return Output{}, err
	}
	g.ensureWorkspaces(len(x), T)
	g.targets = y
	g.tokens = len(x) * T

	d := g.cfg.NEmbd
	hd := d / g.cfg.NHead
	scale := 1.0 / math.Sqrt(float64(hd))

	out := Output{Logits: make([]*Matrix, len(x))}
	totalLoss := 0.0

	// Loop sequentially (No go routines) to avoid oversubscription
	for b, ws := range g.workspaces {
		ws.x = x[b]

		// 1. Token + Position Embeddings
		X0 := ws.X[0]
		for t, tok := range x[b] {
			floats.AddTo(X0.Row(t), g.wte.Value.Row(tok), g.wpe.Value.Row(t))
		}
		ac.RoundSlice(X0.data)

		// 2. Attention Blocks
		for l, blk := range g.blocks {
			Xl := ws.X[l]
			MatMul(Xl.dense, blk.q.Value.dense, ws.Q[l])
			MatMul(Xl.dense, blk.k.Value.dense, ws.K[l])
			MatMul(Xl.dense, blk.v.Value.dense, ws.V[l])
			ac.RoundSlice(ws.Q[l].data)
			ac.RoundSlice(ws.K[l].data)
			ac.RoundSlice(ws.V[l].data)

			for h := range g.cfg.NHead {
				lo, hi := h*hd, (h+1)*hd
				Qh := ws.Q[l].dense.Slice(0, T, lo, hi)
				Kh := ws.K[l].dense.Slice(0, T, lo, hi)
				Vh := ws.V[l].dense.Slice(0, T, lo, hi)

				// Scores = Q * K^T, then causal softmax in place
				P := ws.P[l][h]
				P.dense.Mul(Qh, Kh.T())
				causalSoftmax(P, scale)

				// Attention Output = P * V, written into this head's columns
				ws.A[l].dense.Slice(0, T, lo, hi).(*mat.Dense).Mul(P.dense, Vh)
			}
			ac.RoundSlice(ws.A[l].data)

			// Output Projection + Residual
			MatMul(ws.A[l].dense, blk.proj.Value.dense, ws.tmpX)
			ac.RoundSlice(ws.tmpX.data)
			floats.AddTo(ws.X[l+1].data, Xl.data, ws.tmpX.data)
		}

		// 3. LM Head
		MatMul(ws.X[len(g.blocks)].dense, g.lmW.Value.dense, ws.logits)
		ws.logits.AddRowVector(g.lmB.Value)
		ac.RoundSlice(ws.logits.data)
		out.Logits[b] = ws.logits

		// 4. Cross Entropy (kept in float64)
		if y != nil {
			for t := range T {
				row := ws.logits.Row(t)
				lse := logSumExp(row)
				totalLoss += lse - row[y[b][t]]
				probs := ws.probs.Row(t)
				for j, v := range row {
					probs[j] = math.Exp(v - lse)
				}
			}
		}
	}

	if y != nil {
		out.Loss = totalLoss / float64(g.tokens)
	}
	return out, nil
}

// Backward accumulates d(scale*loss)/dθ for the most recent Forward.
func (g *GPT) Backward(scale float64) error {
	if g.targets == nil {
		return errNoTargets
	}
	d := g.cfg.NEmbd
	hd := d / g.cfg.NHead
	attnScale := 1.0 / math.Sqrt(float64(hd))
	gradScale := scale / float64(g.tokens)
	L := len(g.blocks)

	for b, ws := range g.workspaces {
		T := ws.T

		// --- A. Output Error (Softmax + CrossEntropy) ---
		copy(ws.dLogits.data, ws.probs.data)
		for t, target := range g.targets[b] {
			ws.dLogits.data[t*ws.dLogits.cols+target] -= 1.0
		}
		floats.Scale(gradScale, ws.dLogits.data)

		// --- B. LM Head ---
		MatMul(ws.X[L].dense.T(), ws.dLogits.dense, ws.tmpDV)
		floats.Add(g.lmW.Grad.data, ws.tmpDV.data)
		for t := range T {
			floats.Add(g.lmB.Grad.data, ws.dLogits.Row(t))
		}
		MatMul(ws.dLogits.dense, g.lmW.Value.dense.T(), ws.dX)

		// --- C. Attention Blocks (reverse order) ---
		for l := L - 1; l >= 0; l-- {
			blk := g.blocks[l]
			Xl := ws.X[l]

			// 1. Output Projection: dWO += A^T * dX, dA = dX * WO^T
			MatMul(ws.A[l].dense.T(), ws.dX.dense, ws.tmpDD)
			floats.Add(blk.proj.Grad.data, ws.tmpDD.data)
			MatMul(ws.dX.dense, blk.proj.Value.dense.T(), ws.dA)

			for h := range g.cfg.NHead {
				lo, hi := h*hd, (h+1)*hd
				P := ws.P[l][h]
				Qh := ws.Q[l].dense.Slice(0, T, lo, hi)
				Kh := ws.K[l].dense.Slice(0, T, lo, hi)
				Vh := ws.V[l].dense.Slice(0, T, lo, hi)
				dAh := ws.dA.dense.Slice(0, T, lo, hi)

				// 2. dV = P^T * dA, dP = dA * V^T
				ws.dV.dense.Slice(0, T, lo, hi).(*mat.Dense).Mul(P.dense.T(), dAh)
				ws.dP.dense.Mul(dAh, Vh.T())

				// 3. Softmax Derivative: dS_i = P_i * (dP_i - dot(P_i, dP_i))
				for r := range T {
					pRow, dpRow, dsRow := P.Row(r), ws.dP.Row(r), ws.dS.Row(r)
					dot := floats.Dot(pRow, dpRow)
					for c := range T {
						dsRow[c] = pRow[c] * (dpRow[c] - dot) * attnScale
					}
				}

				// 4. dQ = dS * K, dK = dS^T * Q
				ws.dQ.dense.Slice(0, T, lo, hi).(*mat.Dense).Mul(ws.dS.dense, Kh)
				ws.dK.dense.Slice(0, T, lo, hi).(*mat.Dense).Mul(ws.dS.dense.T(), Qh)
			}

			// 5. Weight Gradients: dW += X^T * d{Q,K,V}
			MatMul(Xl.dense.T(), ws.dQ.dense, ws.tmpDD)
			floats.Add(blk.q.Grad.data, ws.tmpDD.data)
			MatMul(Xl.dense.T(), ws.dK.dense, ws.tmpDD)
			floats.Add(blk.k.Grad.data, ws.tmpDD.data)
			MatMul(Xl.dense.T(), ws.dV.dense, ws.tmpDD)
			floats.Add(blk.v.Grad.data, ws.tmpDD.data)

			// 6. Input Gradient (residual path already in dX)
			MatMul(ws.dQ.dense, blk.q.Value.dense.T(), ws.tmpX)
			floats.Add(ws.dX.data, ws.tmpX.data)
			MatMul(ws.dK.dense, blk.k.Value.dense.T(), ws.tmpX)
			floats.Add(ws.dX.data, ws.tmpX.data)
			MatMul(ws.dV.dense, blk.v.Value.dense.T(), ws.tmpX)
			floats.Add(ws.dX.data, ws.tmpX.data)
		}

		// --- D. Embeddings ---
		// Multiple positions may share a token ID, so we ADD.
		for t, tok := range ws.x {
			floats.Add(g.wte.Grad.Row(tok), ws.dX.Row(t))
			floats.Add(g.wpe.Grad.Row(t), ws.dX.Row(t))
		}
	}
	return nil
}

// causalSoftmax scales, masks future positions and normalises each row of m in place.
func causalSoftmax(m *Matrix, scale float64) {
	for r := range m.rows {
		row := m.Row(r)
		maxVal := math.Inf(-1)
		for c := 0; c <= r; c++ {
			row[c] *= scale
			maxVal = math.Max(maxVal, row[c])
		}
		sum := 0.0
		for c := 0; c <= r; c++ {
			row[c] = math.Exp(row[c] - maxVal)
			sum += row[c]
		}
		for c := 0; c <= r; c++ {
			row[c] /= sum
		}
		for c := r + 1; c < m.cols; c++ {
			row[c] = 0 // Mask Future
		}
	}
}

func logSumExp(row []float64) float64 {
	maxVal := floats.Max(row)
	sum := 0.0
	for _, v := range row {
		sum += math.Exp(v - maxVal)
	}
	return maxVal + math.Log(sum)
}
