package ml

import (
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// DecodingConfig holds the parameters for autoregressive sampling.
type DecodingConfig struct {
	MaxNewTokens int
	Temperature  float64 // T > 0. Zero selects greedy decoding.
	TopK         int     // Zero or >= vocab disables the Top-K filter.
}

// Generate extends prompt by cfg.MaxNewTokens tokens, feeding at most the last
// BlockSize tokens back into the model at each step.
func (g *GPT) Generate(prompt []int, cfg DecodingConfig, ac Autocast, rng *rand.Rand) ([]int, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("empty prompt")
	}
	seq := append([]int(nil), prompt...)

	for range cfg.MaxNewTokens {
		// 1. Crop the context window
		ctx := seq
		if len(ctx) > g.cfg.BlockSize {
			ctx = ctx[len(ctx)-g.cfg.BlockSize:]
		}

		// 2. Forward without targets
		out, err := g.Forward([][]int{ctx}, nil, ac)
		if err != nil {
			return nil, err
		}

		// 3. Pick the next token from the last position
		logits := out.Logits[0].Row(len(ctx) - 1)
		var next int
		if cfg.Temperature <= 0 {
			next = greedySample(logits)
		} else {
			probs := softmaxWithTemperature(logits, cfg.Temperature)
			next = topKSample(probs, cfg.TopK, rng)
		}
		seq = append(seq, next)
	}
	return seq, nil
}

// softmaxWithTemperature returns softmax(logits / temperature).
func softmaxWithTemperature(logits []float64, temperature float64) []float64 {
	probs := slices.Clone(logits)
	floats.Scale(1/temperature, probs)
	peak := floats.Max(probs)
	for i, v := range probs {
		probs[i] = math.Exp(v - peak)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

// multinomialSample draws an index with probability proportional to weights.
func multinomialSample(weights []float64, rng *rand.Rand) int {
	target := rng.Float64() * floats.Sum(weights)
	for i, w := range weights {
		target -= w
		if target < 0 {
			return i
		}
	}
	// rounding left a sliver past the last bucket
	return len(weights) - 1
}

// greedySample returns the first index of the largest score.
func greedySample(scores []float64) int {
	return floats.MaxIdx(scores)
}

// topKSample keeps the k most probable classes and samples among them.
func topKSample(probs []float64, k int, rng *rand.Rand) int {
	if k <= 0 || k >= len(probs) {
		return multinomialSample(probs, rng)
	}
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(probs[b], probs[a])
	})
	kept := make([]float64, k)
	for i, idx := range order[:k] {
		kept[i] = probs[idx]
	}
	if floats.Sum(kept) == 0 {
		return multinomialSample(probs, rng)
	}
	return order[multinomialSample(kept, rng)]
}
