package train

import (
	"fmt"
	"math"

	"github.com/b0tShaman/neuro-gpt/data"
	"github.com/b0tShaman/neuro-gpt/ml"
)

// EvalResult summarizes a validation pass.
type EvalResult struct {
	Loss       float64
	Perplexity float64
	Windows    int
}

// Evaluate computes the mean next-token loss over the first maxSamples
// windows of ds. Gradients are not touched.
func Evaluate(m ml.Model, ds data.Dataset, maxSamples, batchSize int, ac ml.Autocast) (EvalResult, error) {
	n := min(ds.Len(), maxSamples)
	if n <= 0 {
		return EvalResult{}, fmt.Errorf("evaluation set holds no complete window")
	}
	batchSize = max(batchSize, 1)

	total := 0.0
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		x := make([][]int, 0, end-start)
		y := make([][]int, 0, end-start)
		for i := start; i < end; i++ {
			xi, yi := ds.Window(i)
			x = append(x, xi)
			y = append(y, yi)
		}
		out, err := m.Forward(x, y, ac)
		if err != nil {
			return EvalResult{}, fmt.Errorf("evaluate windows [%d, %d): %w", start, end, err)
		}
		total += out.Loss * float64(end-start)
	}
	loss := total / float64(n)
	return EvalResult{Loss: loss, Perplexity: math.Exp(loss), Windows: n}, nil
}
