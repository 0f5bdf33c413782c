package data

import (
	"context"
	"iter"
	"sync"
)

// Batch is one micro-batch of input windows and their shifted targets.
type Batch struct {
	X, Y [][]int
}

// Size returns the number of windows in the batch.
func (b Batch) Size() int { return len(b.X) }

// Loader groups sampler indices into batches. The trailing batch of an epoch
// may be smaller than BatchSize.
type Loader struct {
	ds        Dataset
	sampler   Sampler
	batchSize int
	workers   int
}

// NewLoader returns a loader. With workers > 0 batches are assembled on a
// background goroutine that keeps up to 2*workers batches ready.
func NewLoader(ds Dataset, sampler Sampler, batchSize, workers int) *Loader {
	return &Loader{ds: ds, sampler: sampler, batchSize: max(batchSize, 1), workers: workers}
}

// NumBatches is the number of batches yielded per epoch.
func (l *Loader) NumBatches() int {
	return (l.sampler.Len() + l.batchSize - 1) / l.batchSize
}

// Epoch yields the batches of one epoch in order, starting at batch index
// skip. Skipped batches are never read from the dataset.
func (l *Loader) Epoch(ctx context.Context, epoch, skip int) iter.Seq2[int, Batch] {
	return func(yield func(int, Batch) bool) {
		indices := l.sampler.Indices(epoch)
		n := l.NumBatches()

		if l.workers <= 0 {
			for b := skip; b < n; b++ {
				if !yield(b, l.assemble(indices, b)) {
					return
				}
			}
			return
		}

		// --- Prefetch on a background goroutine ---
		ctx, cancel := context.WithCancel(ctx)
		type item struct {
			idx   int
			batch Batch
		}
		ch := make(chan item, 2*l.workers)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(ch)
			for b := skip; b < n; b++ {
				select {
				case ch <- item{idx: b, batch: l.assemble(indices, b)}:
				case <-ctx.Done():
					return
				}
			}
		}()
		defer func() {
			cancel()
			wg.Wait()
		}()

		for it := range ch {
			if !yield(it.idx, it.batch) {
				return
			}
		}
	}
}

func (l *Loader) assemble(indices []int, b int) Batch {
	start := b * l.batchSize
	end := min(start+l.batchSize, len(indices))
	batch := Batch{X: make([][]int, 0, end-start), Y: make([][]int, 0, end-start)}
	for _, idx := range indices[start:end] {
		x, y := l.ds.Window(idx)
		batch.X = append(batch.X, x)
		batch.Y = append(batch.Y, y)
	}
	return batch
}
