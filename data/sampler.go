package data

import "math/rand/v2"

// Sampler decides which dataset indices a process visits in an epoch.
type Sampler interface {
	Len() int
	Indices(epoch int) []int
}

// SequentialSampler visits every index in order, every epoch.
type SequentialSampler struct {
	N int
}

func (s SequentialSampler) Len() int { return s.N }

func (s SequentialSampler) Indices(int) []int {
	indices := make([]int, s.N)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// DistributedSampler gives each rank a disjoint, equally sized shard. The
// index list is padded by wrapping around so every rank runs the same number
// of micro-steps, which keeps collective rounds aligned.
type DistributedSampler struct {
	N        int
	Replicas int
	Rank     int
	Seed     uint64
	Shuffle  bool
}

// Len is the per-rank shard size, ceil(N / Replicas).
func (s DistributedSampler) Len() int {
	return (s.N + s.Replicas - 1) / s.Replicas
}

func (s DistributedSampler) Indices(epoch int) []int {
	var order []int
	if s.Shuffle {
		rng := rand.New(rand.NewPCG(s.Seed, uint64(epoch)))
		order = rng.Perm(s.N)
	} else {
		order = SequentialSampler{N: s.N}.Indices(epoch)
	}

	// 1. Pad to a multiple of Replicas
	total := s.Len() * s.Replicas
	for i := 0; len(order) < total; i++ {
		order = append(order, order[i%s.N])
	}

	// 2. Take every Replicas-th element starting at Rank
	shard := make([]int, 0, s.Len())
	for i := s.Rank; i < total; i += s.Replicas {
		shard = append(shard, order[i])
	}
	return shard
}
