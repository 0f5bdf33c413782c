package journal

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]Run
	metrics     map[string][]Metric
	checkpoints map[string][]CheckpointRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]Run)
	s.metrics = make(map[string][]Metric)
	s.checkpoints = make(map[string][]CheckpointRecord)
	return nil
}

func (s *MemoryStore) StartRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	run.Config = slices.Clone(run.Config)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) FinishRun(_ context.Context, runID, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("unknown run %s", runID)
	}
	run.Status = status
	run.FinishedAt = at
	s.runs[runID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	return run, ok, nil
}

func (s *MemoryStore) RecordMetric(_ context.Context, runID string, m Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.metrics[runID] = append(s.metrics[runID], m)
	return nil
}

func (s *MemoryStore) Metrics(_ context.Context, runID string) ([]Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.metrics[runID]), nil
}

func (s *MemoryStore) RecordCheckpoint(_ context.Context, runID string, c CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.checkpoints[runID] = append(s.checkpoints[runID], c)
	return nil
}

func (s *MemoryStore) Checkpoints(_ context.Context, runID string) ([]CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.checkpoints[runID]), nil
}
