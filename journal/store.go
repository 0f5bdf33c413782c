// Package journal records training runs, their logged metrics and the
// checkpoints they wrote. Only the master rank writes to it.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      string
	WorldSize   int
	Params      int
	ResumedFrom string
	Config      []byte
}

type Metric struct {
	Step    uint64
	Loss    float64
	LR      float64
	Elapsed time.Duration
}

type CheckpointRecord struct {
	Step  uint64
	Path  string
	Bytes int64
	At    time.Time
}

// Store persists run history.
type Store interface {
	Init(ctx context.Context) error
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, runID, status string, at time.Time) error
	GetRun(ctx context.Context, runID string) (Run, bool, error)
	RecordMetric(ctx context.Context, runID string, m Metric) error
	Metrics(ctx context.Context, runID string) ([]Metric, error)
	RecordCheckpoint(ctx context.Context, runID string, c CheckpointRecord) error
	Checkpoints(ctx context.Context, runID string) ([]CheckpointRecord, error)
}

func NewRunID() string { return uuid.NewString() }

// NewStore builds an uninitialized store. "none" yields a nil Store.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "none":
		return nil, nil
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fmt.Errorf("unsupported journal backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
