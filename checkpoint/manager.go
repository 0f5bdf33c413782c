package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const FinalModelName = "final_model.gob"

// ErrNotMaster is returned when a non-master rank tries to write.
var ErrNotMaster = errors.New("checkpoint: only the master rank may write")

// Manager decides when checkpoints are due and writes them under Dir.
type Manager struct {
	Dir      string
	Interval uint64
	Master   bool
	Logger   *slog.Logger
}

// Due reports whether a checkpoint belongs to step.
func (m *Manager) Due(step uint64) bool {
	return m.Interval > 0 && step > 0 && step%m.Interval == 0
}

// DueWithin reports whether a multiple of Interval lies in (prev, step]. An
// accumulation window that spans a cadence step checkpoints at its boundary.
func (m *Manager) DueWithin(prev, step uint64) bool {
	return m.Interval > 0 && step > prev && step/m.Interval > prev/m.Interval
}

func (m *Manager) Path(step uint64) string {
	return filepath.Join(m.Dir, fmt.Sprintf("checkpoint_%d.gob", step))
}

// Save writes checkpoint_<IterNum>.gob and returns its path.
func (m *Manager) Save(ck *Checkpoint) (string, int64, error) {
	if !m.Master {
		return "", 0, ErrNotMaster
	}
	path := m.Path(ck.IterNum)
	if _, err := os.Stat(path); err == nil {
		m.logger().Warn("overwriting existing checkpoint", "path", path)
	}
	n, err := Save(path, ck)
	if err != nil {
		return "", 0, fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	return path, n, nil
}

// SaveFinal writes the parameters-only final artifact.
func (m *Manager) SaveFinal(ck *Checkpoint) (string, int64, error) {
	if !m.Master {
		return "", 0, ErrNotMaster
	}
	path := filepath.Join(m.Dir, FinalModelName)
	n, err := SaveModel(path, ck.Model)
	if err != nil {
		return "", 0, fmt.Errorf("save final model %s: %w", path, err)
	}
	return path, n, nil
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.Logger
}
