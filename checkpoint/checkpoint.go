// Package checkpoint persists training state as a gob archive of named
// sections and writes it atomically.
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/b0tShaman/neuro-gpt/ml"
)

const (
	SectionModel         = "model"
	SectionOptimizer     = "optimizer"
	SectionIterNum       = "iter_num"
	SectionConfig        = "config"
	SectionTrainingState = "training_state"
)

// Checkpoint is an immutable snapshot of a run at an optimizer boundary.
type Checkpoint struct {
	Model     ml.StateDict
	Optimizer *OptimizerState
	IterNum   uint64
	Config    []byte // YAML snapshot
	State     TrainingState
}

// OptimizerState bundles the opaque optimizer blob with the loss scaler.
type OptimizerState struct {
	Blob   []byte
	Scaler ml.ScalerState
}

type TrainingState struct {
	RunningLoss  float64
	RunningSteps uint64
	BestValLoss  float64
	Updates      uint64
}

// CorruptError is returned for any archive that cannot be resumed from.
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt checkpoint %s: %s", e.Path, e.Reason)
}

type archive map[string][]byte

func encodeSection(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (ck *Checkpoint) encode() ([]byte, error) {
	ar := archive{}
	var err error
	if ar[SectionModel], err = encodeSection(ck.Model); err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	if ar[SectionIterNum], err = encodeSection(ck.IterNum); err != nil {
		return nil, fmt.Errorf("encode iter_num: %w", err)
	}
	if ck.Optimizer != nil {
		if ar[SectionOptimizer], err = encodeSection(ck.Optimizer); err != nil {
			return nil, fmt.Errorf("encode optimizer: %w", err)
		}
	}
	if ck.Config != nil {
		ar[SectionConfig] = ck.Config
	}
	if ar[SectionTrainingState], err = encodeSection(ck.State); err != nil {
		return nil, fmt.Errorf("encode training state: %w", err)
	}
	return encodeSection(ar)
}

// Save writes ck to path atomically: a temp file in the same directory is
// written, synced and renamed over path. It returns the bytes written.
func Save(path string, ck *Checkpoint) (int64, error) {
	buf, err := ck.encode()
	if err != nil {
		return 0, err
	}
	return writeAtomic(path, buf)
}

// SaveModel writes a parameters-only archive (the final artifact).
func SaveModel(path string, sd ml.StateDict) (int64, error) {
	section, err := encodeSection(sd)
	if err != nil {
		return 0, fmt.Errorf("encode model: %w", err)
	}
	buf, err := encodeSection(archive{SectionModel: section})
	if err != nil {
		return 0, err
	}
	return writeAtomic(path, buf)
}

func writeAtomic(path string, buf []byte) (n int64, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(buf); err != nil {
		return 0, fmt.Errorf("write checkpoint: %w", err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return 0, fmt.Errorf("chmod checkpoint: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync checkpoint: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return 0, fmt.Errorf("close checkpoint: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("rename checkpoint: %w", err)
	}
	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		d.Close()
	}
	return int64(len(buf)), nil
}

func readArchive(path string) (archive, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &CorruptError{Path: path, Reason: "file does not exist"}
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var ar archive
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&ar); err != nil {
		return nil, &CorruptError{Path: path, Reason: fmt.Sprintf("not a checkpoint archive: %v", err)}
	}
	return ar, nil
}

func decodeSection(path string, ar archive, name string, v any) error {
	raw, ok := ar[name]
	if !ok {
		return &CorruptError{Path: path, Reason: fmt.Sprintf("missing %q section", name)}
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		return &CorruptError{Path: path, Reason: fmt.Sprintf("section %q: %v", name, err)}
	}
	return nil
}

// Load reads a full checkpoint. The model and iter_num sections are required;
// a missing optimizer section leaves Optimizer nil.
func Load(path string) (*Checkpoint, error) {
	ar, err := readArchive(path)
	if err != nil {
		return nil, err
	}
	ck := &Checkpoint{}
	if err := decodeSection(path, ar, SectionModel, &ck.Model); err != nil {
		return nil, err
	}
	if len(ck.Model) == 0 {
		return nil, &CorruptError{Path: path, Reason: "model section holds no tensors"}
	}
	if err := decodeSection(path, ar, SectionIterNum, &ck.IterNum); err != nil {
		return nil, err
	}
	if _, ok := ar[SectionOptimizer]; ok {
		ck.Optimizer = new(OptimizerState)
		if err := decodeSection(path, ar, SectionOptimizer, ck.Optimizer); err != nil {
			return nil, err
		}
	}
	if _, ok := ar[SectionTrainingState]; ok {
		if err := decodeSection(path, ar, SectionTrainingState, &ck.State); err != nil {
			return nil, err
		}
	}
	ck.Config = ar[SectionConfig]
	return ck, nil
}

// LoadModel reads only the parameters, accepting both full checkpoints and
// final artifacts.
func LoadModel(path string) (ml.StateDict, error) {
	ar, err := readArchive(path)
	if err != nil {
		return nil, err
	}
	var sd ml.StateDict
	if err := decodeSection(path, ar, SectionModel, &sd); err != nil {
		return nil, err
	}
	if len(sd) == 0 {
		return nil, &CorruptError{Path: path, Reason: "model section holds no tensors"}
	}
	return sd, nil
}
