package checkpoint

import (
	"bytes"
	"encoding/gob"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/b0tShaman/neuro-gpt/ml"
)

func testStateDict() ml.StateDict {
	return ml.StateDict{
		"wte":     ml.NewMatrixFromSlice(2, 3, []float64{0.1, -0.2, math.Pi, 1e-300, -0, 7}),
		"lm_head": ml.NewMatrixFromSlice(3, 1, []float64{math.MaxFloat64, math.SmallestNonzeroFloat64, -1}),
	}
}

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		Model:     testStateDict(),
		Optimizer: &OptimizerState{Blob: []byte{1, 2, 3, 4}, Scaler: ml.ScalerState{Scale: 1024, GrowthTracker: 17}},
		IterNum:   4000,
		Config:    []byte("training:\n  seed: 1\n"),
		State:     TrainingState{RunningLoss: 12.5, RunningSteps: 3, BestValLoss: 2.25, Updates: 1000},
	}
}

func sameStateDict(t *testing.T, got, want ml.StateDict) {
	t.Helper()
	if !slices.Equal(got.Names(), want.Names()) {
		t.Fatalf("names = %v, want %v", got.Names(), want.Names())
	}
	for _, name := range want.Names() {
		g, w := got[name], want[name]
		if !g.SameShape(w) {
			t.Fatalf("%s: shape [%d, %d], want [%d, %d]", name, g.Rows(), g.Cols(), w.Rows(), w.Cols())
		}
		for i := range w.Data() {
			if math.Float64bits(g.Data()[i]) != math.Float64bits(w.Data()[i]) {
				t.Fatalf("%s[%d] = %v, want %v bit for bit", name, i, g.Data()[i], w.Data()[i])
			}
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "checkpoint_4000.gob")
	want := testCheckpoint()
	n, err := Save(path, want)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != n {
		t.Errorf("Save reported %d bytes, file has %d", n, info.Size())
	}
	if perm := info.Mode().Perm(); perm != 0o644 {
		t.Errorf("checkpoint mode = %v, want -rw-r--r--", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sameStateDict(t, got.Model, want.Model)
	if got.IterNum != want.IterNum {
		t.Errorf("IterNum = %d, want %d", got.IterNum, want.IterNum)
	}
	if got.Optimizer == nil || !bytes.Equal(got.Optimizer.Blob, want.Optimizer.Blob) || got.Optimizer.Scaler != want.Optimizer.Scaler {
		t.Errorf("Optimizer = %+v, want %+v", got.Optimizer, want.Optimizer)
	}
	if got.State != want.State {
		t.Errorf("State = %+v, want %+v", got.State, want.State)
	}
	if !bytes.Equal(got.Config, want.Config) {
		t.Errorf("Config = %q", got.Config)
	}

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want 1", len(entries))
	}
}

func TestLoadWithoutOptimizer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ck.gob")
	ck := testCheckpoint()
	ck.Optimizer = nil
	if _, err := Save(path, ck); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Optimizer != nil {
		t.Errorf("Optimizer = %+v, want nil", got.Optimizer)
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, ar archive) string {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(ar); err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}
	model, err := encodeSection(testStateDict())
	if err != nil {
		t.Fatal(err)
	}
	empty, err := encodeSection(ml.StateDict{})
	if err != nil {
		t.Fatal(err)
	}

	garbage := filepath.Join(dir, "garbage.gob")
	if err := os.WriteFile(garbage, []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "absent.gob")},
		{"garbage", garbage},
		{"missing iter_num", write("no_iter.gob", archive{SectionModel: model})},
		{"missing model", write("no_model.gob", archive{SectionIterNum: []byte{}})},
		{"empty model", write("empty.gob", archive{SectionModel: empty})},
		{"bad section", write("bad.gob", archive{SectionModel: []byte{0xff, 0x00}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			var corrupt *CorruptError
			if !errors.As(err, &corrupt) {
				t.Fatalf("err = %v, want *CorruptError", err)
			}
			if corrupt.Path != tt.path {
				t.Errorf("Path = %q, want %q", corrupt.Path, tt.path)
			}
		})
	}
}

func TestLoadModelAcceptsBothArtifacts(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "checkpoint_8.gob")
	if _, err := Save(full, testCheckpoint()); err != nil {
		t.Fatal(err)
	}
	final := filepath.Join(dir, FinalModelName)
	if _, err := SaveModel(final, testStateDict()); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{full, final} {
		sd, err := LoadModel(path)
		if err != nil {
			t.Fatalf("LoadModel(%s): %v", path, err)
		}
		sameStateDict(t, sd, testStateDict())
	}

	// A parameters-only artifact cannot be resumed from.
	var corrupt *CorruptError
	if _, err := Load(final); !errors.As(err, &corrupt) {
		t.Errorf("Load(final) err = %v, want *CorruptError", err)
	}
}

// --- Manager ---

func TestManagerDue(t *testing.T) {
	m := &Manager{Interval: 2000}
	for step, want := range map[uint64]bool{0: false, 1999: false, 2000: true, 3000: false, 4000: true} {
		if got := m.Due(step); got != want {
			t.Errorf("Due(%d) = %v, want %v", step, got, want)
		}
	}
	if (&Manager{}).Due(10) {
		t.Error("a zero interval is never due")
	}
}

func TestManagerDueWithin(t *testing.T) {
	m := &Manager{Interval: 4}
	tests := []struct {
		prev, step uint64
		want       bool
	}{
		{0, 3, false},
		{3, 6, true},
		{6, 9, true},
		{9, 12, true},
		{12, 15, false},
		{4, 4, false},
		{3, 4, true},
		{4, 7, false},
	}
	for _, tt := range tests {
		if got := m.DueWithin(tt.prev, tt.step); got != tt.want {
			t.Errorf("DueWithin(%d, %d) = %v, want %v", tt.prev, tt.step, got, tt.want)
		}
	}
	if (&Manager{}).DueWithin(0, 10) {
		t.Error("a zero interval is never due")
	}
}

func TestManagerWrites(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{Dir: dir, Interval: 4, Master: true}
	ck := testCheckpoint()
	ck.IterNum = 8

	path, n, err := m.Save(ck)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if path != filepath.Join(dir, "checkpoint_8.gob") || n <= 0 {
		t.Errorf("Save = %q, %d", path, n)
	}
	// Overwriting the same step succeeds.
	if _, _, err := m.Save(ck); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	final, _, err := m.SaveFinal(ck)
	if err != nil {
		t.Fatalf("SaveFinal: %v", err)
	}
	if filepath.Base(final) != FinalModelName {
		t.Errorf("final path = %q", final)
	}
	if info, err := os.Stat(final); err != nil || info.Mode().Perm() != 0o644 {
		t.Errorf("final model stat = %v, %v; want mode 0644", info, err)
	}

	worker := &Manager{Dir: dir, Interval: 4}
	if _, _, err := worker.Save(ck); !errors.Is(err, ErrNotMaster) {
		t.Errorf("worker Save err = %v, want ErrNotMaster", err)
	}
	if _, _, err := worker.SaveFinal(ck); !errors.Is(err, ErrNotMaster) {
		t.Errorf("worker SaveFinal err = %v, want ErrNotMaster", err)
	}
}
