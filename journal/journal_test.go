package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestNewStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	tests := []struct {
		kind    string
		wantNil bool
		wantErr bool
	}{
		{kind: "none", wantNil: true},
		{kind: "memory"},
		{kind: ""},
		{kind: "sqlite"},
		{kind: "postgres", wantNil: true, wantErr: true},
	}
	for _, tt := range tests {
		store, err := NewStore(tt.kind, path)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewStore(%q) err = %v", tt.kind, err)
		}
		if (store == nil) != tt.wantNil {
			t.Errorf("NewStore(%q) = %v", tt.kind, store)
		}
	}
}

func TestNewRunIDUnique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == "" || a == b {
		t.Fatalf("run ids %q and %q", a, b)
	}
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	s := NewMemoryStore()
	if err := s.StartRun(context.Background(), Run{ID: "r"}); !errors.Is(err, errNotInitialized) {
		t.Fatalf("StartRun before Init err = %v", err)
	}
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	if err := NewSQLiteStore("").Init(context.Background()); err == nil {
		t.Fatal("Init accepted an empty path")
	}
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			return NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()
			if err := store.Init(ctx); err != nil {
				t.Fatalf("Init: %v", err)
			}
			t.Cleanup(func() { _ = CloseIfSupported(store) })
			exerciseStore(t, store)
		})
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	started := time.Unix(1700000000, 123456789)
	run := Run{
		ID:          NewRunID(),
		StartedAt:   started,
		WorldSize:   4,
		Params:      124_000_000,
		ResumedFrom: "out/checkpoint_2000.gob",
		Config:      []byte("training:\n  seed: 1\n"),
	}
	if err := store.StartRun(ctx, run); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	got, ok, err := store.GetRun(ctx, run.ID)
	if err != nil || !ok {
		t.Fatalf("GetRun = %v, %v", ok, err)
	}
	if got.Status != StatusRunning || got.WorldSize != 4 || got.Params != run.Params || got.ResumedFrom != run.ResumedFrom {
		t.Errorf("run = %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if string(got.Config) != string(run.Config) {
		t.Errorf("Config = %q", got.Config)
	}
	if !got.FinishedAt.IsZero() {
		t.Errorf("FinishedAt = %v before finish", got.FinishedAt)
	}

	if _, ok, err := store.GetRun(ctx, "missing"); ok || err != nil {
		t.Errorf("GetRun(missing) = %v, %v", ok, err)
	}

	for i, loss := range []float64{10.9, 9.5, 8.25} {
		m := Metric{Step: uint64(i * 10), Loss: loss, LR: 6e-4, Elapsed: time.Duration(i+1) * time.Millisecond}
		if err := store.RecordMetric(ctx, run.ID, m); err != nil {
			t.Fatalf("RecordMetric: %v", err)
		}
	}
	metrics, err := store.Metrics(ctx, run.ID)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if len(metrics) != 3 || metrics[2].Step != 20 || metrics[2].Loss != 8.25 || metrics[1].Elapsed != 2*time.Millisecond {
		t.Errorf("metrics = %+v", metrics)
	}

	ck := CheckpointRecord{Step: 2000, Path: "out/checkpoint_2000.gob", Bytes: 4096, At: started.Add(time.Minute)}
	if err := store.RecordCheckpoint(ctx, run.ID, ck); err != nil {
		t.Fatalf("RecordCheckpoint: %v", err)
	}
	cks, err := store.Checkpoints(ctx, run.ID)
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	if len(cks) != 1 || cks[0].Path != ck.Path || cks[0].Bytes != ck.Bytes || !cks[0].At.Equal(ck.At) {
		t.Errorf("checkpoints = %+v", cks)
	}

	finished := started.Add(time.Hour)
	if err := store.FinishRun(ctx, run.ID, StatusInterrupted, finished); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, _, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInterrupted || !got.FinishedAt.Equal(finished) {
		t.Errorf("finished run = %+v", got)
	}
	if err := store.FinishRun(ctx, "missing", StatusFailed, finished); err == nil {
		t.Error("FinishRun accepted an unknown run")
	}
}
