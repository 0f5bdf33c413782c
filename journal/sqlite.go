package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var errNotInitialized = errors.New("journal is not initialized")

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) StartRun(ctx context.Context, run Run) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, status, world_size, params, resumed_from, config)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			started_at = excluded.started_at,
			status = excluded.status,
			world_size = excluded.world_size,
			params = excluded.params,
			resumed_from = excluded.resumed_from,
			config = excluded.config
	`, run.ID, run.StartedAt.UnixNano(), run.Status, run.WorldSize, run.Params, run.ResumedFrom, run.Config)
	return err
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID, status string, at time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, at.UnixNano(), runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unknown run %s", runID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Run{}, false, err
	}

	var (
		run      Run
		started  int64
		finished sql.NullInt64
		resumed  sql.NullString
		config   []byte
	)
	err = db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, status, world_size, params, resumed_from, config
		FROM runs WHERE id = ?
	`, runID).Scan(&run.ID, &started, &finished, &run.Status, &run.WorldSize, &run.Params, &resumed, &config)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, err
	}
	run.StartedAt = time.Unix(0, started)
	if finished.Valid {
		run.FinishedAt = time.Unix(0, finished.Int64)
	}
	run.ResumedFrom = resumed.String
	run.Config = config
	return run, true, nil
}

func (s *SQLiteStore) RecordMetric(ctx context.Context, runID string, m Metric) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO metrics (run_id, step, loss, lr, elapsed_ns) VALUES (?, ?, ?, ?, ?)
	`, runID, int64(m.Step), m.Loss, m.LR, int64(m.Elapsed))
	return err
}

func (s *SQLiteStore) Metrics(ctx context.Context, runID string) ([]Metric, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT step, loss, lr, elapsed_ns FROM metrics WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var (
			m       Metric
			step    int64
			elapsed int64
		)
		if err := rows.Scan(&step, &m.Loss, &m.LR, &elapsed); err != nil {
			return nil, err
		}
		m.Step = uint64(step)
		m.Elapsed = time.Duration(elapsed)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordCheckpoint(ctx context.Context, runID string, c CheckpointRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, step, path, bytes, written_at) VALUES (?, ?, ?, ?, ?)
	`, runID, int64(c.Step), c.Path, c.Bytes, c.At.UnixNano())
	return err
}

func (s *SQLiteStore) Checkpoints(ctx context.Context, runID string) ([]CheckpointRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT step, path, bytes, written_at FROM checkpoints WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CheckpointRecord
	for rows.Next() {
		var (
			c    CheckpointRecord
			step int64
			at   int64
		)
		if err := rows.Scan(&step, &c.Path, &c.Bytes, &at); err != nil {
			return nil, err
		}
		c.Step = uint64(step)
		c.At = time.Unix(0, at)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			status TEXT NOT NULL,
			world_size INTEGER NOT NULL,
			params INTEGER NOT NULL,
			resumed_from TEXT,
			config BLOB
		);
		CREATE TABLE IF NOT EXISTS metrics (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			loss REAL NOT NULL,
			lr REAL NOT NULL,
			elapsed_ns INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS checkpoints (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			path TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			written_at INTEGER NOT NULL
		);
	`)
	return err
}
