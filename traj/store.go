package traj

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// schema.sql creates the runs table holding one row per evaluation.
//
//go:embed schema.sql
var schemaSQL string

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// RunStore persists evaluation reports in SQLite. A nil *RunStore accepts
// writes and returns empty reads, so callers need not check whether a
// database was configured.
type RunStore struct {
	db *sql.DB
}

// OpenRunStore opens (and creates if needed) the database at path.
func OpenRunStore(path string) (*RunStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open run store %s: %v", ErrIOFailure, path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create run schema in %s: %v", ErrIOFailure, path, err)
	}
	Logger().Debugw("initialized run store", "path", path)
	return &RunStore{db: db}, nil
}

// Close closes the database.
func (s *RunStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Insert stores a report. An empty RunID is filled with a new UUID and a
// zero Timestamp with the current time.
func (s *RunStore) Insert(r *EvaluationReport) error {
	if r.RunID == "" {
		r.RunID = NewRunID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if s == nil {
		return nil
	}

	var artifacts interface{}
	if len(r.Artifacts) > 0 {
		b, err := json.Marshal(r.Artifacts)
		if err != nil {
			return fmt.Errorf("marshal artifacts: %w", err)
		}
		artifacts = string(b)
	}

	_, err := s.db.Exec(`
		INSERT INTO runs (
			run_id, stream_id, created_at, poses, reference_poses, pairs,
			correct_scale, scale, reflected,
			rmse, mean, median, std, min, max,
			output_dir, artifacts_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.StreamID, r.Timestamp.UnixNano(), r.Poses, r.ReferencePoses, r.Pairs,
		r.CorrectScale, r.Scale, r.Reflected,
		r.Stats.RMSE, r.Stats.Mean, r.Stats.Median, r.Stats.Std, r.Stats.Min, r.Stats.Max,
		r.OutputDir, artifacts,
	)
	if err != nil {
		return fmt.Errorf("%w: insert run %s: %v", ErrIOFailure, r.RunID, err)
	}
	return nil
}

const selectRun = `
	SELECT run_id, stream_id, created_at, poses, reference_poses, pairs,
	       correct_scale, scale, reflected,
	       rmse, mean, median, std, min, max,
	       output_dir, artifacts_json
	FROM runs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*EvaluationReport, error) {
	var r EvaluationReport
	var created int64
	var outputDir, artifacts sql.NullString
	err := row.Scan(
		&r.RunID, &r.StreamID, &created, &r.Poses, &r.ReferencePoses, &r.Pairs,
		&r.CorrectScale, &r.Scale, &r.Reflected,
		&r.Stats.RMSE, &r.Stats.Mean, &r.Stats.Median, &r.Stats.Std, &r.Stats.Min, &r.Stats.Max,
		&outputDir, &artifacts,
	)
	if err != nil {
		return nil, err
	}
	r.Timestamp = time.Unix(0, created).UTC()
	r.OutputDir = outputDir.String
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &r.Artifacts); err != nil {
			return nil, fmt.Errorf("%w: run %s artifacts: %v", ErrMalformedFormat, r.RunID, err)
		}
	}
	return &r, nil
}

// Get returns one run by ID.
func (s *RunStore) Get(runID string) (*EvaluationReport, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	r, err := scanRun(s.db.QueryRow(selectRun+` WHERE run_id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("%w: scan run: %v", ErrIOFailure, err)
	}
	return r, nil
}

// List returns the most recent runs, newest first. An empty streamID lists
// every stream; limit <= 0 means no limit.
func (s *RunStore) List(streamID string, limit int) ([]*EvaluationReport, error) {
	if s == nil {
		return nil, nil
	}
	query := selectRun
	var args []interface{}
	if streamID != "" {
		query += ` WHERE stream_id = ?`
		args = append(args, streamID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query runs: %v", ErrIOFailure, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EvaluationReport
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate runs: %v", ErrIOFailure, err)
	}
	return out, nil
}

// Delete removes a run.
func (s *RunStore) Delete(runID string) error {
	if s == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	res, err := s.db.Exec(`DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("%w: delete run %s: %v", ErrIOFailure, runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}
