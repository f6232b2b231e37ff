package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/selfcal/internal/calchain"
	"github.com/banshee-data/selfcal/internal/flags"
	"github.com/banshee-data/selfcal/internal/selfcal"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

// Run is one row of selfcal_runs.
type Run struct {
	ID         string
	Vis        string
	Imager     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Error      string
	Output     string
}

// SolutionRow is one recorded calibration table.
type SolutionRow struct {
	Name      string
	Mode      calchain.Mode
	Iteration int
	Solint    string
	MinSNR    float64
	Combine   string
	Normalize bool
	Parents   []string
}

// RunRecorder writes the progress of one run. It satisfies
// selfcal.Recorder.
type RunRecorder struct {
	db *DB
	id string

	mu  sync.Mutex
	seq int
}

var _ selfcal.Recorder = (*RunRecorder)(nil)

// StartRun inserts a new run and returns a recorder bound to it.
func (db *DB) StartRun(ctx context.Context, vis, imager string) (*RunRecorder, error) {
	id := uuid.New().String()
	_, err := db.ExecContext(ctx,
		`INSERT INTO selfcal_runs (run_id, vis, imager, started_at, status) VALUES (?, ?, ?, ?, ?)`,
		id, vis, imager, db.clock.Now().UnixNano(), StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	return &RunRecorder{db: db, id: id}, nil
}

// ID returns the run ID.
func (r *RunRecorder) ID() string { return r.id }

// RecordSolution stores a solved table.
func (r *RunRecorder) RecordSolution(ctx context.Context, s *calchain.Solution) error {
	r.mu.Lock()
	seq := r.seq
	r.seq++
	r.mu.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO selfcal_solutions (
			run_id, seq, name, mode, iteration, solint, min_snr, combine, normalize, parents
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, seq, s.Name, string(s.Mode), s.Iteration, s.Solint, s.MinSNR, s.Combine, s.Normalize,
		strings.Join(s.ParentNames(), ","),
	)
	if err != nil {
		return fmt.Errorf("failed to record solution %s: %w", s.Name, err)
	}
	return nil
}

// RecordSnapshot stores a saved flag version.
func (r *RunRecorder) RecordSnapshot(ctx context.Context, s flags.Snapshot) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO selfcal_snapshots (run_id, name, ord, taken_at) VALUES (?, ?, ?, ?)`,
		r.id, s.Name, s.Order, s.TakenAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record snapshot %s: %w", s.Name, err)
	}
	return nil
}

// RecordQuality stores the quality of one imaging pass.
func (r *RunRecorder) RecordQuality(ctx context.Context, m selfcal.Metric) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO selfcal_quality (run_id, mode, iteration, image, psnr, peak, stdv) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.id, string(m.Mode), m.Iteration, m.ImageName, m.Quality.PSNR, m.Quality.Peak, m.Quality.Stdv,
	)
	if err != nil {
		return fmt.Errorf("failed to record quality of %s: %w", m.ImageName, err)
	}
	return nil
}

// Finish marks the run finished. A nil runErr marks it succeeded.
func (r *RunRecorder) Finish(ctx context.Context, output string, runErr error) error {
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE selfcal_runs SET finished_at = ?, status = ?, error = ?, output = ? WHERE run_id = ?`,
		r.db.clock.Now().UnixNano(), status, msg, output, r.id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", r.id, err)
	}
	return nil
}

const runColumns = `run_id, vis, imager, started_at, finished_at, status, error, output`

func scanRun(row interface{ Scan(...interface{}) error }) (*Run, error) {
	var run Run
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&run.ID, &run.Vis, &run.Imager, &started, &finished, &run.Status, &run.Error, &run.Output); err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		run.FinishedAt = &t
	}
	return &run, nil
}

// GetRun returns the run with the given ID.
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM selfcal_runs WHERE run_id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first. A vis of "" matches
// every dataset.
func (db *DB) ListRuns(ctx context.Context, vis string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM selfcal_runs
		WHERE (? = '' OR vis = ?)
		ORDER BY started_at DESC LIMIT ?`,
		vis, vis, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Solutions returns the tables of a run in the order they were solved.
func (db *DB) Solutions(ctx context.Context, runID string) ([]SolutionRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, mode, iteration, solint, min_snr, combine, normalize, parents
		FROM selfcal_solutions WHERE run_id = ? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load solutions: %w", err)
	}
	defer rows.Close()

	var out []SolutionRow
	for rows.Next() {
		var s SolutionRow
		var mode, parents string
		if err := rows.Scan(&s.Name, &mode, &s.Iteration, &s.Solint, &s.MinSNR, &s.Combine, &s.Normalize, &parents); err != nil {
			return nil, fmt.Errorf("failed to scan solution: %w", err)
		}
		s.Mode = calchain.Mode(mode)
		if parents != "" {
			s.Parents = strings.Split(parents, ",")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Snapshots returns the flag versions saved by a run in order.
func (db *DB) Snapshots(ctx context.Context, runID string) ([]flags.Snapshot, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, ord, taken_at FROM selfcal_snapshots WHERE run_id = ? ORDER BY ord`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer rows.Close()

	var out []flags.Snapshot
	for rows.Next() {
		var s flags.Snapshot
		var taken int64
		if err := rows.Scan(&s.Name, &s.Order, &taken); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		s.TakenAt = time.Unix(0, taken).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// QualityHistory returns the quality measurements of a run in the order
// the images were made.
func (db *DB) QualityHistory(ctx context.Context, runID string) ([]selfcal.Metric, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT mode, iteration, image, psnr, peak, stdv FROM selfcal_quality
		WHERE run_id = ? ORDER BY rowid`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load quality history: %w", err)
	}
	defer rows.Close()

	var out []selfcal.Metric
	for rows.Next() {
		var m selfcal.Metric
		var mode string
		if err := rows.Scan(&mode, &m.Iteration, &m.ImageName, &m.Quality.PSNR, &m.Quality.Peak, &m.Quality.Stdv); err != nil {
			return nil, fmt.Errorf("failed to scan quality: %w", err)
		}
		m.Mode = calchain.Mode(mode)
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastSnapshot returns the newest flag version recorded for vis across all
// runs. ok is false when vis has no recorded snapshots.
func (db *DB) LastSnapshot(ctx context.Context, vis string) (name string, ok bool, err error) {
	err = db.QueryRowContext(ctx,
		`SELECT s.name FROM selfcal_snapshots s
		JOIN selfcal_runs r ON r.run_id = s.run_id
		WHERE r.vis = ?
		ORDER BY r.started_at DESC, s.ord DESC LIMIT 1`,
		vis,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to find last snapshot of %s: %w", vis, err)
	}
	return name, true, nil
}
