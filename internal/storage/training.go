package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TrainingRun is the durable record of one classifier training job.
type TrainingRun struct {
	ID           string
	Status       string
	EnqueuedAt   time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ExampleCount int
	Metrics      map[string]float64
	Error        string
}

// CreateTrainingRun records a newly enqueued job.
func (db *DB) CreateTrainingRun(ctx context.Context, id string, enqueuedAt time.Time) error {
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO training_runs (id, status, enqueued_at) VALUES (?, 'pending', ?)`,
		id, enqueuedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: insert training run: %w", err)
	}
	return nil
}

// MarkTrainingRunRunning transitions a job to running.
func (db *DB) MarkTrainingRunRunning(ctx context.Context, id string, startedAt time.Time) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE training_runs SET status = 'running', started_at = ? WHERE id = ?`,
		startedAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark training run running: %w", err)
	}
	return nil
}

// MarkTrainingRunSucceeded records a completed job with its metrics.
func (db *DB) MarkTrainingRunSucceeded(ctx context.Context, id string, finishedAt time.Time, exampleCount int, metrics map[string]float64) error {
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("storage: marshal training metrics: %w", err)
	}
	_, err = db.db.ExecContext(ctx,
		`UPDATE training_runs SET status = 'succeeded', finished_at = ?, example_count = ?, metrics = ? WHERE id = ?`,
		finishedAt.UTC(), exampleCount, string(metricsJSON), id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark training run succeeded: %w", err)
	}
	return nil
}

// MarkTrainingRunFailed records a failed job with its error detail.
func (db *DB) MarkTrainingRunFailed(ctx context.Context, id string, finishedAt time.Time, errMsg string) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE training_runs SET status = 'failed', finished_at = ?, error = ? WHERE id = ?`,
		finishedAt.UTC(), errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark training run failed: %w", err)
	}
	return nil
}

// GetTrainingRun returns one training run by id.
func (db *DB) GetTrainingRun(ctx context.Context, id string) (TrainingRun, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT id, status, enqueued_at, started_at, finished_at, example_count, metrics, error
		 FROM training_runs WHERE id = ?`, id)

	r, err := scanTrainingRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TrainingRun{}, ErrNotFound
	}
	return r, err
}

// ListTrainingRuns returns runs newest first. limit <= 0 means 50.
func (db *DB) ListTrainingRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, status, enqueued_at, started_at, finished_at, example_count, metrics, error
		 FROM training_runs ORDER BY enqueued_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list training runs: %w", err)
	}
	defer rows.Close()

	var runs []TrainingRun
	for rows.Next() {
		r, err := scanTrainingRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanTrainingRun(row rowScanner) (TrainingRun, error) {
	var (
		r                    TrainingRun
		startedAt, finished  sql.NullTime
		metricsJSON, errText sql.NullString
	)
	err := row.Scan(&r.ID, &r.Status, &r.EnqueuedAt, &startedAt, &finished, &r.ExampleCount, &metricsJSON, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return TrainingRun{}, err
	}
	if err != nil {
		return TrainingRun{}, fmt.Errorf("storage: scan training run: %w", err)
	}
	r.EnqueuedAt = r.EnqueuedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		r.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time.UTC()
		r.FinishedAt = &t
	}
	if metricsJSON.Valid && metricsJSON.String != "" {
		if err := json.Unmarshal([]byte(metricsJSON.String), &r.Metrics); err != nil {
			return TrainingRun{}, fmt.Errorf("storage: unmarshal training metrics: %w", err)
		}
	}
	if errText.Valid {
		r.Error = errText.String
	}
	return r, nil
}
