package database

import (
	"context"
	"fmt"
	"time"

	"rentledger/internal/models"
)

func (db *DB) CreateVerifyTask(ctx context.Context, task *models.VerifyTask) error {
	query := `INSERT INTO verify_queue (reference, source, status, retry_count, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		task.Reference,
		task.Source,
		task.Status,
		task.RetryCount,
		task.LastError,
		now,
		task.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create verify task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now
	return nil
}

func (db *DB) GetPendingVerifyTasks(ctx context.Context, limit int) ([]models.VerifyTask, error) {
	query := `SELECT id, reference, source, status, retry_count, last_error, created_at, processed_at, next_retry_at
              FROM verify_queue
              WHERE status IN ('pending', 'retry') AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending verify tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.VerifyTask
	for rows.Next() {
		var t models.VerifyTask
		err := rows.Scan(
			&t.ID, &t.Reference, &t.Source, &t.Status, &t.RetryCount, &t.LastError, &t.CreatedAt, &t.ProcessedAt, &t.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verify task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimVerifyTask marks a task in_progress only if it is still claimable,
// so overlapping pollers cannot hand the same task to two workers. The
// claim timestamp lets RequeueStaleVerifyTasks recover tasks whose
// claimant died.
func (db *DB) ClaimVerifyTask(ctx context.Context, id int64) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE verify_queue SET status = 'in_progress', claimed_at = ? WHERE id = ? AND status IN ('pending', 'retry')`,
		time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim verify task: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// RequeueStaleVerifyTasks returns in_progress tasks claimed before the
// cutoff to the retry pool. A task only stays in_progress past its
// timeout when the claiming process crashed mid-task.
func (db *DB) RequeueStaleVerifyTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE verify_queue SET status = 'retry', last_error = 'requeued: claim went stale'
         WHERE status = 'in_progress' AND claimed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale verify tasks: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (db *DB) UpdateVerifyTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []interface{}
	now := time.Now()

	switch status {
	case models.TaskRetry:
		query = `UPDATE verify_queue SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, id}
	case models.TaskCompleted, models.TaskFailed:
		query = `UPDATE verify_queue SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, &now, id}
	default:
		query = `UPDATE verify_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, id}
	}

	_, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update verify task status: %w", err)
	}
	return nil
}

func (db *DB) GetFailedVerifyTasks(ctx context.Context) ([]models.VerifyTask, error) {
	query := `SELECT id, reference, source, status, retry_count, last_error, created_at, processed_at, next_retry_at
              FROM verify_queue WHERE status = 'failed' ORDER BY created_at DESC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed verify tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.VerifyTask
	for rows.Next() {
		var t models.VerifyTask
		err := rows.Scan(
			&t.ID, &t.Reference, &t.Source, &t.Status, &t.RetryCount, &t.LastError, &t.CreatedAt, &t.ProcessedAt, &t.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verify task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
