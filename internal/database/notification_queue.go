package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rentflow/internal/models"
)

const notificationColumns = `id, event, booking_id, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at`

func scanNotificationTasks(rows *sql.Rows) ([]models.NotificationTask, error) {
	var tasks []models.NotificationTask
	for rows.Next() {
		var (
			t                      models.NotificationTask
			lastError              sql.NullString
			createdAt              int64
			processedAt, nextRetry sql.NullInt64
		)
		err := rows.Scan(&t.ID, &t.Event, &t.BookingID, &t.Payload, &t.Status, &t.RetryCount,
			&lastError, &createdAt, &processedAt, &nextRetry)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification task: %w", err)
		}
		if lastError.Valid {
			t.LastError = &lastError.String
		}
		t.CreatedAt = fromMillis(createdAt)
		t.ProcessedAt = timePtr(processedAt)
		t.NextRetryAt = timePtr(nextRetry)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func insertNotificationTask(ctx context.Context, q queryer, task *models.NotificationTask) error {
	if task.Status == "" {
		task.Status = models.QueuePending
	}
	if task.Payload == "" {
		task.Payload = "{}"
	}
	now := time.Now().UTC()
	query := `INSERT INTO notification_queue (event, booking_id, payload, status, retry_count, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := q.ExecContext(ctx, query,
		task.Event,
		task.BookingID,
		task.Payload,
		task.Status,
		task.RetryCount,
		task.LastError,
		toMillis(now),
		nullMillis(task.NextRetryAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create notification task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now
	return nil
}

func (db *DB) CreateNotificationTask(ctx context.Context, task *models.NotificationTask) error {
	return insertNotificationTask(ctx, db, task)
}

func (db *DB) GetPendingNotificationTasks(ctx context.Context, limit int) ([]models.NotificationTask, error) {
	query := `SELECT ` + notificationColumns + `
              FROM notification_queue
              WHERE status IN ('pending', 'retry', 'processing') AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC, id ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, toMillis(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending notification tasks: %w", err)
	}
	defer rows.Close()
	return scanNotificationTasks(rows)
}

// ClaimNotificationTask leases a task for delivery until leaseUntil. It
// returns false when the task is done or leased by someone else.
func (db *DB) ClaimNotificationTask(ctx context.Context, id int64, leaseUntil time.Time) (bool, error) {
	query := `UPDATE notification_queue SET status = 'processing', next_retry_at = ?
              WHERE id = ? AND (status IN ('pending', 'retry') OR (status = 'processing' AND next_retry_at <= ?))`
	result, err := db.ExecContext(ctx, query, toMillis(leaseUntil), id, toMillis(time.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to claim notification task: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (db *DB) UpdateNotificationTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []any
	now := toMillis(time.Now())

	switch status {
	case models.QueueRetry:
		query = `UPDATE notification_queue SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []any{status, errMsg, nullMillis(nextRetryAt), id}
	case models.QueueCompleted, models.QueueFailed:
		query = `UPDATE notification_queue SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []any{status, errMsg, nullMillis(nextRetryAt), now, id}
	default:
		query = `UPDATE notification_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []any{status, errMsg, nullMillis(nextRetryAt), id}
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update notification task status: %w", err)
	}
	return nil
}

func (db *DB) GetFailedNotificationTasks(ctx context.Context) ([]models.NotificationTask, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_queue WHERE status = 'failed' ORDER BY created_at DESC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed notification tasks: %w", err)
	}
	defer rows.Close()
	return scanNotificationTasks(rows)
}
