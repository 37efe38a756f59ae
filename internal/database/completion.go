package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rentflow/internal/models"
)

// FireCompletion sets the completion marker, moves the status and queues the
// notification in one transaction. The update only applies while the booking
// still has fromStatus. It returns false when the marker was already set and
// ErrConcurrentModification when the status moved since it was read.
func (db *DB) FireCompletion(
	ctx context.Context,
	bookingID int64,
	fromStatus, status string,
	firedAt time.Time,
	task *models.NotificationTask,
) (bool, error) {
	fired := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE bookings
                  SET completion_fired_at = ?,
                      status = CASE WHEN ? != '' THEN ? ELSE status END,
                      version = version + 1, updated_at = ?
                  WHERE id = ? AND completion_fired_at IS NULL AND status = ?`
		result, err := tx.ExecContext(ctx, query, toMillis(firedAt), status, status, toMillis(time.Now()), bookingID, fromStatus)
		if err != nil {
			return fmt.Errorf("failed to set completion marker: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			var marker sql.NullInt64
			err := tx.QueryRowContext(ctx, `SELECT completion_fired_at FROM bookings WHERE id = ?`, bookingID).Scan(&marker)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				return ErrNotFound
			case err != nil:
				return fmt.Errorf("failed to read completion marker: %w", err)
			case marker.Valid:
				return nil
			}
			return ErrConcurrentModification
		}

		if task != nil {
			task.BookingID = bookingID
			if err := insertNotificationTask(ctx, tx, task); err != nil {
				return err
			}
		}
		fired = true
		return nil
	})
	return fired, err
}
