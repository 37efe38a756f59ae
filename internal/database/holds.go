package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rentflow/internal/models"
)

const holdTxColumns = `id, booking_id, purpose, amount_cents, status, intent_id, idempotency_key, reason, metadata, created_at`

func scanHoldTx(row rowScanner) (*models.HoldTransaction, error) {
	var (
		t         models.HoldTransaction
		meta      string
		createdAt int64
	)
	if err := row.Scan(&t.ID, &t.BookingID, &t.Purpose, &t.AmountCents, &t.Status, &t.IntentID,
		&t.IdempotencyKey, &t.Reason, &meta, &createdAt); err != nil {
		return nil, err
	}
	t.Metadata = models.DecodeMetadata(meta)
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

func scanHoldTxs(rows *sql.Rows) ([]*models.HoldTransaction, error) {
	defer rows.Close()
	var txs []*models.HoldTransaction
	for rows.Next() {
		t, err := scanHoldTx(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hold transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func insertHoldTx(ctx context.Context, q queryer, t *models.HoldTransaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO hold_transactions (booking_id, purpose, amount_cents, status, intent_id, idempotency_key, reason, metadata, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := q.ExecContext(ctx, query, t.BookingID, t.Purpose, t.AmountCents, t.Status, t.IntentID,
		t.IdempotencyKey, t.Reason, t.Metadata.Encode(), toMillis(t.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyResolved
		}
		return fmt.Errorf("failed to insert hold transaction: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	t.ID = id
	return nil
}

// CreatePendingHold writes the row that precedes a gateway call.
func (db *DB) CreatePendingHold(ctx context.Context, t *models.HoldTransaction) error {
	if t.Status != models.HoldTxPending {
		return fmt.Errorf("pending hold row must have status pending, got %q", t.Status)
	}
	return insertHoldTx(ctx, db, t)
}

func (db *DB) ListHoldTransactions(ctx context.Context, bookingID int64) ([]*models.HoldTransaction, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+holdTxColumns+` FROM hold_transactions WHERE booking_id = ? ORDER BY id ASC`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list hold transactions: %w", err)
	}
	return scanHoldTxs(rows)
}

const unresolvedFilter = `p.status = 'pending' AND NOT EXISTS (
        SELECT 1 FROM hold_transactions t
        WHERE t.idempotency_key = p.idempotency_key AND t.purpose = p.purpose AND t.status != 'pending')`

// ListUnresolvedHolds returns pending rows older than the cutoff that have no terminal row.
func (db *DB) ListUnresolvedHolds(ctx context.Context, olderThan time.Time, limit int) ([]*models.HoldTransaction, error) {
	query := `SELECT ` + prefixed("p", holdTxColumns) + ` FROM hold_transactions p
              WHERE ` + unresolvedFilter + ` AND p.created_at <= ?
              ORDER BY p.created_at ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, toMillis(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved holds: %w", err)
	}
	return scanHoldTxs(rows)
}

// FindUnresolvedHold returns the oldest unresolved attempt for a booking, or nil.
func (db *DB) FindUnresolvedHold(ctx context.Context, bookingID int64) (*models.HoldTransaction, error) {
	query := `SELECT ` + prefixed("p", holdTxColumns) + ` FROM hold_transactions p
              WHERE p.booking_id = ? AND ` + unresolvedFilter + `
              ORDER BY p.created_at ASC LIMIT 1`
	t, err := scanHoldTx(db.QueryRowContext(ctx, query, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find unresolved hold: %w", err)
	}
	return t, nil
}

// HoldUpdate describes the booking hold fields to change alongside terminal rows.
// ExpectStates guards against concurrent hold-state changes.
type HoldUpdate struct {
	ExpectStates         []string
	HoldState            string
	DepositStatus        string
	VerificationIntentID *string
	SecurityIntentID     *string
	SecurityHoldCents    *int64
	SecurityHoldDueAt    *time.Time
	HoldAttempts         *int
	HoldNextAttemptAt    *time.Time
	ClearNextAttempt     bool
}

// HoldOutcome is everything written when a gateway attempt resolves.
type HoldOutcome struct {
	BookingID int64
	Rows      []*models.HoldTransaction
	Update    *HoldUpdate
	Payment   *models.Payment
}

// RecordHoldOutcome writes terminal rows, booking hold fields and an optional
// payment in one transaction. A second resolution of the same attempt yields ErrAlreadyResolved.
func (db *DB) RecordHoldOutcome(ctx context.Context, out HoldOutcome) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, row := range out.Rows {
			row.BookingID = out.BookingID
			if err := insertHoldTx(ctx, tx, row); err != nil {
				return err
			}
		}
		if out.Update != nil {
			if err := applyHoldUpdate(ctx, tx, out.BookingID, out.Update); err != nil {
				return err
			}
		}
		if out.Payment != nil {
			out.Payment.BookingID = out.BookingID
			if err := insertPayment(ctx, tx, out.Payment); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateHoldState changes booking hold fields without writing hold rows.
func (db *DB) UpdateHoldState(ctx context.Context, bookingID int64, upd HoldUpdate) error {
	return db.RecordHoldOutcome(ctx, HoldOutcome{BookingID: bookingID, Update: &upd})
}

func applyHoldUpdate(ctx context.Context, q queryer, bookingID int64, upd *HoldUpdate) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if upd.HoldState != "" {
		set("hold_state", upd.HoldState)
	}
	if upd.DepositStatus != "" {
		set("deposit_status", upd.DepositStatus)
	}
	if upd.VerificationIntentID != nil {
		set("verification_intent_id", *upd.VerificationIntentID)
	}
	if upd.SecurityIntentID != nil {
		set("security_intent_id", *upd.SecurityIntentID)
	}
	if upd.SecurityHoldCents != nil {
		set("security_hold_cents", *upd.SecurityHoldCents)
	}
	if upd.SecurityHoldDueAt != nil {
		set("security_hold_due_at", nullMillis(upd.SecurityHoldDueAt))
	}
	if upd.HoldAttempts != nil {
		set("hold_attempts", *upd.HoldAttempts)
	}
	if upd.ClearNextAttempt {
		set("hold_next_attempt_at", nil)
	} else if upd.HoldNextAttemptAt != nil {
		set("hold_next_attempt_at", nullMillis(upd.HoldNextAttemptAt))
	}
	if len(sets) == 0 {
		return nil
	}
	set("updated_at", toMillis(time.Now()))
	sets = append(sets, "version = version + 1")

	query := `UPDATE bookings SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, bookingID)
	if len(upd.ExpectStates) > 0 {
		query += ` AND hold_state IN (` + placeholders(len(upd.ExpectStates)) + `)`
		for _, s := range upd.ExpectStates {
			args = append(args, s)
		}
	}

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update hold state: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// ListDueSecurityHolds returns bookings whose scheduled security hold is due.
func (db *DB) ListDueSecurityHolds(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE hold_state = ?
                AND security_hold_due_at IS NOT NULL AND security_hold_due_at <= ?
                AND (hold_next_attempt_at IS NULL OR hold_next_attempt_at <= ?)
                AND hold_attempts < ?
                AND status IN (?, ?, ?)
              ORDER BY security_hold_due_at ASC LIMIT ?`
	nowMS := toMillis(now)
	rows, err := db.QueryContext(ctx, query, models.HoldSecurityScheduled, nowMS, nowMS, maxAttempts,
		models.StatusPending, models.StatusConfirmed, models.StatusPaid, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due security holds: %w", err)
	}
	return scanBookings(rows)
}

// ListAbandonedHolds returns bookings that left the active lifecycle while
// their security hold is still placed.
func (db *DB) ListAbandonedHolds(ctx context.Context, limit int) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE hold_state = ? AND status IN (?, ?, ?)
              ORDER BY updated_at ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, models.HoldSecurityPlaced,
		models.StatusCancelled, models.StatusRejected, models.StatusNoShow, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned holds: %w", err)
	}
	return scanBookings(rows)
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
