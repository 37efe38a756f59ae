package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rentflow/internal/models"
)

const paymentColumns = `id, booking_id, amount_cents, type, status, method, settled_at, gateway_metadata, deleted_at, delete_reason, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p                    models.Payment
		settledAt, deletedAt sql.NullInt64
		meta                 string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.ID, &p.BookingID, &p.AmountCents, &p.Type, &p.Status, &p.Method, &settledAt,
		&meta, &deletedAt, &p.DeleteReason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.SettledAt = timePtr(settledAt)
	p.DeletedAt = timePtr(deletedAt)
	p.GatewayMetadata = models.DecodeMetadata(meta)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

func insertPayment(ctx context.Context, q queryer, p *models.Payment) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	query := `INSERT INTO payments (booking_id, amount_cents, type, status, method, settled_at, gateway_metadata, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := q.ExecContext(ctx, query, p.BookingID, p.AmountCents, p.Type, p.Status, p.Method,
		nullMillis(p.SettledAt), p.GatewayMetadata.Encode(), toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	p.ID = id
	return nil
}

func (db *DB) CreatePayment(ctx context.Context, p *models.Payment) error {
	return insertPayment(ctx, db, p)
}

func getPayment(ctx context.Context, q queryer, id int64) (*models.Payment, error) {
	p, err := scanPayment(q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (db *DB) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return getPayment(ctx, db, id)
}

func listPayments(ctx context.Context, q queryer, bookingID int64) ([]*models.Payment, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE booking_id = ? ORDER BY id ASC`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ListPayments returns every payment for a booking, soft-deleted ones included.
func (db *DB) ListPayments(ctx context.Context, bookingID int64) ([]*models.Payment, error) {
	return listPayments(ctx, db, bookingID)
}

// UpdatePaymentStatus sets a payment's status and returns the payment as it was before.
func (db *DB) UpdatePaymentStatus(ctx context.Context, id int64, status string, settledAt *time.Time, meta models.Metadata) (*models.Payment, error) {
	var before *models.Payment
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.DeletedAt != nil {
			return ErrConcurrentModification
		}
		before = p

		query := `UPDATE payments SET status = ?, settled_at = COALESCE(?, settled_at), gateway_metadata = ?, updated_at = ? WHERE id = ?`
		_, err = tx.ExecContext(ctx, query, status, nullMillis(settledAt), p.GatewayMetadata.Merge(meta).Encode(), toMillis(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to update payment status: %w", err)
		}
		return nil
	})
	return before, err
}

// SoftDeletePayment voids a payment while keeping the row for audit.
func (db *DB) SoftDeletePayment(ctx context.Context, id int64, reason string, at time.Time) (*models.Payment, error) {
	var before *models.Payment
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.DeletedAt != nil {
			return ErrConcurrentModification
		}
		before = p

		query := `UPDATE payments SET status = ?, deleted_at = ?, delete_reason = ?, updated_at = ? WHERE id = ?`
		_, err = tx.ExecContext(ctx, query, models.PaymentVoided, toMillis(at), reason, toMillis(at), id)
		if err != nil {
			return fmt.Errorf("failed to soft delete payment: %w", err)
		}
		return nil
	})
	return before, err
}

// BalanceUpdate is the result of a balance computation. Status is empty when unchanged.
type BalanceUpdate struct {
	BalanceCents  int64
	BillingStatus string
	Status        string
}

// ApplyBalance recomputes a booking's balance from its payments inside one transaction.
func (db *DB) ApplyBalance(
	ctx context.Context,
	bookingID int64,
	compute func(b *models.Booking, payments []*models.Payment) (BalanceUpdate, error),
) (*models.Booking, error) {
	var updated *models.Booking
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		b, err := getBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		payments, err := listPayments(ctx, tx, bookingID)
		if err != nil {
			return err
		}

		upd, err := compute(b, payments)
		if err != nil {
			return err
		}

		status := b.Status
		if upd.Status != "" {
			status = upd.Status
		}
		changed := b.BalanceCents == nil || *b.BalanceCents != upd.BalanceCents ||
			b.BillingStatus != upd.BillingStatus || b.Status != status
		if changed {
			query := `UPDATE bookings SET balance_cents = ?, billing_status = ?, status = ?, version = version + 1, updated_at = ?
                      WHERE id = ? AND version = ?`
			result, err := tx.ExecContext(ctx, query, upd.BalanceCents, upd.BillingStatus, status, toMillis(time.Now()), bookingID, b.Version)
			if err != nil {
				return fmt.Errorf("failed to write balance: %w", err)
			}
			if rows, _ := result.RowsAffected(); rows == 0 {
				return ErrConcurrentModification
			}
		}

		updated, err = getBooking(ctx, tx, bookingID)
		return err
	})
	return updated, err
}
