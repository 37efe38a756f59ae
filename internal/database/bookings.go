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

const bookingColumns = `id, number, customer_id, equipment_id, equipment_name, start_at, end_at,
	delivery_address, delivery_city, days, subtotal_cents, taxes_cents, delivery_fee_cents,
	coupon_discount_cents, total_cents, deposit_cents, status, balance_cents, billing_status,
	step_contract, step_insurance, step_identity, step_invoice, step_deposit, completion_fired_at,
	hold_state, deposit_status, payment_method_id, verification_intent_id, security_intent_id,
	security_hold_cents, security_hold_due_at, hold_attempts, hold_next_attempt_at,
	contract_signed_at, insurance_status, verification_status, verification_override,
	cancellation_reason, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b                                       models.Booking
		startAt, endAt, createdAt, updatedAt    int64
		balance                                 sql.NullInt64
		firedAt, dueAt, nextAttempt, contractAt sql.NullInt64
	)
	err := row.Scan(
		&b.ID, &b.Number, &b.CustomerID, &b.EquipmentID, &b.EquipmentName, &startAt, &endAt,
		&b.DeliveryAddress, &b.DeliveryCity, &b.Days, &b.SubtotalCents, &b.TaxesCents, &b.DeliveryFeeCents,
		&b.CouponDiscountCents, &b.TotalCents, &b.DepositCents, &b.Status, &balance, &b.BillingStatus,
		&b.Steps.ContractSigned, &b.Steps.InsuranceApproved, &b.Steps.IdentityVerified, &b.Steps.InvoicePaid, &b.Steps.DepositSecured, &firedAt,
		&b.HoldState, &b.DepositStatus, &b.PaymentMethodID, &b.VerificationIntentID, &b.SecurityIntentID,
		&b.SecurityHoldCents, &dueAt, &b.HoldAttempts, &nextAttempt,
		&contractAt, &b.InsuranceStatus, &b.VerificationStatus, &b.VerificationOverride,
		&b.CancellationReason, &createdAt, &updatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}

	b.StartAt = fromMillis(startAt)
	b.EndAt = fromMillis(endAt)
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updatedAt)
	if balance.Valid {
		v := balance.Int64
		b.BalanceCents = &v
	}
	b.CompletionFiredAt = timePtr(firedAt)
	b.SecurityHoldDueAt = timePtr(dueAt)
	b.HoldNextAttemptAt = timePtr(nextAttempt)
	b.ContractSignedAt = timePtr(contractAt)
	return &b, nil
}

func scanBookings(rows *sql.Rows) ([]*models.Booking, error) {
	defer rows.Close()
	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func getBooking(ctx context.Context, q queryer, id int64) (*models.Booking, error) {
	b, err := scanBooking(q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	return getBooking(ctx, db, id)
}

func (db *DB) GetBookingByNumber(ctx context.Context, number string) (*models.Booking, error) {
	b, err := scanBooking(db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE number = ?`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking by number: %w", err)
	}
	return b, nil
}

func findConflicts(ctx context.Context, q queryer, equipmentID int64, start, end time.Time, excludeID int64) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE equipment_id = ? AND ` + activeStatusFilter + `
                AND start_at < ? AND end_at > ? AND id != ?
              ORDER BY start_at ASC`
	rows, err := q.QueryContext(ctx, query, equipmentID, toMillis(end), toMillis(start), excludeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	return scanBookings(rows)
}

// FindConflicts returns active bookings overlapping [start, end) on the equipment.
func (db *DB) FindConflicts(ctx context.Context, equipmentID int64, start, end time.Time, excludeID int64) ([]*models.Booking, error) {
	return findConflicts(ctx, db, equipmentID, start, end, excludeID)
}

// ListActiveBookingsAfter returns active bookings on the equipment ending after t.
func (db *DB) ListActiveBookingsAfter(ctx context.Context, equipmentID int64, t time.Time, limit int) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE equipment_id = ? AND ` + activeStatusFilter + ` AND end_at > ?
              ORDER BY start_at ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, equipmentID, toMillis(t), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return scanBookings(rows)
}

// CreateBookingWithLock checks availability and inserts in one IMMEDIATE transaction.
// On overlap it returns ErrOverlap together with the conflicting bookings.
func (db *DB) CreateBookingWithLock(ctx context.Context, booking *models.Booking) ([]*models.Booking, error) {
	var conflicts []*models.Booking
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		found, err := findConflicts(ctx, tx, booking.EquipmentID, booking.StartAt, booking.EndAt, 0)
		if err != nil {
			return err
		}
		if len(found) > 0 {
			conflicts = found
			return ErrOverlap
		}

		number, err := db.nextBookingNumber(ctx, tx, booking.CreatedAt)
		if err != nil {
			return err
		}
		booking.Number = number

		if err := insertBooking(ctx, tx, booking); err != nil {
			if isOverlapAbort(err) {
				return ErrOverlap
			}
			return err
		}
		return nil
	})
	if errors.Is(err, ErrOverlap) && conflicts == nil {
		conflicts, _ = db.FindConflicts(ctx, booking.EquipmentID, booking.StartAt, booking.EndAt, 0)
	}
	return conflicts, err
}

func (db *DB) nextBookingNumber(ctx context.Context, tx *sql.Tx, at time.Time) (string, error) {
	if at.IsZero() {
		at = time.Now()
	}
	dayPrefix := fmt.Sprintf("%s-%s-", db.bookingPrefix, at.UTC().Format("20060102"))

	var count int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings WHERE number LIKE ?`, dayPrefix+"%").Scan(&count)
	if err != nil {
		return "", fmt.Errorf("failed to count bookings for number: %w", err)
	}
	return fmt.Sprintf("%s%03d", dayPrefix, count+1), nil
}

func insertBooking(ctx context.Context, tx *sql.Tx, b *models.Booking) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = b.CreatedAt
	b.Version = 1
	if b.Status == "" {
		b.Status = models.StatusPending
	}
	if b.HoldState == "" {
		b.HoldState = models.HoldNone
	}
	if b.DepositStatus == "" {
		b.DepositStatus = models.DepositNone
	}
	if b.BillingStatus == "" {
		b.BillingStatus = models.BillingUnpaid
	}
	if b.InsuranceStatus == "" {
		b.InsuranceStatus = models.VerdictPending
	}
	if b.VerificationStatus == "" {
		b.VerificationStatus = models.VerdictPending
	}

	query := `INSERT INTO bookings (
                number, customer_id, equipment_id, equipment_name, start_at, end_at,
                delivery_address, delivery_city, days, subtotal_cents, taxes_cents, delivery_fee_cents,
                coupon_discount_cents, total_cents, deposit_cents, status, billing_status,
                hold_state, deposit_status, payment_method_id, insurance_status, verification_status,
                created_at, updated_at, version
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := tx.ExecContext(ctx, query,
		b.Number, b.CustomerID, b.EquipmentID, b.EquipmentName, toMillis(b.StartAt), toMillis(b.EndAt),
		b.DeliveryAddress, b.DeliveryCity, b.Days, b.SubtotalCents, b.TaxesCents, b.DeliveryFeeCents,
		b.CouponDiscountCents, b.TotalCents, b.DepositCents, b.Status, b.BillingStatus,
		b.HoldState, b.DepositStatus, b.PaymentMethodID, b.InsuranceStatus, b.VerificationStatus,
		toMillis(b.CreatedAt), toMillis(b.UpdatedAt), b.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert booking in tx: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id in tx: %w", err)
	}
	b.ID = id
	return nil
}

// UpdateBookingStatusWithVersion moves a booking to status when its version still matches.
func (db *DB) UpdateBookingStatusWithVersion(ctx context.Context, id, fromVersion int64, status, reason string) error {
	query := `UPDATE bookings SET status = ?, cancellation_reason = CASE WHEN ? != '' THEN ? ELSE cancellation_reason END,
                version = version + 1, updated_at = ?
              WHERE id = ? AND version = ?`
	result, err := db.ExecContext(ctx, query, status, reason, reason, toMillis(time.Now()), id, fromVersion)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (db *DB) SetPaymentMethod(ctx context.Context, id int64, paymentMethodID string) error {
	return db.updateBookingFields(ctx, id, map[string]any{"payment_method_id": paymentMethodID})
}

func (db *DB) SetContractSigned(ctx context.Context, id int64, at time.Time) error {
	return db.updateBookingFields(ctx, id, map[string]any{"contract_signed_at": toMillis(at)})
}

func (db *DB) SetInsuranceStatus(ctx context.Context, id int64, status string) error {
	return db.updateBookingFields(ctx, id, map[string]any{"insurance_status": status})
}

func (db *DB) SetVerificationStatus(ctx context.Context, id int64, status string) error {
	return db.updateBookingFields(ctx, id, map[string]any{"verification_status": status})
}

func (db *DB) SetVerificationOverride(ctx context.Context, id int64, override bool) error {
	return db.updateBookingFields(ctx, id, map[string]any{"verification_override": override})
}

// UpdateCompletionSteps stores the recomputed step projection.
func (db *DB) UpdateCompletionSteps(ctx context.Context, id int64, steps models.CompletionSteps) error {
	return db.updateBookingFields(ctx, id, map[string]any{
		"step_contract":  steps.ContractSigned,
		"step_insurance": steps.InsuranceApproved,
		"step_identity":  steps.IdentityVerified,
		"step_invoice":   steps.InvoicePaid,
		"step_deposit":   steps.DepositSecured,
	})
}

// GetVerificationStatus returns the identity verdict recorded for a booking.
func (db *DB) GetVerificationStatus(ctx context.Context, bookingID int64) (string, error) {
	var status string
	err := db.QueryRowContext(ctx, `SELECT verification_status FROM bookings WHERE id = ?`, bookingID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get verification status: %w", err)
	}
	return status, nil
}

var updatableBookingColumns = map[string]bool{
	"payment_method_id":     true,
	"contract_signed_at":    true,
	"insurance_status":      true,
	"verification_status":   true,
	"verification_override": true,
	"step_contract":         true,
	"step_insurance":        true,
	"step_identity":         true,
	"step_invoice":          true,
	"step_deposit":          true,
}

func (db *DB) updateBookingFields(ctx context.Context, id int64, fields map[string]any) error {
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for _, col := range sortedKeys(fields) {
		if !updatableBookingColumns[col] {
			return fmt.Errorf("column %s is not updatable", col)
		}
		sets = append(sets, col+" = ?")
		args = append(args, fields[col])
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, toMillis(time.Now()), id)

	result, err := db.ExecContext(ctx, `UPDATE bookings SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
