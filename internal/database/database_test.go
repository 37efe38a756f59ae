package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rentflow/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var day0 = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func newBooking(equipmentID int64, start, end time.Time) *models.Booking {
	return &models.Booking{
		CustomerID:       7,
		EquipmentID:      equipmentID,
		EquipmentName:    "Excavator",
		StartAt:          start,
		EndAt:            end,
		DeliveryCity:     "Austin",
		Days:             3,
		SubtotalCents:    135000,
		TaxesCents:       24750,
		DeliveryFeeCents: 30000,
		TotalCents:       189750,
		DepositCents:     50000,
		CreatedAt:        day0,
	}
}

func createBooking(t *testing.T, db *DB, b *models.Booking) *models.Booking {
	t.Helper()
	_, err := db.CreateBookingWithLock(context.Background(), b)
	require.NoError(t, err)
	return b
}

func TestCreateBookingWithLock(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	b := createBooking(t, db, newBooking(1, day0, day0.Add(72*time.Hour)))
	assert.NotZero(t, b.ID)
	assert.Equal(t, "UDR-20260701-001", b.Number)
	assert.Equal(t, models.StatusPending, b.Status)
	assert.Equal(t, models.HoldNone, b.HoldState)

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.StartAt, got.StartAt)
	assert.Equal(t, int64(189750), got.TotalCents)
	assert.Nil(t, got.BalanceCents)
	assert.Equal(t, models.BillingUnpaid, got.BillingStatus)

	byNumber, err := db.GetBookingByNumber(ctx, b.Number)
	require.NoError(t, err)
	assert.Equal(t, b.ID, byNumber.ID)

	t.Run("overlap is rejected with conflicts", func(t *testing.T) {
		conflicts, err := db.CreateBookingWithLock(ctx, newBooking(1, day0.Add(24*time.Hour), day0.Add(96*time.Hour)))
		assert.ErrorIs(t, err, ErrOverlap)
		require.Len(t, conflicts, 1)
		assert.Equal(t, b.ID, conflicts[0].ID)
	})

	t.Run("touching windows do not overlap", func(t *testing.T) {
		next := createBooking(t, db, newBooking(1, day0.Add(72*time.Hour), day0.Add(96*time.Hour)))
		assert.Equal(t, "UDR-20260701-002", next.Number)
	})

	t.Run("other equipment is independent", func(t *testing.T) {
		createBooking(t, db, newBooking(2, day0, day0.Add(72*time.Hour)))
	})

	t.Run("cancelled bookings release the window", func(t *testing.T) {
		other := createBooking(t, db, newBooking(3, day0, day0.Add(24*time.Hour)))
		require.NoError(t, db.UpdateBookingStatusWithVersion(ctx, other.ID, other.Version, models.StatusCancelled, "customer request"))
		createBooking(t, db, newBooking(3, day0, day0.Add(24*time.Hour)))

		cancelled, err := db.GetBooking(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, "customer request", cancelled.CancellationReason)
	})
}

func TestGetBookingNotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetBooking(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverlapTriggerGuardsRawInserts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createBooking(t, db, newBooking(1, day0, day0.Add(48*time.Hour)))

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	err = insertBooking(ctx, tx, &models.Booking{
		Number: "manual", CustomerID: 1, EquipmentID: 1, EquipmentName: "Excavator",
		StartAt: day0.Add(time.Hour), EndAt: day0.Add(2 * time.Hour), Days: 1,
	})
	require.Error(t, err)
	assert.True(t, isOverlapAbort(err))
}

func TestUpdateBookingStatusWithVersion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := createBooking(t, db, newBooking(1, day0, day0.Add(24*time.Hour)))

	require.NoError(t, db.UpdateBookingStatusWithVersion(ctx, b.ID, b.Version, models.StatusConfirmed, ""))
	err := db.UpdateBookingStatusWithVersion(ctx, b.ID, b.Version, models.StatusPaid, "")
	assert.ErrorIs(t, err, ErrConcurrentModification)

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, b.Version+1, got.Version)
}

func TestBookingStepFields(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := createBooking(t, db, newBooking(1, day0, day0.Add(24*time.Hour)))

	require.NoError(t, db.SetContractSigned(ctx, b.ID, day0))
	require.NoError(t, db.SetInsuranceStatus(ctx, b.ID, models.VerdictApproved))
	require.NoError(t, db.SetVerificationStatus(ctx, b.ID, models.VerdictRejected))
	require.NoError(t, db.SetVerificationOverride(ctx, b.ID, true))
	require.NoError(t, db.SetPaymentMethod(ctx, b.ID, "pm_123"))
	require.NoError(t, db.UpdateCompletionSteps(ctx, b.ID, models.CompletionSteps{ContractSigned: true, InvoicePaid: true}))

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ContractSignedAt)
	assert.True(t, got.ContractSignedAt.Equal(day0))
	assert.Equal(t, models.VerdictApproved, got.InsuranceStatus)
	assert.Equal(t, models.VerdictRejected, got.VerificationStatus)
	assert.True(t, got.VerificationOverride)
	assert.Equal(t, "pm_123", got.PaymentMethodID)
	assert.Equal(t, []string{"insurance_approved", "identity_verified", "deposit_secured"}, got.Steps.Missing())

	status, err := db.GetVerificationStatus(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictRejected, status)

	assert.ErrorIs(t, db.SetInsuranceStatus(ctx, 999, models.VerdictApproved), ErrNotFound)
	assert.Error(t, db.updateBookingFields(ctx, b.ID, map[string]any{"status": "paid"}))
}

func TestConcurrentBookingsExactlyOneWins(t *testing.T) {
	logger := zerolog.Nop()
	db, err := NewDBWithTimeout(filepath.Join(t.TempDir(), "race.db"), 10000, &logger)
	require.NoError(t, err)
	defer db.Close()

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		overlaps  int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := db.CreateBookingWithLock(context.Background(), newBooking(1, day0, day0.Add(72*time.Hour)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrOverlap):
				overlaps++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, overlaps)
}

func TestDBErrorsAreWrapped(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := NewFromSQL(sqlDB, nil)
	ctx := context.Background()

	mock.ExpectQuery("FROM bookings").WillReturnError(errors.New("disk I/O error"))
	_, err = db.GetBooking(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get booking")
	assert.NotErrorIs(t, err, ErrNotFound)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM bookings").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()
	_, err = db.CreateBookingWithLock(ctx, newBooking(1, day0, day0.Add(time.Hour)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query conflicts")

	assert.NoError(t, mock.ExpectationsWereMet())
}
