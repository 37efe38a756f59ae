package database

import (
	"context"
	"testing"
	"time"

	"rentflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingRow(bookingID int64, purpose, key string, amount int64) *models.HoldTransaction {
	return &models.HoldTransaction{
		BookingID:      bookingID,
		Purpose:        purpose,
		AmountCents:    amount,
		Status:         models.HoldTxPending,
		IdempotencyKey: key,
		CreatedAt:      day0,
	}
}

func TestHoldTransactionsAreAppendOnly(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := createBooking(t, db, newBooking(1, day0, day0.Add(24*time.Hour)))

	require.NoError(t, db.CreatePendingHold(ctx, pendingRow(b.ID, models.PurposeSecurityHold, "k1", 50000)))

	_, err := db.ExecContext(ctx, `UPDATE hold_transactions SET status = 'succeeded'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append_only")

	_, err = db.ExecContext(ctx, `DELETE FROM hold_transactions`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append_only")

	rows, err := db.ListHoldTransactions(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCreatePendingHoldRequiresPendingStatus(t *testing.T) {
	db := setupTestDB(t)
	row := pendingRow(1, models.PurposeSecurityHold, "k", 1)
	row.Status = models.HoldTxSucceeded
	assert.Error(t, db.CreatePendingHold(context.Background(), row))
}

func TestRecordHoldOutcome(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := createBooking(t, db, newBooking(1, day0, day0.Add(24*time.Hour)))

	require.NoError(t, db.CreatePendingHold(ctx, pendingRow(b.ID, models.PurposeSecurityHold, "k1", 50000)))

	unresolved, err := db.FindUnresolvedHold(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, unresolved)
	assert.Equal(t, "k1", unresolved.IdempotencyKey)

	stale, err := db.ListUnresolvedHolds(ctx, day0.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	intent := "pi_1"
	cents := int64(50000)
	outcome := HoldOutcome{
		BookingID: b.ID,
		Rows: []*models.HoldTransaction{{
			Purpose: models.PurposeSecurityHold, AmountCents: 50000, Status: models.HoldTxSucceeded,
			IntentID: intent, IdempotencyKey: "k1", Metadata: models.Metadata{"source": "test"},
		}},
		Update: &HoldUpdate{
			ExpectStates:      []string{models.HoldNone},
			HoldState:         models.HoldSecurityPlaced,
			DepositStatus:     models.DepositSecured,
			SecurityIntentID:  &intent,
			SecurityHoldCents: &cents,
			ClearNextAttempt:  true,
		},
	}
	require.NoError(t, db.RecordHoldOutcome(ctx, outcome))

	got, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldSecurityPlaced, got.HoldState)
	assert.Equal(t, models.DepositSecured, got.DepositStatus)
	assert.Equal(t, "pi_1", got.SecurityIntentID)
	assert.Equal(t, int64(50000), got.SecurityHoldCents)

	unresolved, err = db.FindUnresolvedHold(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, unresolved)

	t.Run("second resolution is rejected", func(t *testing.T) {
		dup := outcome
		dup.Rows = []*models.HoldTransaction{{
			Purpose: models.PurposeSecurityHold, AmountCents: 50000, Status: models.HoldTxFailed, IdempotencyKey: "k1",
		}}
		dup.Update = nil
		assert.ErrorIs(t, db.RecordHoldOutcome(ctx, dup), ErrAlreadyResolved)
	})

	t.Run("unexpected hold state rolls back", func(t *testing.T) {
		require.NoError(t, db.CreatePendingHold(ctx, pendingRow(b.ID, models.PurposeRelease, "k2", 50000)))
		err := db.RecordHoldOutcome(ctx, HoldOutcome{
			BookingID: b.ID,
			Rows: []*models.HoldTransaction{{
				Purpose: models.PurposeRelease, AmountCents: 50000, Status: models.HoldTxSucceeded, IdempotencyKey: "k2",
			}},
			Update: &HoldUpdate{ExpectStates: []string{models.HoldVerificationPlaced}, HoldState: models.HoldReleased},
		})
		assert.ErrorIs(t, err, ErrConcurrentModification)

		rows, err := db.ListHoldTransactions(ctx, b.ID)
		require.NoError(t, err)
		assert.Len(t, rows, 3)
		assert.Equal(t, "test", rows[1].Metadata.GetString("source"))
	})
}

func TestRecordHoldOutcomeWithPayment(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	b := createBooking(t, db, newBooking(1, day0, day0.Add(24*time.Hour)))

	err := db.RecordHoldOutcome(ctx, HoldOutcome{
		BookingID: b.ID,
		Rows: []*models.HoldTransaction{
			{Purpose: models.PurposeCapture, AmountCents: 18000, Status: models.HoldTxSucceeded, IdempotencyKey: "cap", Reason: "hose damage"},
			{Purpose: models.PurposeRelease, AmountCents: 32000, Status: models.HoldTxSucceeded, IdempotencyKey: "cap", Reason: "hose damage"},
		},
		Payment: &models.Payment{AmountCents: 18000, Type: models.PaymentTypeDeposit, Status: models.PaymentCompleted},
	})
	require.NoError(t, err)

	rows, err := db.ListHoldTransactions(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(18000), rows[0].AmountCents)
	assert.Equal(t, int64(32000), rows[1].AmountCents)

	payments, err := db.ListPayments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].SecuresDeposit())
}

func TestListDueSecurityHolds(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	due := createBooking(t, db, newBooking(1, day0, day0.Add(24*time.Hour)))
	later := createBooking(t, db, newBooking(2, day0.Add(240*time.Hour), day0.Add(264*time.Hour)))
	exhausted := createBooking(t, db, newBooking(3, day0, day0.Add(24*time.Hour)))

	schedule := func(id int64, dueAt time.Time, attempts int) {
		require.NoError(t, db.UpdateHoldState(ctx, id, HoldUpdate{
			HoldState:         models.HoldSecurityScheduled,
			SecurityHoldDueAt: &dueAt,
			HoldAttempts:      &attempts,
		}))
	}
	schedule(due.ID, day0.Add(-48*time.Hour), 1)
	schedule(later.ID, day0.Add(192*time.Hour), 0)
	schedule(exhausted.ID, day0.Add(-48*time.Hour), 5)

	got, err := db.ListDueSecurityHolds(ctx, day0.Add(-time.Hour), 5, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	next := day0
	require.NoError(t, db.UpdateHoldState(ctx, due.ID, HoldUpdate{HoldNextAttemptAt: &next}))
	got, err = db.ListDueSecurityHolds(ctx, day0.Add(-time.Hour), 5, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
