package service

import (
	"context"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"rentflow/internal/database"
	"rentflow/internal/domain"
	"rentflow/internal/events"
	"rentflow/internal/gateway"
	"rentflow/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBooking(t *testing.T) {
	h := newHarness(t)
	start := farStart()

	b := h.book(t, start)

	assert.Regexp(t, regexp.MustCompile(`^UDR-\d{8}-001$`), b.Number)
	assert.Equal(t, models.StatusPending, b.Status)
	assert.Equal(t, models.HoldNone, b.HoldState)
	assert.Equal(t, 3, b.Days)
	assert.Equal(t, int64(135000), b.SubtotalCents)
	assert.Equal(t, int64(30000), b.DeliveryFeeCents)
	assert.Equal(t, int64(24750), b.TaxesCents)
	assert.Equal(t, int64(189750), b.TotalCents)
	assert.Equal(t, int64(50000), b.DepositCents)
	assert.Equal(t, "SVL75-3", b.EquipmentName)
	assert.Equal(t, 1, h.bus.count(events.EventBookingCreated))

	byNumber, err := h.bookings.GetBookingByNumber(context.Background(), b.Number)
	require.NoError(t, err)
	assert.Equal(t, b.ID, byNumber.ID)
}

func TestCreateBooking_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		mod   func(r *CreateBookingRequest)
		field string
	}{
		{"missing customer", func(r *CreateBookingRequest) { r.CustomerID = 0 }, "customer_id"},
		{"past start", func(r *CreateBookingRequest) { r.StartAt = time.Now().Add(-time.Hour) }, "start_at"},
		{"missing address", func(r *CreateBookingRequest) { r.DeliveryAddress = "" }, "delivery_address"},
		{"inactive equipment", func(r *CreateBookingRequest) { r.EquipmentID = 2 }, "equipment_id"},
		{"end before start", func(r *CreateBookingRequest) { r.EndAt = r.StartAt.Add(-time.Hour) }, "end_at"},
		{"unknown city", func(r *CreateBookingRequest) { r.DeliveryCity = "Moncton" }, "delivery_city"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := threeDayRequest(farStart())
			tt.mod(&req)
			_, err := h.bookings.CreateBooking(ctx, req)
			de := requireKind(t, err, domain.KindValidation)
			assert.Contains(t, de.Fields, tt.field)
		})
	}
}

func TestCreateBooking_ConflictSuggestsAlternatives(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := farStart()
	first := h.book(t, start)

	// Touching windows do not conflict.
	h.book(t, first.EndAt)

	_, err := h.bookings.CreateBooking(ctx, threeDayRequest(start.Add(24*time.Hour)))
	de := requireKind(t, err, domain.KindConflict)
	assert.Equal(t, "equipment_unavailable", de.Code)
	require.Len(t, de.Conflicts, 2)
	require.NotEmpty(t, de.Alternatives)
	assert.True(t, de.Alternatives[0].StartAt.Equal(start.Add(144*time.Hour)))
	assert.Equal(t, 72*time.Hour, de.Alternatives[0].EndAt.Sub(de.Alternatives[0].StartAt))

	avail, err := h.bookings.CheckAvailability(ctx, 1, start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, avail.Available)

	avail, err = h.bookings.CheckAvailability(ctx, 1, start.Add(-48*time.Hour), start)
	require.NoError(t, err)
	assert.True(t, avail.Available)
}

func TestCreateBooking_CancelledFreesWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, farStart())

	_, err := h.bookings.CancelBooking(ctx, b.ID, ActorCustomer, "plans changed")
	require.NoError(t, err)

	again := h.book(t, b.StartAt)
	assert.NotEqual(t, b.ID, again.ID)
}

func TestCreateBooking_ConcurrentSingleWinner(t *testing.T) {
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "rentflow.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	h := newHarnessWithDB(t, db)

	start := farStart()
	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.bookings.CreateBooking(context.Background(), threeDayRequest(start))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case domain.IsKind(err, domain.KindConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
}

func TestAlternativeWindows(t *testing.T) {
	base := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	booked := []*models.Booking{
		{StartAt: base, EndAt: base.Add(2 * day), Status: models.StatusConfirmed},
		{StartAt: base.Add(3 * day), EndAt: base.Add(4 * day), Status: models.StatusPaid},
		{StartAt: base.Add(4 * day), EndAt: base.Add(6 * day), Status: models.StatusCancelled},
		{StartAt: base.Add(10 * day), EndAt: base.Add(11 * day), Status: models.StatusPending},
	}

	got := AlternativeWindows(booked, base, 2*day, 3)

	require.Len(t, got, 2)
	assert.True(t, got[0].StartAt.Equal(base.Add(4*day)))
	assert.True(t, got[1].StartAt.Equal(base.Add(11*day)))

	assert.Len(t, AlternativeWindows(booked, base, 2*day, 1), 1)
	assert.Empty(t, AlternativeWindows(nil, base, day, 3))
}

func TestCancelBooking(t *testing.T) {
	t.Run("releases a placed hold", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		b := h.bookWithHold(t)

		got, err := h.bookings.CancelBooking(ctx, b.ID, ActorAdmin, "no operator available")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
		assert.Equal(t, "no operator available", got.CancellationReason)
		assert.Equal(t, models.HoldReleased, got.HoldState)

		status, _ := h.gw.IntentStatus(got.SecurityIntentID)
		assert.Equal(t, gateway.IntentCanceled, status)
		assert.Equal(t, 1, h.bus.count(events.EventBookingCancelled))
	})

	t.Run("terminal bookings stay put", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		b := h.book(t, farStart())
		_, err := h.bookings.CancelBooking(ctx, b.ID, ActorCustomer, "")
		require.NoError(t, err)

		_, err = h.bookings.CancelBooking(ctx, b.ID, ActorCustomer, "")
		de := requireKind(t, err, domain.KindConflict)
		assert.Equal(t, "invalid_transition", de.Code)
	})

	t.Run("gateway cannot cancel", func(t *testing.T) {
		h := newHarness(t)
		b := h.book(t, farStart())
		_, err := h.bookings.CancelBooking(context.Background(), b.ID, ActorGateway, "")
		requireKind(t, err, domain.KindConflict)
	})
}

func TestMarkDisputedAndRevertPaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.book(t, farStart())

	_, err := h.bookings.MarkDisputed(ctx, b.ID, "chargeback")
	requireKind(t, err, domain.KindConflict)

	_, err = h.payments.RecordPayment(ctx, RecordPaymentRequest{BookingID: b.ID, AmountCents: b.TotalCents, Status: models.PaymentCompleted, Method: "etransfer"})
	require.NoError(t, err)

	_, err = h.bookings.RevertPaid(ctx, b.ID, "")
	requireKind(t, err, domain.KindValidation)

	got, err := h.bookings.RevertPaid(ctx, b.ID, "transfer bounced")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)

	// Recalculation never re-promotes on its own.
	res, err := h.balance.RecalculateBalance(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, res.Status)

	_, err = h.bookings.RevertPaid(ctx, b.ID, "again")
	requireKind(t, err, domain.KindConflict)

	h2 := newHarness(t)
	b2 := h2.book(t, farStart())
	_, err = h2.payments.RecordPayment(ctx, RecordPaymentRequest{BookingID: b2.ID, AmountCents: b2.TotalCents, Status: models.PaymentCompleted})
	require.NoError(t, err)
	got, err = h2.bookings.MarkDisputed(ctx, b2.ID, "charge.dispute.created")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisputed, got.Status)
	assert.Equal(t, 1, h2.bus.count(events.EventBookingDisputed))
}
