package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"rentflow/internal/database"
	"rentflow/internal/domain"
	"rentflow/internal/gateway"
	"rentflow/internal/lock"
	"rentflow/internal/models"
	"rentflow/internal/pricing"
	"rentflow/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type spyBus struct {
	mock.Mock
}

func (m *spyBus) PublishJSON(eventType string, payload interface{}) error {
	return m.Called(eventType, payload).Error(0)
}

func (m *spyBus) count(eventType string) int {
	n := 0
	for _, c := range m.Calls {
		if c.Arguments.String(0) == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	db         *database.DB
	gw         *gateway.Fake
	locker     *lock.MemoryLocker
	bus        *spyBus
	bookings   *BookingService
	holds      *HoldService
	balance    *BalanceService
	payments   *PaymentService
	completion *CompletionService
}

func excavator() models.RateSheet {
	return models.RateSheet{
		EquipmentID:  1,
		Name:         "SVL75-3",
		DailyCents:   45000,
		WeeklyCents:  250000,
		MonthlyCents: 800000,
		DepositCents: 50000,
		Active:       true,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newHarnessWithDB(t, db)
}

func newHarnessWithDB(t *testing.T, db *database.DB) *harness {
	t.Helper()
	logger := zerolog.Nop()

	bus := &spyBus{}
	bus.On("PublishJSON", mock.Anything, mock.Anything).Return(nil)
	gw := gateway.NewFake()
	locker := lock.NewMemoryLocker()

	completion := NewCompletionService(db, db, bus, &logger)
	balance := NewBalanceService(db, completion, bus, &logger)
	holds := NewHoldService(db, gw, locker, completion, bus, HoldConfig{
		VerificationAmountCents: 100,
		SecurityLead:            48 * time.Hour,
		CallTimeout:             time.Second,
		LockWait:                100 * time.Millisecond,
		Retry:                   worker.RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		ScheduledRetry:          worker.RetryPolicy{InitialDelay: 5 * time.Minute, MaxDelay: time.Hour},
	}, &logger)

	engine := pricing.NewEngine(pricing.Config{
		TaxRateBps:    1500,
		DeliveryZones: map[string]int64{"Saint John": 15000},
	})
	retired := excavator()
	retired.EquipmentID = 2
	retired.Active = false
	bookings := NewBookingService(db, engine, []models.RateSheet{excavator(), retired}, holds, bus, &logger)

	return &harness{
		db:         db,
		gw:         gw,
		locker:     locker,
		bus:        bus,
		bookings:   bookings,
		holds:      holds,
		balance:    balance,
		payments:   NewPaymentService(db, balance, completion, bus, &logger),
		completion: completion,
	}
}

func threeDayRequest(start time.Time) CreateBookingRequest {
	return CreateBookingRequest{
		CustomerID:      7,
		EquipmentID:     1,
		StartAt:         start,
		EndAt:           start.Add(72 * time.Hour),
		DeliveryAddress: "12 King St",
		DeliveryCity:    "saint john",
	}
}

// farStart is well beyond the security hold lead.
func farStart() time.Time {
	return time.Now().UTC().Truncate(time.Hour).Add(10 * 24 * time.Hour)
}

func (h *harness) book(t *testing.T, start time.Time) *models.Booking {
	t.Helper()
	b, err := h.bookings.CreateBooking(context.Background(), threeDayRequest(start))
	require.NoError(t, err)
	return b
}

// bookWithHold creates a booking and takes it to security_placed.
func (h *harness) bookWithHold(t *testing.T) *models.Booking {
	t.Helper()
	ctx := context.Background()
	b := h.book(t, farStart())
	_, err := h.holds.PlaceVerificationHold(ctx, b.ID, "pm_card_visa")
	require.NoError(t, err)
	b, err = h.holds.PlaceSecurityHoldNow(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.HoldSecurityPlaced, b.HoldState)
	return b
}

func (h *harness) rows(t *testing.T, bookingID int64, purpose, status string) []*models.HoldTransaction {
	t.Helper()
	all, err := h.db.ListHoldTransactions(context.Background(), bookingID)
	require.NoError(t, err)
	var out []*models.HoldTransaction
	for _, r := range all {
		if r.Purpose == purpose && r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func requireKind(t *testing.T, err error, kind domain.Kind) *domain.Error {
	t.Helper()
	require.Error(t, err)
	var de *domain.Error
	require.True(t, errors.As(err, &de), "expected domain error, got %v", err)
	require.Equal(t, kind, de.Kind, err.Error())
	return de
}
