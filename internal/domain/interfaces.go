package domain

import (
	"context"
	"errors"
	"time"

	"rentflow/internal/database"
	"rentflow/internal/models"
)

// ErrLockHeld is returned by a Locker when another owner holds the key.
var ErrLockHeld = errors.New("lock is held by another owner")

type BookingRepository interface {
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	GetBookingByNumber(ctx context.Context, number string) (*models.Booking, error)
	FindConflicts(ctx context.Context, equipmentID int64, start, end time.Time, excludeID int64) ([]*models.Booking, error)
	ListActiveBookingsAfter(ctx context.Context, equipmentID int64, t time.Time, limit int) ([]*models.Booking, error)
	CreateBookingWithLock(ctx context.Context, booking *models.Booking) ([]*models.Booking, error)
	UpdateBookingStatusWithVersion(ctx context.Context, id, fromVersion int64, status, reason string) error
	SetPaymentMethod(ctx context.Context, id int64, paymentMethodID string) error
	SetContractSigned(ctx context.Context, id int64, at time.Time) error
	SetInsuranceStatus(ctx context.Context, id int64, status string) error
	SetVerificationStatus(ctx context.Context, id int64, status string) error
	SetVerificationOverride(ctx context.Context, id int64, override bool) error
	UpdateCompletionSteps(ctx context.Context, id int64, steps models.CompletionSteps) error
	FireCompletion(ctx context.Context, bookingID int64, fromStatus, status string, firedAt time.Time, task *models.NotificationTask) (bool, error)
}

type PaymentRepository interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	ListPayments(ctx context.Context, bookingID int64) ([]*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id int64, status string, settledAt *time.Time, meta models.Metadata) (*models.Payment, error)
	SoftDeletePayment(ctx context.Context, id int64, reason string, at time.Time) (*models.Payment, error)
	ApplyBalance(
		ctx context.Context,
		bookingID int64,
		compute func(b *models.Booking, payments []*models.Payment) (database.BalanceUpdate, error),
	) (*models.Booking, error)
}

type HoldRepository interface {
	CreatePendingHold(ctx context.Context, t *models.HoldTransaction) error
	ListHoldTransactions(ctx context.Context, bookingID int64) ([]*models.HoldTransaction, error)
	ListUnresolvedHolds(ctx context.Context, olderThan time.Time, limit int) ([]*models.HoldTransaction, error)
	FindUnresolvedHold(ctx context.Context, bookingID int64) (*models.HoldTransaction, error)
	RecordHoldOutcome(ctx context.Context, out database.HoldOutcome) error
	UpdateHoldState(ctx context.Context, bookingID int64, upd database.HoldUpdate) error
	ListDueSecurityHolds(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*models.Booking, error)
	ListAbandonedHolds(ctx context.Context, limit int) ([]*models.Booking, error)
}

type NotificationRepository interface {
	CreateNotificationTask(ctx context.Context, task *models.NotificationTask) error
	GetPendingNotificationTasks(ctx context.Context, limit int) ([]models.NotificationTask, error)
	ClaimNotificationTask(ctx context.Context, id int64, leaseUntil time.Time) (bool, error)
	UpdateNotificationTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error
	GetFailedNotificationTasks(ctx context.Context) ([]models.NotificationTask, error)
}

// Repository is the full storage contract; *database.DB implements it.
type Repository interface {
	BookingRepository
	PaymentRepository
	HoldRepository
	NotificationRepository
}

// VerificationSource yields the identity verdict for a booking: approved, rejected or pending.
type VerificationSource interface {
	GetVerificationStatus(ctx context.Context, bookingID int64) (string, error)
}

// Notifier delivers an outbound notification.
type Notifier interface {
	Notify(ctx context.Context, event string, bookingID int64, payload []byte) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// Locker is a short-lived advisory lock keyed by name. Acquire returns a token
// that must be passed to Release; ErrLockHeld means someone else owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}
