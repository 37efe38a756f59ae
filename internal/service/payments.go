package service

import (
	"context"
	"strings"
	"time"

	"rentflow/internal/domain"
	"rentflow/internal/events"
	"rentflow/internal/models"

	"github.com/rs/zerolog"
)

// RecordPaymentRequest is a manually entered or gateway-reported payment.
type RecordPaymentRequest struct {
	BookingID   int64           `json:"booking_id"`
	AmountCents int64           `json:"amount_cents"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Method      string          `json:"method"`
	Metadata    models.Metadata `json:"metadata,omitempty"`
}

// PaymentService records payments and keeps balances in step with them.
type PaymentService struct {
	repo       domain.Repository
	balance    *BalanceService
	completion *CompletionService
	events     publisher
	logger     *zerolog.Logger
	now        func() time.Time
}

func NewPaymentService(
	repo domain.Repository,
	balance *BalanceService,
	completion *CompletionService,
	eventBus domain.EventPublisher,
	logger *zerolog.Logger,
) *PaymentService {
	return &PaymentService{
		repo:       repo,
		balance:    balance,
		completion: completion,
		events:     publisher{eventBus: eventBus, logger: logger},
		logger:     logger,
		now:        nowUTC,
	}
}

// RecordPayment stores a payment; completed payments trigger recalculation.
func (s *PaymentService) RecordPayment(ctx context.Context, req RecordPaymentRequest) (*models.Payment, error) {
	fields := domain.FieldErrors{}
	if req.AmountCents <= 0 {
		fields.Add("amount_cents", "must be positive")
	}
	if req.Type == "" {
		req.Type = models.PaymentTypeInvoice
	}
	if req.Type != models.PaymentTypeInvoice && req.Type != models.PaymentTypeDeposit {
		fields.Add("type", "must be invoice or deposit")
	}
	if req.Status == "" {
		req.Status = models.PaymentPending
	}
	if req.Status != models.PaymentPending && req.Status != models.PaymentCompleted {
		fields.Add("status", "must be pending or completed")
	}
	if err := fields.Err(); err != nil {
		return nil, err
	}

	b, err := s.repo.GetBooking(ctx, req.BookingID)
	if err != nil {
		return nil, storageErr(err, "booking", req.BookingID)
	}
	if b.Status == models.StatusCancelled {
		return nil, domain.Conflict("booking_cancelled", "cannot record a payment on a cancelled booking")
	}

	p := &models.Payment{
		BookingID:       b.ID,
		AmountCents:     req.AmountCents,
		Type:            req.Type,
		Status:          req.Status,
		Method:          strings.TrimSpace(req.Method),
		GatewayMetadata: req.Metadata,
	}
	if p.Status == models.PaymentCompleted {
		p.SettledAt = ptr(s.now())
	}
	if err := s.repo.CreatePayment(ctx, p); err != nil {
		return nil, storageErr(err, "payment", 0)
	}

	s.logger.Info().Int64("booking_id", b.ID).Int64("payment_id", p.ID).Int64("amount_cents", p.AmountCents).
		Str("type", p.Type).Str("status", p.Status).Msg("Payment recorded")
	s.publishPayment(events.EventPaymentRecorded, b, p, "")

	if p.Status == models.PaymentCompleted {
		if err := s.afterCompletedChange(ctx, p); err != nil {
			return p, err
		}
	}
	return p, nil
}

// RecordPaymentCompleted marks a payment completed and recalculates the balance.
// Repeating the call is harmless.
func (s *PaymentService) RecordPaymentCompleted(ctx context.Context, paymentID int64, meta models.Metadata) (*BalanceResult, error) {
	before, err := s.repo.UpdatePaymentStatus(ctx, paymentID, models.PaymentCompleted, ptr(s.now()), meta)
	if err != nil {
		if de := storageErr(err, "payment", paymentID); domain.IsKind(de, domain.KindConflict) {
			return nil, domain.Conflict("payment_reversed", "payment was reversed and cannot be completed")
		}
		return nil, storageErr(err, "payment", paymentID)
	}

	if before.Status != models.PaymentCompleted {
		b, err := s.repo.GetBooking(ctx, before.BookingID)
		if err == nil {
			after := *before
			after.Status = models.PaymentCompleted
			s.publishPayment(events.EventPaymentRecorded, b, &after, "")
		}
	}

	if before.Type == models.PaymentTypeDeposit {
		if _, err := s.completion.EvaluateCompletion(ctx, before.BookingID); err != nil {
			return nil, err
		}
		b, err := s.repo.GetBooking(ctx, before.BookingID)
		if err != nil {
			return nil, storageErr(err, "booking", before.BookingID)
		}
		return balanceSnapshot(b), nil
	}
	return s.balance.RecalculateBalance(ctx, before.BookingID)
}

// ReversePayment soft-deletes a payment with a reason.
func (s *PaymentService) ReversePayment(ctx context.Context, paymentID int64, reason string) (*models.Payment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.Validation("reason", "is required")
	}
	before, err := s.repo.SoftDeletePayment(ctx, paymentID, reason, s.now())
	if err != nil {
		if de := storageErr(err, "payment", paymentID); domain.IsKind(de, domain.KindConflict) {
			return nil, domain.Conflict("payment_reversed", "payment was already reversed")
		}
		return nil, storageErr(err, "payment", paymentID)
	}

	s.logger.Warn().Int64("payment_id", paymentID).Int64("booking_id", before.BookingID).Str("reason", reason).Msg("Payment reversed")
	if b, err := s.repo.GetBooking(ctx, before.BookingID); err == nil {
		s.publishPayment(events.EventPaymentReversed, b, before, reason)
	}

	if before.Status == models.PaymentCompleted {
		if err := s.afterCompletedChange(ctx, before); err != nil {
			return nil, err
		}
	}
	return s.repo.GetPayment(ctx, paymentID)
}

func (s *PaymentService) ListPayments(ctx context.Context, bookingID int64) ([]*models.Payment, error) {
	if _, err := s.repo.GetBooking(ctx, bookingID); err != nil {
		return nil, storageErr(err, "booking", bookingID)
	}
	return s.repo.ListPayments(ctx, bookingID)
}

func (s *PaymentService) afterCompletedChange(ctx context.Context, p *models.Payment) error {
	if p.Type == models.PaymentTypeInvoice {
		_, err := s.balance.RecalculateBalance(ctx, p.BookingID)
		return err
	}
	_, err := s.completion.EvaluateCompletion(ctx, p.BookingID)
	return err
}

func (s *PaymentService) publishPayment(eventType string, b *models.Booking, p *models.Payment, reason string) {
	payload := events.NewBookingPayload(b)
	payload.AmountCents = p.AmountCents
	payload.Reason = reason
	s.events.publish(eventType, payload)
}

func balanceSnapshot(b *models.Booking) *BalanceResult {
	res := &BalanceResult{
		BookingID:      b.ID,
		BillingStatus:  b.BillingStatus,
		Status:         b.Status,
		PreviousStatus: b.Status,
	}
	if b.BalanceCents != nil {
		res.BalanceCents = *b.BalanceCents
	}
	return res
}
