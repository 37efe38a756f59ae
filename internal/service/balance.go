package service

import (
	"context"

	"rentflow/internal/database"
	"rentflow/internal/domain"
	"rentflow/internal/events"
	"rentflow/internal/models"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// BalanceResult is the outcome of a recalculation.
type BalanceResult struct {
	BookingID      int64  `json:"booking_id"`
	BalanceCents   int64  `json:"balance_cents"`
	BillingStatus  string `json:"billing_status"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status"`
	StatusChanged  bool   `json:"status_changed"`
}

// BalanceService rebuilds a booking's balance from its payments.
type BalanceService struct {
	repo       domain.Repository
	completion *CompletionService
	events     publisher
	logger     *zerolog.Logger
}

func NewBalanceService(repo domain.Repository, completion *CompletionService, eventBus domain.EventPublisher, logger *zerolog.Logger) *BalanceService {
	return &BalanceService{
		repo:       repo,
		completion: completion,
		events:     publisher{eventBus: eventBus, logger: logger},
		logger:     logger,
	}
}

// PaidCents sums completed, live invoice payments.
func PaidCents(payments []*models.Payment) int64 {
	counted := lo.Filter(payments, func(p *models.Payment, _ int) bool { return p.CountsTowardBalance() })
	return lo.SumBy(counted, func(p *models.Payment) int64 { return p.AmountCents })
}

// BillingStatusFor derives the billing status from the balance.
func BillingStatusFor(total, balance int64) string {
	switch {
	case balance < 0:
		return models.BillingOverpaid
	case balance == 0:
		return models.BillingPaid
	case balance >= total:
		return models.BillingUnpaid
	default:
		return models.BillingPartial
	}
}

// computeBalance is the pure part of a recalculation. Status moves to paid
// only when the balance crosses from positive (or unknown) to zero or below,
// and never moves back.
func computeBalance(b *models.Booking, payments []*models.Payment) database.BalanceUpdate {
	balance := b.TotalCents - PaidCents(payments)
	upd := database.BalanceUpdate{
		BalanceCents:  balance,
		BillingStatus: BillingStatusFor(b.TotalCents, balance),
	}

	wasOwing := b.BalanceCents == nil || *b.BalanceCents > 0
	if wasOwing && balance <= 0 && CanTransition(b.Status, models.StatusPaid, ActorSystem) {
		upd.Status = models.StatusPaid
	}
	return upd
}

// RecalculateBalance recomputes and stores the balance, then re-evaluates completion.
func (s *BalanceService) RecalculateBalance(ctx context.Context, bookingID int64) (*BalanceResult, error) {
	var previous string
	updated, err := s.repo.ApplyBalance(ctx, bookingID, func(b *models.Booking, payments []*models.Payment) (database.BalanceUpdate, error) {
		previous = b.Status
		return computeBalance(b, payments), nil
	})
	if err != nil {
		return nil, storageErr(err, "booking", bookingID)
	}

	var balance int64
	if updated.BalanceCents != nil {
		balance = *updated.BalanceCents
	}
	res := &BalanceResult{
		BookingID:      bookingID,
		BalanceCents:   balance,
		BillingStatus:  updated.BillingStatus,
		Status:         updated.Status,
		PreviousStatus: previous,
		StatusChanged:  previous != updated.Status,
	}

	s.logger.Debug().
		Int64("booking_id", bookingID).
		Int64("balance_cents", res.BalanceCents).
		Str("billing_status", res.BillingStatus).
		Msg("Balance recalculated")

	if res.StatusChanged {
		payload := events.NewBookingPayload(updated)
		payload.PreviousStatus = previous
		payload.ChangedBy = string(ActorSystem)
		s.events.publish(events.EventBookingStatusChanged, payload)
	}
	s.events.publish(events.EventBalanceChanged, events.NewBookingPayload(updated))

	if s.completion != nil {
		if _, err := s.completion.EvaluateCompletion(ctx, bookingID); err != nil {
			s.logger.Error().Err(err).Int64("booking_id", bookingID).Msg("completion evaluation after balance change failed")
		}
	}
	return res, nil
}
