package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"rentflow/internal/database"
	"rentflow/internal/domain"
	"rentflow/internal/events"
	"rentflow/internal/metrics"
	"rentflow/internal/models"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// CompletionResult reports the evaluated steps and whether this call fired completion.
type CompletionResult struct {
	BookingID int64                  `json:"booking_id"`
	Steps     models.CompletionSteps `json:"steps"`
	Missing   []string               `json:"missing"`
	Fired     bool                   `json:"fired"`
	FiredAt   *time.Time             `json:"fired_at,omitempty"`
	Status    string                 `json:"status"`
}

// CompletionService gates a booking on its five completion steps.
type CompletionService struct {
	repo         domain.Repository
	verification domain.VerificationSource
	events       publisher
	logger       *zerolog.Logger
	now          func() time.Time
}

func NewCompletionService(repo domain.Repository, verification domain.VerificationSource, eventBus domain.EventPublisher, logger *zerolog.Logger) *CompletionService {
	return &CompletionService{
		repo:         repo,
		verification: verification,
		events:       publisher{eventBus: eventBus, logger: logger},
		logger:       logger,
		now:          nowUTC,
	}
}

const maxCompletionAttempts = 3

var depositHoldStates = []string{models.HoldSecurityPlaced, models.HoldCapturedPartial, models.HoldCapturedFull}

// computeSteps rebuilds all five steps from source records.
func (s *CompletionService) computeSteps(ctx context.Context, b *models.Booking) (models.CompletionSteps, error) {
	payments, err := s.repo.ListPayments(ctx, b.ID)
	if err != nil {
		return models.CompletionSteps{}, storageErr(err, "booking", b.ID)
	}

	identity := b.VerificationOverride
	if !identity && s.verification != nil {
		verdict, err := s.verification.GetVerificationStatus(ctx, b.ID)
		if err != nil {
			return models.CompletionSteps{}, storageErr(err, "booking", b.ID)
		}
		identity = verdict == models.VerdictApproved
	}

	return models.CompletionSteps{
		ContractSigned:    b.ContractSignedAt != nil,
		InsuranceApproved: b.InsuranceStatus == models.VerdictApproved,
		IdentityVerified:  identity,
		InvoicePaid:       b.TotalCents-PaidCents(payments) <= 0,
		DepositSecured: b.DepositCents <= 0 || lo.Contains(depositHoldStates, b.HoldState) ||
			lo.SomeBy(payments, func(p *models.Payment) bool { return p.SecuresDeposit() }),
	}, nil
}

// GetCompletionStatus evaluates the steps without storing or firing anything.
func (s *CompletionService) GetCompletionStatus(ctx context.Context, bookingID int64) (*CompletionResult, error) {
	b, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, storageErr(err, "booking", bookingID)
	}
	steps, err := s.computeSteps(ctx, b)
	if err != nil {
		return nil, err
	}
	return &CompletionResult{
		BookingID: b.ID,
		Steps:     steps,
		Missing:   steps.Missing(),
		FiredAt:   b.CompletionFiredAt,
		Status:    b.Status,
	}, nil
}

// EvaluateCompletion refreshes the step projection and fires completion the
// first time all steps hold. Later calls never fire again. A status change
// that lands while the steps are evaluated sends the evaluation round again.
func (s *CompletionService) EvaluateCompletion(ctx context.Context, bookingID int64) (*CompletionResult, error) {
	for attempt := 1; ; attempt++ {
		res, err := s.evaluate(ctx, bookingID)
		if !errors.Is(err, database.ErrConcurrentModification) {
			return res, err
		}
		if attempt >= maxCompletionAttempts {
			return nil, storageErr(err, "booking", bookingID)
		}
		s.logger.Info().Int64("booking_id", bookingID).Int("attempt", attempt).Msg("Booking status moved during completion evaluation, re-evaluating")
	}
}

func (s *CompletionService) evaluate(ctx context.Context, bookingID int64) (*CompletionResult, error) {
	b, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, storageErr(err, "booking", bookingID)
	}
	steps, err := s.computeSteps(ctx, b)
	if err != nil {
		return nil, err
	}

	if steps != b.Steps {
		if err := s.repo.UpdateCompletionSteps(ctx, b.ID, steps); err != nil {
			return nil, storageErr(err, "booking", b.ID)
		}
	}

	res := &CompletionResult{
		BookingID: b.ID,
		Steps:     steps,
		Missing:   steps.Missing(),
		FiredAt:   b.CompletionFiredAt,
		Status:    b.Status,
	}
	if !steps.All() || b.CompletionFiredAt != nil {
		return res, nil
	}
	if IsTerminal(b.Status) {
		s.logger.Info().Int64("booking_id", b.ID).Str("status", b.Status).Msg("All completion steps met on inactive booking, not firing")
		return res, nil
	}

	target := ""
	if CanTransition(b.Status, models.StatusCompleted, ActorSystem) {
		target = models.StatusCompleted
	}

	payload := events.NewBookingPayload(b)
	payload.PreviousStatus = b.Status
	if target != "" {
		payload.Status = target
	}
	payload.ChangedBy = string(ActorSystem)
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	firedAt := s.now()
	fired, err := s.repo.FireCompletion(ctx, b.ID, b.Status, target, firedAt, &models.NotificationTask{
		Event:   events.EventBookingCompleted,
		Payload: string(raw),
	})
	if errors.Is(err, database.ErrConcurrentModification) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr(err, "booking", b.ID)
	}
	if !fired {
		return res, nil
	}

	metrics.IncCompletion()
	s.logger.Info().Int64("booking_id", b.ID).Str("number", b.Number).Msg("Booking completion fired")

	res.Fired = true
	res.FiredAt = &firedAt
	if target != "" {
		res.Status = target
	}
	s.events.publish(events.EventBookingCompleted, payload)
	return res, nil
}

// SignContract records the signed rental agreement.
func (s *CompletionService) SignContract(ctx context.Context, bookingID int64) (*CompletionResult, error) {
	if err := s.repo.SetContractSigned(ctx, bookingID, s.now()); err != nil {
		return nil, storageErr(err, "booking", bookingID)
	}
	return s.EvaluateCompletion(ctx, bookingID)
}

// SetInsuranceStatus records the review outcome of the insurance document.
func (s *CompletionService) SetInsuranceStatus(ctx context.Context, bookingID int64, status string) (*CompletionResult, error) {
	status, err := validVerdict("insurance_status", status)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetInsuranceStatus(ctx, bookingID, status); err != nil {
		return nil, storageErr(err, "booking", bookingID)
	}
	return s.EvaluateCompletion(ctx, bookingID)
}

// RecordVerificationVerdict stores the identity pipeline's verdict.
func (s *CompletionService) RecordVerificationVerdict(ctx context.Context, bookingID int64, verdict string) (*CompletionResult, error) {
	verdict, err := validVerdict("verdict", verdict)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetVerificationStatus(ctx, bookingID, verdict); err != nil {
		return nil, storageErr(err, "booking", bookingID)
	}
	return s.EvaluateCompletion(ctx, bookingID)
}

// SetVerificationOverride lets an admin satisfy identity verification manually.
func (s *CompletionService) SetVerificationOverride(ctx context.Context, bookingID int64, override bool) (*CompletionResult, error) {
	if err := s.repo.SetVerificationOverride(ctx, bookingID, override); err != nil {
		return nil, storageErr(err, "booking", bookingID)
	}
	s.logger.Info().Int64("booking_id", bookingID).Bool("override", override).Msg("Identity verification override changed")
	return s.EvaluateCompletion(ctx, bookingID)
}

func validVerdict(field, v string) (string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case models.VerdictApproved, models.VerdictRejected, models.VerdictPending:
		return v, nil
	}
	return "", domain.Validation(field, "must be approved, rejected or pending")
}
