package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rentflow/internal/config"
	"rentflow/internal/database"
	"rentflow/internal/domain"
	"rentflow/internal/events"
	"rentflow/internal/gateway"
	"rentflow/internal/metrics"
	"rentflow/internal/models"
	"rentflow/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	lockPollInterval = 50 * time.Millisecond

	metaTarget         = "target"
	targetVerification = "verification"
	targetSecurity     = "security"
)

// HoldConfig tunes the hold orchestrator.
type HoldConfig struct {
	VerificationAmountCents int64
	SecurityLead            time.Duration
	CallTimeout             time.Duration
	ReconcileGrace          time.Duration
	MaxScheduledAttempts    int
	LockTTL                 time.Duration
	LockWait                time.Duration
	BatchSize               int
	Retry                   worker.RetryPolicy
	ScheduledRetry          worker.RetryPolicy
}

func NewHoldConfig(cfg config.HoldsConfig, batchSize int) HoldConfig {
	return HoldConfig{
		VerificationAmountCents: cfg.VerificationAmountCents,
		SecurityLead:            cfg.SecurityLead,
		CallTimeout:             cfg.CallTimeout,
		ReconcileGrace:          cfg.ReconcileGrace,
		MaxScheduledAttempts:    cfg.MaxScheduledAttempts,
		LockTTL:                 cfg.LockTTL,
		LockWait:                cfg.LockWait,
		BatchSize:               batchSize,
		Retry:                   worker.NewRetryPolicy(cfg.Retry),
		ScheduledRetry:          worker.NewRetryPolicy(cfg.ScheduledRetry),
	}
}

func (c *HoldConfig) applyDefaults() {
	if c.VerificationAmountCents <= 0 {
		c.VerificationAmountCents = models.DefaultVerificationHoldCents
	}
	if c.SecurityLead <= 0 {
		c.SecurityLead = models.DefaultSecurityHoldLead
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 20 * time.Second
	}
	if c.MaxScheduledAttempts <= 0 {
		c.MaxScheduledAttempts = 5
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.lockBudget() + 30*time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// lockBudget bounds the gateway time of one locked operation: up to three
// calls, each with every retry and its backoff.
func (c HoldConfig) lockBudget() time.Duration {
	attempts := c.Retry.Attempts()
	perCall := time.Duration(attempts) * c.CallTimeout
	for i := 1; i < attempts; i++ {
		perCall += c.Retry.NextDelay(i)
	}
	return 3 * perCall
}

// HoldService drives verification and security holds through the gateway.
// Every attempt is written as a pending row before the call and resolved by
// a terminal row afterwards, never inside one transaction with the call.
type HoldService struct {
	repo       domain.Repository
	gateway    gateway.Gateway
	locker     domain.Locker
	completion *CompletionService
	events     publisher
	logger     *zerolog.Logger
	cfg        HoldConfig
	now        func() time.Time
}

func NewHoldService(
	repo domain.Repository,
	gw gateway.Gateway,
	locker domain.Locker,
	completion *CompletionService,
	eventBus domain.EventPublisher,
	cfg HoldConfig,
	logger *zerolog.Logger,
) *HoldService {
	cfg.applyDefaults()
	return &HoldService{
		repo:       repo,
		gateway:    gw,
		locker:     locker,
		completion: completion,
		events:     publisher{eventBus: eventBus, logger: logger},
		logger:     logger,
		cfg:        cfg,
		now:        nowUTC,
	}
}

// PlaceVerificationHold authorizes a small amount on the payment method,
// voids it right away and then schedules the security hold.
func (s *HoldService) PlaceVerificationHold(ctx context.Context, bookingID int64, paymentMethodID string) (*models.Booking, error) {
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if paymentMethodID == "" {
		return nil, domain.Validation("payment_method_id", "is required")
	}

	err := s.withBookingLock(ctx, bookingID, s.cfg.LockWait, func() error {
		b, err := s.loadActive(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.HoldState != models.HoldNone {
			return domain.Conflict("hold_in_progress", "booking already went through verification, hold state is "+b.HoldState)
		}
		if err := s.ensureNoUnresolved(ctx, b.ID); err != nil {
			return err
		}
		if err := s.repo.SetPaymentMethod(ctx, b.ID, paymentMethodID); err != nil {
			return storageErr(err, "booking", b.ID)
		}
		b.PaymentMethodID = paymentMethodID

		pending := s.newPending(b, models.PurposeVerificationHold, s.cfg.VerificationAmountCents, "", targetVerification)
		if err := s.attempt(ctx, b, pending); err != nil {
			return err
		}
		return s.afterVerificationPlaced(ctx, b.ID)
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, bookingID)
}

// PlaceSecurityHoldNow places the security hold immediately, ignoring the schedule.
func (s *HoldService) PlaceSecurityHoldNow(ctx context.Context, bookingID int64) (*models.Booking, error) {
	err := s.withBookingLock(ctx, bookingID, s.cfg.LockWait, func() error {
		b, err := s.loadActive(ctx, bookingID)
		if err != nil {
			return err
		}
		switch b.HoldState {
		case models.HoldSecurityPlaced:
			return domain.Conflict("already_held", "security hold is already placed")
		case models.HoldCapturedFull, models.HoldCapturedPartial, models.HoldReleased:
			return domain.Conflict("hold_settled", "security hold was already "+b.HoldState)
		case models.HoldVerificationPlaced:
			return domain.Conflict("verification_in_progress", "verification hold has not been voided yet")
		}
		if err := s.ensureNoUnresolved(ctx, b.ID); err != nil {
			return err
		}
		fields := domain.FieldErrors{}
		if b.DepositCents <= 0 {
			fields.Add("deposit_cents", "booking has no deposit to hold")
		}
		if b.PaymentMethodID == "" {
			fields.Add("payment_method_id", "no payment method on file, place the verification hold first")
		}
		if err := fields.Err(); err != nil {
			return err
		}
		return s.placeSecurity(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, bookingID)
}

// ReleaseSecurityHold voids a placed security hold.
func (s *HoldService) ReleaseSecurityHold(ctx context.Context, bookingID int64, reason string) (*models.Booking, error) {
	err := s.withBookingLock(ctx, bookingID, s.cfg.LockWait, func() error {
		b, err := s.repo.GetBooking(ctx, bookingID)
		if err != nil {
			return storageErr(err, "booking", bookingID)
		}
		return s.releaseSecurity(ctx, b, strings.TrimSpace(reason))
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, bookingID)
}

func (s *HoldService) releaseSecurity(ctx context.Context, b *models.Booking, reason string) error {
	if b.HoldState != models.HoldSecurityPlaced {
		return domain.Conflict("hold_not_placed", "security hold can only be released while placed, hold state is "+b.HoldState)
	}
	if err := s.ensureNoUnresolved(ctx, b.ID); err != nil {
		return err
	}
	pending := s.newPending(b, models.PurposeRelease, b.SecurityHoldCents, b.SecurityIntentID, targetSecurity)
	pending.Reason = reason
	return s.attempt(ctx, b, pending)
}

// CaptureSecurityHold settles part or all of the security hold. The remainder
// is released by the processor and recorded as a release row.
func (s *HoldService) CaptureSecurityHold(ctx context.Context, bookingID, amountCents int64, reason string) (*models.Booking, error) {
	reason = strings.TrimSpace(reason)
	fields := domain.FieldErrors{}
	if amountCents <= 0 {
		fields.Add("amount_cents", "must be positive")
	}
	if reason == "" {
		fields.Add("reason", "is required")
	}
	if err := fields.Err(); err != nil {
		return nil, err
	}

	err := s.withBookingLock(ctx, bookingID, s.cfg.LockWait, func() error {
		b, err := s.repo.GetBooking(ctx, bookingID)
		if err != nil {
			return storageErr(err, "booking", bookingID)
		}
		if b.HoldState != models.HoldSecurityPlaced {
			return domain.Conflict("hold_not_placed", "nothing to capture, hold state is "+b.HoldState)
		}
		if amountCents > b.SecurityHoldCents {
			s.logger.Error().
				Str("invariant", "capture_exceeds_hold").
				Int64("booking_id", b.ID).
				Int64("amount_cents", amountCents).
				Int64("held_cents", b.SecurityHoldCents).
				Msg("Refusing capture larger than the held amount")
			return domain.Invariant("capture_exceeds_hold",
				fmt.Sprintf("capture of %d exceeds held amount %d", amountCents, b.SecurityHoldCents))
		}
		if err := s.ensureNoUnresolved(ctx, b.ID); err != nil {
			return err
		}
		pending := s.newPending(b, models.PurposeCapture, amountCents, b.SecurityIntentID, targetSecurity)
		pending.Reason = reason
		return s.attempt(ctx, b, pending)
	})
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, bookingID)
}

// releaseAbandoned voids a security hold still placed on a booking that left
// the active lifecycle. Callers hold the booking lock.
func (s *HoldService) releaseAbandoned(ctx context.Context, bookingID int64, reason string) error {
	b, err := s.reload(ctx, bookingID)
	if err != nil {
		return err
	}
	if !holdAbandoned(b.Status) || b.HoldState != models.HoldSecurityPlaced {
		return nil
	}
	s.logger.Warn().Int64("booking_id", b.ID).Str("status", b.Status).Str("intent_id", b.SecurityIntentID).
		Msg("Releasing security hold on inactive booking")
	return s.releaseSecurity(ctx, b, reason)
}

func (s *HoldService) afterVerificationPlaced(ctx context.Context, bookingID int64) error {
	b, err := s.reload(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.HoldState != models.HoldVerificationPlaced {
		return nil
	}
	if b.Status == models.StatusPending && CanTransition(b.Status, models.StatusConfirmed, ActorSystem) {
		if err := s.repo.UpdateBookingStatusWithVersion(ctx, b.ID, b.Version, models.StatusConfirmed, ""); err != nil {
			s.logger.Warn().Err(err).Int64("booking_id", b.ID).Msg("Could not confirm booking after verification")
		} else {
			prev := b.Status
			b.Status = models.StatusConfirmed
			payload := events.NewBookingPayload(b)
			payload.PreviousStatus = prev
			payload.ChangedBy = string(ActorSystem)
			s.events.publish(events.EventBookingStatusChanged, payload)
		}
	}

	pending := s.newPending(b, models.PurposeRelease, s.cfg.VerificationAmountCents, b.VerificationIntentID, targetVerification)
	if err := s.attempt(ctx, b, pending); err != nil {
		return err
	}
	return s.afterVerificationVoided(ctx, b.ID)
}

func (s *HoldService) afterVerificationVoided(ctx context.Context, bookingID int64) error {
	b, err := s.reload(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.HoldState != models.HoldVerificationVoided || holdAbandoned(b.Status) {
		return nil
	}
	return s.scheduleSecurityHold(ctx, b)
}

// scheduleSecurityHold sets the due time to start minus the lead. A due time
// already in the past places the hold at once.
func (s *HoldService) scheduleSecurityHold(ctx context.Context, b *models.Booking) error {
	if b.DepositCents <= 0 {
		s.logger.Info().Int64("booking_id", b.ID).Msg("No deposit on booking, security hold not scheduled")
		return nil
	}
	due := b.StartAt.Add(-s.cfg.SecurityLead)
	if !due.After(s.now()) {
		s.logger.Info().Int64("booking_id", b.ID).Time("due_at", due).Msg("Short notice booking, placing security hold now")
		return s.placeSecurity(ctx, b)
	}

	err := s.repo.UpdateHoldState(ctx, b.ID, database.HoldUpdate{
		ExpectStates:      []string{models.HoldVerificationVoided},
		HoldState:         models.HoldSecurityScheduled,
		SecurityHoldDueAt: &due,
		HoldAttempts:      ptr(0),
		ClearNextAttempt:  true,
	})
	if err != nil {
		return storageErr(err, "booking", b.ID)
	}
	s.logger.Info().Int64("booking_id", b.ID).Time("due_at", due).Msg("Security hold scheduled")

	b.HoldState = models.HoldSecurityScheduled
	b.SecurityHoldDueAt = &due
	s.events.publishBooking(events.EventHoldScheduled, b, string(ActorSystem), "")
	return nil
}

func (s *HoldService) placeSecurity(ctx context.Context, b *models.Booking) error {
	pending := s.newPending(b, models.PurposeSecurityHold, b.DepositCents, "", targetSecurity)
	return s.attempt(ctx, b, pending)
}

func (s *HoldService) newPending(b *models.Booking, purpose string, amount int64, intentID, target string) *models.HoldTransaction {
	return &models.HoldTransaction{
		BookingID:      b.ID,
		Purpose:        purpose,
		AmountCents:    amount,
		Status:         models.HoldTxPending,
		IntentID:       intentID,
		IdempotencyKey: uuid.NewString(),
		Metadata:       models.Metadata{metaTarget: target},
	}
}

// attempt writes the pending row, calls the gateway outside any transaction
// and records the outcome.
func (s *HoldService) attempt(ctx context.Context, b *models.Booking, pending *models.HoldTransaction) error {
	if err := s.repo.CreatePendingHold(ctx, pending); err != nil {
		return storageErr(err, "hold transaction", 0)
	}
	metrics.IncHoldTransaction(pending.Purpose, models.HoldTxPending)

	res, err := s.drive(ctx, b, pending)
	if err != nil {
		return s.resolveFailure(ctx, pending, err)
	}
	if isAuthorize(pending.Purpose) && !res.Held() {
		s.logger.Warn().Int64("booking_id", b.ID).Str("intent_id", res.IntentID).Str("gateway_status", string(res.Status)).
			Msg("Authorization not yet held, leaving attempt for reconciliation")
		return domain.ReconciliationRequired("authorization is still processing at the payment provider", nil)
	}
	return s.finish(ctx, pending, res)
}

// drive issues the gateway call a pending row stands for, reusing its key.
func (s *HoldService) drive(ctx context.Context, b *models.Booking, pending *models.HoldTransaction) (*gateway.Result, error) {
	switch pending.Purpose {
	case models.PurposeVerificationHold, models.PurposeSecurityHold:
		req := gateway.AuthorizeRequest{
			AmountCents:     pending.AmountCents,
			PaymentMethodID: b.PaymentMethodID,
			IdempotencyKey:  pending.IdempotencyKey,
			Description:     fmt.Sprintf("%s %s", b.Number, pending.Purpose),
		}
		return s.call(ctx, gateway.OpAuthorize, func(ctx context.Context) (*gateway.Result, error) {
			return s.gateway.Authorize(ctx, req)
		})
	case models.PurposeCapture:
		return s.call(ctx, gateway.OpCapture, func(ctx context.Context) (*gateway.Result, error) {
			return s.gateway.Capture(ctx, pending.IntentID, pending.AmountCents, pending.IdempotencyKey)
		})
	case models.PurposeRelease:
		return s.call(ctx, gateway.OpVoid, func(ctx context.Context) (*gateway.Result, error) {
			return s.gateway.Void(ctx, pending.IntentID, pending.IdempotencyKey)
		})
	default:
		return nil, fmt.Errorf("unknown hold purpose %q", pending.Purpose)
	}
}

// call runs one gateway operation with a per-attempt timeout, retrying
// transient failures only. A timeout is never retried: the outcome is unknown.
func (s *HoldService) call(ctx context.Context, op string, fn func(ctx context.Context) (*gateway.Result, error)) (*gateway.Result, error) {
	attempts := s.cfg.Retry.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		started := time.Now()
		res, err := fn(callCtx)
		if err != nil && callCtx.Err() != nil && !gateway.IsUnknownOutcome(err) {
			err = &gateway.Error{Op: op, Message: callCtx.Err().Error(), Err: gateway.ErrTimeout}
		}
		cancel()
		metrics.ObserveGateway(op, gatewayOutcome(err), time.Since(started).Seconds())
		if err == nil {
			return res, nil
		}

		lastErr = err
		if !gateway.IsRetryable(err) || attempt == attempts {
			break
		}
		delay := s.cfg.Retry.NextDelay(attempt)
		s.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("Gateway call failed, retrying")
		if err := worker.Sleep(ctx, delay); err != nil {
			break
		}
	}
	return nil, lastErr
}

func gatewayOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case gateway.IsUnknownOutcome(err):
		return "timeout"
	case gateway.IsRetryable(err):
		return "transient"
	case errors.Is(err, gateway.ErrDeclined):
		return "declined"
	case errors.Is(err, gateway.ErrIntentNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// resolveFailure maps a failed call onto the audit log and a domain error.
// Only definite failures get a terminal row; anything else stays pending for
// reconciliation.
func (s *HoldService) resolveFailure(ctx context.Context, pending *models.HoldTransaction, cause error) error {
	log := s.logger.With().
		Int64("booking_id", pending.BookingID).
		Str("purpose", pending.Purpose).
		Str("idempotency_key", pending.IdempotencyKey).
		Logger()

	switch {
	case gateway.IsUnknownOutcome(cause):
		log.Warn().Err(cause).Msg("Gateway outcome unknown, attempt left for reconciliation")
		return domain.ReconciliationRequired("payment provider did not answer in time, the attempt will be reconciled", cause)

	case errors.Is(cause, gateway.ErrDeclined), errors.Is(cause, gateway.ErrIntentNotFound):
		meta := models.Metadata{}
		var gwErr *gateway.Error
		if errors.As(cause, &gwErr) {
			meta["decline_code"] = gwErr.Code
			meta["gateway_message"] = gwErr.Message
		}
		row := terminalRow(pending, models.HoldTxFailed, pending.IntentID, meta)
		if err := s.resolve(ctx, database.HoldOutcome{BookingID: pending.BookingID, Rows: []*models.HoldTransaction{row}}); err != nil {
			return err
		}
		log.Warn().Err(cause).Msg("Gateway declined hold operation")
		return domain.Gateway("payment provider declined the operation", cause)

	case gateway.IsRetryable(cause):
		log.Error().Err(cause).Msg("Gateway unavailable after retries, attempt left for reconciliation")
		return domain.GatewayUnavailable(cause)

	default:
		log.Error().Err(cause).Msg("Unexpected gateway failure, attempt left for reconciliation")
		return domain.ReconciliationRequired("unexpected payment provider failure, the attempt will be reconciled", cause)
	}
}

func terminalRow(pending *models.HoldTransaction, status, intentID string, meta models.Metadata) *models.HoldTransaction {
	return &models.HoldTransaction{
		BookingID:      pending.BookingID,
		Purpose:        pending.Purpose,
		AmountCents:    pending.AmountCents,
		Status:         status,
		IntentID:       intentID,
		IdempotencyKey: pending.IdempotencyKey,
		Reason:         pending.Reason,
		Metadata:       pending.Metadata.Merge(meta),
	}
}

// resolve writes a terminal outcome. A second resolution of the same attempt
// is not an error.
func (s *HoldService) resolve(ctx context.Context, out database.HoldOutcome) error {
	err := s.repo.RecordHoldOutcome(ctx, out)
	switch {
	case err == nil:
		for _, row := range out.Rows {
			metrics.IncHoldTransaction(row.Purpose, row.Status)
		}
		return nil
	case errors.Is(err, database.ErrAlreadyResolved):
		s.logger.Info().Int64("booking_id", out.BookingID).Msg("Hold attempt already resolved")
		return nil
	case errors.Is(err, database.ErrConcurrentModification):
		s.logger.Error().Int64("booking_id", out.BookingID).Msg("Hold state changed underneath a gateway call")
		return domain.ReconciliationRequired("hold state changed while the payment provider was called", err)
	default:
		return storageErr(err, "hold transaction", 0)
	}
}

// finish records a successful gateway result for the pending row.
func (s *HoldService) finish(ctx context.Context, pending *models.HoldTransaction, res *gateway.Result) error {
	target := pending.Metadata.GetString(metaTarget)
	switch {
	case pending.Purpose == models.PurposeVerificationHold:
		return s.recordVerificationPlaced(ctx, pending, res)
	case pending.Purpose == models.PurposeSecurityHold:
		return s.recordSecurityPlaced(ctx, pending, res)
	case pending.Purpose == models.PurposeCapture:
		return s.recordCapture(ctx, pending, res)
	case pending.Purpose == models.PurposeRelease && target == targetVerification:
		return s.recordVerificationVoided(ctx, pending, res)
	case pending.Purpose == models.PurposeRelease:
		return s.recordSecurityReleased(ctx, pending, res)
	default:
		return fmt.Errorf("unknown hold purpose %q", pending.Purpose)
	}
}

func (s *HoldService) recordVerificationPlaced(ctx context.Context, pending *models.HoldTransaction, res *gateway.Result) error {
	return s.resolve(ctx, database.HoldOutcome{
		BookingID: pending.BookingID,
		Rows:      []*models.HoldTransaction{terminalRow(pending, models.HoldTxSucceeded, res.IntentID, res.Metadata())},
		Update: &database.HoldUpdate{
			ExpectStates:         []string{models.HoldNone},
			HoldState:            models.HoldVerificationPlaced,
			VerificationIntentID: &res.IntentID,
		},
	})
}

func (s *HoldService) recordVerificationVoided(ctx context.Context, pending *models.HoldTransaction, res *gateway.Result) error {
	return s.resolve(ctx, database.HoldOutcome{
		BookingID: pending.BookingID,
		Rows:      []*models.HoldTransaction{terminalRow(pending, models.HoldTxSucceeded, res.IntentID, res.Metadata())},
		Update: &database.HoldUpdate{
			ExpectStates: []string{models.HoldVerificationPlaced},
			HoldState:    models.HoldVerificationVoided,
		},
	})
}

func (s *HoldService) recordSecurityPlaced(ctx context.Context, pending *models.HoldTransaction, res *gateway.Result) error {
	err := s.resolve(ctx, database.HoldOutcome{
		BookingID: pending.BookingID,
		Rows:      []*models.HoldTransaction{terminalRow(pending, models.HoldTxSucceeded, res.IntentID, res.Metadata())},
		Update: &database.HoldUpdate{
			ExpectStates:      []string{models.HoldNone, models.HoldVerificationVoided, models.HoldSecurityScheduled},
			HoldState:         models.HoldSecurityPlaced,
			DepositStatus:     models.DepositSecured,
			SecurityIntentID:  &res.IntentID,
			SecurityHoldCents: &pending.AmountCents,
			ClearNextAttempt:  true,
		},
	})
	if err != nil {
		return err
	}
	s.logger.Info().Int64("booking_id", pending.BookingID).Str("intent_id", res.IntentID).Int64("amount_cents", pending.AmountCents).
		Msg("Security hold placed")
	s.afterHoldChange(ctx, pending.BookingID, events.EventHoldPlaced, pending.AmountCents, "")
	return nil
}

func (s *HoldService) recordSecurityReleased(ctx context.Context, pending *models.HoldTransaction, res *gateway.Result) error {
	err := s.resolve(ctx, database.HoldOutcome{
		BookingID: pending.BookingID,
		Rows:      []*models.HoldTransaction{terminalRow(pending, models.HoldTxSucceeded, res.IntentID, res.Metadata())},
		Update: &database.HoldUpdate{
			ExpectStates:  []string{models.HoldSecurityPlaced},
			HoldState:     models.HoldReleased,
			DepositStatus: models.DepositReleased,
		},
	})
	if err != nil {
		return err
	}
	s.logger.Info().Int64("booking_id", pending.BookingID).Str("reason", pending.Reason).Msg("Security hold released")
	s.afterHoldChange(ctx, pending.BookingID, events.EventHoldReleased, pending.AmountCents, pending.Reason)
	return nil
}

// recordCapture writes the capture row, a release row for any remainder, the
// settled deposit payment and the new hold state in one transaction.
func (s *HoldService) recordCapture(ctx context.Context, pending *models.HoldTransaction, res *gateway.Result) error {
	b, err := s.repo.GetBooking(ctx, pending.BookingID)
	if err != nil {
		return storageErr(err, "booking", pending.BookingID)
	}

	meta := res.Metadata()
	rows := []*models.HoldTransaction{terminalRow(pending, models.HoldTxSucceeded, pending.IntentID, meta)}
	state := models.HoldCapturedFull
	if remainder := b.SecurityHoldCents - pending.AmountCents; remainder > 0 {
		release := terminalRow(pending, models.HoldTxSucceeded, pending.IntentID, meta)
		release.Purpose = models.PurposeRelease
		release.AmountCents = remainder
		rows = append(rows, release)
		state = models.HoldCapturedPartial
	}

	settledAt := s.now()
	err = s.resolve(ctx, database.HoldOutcome{
		BookingID: pending.BookingID,
		Rows:      rows,
		Update: &database.HoldUpdate{
			ExpectStates:  []string{models.HoldSecurityPlaced},
			HoldState:     state,
			DepositStatus: models.DepositSettled,
		},
		Payment: &models.Payment{
			AmountCents:     pending.AmountCents,
			Type:            models.PaymentTypeDeposit,
			Status:          models.PaymentCompleted,
			Method:          "card_hold",
			SettledAt:       &settledAt,
			GatewayMetadata: meta.Merge(models.Metadata{"intent_id": pending.IntentID, "reason": pending.Reason}),
		},
	})
	if err != nil {
		return err
	}
	s.logger.Info().Int64("booking_id", pending.BookingID).Int64("amount_cents", pending.AmountCents).
		Str("hold_state", state).Str("reason", pending.Reason).Msg("Security hold captured")
	s.afterHoldChange(ctx, pending.BookingID, events.EventHoldCaptured, pending.AmountCents, pending.Reason)
	return nil
}

func (s *HoldService) afterHoldChange(ctx context.Context, bookingID int64, eventType string, amount int64, reason string) {
	if s.completion != nil {
		if _, err := s.completion.EvaluateCompletion(ctx, bookingID); err != nil {
			s.logger.Error().Err(err).Int64("booking_id", bookingID).Msg("completion evaluation after hold change failed")
		}
	}
	b, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		s.logger.Error().Err(err).Int64("booking_id", bookingID).Msg("reload booking for hold event")
		return
	}
	payload := events.NewBookingPayload(b)
	payload.AmountCents = amount
	payload.Reason = reason
	s.events.publish(eventType, payload)
}

func (s *HoldService) loadActive(ctx context.Context, bookingID int64) (*models.Booking, error) {
	b, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, storageErr(err, "booking", bookingID)
	}
	if IsTerminal(b.Status) || b.Status == models.StatusCompleted {
		return nil, domain.Conflict("booking_inactive", "booking is "+b.Status)
	}
	return b, nil
}

func (s *HoldService) ensureNoUnresolved(ctx context.Context, bookingID int64) error {
	open, err := s.repo.FindUnresolvedHold(ctx, bookingID)
	if err != nil {
		return storageErr(err, "booking", bookingID)
	}
	if open != nil {
		return domain.Conflict("reconciliation_pending",
			fmt.Sprintf("a %s attempt is awaiting reconciliation", open.Purpose))
	}
	return nil
}

func (s *HoldService) reload(ctx context.Context, bookingID int64) (*models.Booking, error) {
	b, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, storageErr(err, "booking", bookingID)
	}
	return b, nil
}

// withBookingLock serializes hold operations per booking, polling for up to wait.
func (s *HoldService) withBookingLock(ctx context.Context, bookingID int64, wait time.Duration, fn func() error) error {
	key := fmt.Sprintf("booking:%d", bookingID)
	deadline := time.Now().Add(wait)
	for {
		token, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
		if err == nil {
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					s.logger.Warn().Err(err).Str("key", key).Msg("release booking lock")
				}
			}()
			return fn()
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return &domain.Error{Kind: domain.KindInternal, Message: "acquire booking lock", Err: err}
		}
		if !time.Now().Before(deadline) {
			return domain.Conflict("operation_in_progress", "another hold operation is running for this booking")
		}
		if err := worker.Sleep(ctx, lockPollInterval); err != nil {
			return err
		}
	}
}

// holdAbandoned reports whether a booking in status must not keep a hold.
func holdAbandoned(status string) bool {
	switch status {
	case models.StatusCancelled, models.StatusRejected, models.StatusNoShow:
		return true
	}
	return false
}

func isAuthorize(purpose string) bool {
	return purpose == models.PurposeVerificationHold || purpose == models.PurposeSecurityHold
}
