package service

import (
	"context"
	"errors"

	"rentflow/internal/database"
	"rentflow/internal/domain"
	"rentflow/internal/events"
	"rentflow/internal/gateway"
	"rentflow/internal/metrics"
	"rentflow/internal/models"
)

// PollReport summarizes one pass of the scheduled security hold poller.
type PollReport struct {
	Due       int `json:"due"`
	Placed    int `json:"placed"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Skipped   int `json:"skipped"`
}

// ProcessDueSecurityHolds places every security hold whose due time has come.
// Failed placements back off exponentially until MaxScheduledAttempts.
func (s *HoldService) ProcessDueSecurityHolds(ctx context.Context) (PollReport, error) {
	var report PollReport
	now := s.now()
	due, err := s.repo.ListDueSecurityHolds(ctx, now, s.cfg.MaxScheduledAttempts, s.cfg.BatchSize)
	if err != nil {
		return report, storageErr(err, "booking", 0)
	}
	report.Due = len(due)

	for _, candidate := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		var placeErr error
		err := s.withBookingLock(ctx, candidate.ID, 0, func() error {
			b, err := s.repo.GetBooking(ctx, candidate.ID)
			if err != nil {
				return storageErr(err, "booking", candidate.ID)
			}
			if b.HoldState != models.HoldSecurityScheduled || IsTerminal(b.Status) || b.Status == models.StatusCompleted {
				return errSkip
			}
			if open, err := s.repo.FindUnresolvedHold(ctx, b.ID); err != nil || open != nil {
				return errSkip
			}
			if placeErr = s.placeSecurity(ctx, b); placeErr != nil {
				return s.backoff(ctx, b, placeErr, &report)
			}
			return nil
		})

		switch {
		case err == nil && placeErr == nil:
			report.Placed++
		case err == nil:
			report.Failed++
		case errors.Is(err, errSkip), domain.IsKind(err, domain.KindConflict):
			report.Skipped++
		default:
			s.logger.Error().Err(err).Int64("booking_id", candidate.ID).Msg("scheduled security hold failed")
			report.Failed++
		}
	}

	if report.Due > 0 {
		s.logger.Info().
			Int("due", report.Due).
			Int("placed", report.Placed).
			Int("failed", report.Failed).
			Int("skipped", report.Skipped).
			Msg("Security hold poll finished")
	}
	return report, nil
}

var errSkip = errors.New("skip")

// backoff bumps the attempt counter and pushes the next attempt out.
func (s *HoldService) backoff(ctx context.Context, b *models.Booking, cause error, report *PollReport) error {
	attempts := b.HoldAttempts + 1
	next := s.now().Add(s.cfg.ScheduledRetry.NextDelay(attempts))
	err := s.repo.UpdateHoldState(ctx, b.ID, database.HoldUpdate{
		ExpectStates:      []string{models.HoldSecurityScheduled},
		HoldAttempts:      &attempts,
		HoldNextAttemptAt: &next,
	})
	if errors.Is(err, database.ErrConcurrentModification) {
		// Reconciliation already moved the hold on.
		return nil
	}
	if err != nil {
		return storageErr(err, "booking", b.ID)
	}

	log := s.logger.Warn().Err(cause).Int64("booking_id", b.ID).Int("attempts", attempts)
	if attempts >= s.cfg.MaxScheduledAttempts {
		log.Msg("Scheduled security hold gave up")
		report.Exhausted++
		b.HoldAttempts = attempts
		s.events.publishBooking(events.EventHoldFailed, b, string(ActorSystem), cause.Error())
		return nil
	}
	log.Time("next_attempt_at", next).Msg("Scheduled security hold failed, will retry")
	return nil
}

// ReconcileReport summarizes one reconciliation sweep.
type ReconcileReport struct {
	Checked  int `json:"checked"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
	Released int `json:"released"`
}

// ReconcileHolds repairs attempts whose pending row never got a terminal row,
// asking the gateway what actually happened.
func (s *HoldService) ReconcileHolds(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	open, err := s.repo.ListUnresolvedHolds(ctx, s.now().Add(-s.cfg.ReconcileGrace), s.cfg.BatchSize)
	if err != nil {
		return report, storageErr(err, "hold transaction", 0)
	}

	for _, pending := range open {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		var outcome string
		err := s.withBookingLock(ctx, pending.BookingID, 0, func() error {
			var err error
			outcome, err = s.reconcileOne(ctx, pending)
			return err
		})
		if err != nil {
			outcome = "pending"
			s.logger.Warn().Err(err).Int64("booking_id", pending.BookingID).Str("purpose", pending.Purpose).
				Str("idempotency_key", pending.IdempotencyKey).Msg("Hold attempt still unresolved")
		}
		metrics.IncReconciled(outcome)
		switch outcome {
		case "resolved":
			report.Resolved++
		case "failed":
			report.Failed++
		default:
			report.Pending++
		}
	}

	if err := s.releaseAbandonedHolds(ctx, &report); err != nil {
		return report, err
	}

	if report.Checked > 0 || report.Released > 0 {
		s.logger.Info().
			Int("checked", report.Checked).
			Int("resolved", report.Resolved).
			Int("failed", report.Failed).
			Int("pending", report.Pending).
			Int("released", report.Released).
			Msg("Hold reconciliation finished")
	}
	return report, nil
}

// releaseAbandonedHolds voids security holds still placed on cancelled
// bookings, e.g. after a release on cancel failed.
func (s *HoldService) releaseAbandonedHolds(ctx context.Context, report *ReconcileReport) error {
	abandoned, err := s.repo.ListAbandonedHolds(ctx, s.cfg.BatchSize)
	if err != nil {
		return storageErr(err, "booking", 0)
	}
	for _, b := range abandoned {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.withBookingLock(ctx, b.ID, 0, func() error {
			return s.releaseAbandoned(ctx, b.ID, "booking "+b.Status)
		})
		if err != nil {
			s.logger.Warn().Err(err).Int64("booking_id", b.ID).Msg("Security hold on inactive booking still placed")
			continue
		}
		report.Released++
	}
	return nil
}

func (s *HoldService) reconcileOne(ctx context.Context, pending *models.HoldTransaction) (string, error) {
	b, err := s.repo.GetBooking(ctx, pending.BookingID)
	if err != nil {
		return "", storageErr(err, "booking", pending.BookingID)
	}

	var res *gateway.Result
	if isAuthorize(pending.Purpose) {
		// Replaying the authorization with its key returns the original intent.
		res, err = s.drive(ctx, b, pending)
		if err == nil {
			res, err = s.call(ctx, gateway.OpStatus, func(ctx context.Context) (*gateway.Result, error) {
				return s.gateway.GetIntentStatus(ctx, res.IntentID)
			})
		}
	} else {
		res, err = s.settleByStatus(ctx, b, pending)
	}
	if err != nil {
		if errors.Is(err, gateway.ErrDeclined) || errors.Is(err, gateway.ErrIntentNotFound) {
			if ferr := s.resolveFailure(ctx, pending, err); domain.IsKind(ferr, domain.KindGateway) {
				s.releaseIfAbandoned(ctx, b.ID)
				return "failed", nil
			}
		}
		return "", err
	}

	if applied := appliedStatus(pending.Purpose); res.Status != applied {
		if res.Status == gateway.IntentProcessing {
			return "", domain.ReconciliationRequired("intent is still processing", nil)
		}
		row := terminalRow(pending, models.HoldTxCanceled, res.IntentID, res.Metadata())
		if err := s.resolve(ctx, database.HoldOutcome{BookingID: b.ID, Rows: []*models.HoldTransaction{row}}); err != nil {
			return "", err
		}
		s.logger.Warn().Int64("booking_id", b.ID).Str("purpose", pending.Purpose).Str("gateway_status", string(res.Status)).
			Msg("Reconciled attempt did not take effect")
		s.releaseIfAbandoned(ctx, b.ID)
		return "failed", nil
	}

	if err := s.finish(ctx, pending, res); err != nil {
		return "", err
	}
	s.logger.Info().Int64("booking_id", b.ID).Str("purpose", pending.Purpose).Str("intent_id", res.IntentID).
		Msg("Hold attempt reconciled")

	// Continue the verification flow where it stopped.
	if pending.Metadata.GetString(metaTarget) == targetVerification {
		var ferr error
		if pending.Purpose == models.PurposeVerificationHold {
			ferr = s.afterVerificationPlaced(ctx, b.ID)
		} else {
			ferr = s.afterVerificationVoided(ctx, b.ID)
		}
		if ferr != nil {
			s.logger.Warn().Err(ferr).Int64("booking_id", b.ID).Msg("Verification flow follow-up failed")
		}
	}
	s.releaseIfAbandoned(ctx, b.ID)
	return "resolved", nil
}

// releaseIfAbandoned voids a hold that a reconciled attempt left placed on a
// cancelled booking. Failures are picked up by the next sweep.
func (s *HoldService) releaseIfAbandoned(ctx context.Context, bookingID int64) {
	if err := s.releaseAbandoned(ctx, bookingID, "booking cancelled"); err != nil {
		s.logger.Warn().Err(err).Int64("booking_id", bookingID).Msg("Release of hold on inactive booking failed")
	}
}

// settleByStatus reads the intent first and re-issues the capture or void
// with the original key only when it has not taken effect yet.
func (s *HoldService) settleByStatus(ctx context.Context, b *models.Booking, pending *models.HoldTransaction) (*gateway.Result, error) {
	res, err := s.call(ctx, gateway.OpStatus, func(ctx context.Context) (*gateway.Result, error) {
		return s.gateway.GetIntentStatus(ctx, pending.IntentID)
	})
	if err != nil {
		return nil, err
	}
	if res.Status != gateway.IntentRequiresCapture {
		return res, nil
	}
	return s.drive(ctx, b, pending)
}

// appliedStatus is the intent status that proves an attempt took effect.
func appliedStatus(purpose string) gateway.IntentStatus {
	switch purpose {
	case models.PurposeCapture:
		return gateway.IntentSucceeded
	case models.PurposeRelease:
		return gateway.IntentCanceled
	default:
		return gateway.IntentRequiresCapture
	}
}
