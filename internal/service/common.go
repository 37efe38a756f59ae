package service

import (
	"errors"
	"time"

	"rentflow/internal/database"
	"rentflow/internal/domain"
	"rentflow/internal/events"
	"rentflow/internal/models"

	"github.com/rs/zerolog"
)

type publisher struct {
	eventBus domain.EventPublisher
	logger   *zerolog.Logger
}

func (p publisher) publish(eventType string, payload events.BookingEventPayload) {
	if p.eventBus == nil {
		return
	}
	if err := p.eventBus.PublishJSON(eventType, payload); err != nil {
		p.logger.Error().Err(err).Str("event_type", eventType).Int64("booking_id", payload.BookingID).Msg("publish event error")
	}
}

func (p publisher) publishBooking(eventType string, b *models.Booking, changedBy, reason string) {
	payload := events.NewBookingPayload(b)
	payload.ChangedBy = changedBy
	payload.Reason = reason
	p.publish(eventType, payload)
}

// storageErr maps storage sentinels onto domain errors.
func storageErr(err error, what string, id int64) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrNotFound):
		return domain.NotFound(what, id)
	case errors.Is(err, database.ErrConcurrentModification):
		return domain.Conflict("concurrent_modification", what+" was modified concurrently, reload and retry")
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return &domain.Error{Kind: domain.KindInternal, Message: "storage failure", Err: err}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func ptr[T any](v T) *T {
	return &v
}
