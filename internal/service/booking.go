package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"rentflow/internal/database"
	"rentflow/internal/domain"
	"rentflow/internal/events"
	"rentflow/internal/metrics"
	"rentflow/internal/models"
	"rentflow/internal/pricing"

	"github.com/rs/zerolog"
)

// CreateBookingRequest is what a customer submits to rent equipment.
type CreateBookingRequest struct {
	CustomerID         int64           `json:"customer_id"`
	EquipmentID        int64           `json:"equipment_id"`
	StartAt            time.Time       `json:"start_at"`
	EndAt              time.Time       `json:"end_at"`
	DeliveryAddress    string          `json:"delivery_address"`
	DeliveryCity       string          `json:"delivery_city"`
	DeliveryDistanceKm float64         `json:"delivery_distance_km"`
	EstimatedHours     int             `json:"estimated_hours"`
	AddOns             pricing.AddOns  `json:"add_ons"`
	Coupon             *pricing.Coupon `json:"coupon,omitempty"`
}

func (r CreateBookingRequest) pricingRequest(sheet models.RateSheet) pricing.Request {
	return pricing.Request{
		Sheet:              sheet,
		StartAt:            r.StartAt,
		EndAt:              r.EndAt,
		DeliveryCity:       r.DeliveryCity,
		DeliveryDistanceKm: r.DeliveryDistanceKm,
		EstimatedHours:     r.EstimatedHours,
		AddOns:             r.AddOns,
		Coupon:             r.Coupon,
	}
}

// Availability answers whether a window is free and, if not, what else is.
type Availability struct {
	Available    bool                `json:"available"`
	Conflicts    []*models.Booking   `json:"conflicts,omitempty"`
	Alternatives []models.TimeWindow `json:"alternatives,omitempty"`
}

// BookingService owns the booking lifecycle outside of holds and payments.
type BookingService struct {
	repo    domain.Repository
	pricing *pricing.Engine
	catalog map[int64]models.RateSheet
	holds   *HoldService
	events  publisher
	logger  *zerolog.Logger
	now     func() time.Time
}

func NewBookingService(
	repo domain.Repository,
	engine *pricing.Engine,
	equipment []models.RateSheet,
	holds *HoldService,
	eventBus domain.EventPublisher,
	logger *zerolog.Logger,
) *BookingService {
	catalog := make(map[int64]models.RateSheet, len(equipment))
	for _, sheet := range equipment {
		catalog[sheet.EquipmentID] = sheet
	}
	return &BookingService{
		repo:    repo,
		pricing: engine,
		catalog: catalog,
		holds:   holds,
		events:  publisher{eventBus: eventBus, logger: logger},
		logger:  logger,
		now:     nowUTC,
	}
}

// ListEquipment returns active rate sheets ordered by id.
func (s *BookingService) ListEquipment() []models.RateSheet {
	out := make([]models.RateSheet, 0, len(s.catalog))
	for _, sheet := range s.catalog {
		if sheet.Active {
			out = append(out, sheet)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EquipmentID < out[j].EquipmentID })
	return out
}

func (s *BookingService) sheet(equipmentID int64) (models.RateSheet, error) {
	sheet, ok := s.catalog[equipmentID]
	if !ok || !sheet.Active {
		return models.RateSheet{}, domain.Validation("equipment_id", "unknown or inactive equipment")
	}
	return sheet, nil
}

// Quote prices a request without touching storage.
func (s *BookingService) Quote(req CreateBookingRequest) (pricing.Breakdown, error) {
	sheet, err := s.sheet(req.EquipmentID)
	if err != nil {
		return pricing.Breakdown{}, err
	}
	return s.pricing.Quote(req.pricingRequest(sheet))
}

// CreateBooking prices the request and inserts it atomically with the
// availability check. Losing a race yields a conflict with alternatives.
func (s *BookingService) CreateBooking(ctx context.Context, req CreateBookingRequest) (*models.Booking, error) {
	fields := domain.FieldErrors{}
	if req.CustomerID <= 0 {
		fields.Add("customer_id", "is required")
	}
	if !req.StartAt.IsZero() && req.StartAt.Before(s.now()) {
		fields.Add("start_at", "must not be in the past")
	}
	if strings.TrimSpace(req.DeliveryAddress) == "" {
		fields.Add("delivery_address", "is required")
	}
	if err := fields.Err(); err != nil {
		return nil, err
	}

	sheet, err := s.sheet(req.EquipmentID)
	if err != nil {
		return nil, err
	}
	quote, err := s.pricing.Quote(req.pricingRequest(sheet))
	if err != nil {
		metrics.IncBooking("invalid")
		return nil, err
	}

	b := &models.Booking{
		CustomerID:          req.CustomerID,
		EquipmentID:         sheet.EquipmentID,
		EquipmentName:       sheet.Name,
		StartAt:             req.StartAt.UTC(),
		EndAt:               req.EndAt.UTC(),
		DeliveryAddress:     strings.TrimSpace(req.DeliveryAddress),
		DeliveryCity:        strings.TrimSpace(req.DeliveryCity),
		Days:                quote.Days,
		SubtotalCents:       quote.SubtotalCents,
		TaxesCents:          quote.TaxesCents,
		DeliveryFeeCents:    quote.DeliveryFeeCents,
		CouponDiscountCents: quote.CouponDiscountCents,
		TotalCents:          quote.TotalCents,
		DepositCents:        quote.DepositCents,
		Status:              models.StatusPending,
		CreatedAt:           s.now(),
	}

	conflicts, err := s.repo.CreateBookingWithLock(ctx, b)
	if errors.Is(err, database.ErrOverlap) {
		metrics.IncBooking("conflict")
		alternatives, altErr := s.alternatives(ctx, b.EquipmentID, b.StartAt, b.EndAt)
		if altErr != nil {
			s.logger.Warn().Err(altErr).Int64("equipment_id", b.EquipmentID).Msg("could not compute alternative windows")
		}
		s.logger.Info().Int64("equipment_id", b.EquipmentID).Time("start_at", b.StartAt).Time("end_at", b.EndAt).
			Int("conflicts", len(conflicts)).Msg("Booking rejected, equipment unavailable")
		return nil, domain.AvailabilityConflict(conflicts, alternatives)
	}
	if err != nil {
		metrics.IncBooking("error")
		return nil, storageErr(err, "booking", 0)
	}

	metrics.IncBooking("created")
	s.logger.Info().
		Int64("booking_id", b.ID).
		Str("number", b.Number).
		Int64("equipment_id", b.EquipmentID).
		Int64("total_cents", b.TotalCents).
		Msg("Booking created")
	s.events.publishBooking(events.EventBookingCreated, b, string(ActorCustomer), "")
	return s.repo.GetBooking(ctx, b.ID)
}

// CheckAvailability reports conflicts for a window and suggests alternatives.
func (s *BookingService) CheckAvailability(ctx context.Context, equipmentID int64, start, end time.Time) (*Availability, error) {
	if _, err := s.sheet(equipmentID); err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, domain.Validation("end_at", "must be after start_at")
	}
	conflicts, err := s.repo.FindConflicts(ctx, equipmentID, start, end, 0)
	if err != nil {
		return nil, storageErr(err, "equipment", equipmentID)
	}
	if len(conflicts) == 0 {
		return &Availability{Available: true}, nil
	}
	alternatives, err := s.alternatives(ctx, equipmentID, start, end)
	if err != nil {
		return nil, storageErr(err, "equipment", equipmentID)
	}
	return &Availability{Conflicts: conflicts, Alternatives: alternatives}, nil
}

const alternativeScanLimit = 200

func (s *BookingService) alternatives(ctx context.Context, equipmentID int64, start, end time.Time) ([]models.TimeWindow, error) {
	booked, err := s.repo.ListActiveBookingsAfter(ctx, equipmentID, start, alternativeScanLimit)
	if err != nil {
		return nil, err
	}
	return AlternativeWindows(booked, start, end.Sub(start), models.MaxAlternativeWindows), nil
}

// AlternativeWindows proposes up to limit windows of the same length that
// start where an existing booking ends and overlap nothing in booked.
func AlternativeWindows(booked []*models.Booking, start time.Time, length time.Duration, limit int) []models.TimeWindow {
	ends := make([]time.Time, 0, len(booked))
	for _, b := range booked {
		if b.BlocksAvailability() && !b.EndAt.Before(start) {
			ends = append(ends, b.EndAt)
		}
	}
	sort.Slice(ends, func(i, j int) bool { return ends[i].Before(ends[j]) })

	var windows []models.TimeWindow
	for _, candidate := range ends {
		if len(windows) == limit {
			break
		}
		if len(windows) > 0 && candidate.Before(windows[len(windows)-1].EndAt) {
			continue
		}
		free := true
		for _, b := range booked {
			if b.BlocksAvailability() && b.Overlaps(candidate, candidate.Add(length)) {
				free = false
				break
			}
		}
		if free {
			windows = append(windows, models.TimeWindow{StartAt: candidate, EndAt: candidate.Add(length)})
		}
	}
	return windows
}

func (s *BookingService) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, storageErr(err, "booking", id)
	}
	return b, nil
}

func (s *BookingService) GetBookingByNumber(ctx context.Context, number string) (*models.Booking, error) {
	b, err := s.repo.GetBookingByNumber(ctx, strings.ToUpper(strings.TrimSpace(number)))
	if errors.Is(err, database.ErrNotFound) {
		return nil, &domain.Error{Kind: domain.KindNotFound, Message: "booking " + number + " not found"}
	}
	if err != nil {
		return nil, storageErr(err, "booking", 0)
	}
	return b, nil
}

// ListHoldTransactions returns the hold audit log of a booking.
func (s *BookingService) ListHoldTransactions(ctx context.Context, id int64) ([]*models.HoldTransaction, error) {
	if _, err := s.GetBooking(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListHoldTransactions(ctx, id)
}

// CancelBooking cancels a non-terminal booking and releases a placed security hold.
// It runs under the booking lock so no hold operation interleaves with it.
// A failed release does not undo the cancellation; reconciliation retries it.
func (s *BookingService) CancelBooking(ctx context.Context, id int64, actor Actor, reason string) (*models.Booking, error) {
	if s.holds == nil {
		return s.transition(ctx, id, models.StatusCancelled, actor, reason, events.EventBookingCancelled)
	}

	err := s.holds.withBookingLock(ctx, id, s.holds.cfg.LockWait, func() error {
		if _, err := s.transition(ctx, id, models.StatusCancelled, actor, reason, events.EventBookingCancelled); err != nil {
			return err
		}
		if err := s.holds.releaseAbandoned(ctx, id, "booking cancelled"); err != nil {
			s.logger.Error().Err(err).Int64("booking_id", id).Msg("release security hold on cancel failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetBooking(ctx, id)
}

// MarkDisputed records a chargeback reported by the payment provider.
func (s *BookingService) MarkDisputed(ctx context.Context, id int64, reason string) (*models.Booking, error) {
	return s.transition(ctx, id, models.StatusDisputed, ActorGateway, reason, events.EventBookingDisputed)
}

// RevertPaid lets an admin move a paid booking back to confirmed.
func (s *BookingService) RevertPaid(ctx context.Context, id int64, reason string) (*models.Booking, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, domain.Validation("reason", "is required")
	}
	b, err := s.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusPaid {
		return nil, domain.InvalidTransition(b.Status, models.StatusConfirmed)
	}
	return s.transition(ctx, id, models.StatusConfirmed, ActorAdmin, reason, events.EventBookingStatusChanged)
}

func (s *BookingService) transition(ctx context.Context, id int64, to string, actor Actor, reason, eventType string) (*models.Booking, error) {
	reason = strings.TrimSpace(reason)
	b, err := s.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(b.Status, to, actor); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateBookingStatusWithVersion(ctx, b.ID, b.Version, to, reason); err != nil {
		return nil, storageErr(err, "booking", b.ID)
	}

	s.logger.Info().
		Int64("booking_id", b.ID).
		Str("from", b.Status).
		Str("to", to).
		Str("actor", string(actor)).
		Str("reason", reason).
		Msg("Booking status changed")

	updated, err := s.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	payload := events.NewBookingPayload(updated)
	payload.PreviousStatus = b.Status
	payload.ChangedBy = string(actor)
	payload.Reason = reason
	s.events.publish(eventType, payload)
	return updated, nil
}
