// Package pricing computes rental quotes from equipment rate sheets.
// Everything here is pure: no clocks, no storage, no network.
package pricing

import (
	"math"
	"strings"
	"time"

	"rentflow/internal/domain"
	"rentflow/internal/models"
)

const (
	TierDaily   = "daily"
	TierWeekly  = "weekly"
	TierMonthly = "monthly"

	CouponPercentage = "percentage"
	CouponFixed      = "fixed"

	deliveryLegs = 2
	bpsDenom     = 10000
)

// Config holds the tax and delivery policy.
type Config struct {
	TaxRateBps              int64
	DeliveryZones           map[string]int64
	DefaultDeliveryFeeCents int64
	ServiceRadiusKm         float64
	SurchargePerKmCents     int64
	RejectOutsideRadius     bool
	InsuranceDailyCents     int64
	OperatorDailyCents      int64
}

type AddOns struct {
	Insurance bool `json:"insurance"`
	Operator  bool `json:"operator"`
}

type Coupon struct {
	Code        string `json:"code"`
	Type        string `json:"type"`
	PercentBps  int64  `json:"percent_bps"`
	AmountCents int64  `json:"amount_cents"`
}

type Request struct {
	Sheet              models.RateSheet
	StartAt            time.Time
	EndAt              time.Time
	DeliveryCity       string
	DeliveryDistanceKm float64
	EstimatedHours     int
	AddOns             AddOns
	Coupon             *Coupon
}

// Breakdown is the full quote; callers persist every field.
type Breakdown struct {
	Days                int    `json:"days"`
	Tier                string `json:"tier"`
	RentalCents         int64  `json:"rental_cents"`
	OverageCents        int64  `json:"overage_cents"`
	AddOnCents          int64  `json:"add_on_cents"`
	SubtotalCents       int64  `json:"subtotal_cents"`
	DeliveryFeeCents    int64  `json:"delivery_fee_cents"`
	CouponDiscountCents int64  `json:"coupon_discount_cents"`
	TaxesCents          int64  `json:"taxes_cents"`
	TotalCents          int64  `json:"total_cents"`
	DepositCents        int64  `json:"deposit_cents"`
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	zones := make(map[string]int64, len(cfg.DeliveryZones))
	for city, fee := range cfg.DeliveryZones {
		zones[normalizeCity(city)] = fee
	}
	cfg.DeliveryZones = zones
	return &Engine{cfg: cfg}
}

// Quote prices a rental. Validation failures are returned as domain validation errors.
func (e *Engine) Quote(req Request) (Breakdown, error) {
	fields := domain.FieldErrors{}
	if req.StartAt.IsZero() {
		fields.Add("start_at", "is required")
	}
	if req.EndAt.IsZero() {
		fields.Add("end_at", "is required")
	}
	if !req.StartAt.IsZero() && !req.EndAt.IsZero() && !req.EndAt.After(req.StartAt) {
		fields.Add("end_at", "must be after start_at")
	}
	if req.Sheet.DailyCents <= 0 {
		fields.Add("equipment_id", "equipment has no daily rate")
	}
	if req.DeliveryDistanceKm < 0 {
		fields.Add("delivery_distance_km", "must not be negative")
	}
	if err := validateCoupon(req.Coupon); err != "" {
		fields.Add("coupon", err)
	}
	if err := fields.Err(); err != nil {
		return Breakdown{}, err
	}

	days := RentalDays(req.StartAt, req.EndAt)
	tier, rental := selectTier(req.Sheet, days)

	b := Breakdown{
		Days:         days,
		Tier:         tier,
		RentalCents:  rental,
		OverageCents: overage(req.Sheet, days, req.EstimatedHours),
		AddOnCents:   e.addOns(req.AddOns, days),
		DepositCents: req.Sheet.DepositCents,
	}
	b.SubtotalCents = b.RentalCents + b.OverageCents + b.AddOnCents

	fee, err := e.deliveryFee(req.DeliveryCity, req.DeliveryDistanceKm)
	if err != nil {
		return Breakdown{}, err
	}
	b.DeliveryFeeCents = fee
	b.CouponDiscountCents = couponDiscount(req.Coupon, b.SubtotalCents)
	b.TaxesCents = applyBps(b.SubtotalCents-b.CouponDiscountCents+b.DeliveryFeeCents, e.cfg.TaxRateBps)
	b.TotalCents = b.SubtotalCents + b.TaxesCents + b.DeliveryFeeCents - b.CouponDiscountCents

	if b.TotalCents < 0 {
		return Breakdown{}, domain.Invariant("negative_total", "quote total is negative")
	}
	return b, nil
}

// RentalDays is ceil((end-start)/24h), at least 1.
func RentalDays(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 1
	}
	days := int(math.Ceil(d.Hours() / 24))
	if days < 1 {
		days = 1
	}
	return days
}

func selectTier(sheet models.RateSheet, days int) (string, int64) {
	type candidate struct {
		tier  string
		total int64
	}
	candidates := []candidate{{TierDaily, sheet.DailyCents * int64(days)}}
	if days >= 7 && sheet.WeeklyCents > 0 {
		candidates = append(candidates, candidate{TierWeekly, weeklyTotal(sheet, days)})
	}
	if days >= 28 && sheet.MonthlyCents > 0 {
		rest := days % 28
		restTotal := sheet.DailyCents * int64(rest)
		if rest >= 7 && sheet.WeeklyCents > 0 {
			restTotal = weeklyTotal(sheet, rest)
		}
		candidates = append(candidates, candidate{TierMonthly, int64(days/28)*sheet.MonthlyCents + restTotal})
	}

	if !sheet.SavingsOptimized {
		best := candidates[len(candidates)-1]
		return best.tier, best.total
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.total < best.total {
			best = c
		}
	}
	return best.tier, best.total
}

func weeklyTotal(sheet models.RateSheet, days int) int64 {
	return int64(days/7)*sheet.WeeklyCents + int64(days%7)*sheet.DailyCents
}

func overage(sheet models.RateSheet, days, estimatedHours int) int64 {
	if sheet.HourlyOverageCents <= 0 || sheet.HoursPerDay <= 0 || estimatedHours <= 0 {
		return 0
	}
	extra := estimatedHours - sheet.HoursPerDay*days
	if extra <= 0 {
		return 0
	}
	return int64(extra) * sheet.HourlyOverageCents
}

func (e *Engine) addOns(a AddOns, days int) int64 {
	var total int64
	if a.Insurance {
		total += e.cfg.InsuranceDailyCents * int64(days)
	}
	if a.Operator {
		total += e.cfg.OperatorDailyCents * int64(days)
	}
	return total
}

func (e *Engine) deliveryFee(city string, distanceKm float64) (int64, error) {
	if strings.TrimSpace(city) == "" {
		return 0, nil
	}

	perLeg, ok := e.cfg.DeliveryZones[normalizeCity(city)]
	if !ok {
		if e.cfg.DefaultDeliveryFeeCents <= 0 {
			return 0, domain.Validation("delivery_city", "delivery is not available for this city")
		}
		perLeg = e.cfg.DefaultDeliveryFeeCents
	}

	if e.cfg.ServiceRadiusKm > 0 && distanceKm > e.cfg.ServiceRadiusKm {
		if e.cfg.RejectOutsideRadius {
			return 0, domain.Validation("delivery_distance_km", "address is outside the service radius")
		}
		extraKm := int64(math.Ceil(distanceKm - e.cfg.ServiceRadiusKm))
		perLeg += extraKm * e.cfg.SurchargePerKmCents
	}
	return perLeg * deliveryLegs, nil
}

func validateCoupon(c *Coupon) string {
	if c == nil {
		return ""
	}
	switch c.Type {
	case CouponPercentage, CouponFixed:
		return ""
	default:
		return "type must be percentage or fixed"
	}
}

func couponDiscount(c *Coupon, subtotal int64) int64 {
	if c == nil || subtotal <= 0 {
		return 0
	}
	var discount int64
	switch c.Type {
	case CouponPercentage:
		bps := min(max(c.PercentBps, 0), bpsDenom)
		discount = applyBps(subtotal, bps)
	case CouponFixed:
		discount = max(c.AmountCents, 0)
	}
	return min(discount, subtotal)
}

// applyBps multiplies by basis points rounding half up to the cent.
func applyBps(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return (amount*bps + bpsDenom/2) / bpsDenom
}

func normalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}
