package models

import "time"

type Booking struct {
	ID              int64     `json:"id"`
	Number          string    `json:"number"`
	CustomerID      int64     `json:"customer_id"`
	EquipmentID     int64     `json:"equipment_id"`
	EquipmentName   string    `json:"equipment_name"`
	StartAt         time.Time `json:"start_at"`
	EndAt           time.Time `json:"end_at"`
	DeliveryAddress string    `json:"delivery_address"`
	DeliveryCity    string    `json:"delivery_city"`

	Days                int   `json:"days"`
	SubtotalCents       int64 `json:"subtotal_cents"`
	TaxesCents          int64 `json:"taxes_cents"`
	DeliveryFeeCents    int64 `json:"delivery_fee_cents"`
	CouponDiscountCents int64 `json:"coupon_discount_cents"`
	TotalCents          int64 `json:"total_cents"`
	DepositCents        int64 `json:"deposit_cents"`

	Status        string `json:"status"` // pending, confirmed, paid, completed, cancelled, disputed
	BalanceCents  *int64 `json:"balance_cents"`
	BillingStatus string `json:"billing_status"`

	Steps             CompletionSteps `json:"steps"`
	CompletionFiredAt *time.Time      `json:"completion_fired_at,omitempty"`

	HoldState            string     `json:"hold_state"`
	DepositStatus        string     `json:"deposit_status"`
	PaymentMethodID      string     `json:"payment_method_id,omitempty"`
	VerificationIntentID string     `json:"verification_intent_id,omitempty"`
	SecurityIntentID     string     `json:"security_intent_id,omitempty"`
	SecurityHoldCents    int64      `json:"security_hold_cents"`
	SecurityHoldDueAt    *time.Time `json:"security_hold_due_at,omitempty"`
	HoldAttempts         int        `json:"hold_attempts"`
	HoldNextAttemptAt    *time.Time `json:"hold_next_attempt_at,omitempty"`
	ContractSignedAt     *time.Time `json:"contract_signed_at,omitempty"`
	InsuranceStatus      string     `json:"insurance_status"`
	VerificationStatus   string     `json:"verification_status"`
	VerificationOverride bool       `json:"verification_override"`
	CancellationReason   string     `json:"cancellation_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// CompletionSteps is the denormalized view of the five completion requirements.
type CompletionSteps struct {
	ContractSigned    bool `json:"contract_signed"`
	InsuranceApproved bool `json:"insurance_approved"`
	IdentityVerified  bool `json:"identity_verified"`
	InvoicePaid       bool `json:"invoice_paid"`
	DepositSecured    bool `json:"deposit_secured"`
}

// All reports whether every step is satisfied.
func (s CompletionSteps) All() bool {
	return s.ContractSigned && s.InsuranceApproved && s.IdentityVerified && s.InvoicePaid && s.DepositSecured
}

// Missing lists unsatisfied steps in a stable order.
func (s CompletionSteps) Missing() []string {
	var missing []string
	if !s.ContractSigned {
		missing = append(missing, "contract_signed")
	}
	if !s.InsuranceApproved {
		missing = append(missing, "insurance_approved")
	}
	if !s.IdentityVerified {
		missing = append(missing, "identity_verified")
	}
	if !s.InvoicePaid {
		missing = append(missing, "invoice_paid")
	}
	if !s.DepositSecured {
		missing = append(missing, "deposit_secured")
	}
	return missing
}

// Overlaps reports half-open interval overlap with [start, end).
func (b *Booking) Overlaps(start, end time.Time) bool {
	return b.StartAt.Before(end) && b.EndAt.After(start)
}

// BlocksAvailability is false for statuses that release the equipment.
func (b *Booking) BlocksAvailability() bool {
	for _, s := range ExcludedFromAvailability {
		if b.Status == s {
			return false
		}
	}
	return true
}

// TimeWindow is a candidate rental window.
type TimeWindow struct {
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`
}
