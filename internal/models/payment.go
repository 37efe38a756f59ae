package models

import "time"

type Payment struct {
	ID              int64      `json:"id"`
	BookingID       int64      `json:"booking_id"`
	AmountCents     int64      `json:"amount_cents"`
	Type            string     `json:"type"`   // invoice, deposit
	Status          string     `json:"status"` // pending, completed, failed, voided
	Method          string     `json:"method"`
	SettledAt       *time.Time `json:"settled_at,omitempty"`
	GatewayMetadata Metadata   `json:"gateway_metadata,omitempty"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
	DeleteReason    string     `json:"delete_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CountsTowardBalance is true for live, completed invoice payments.
func (p Payment) CountsTowardBalance() bool {
	return p.DeletedAt == nil && p.Status == PaymentCompleted && p.Type == PaymentTypeInvoice
}

// SecuresDeposit is true for live, completed deposit payments.
func (p Payment) SecuresDeposit() bool {
	return p.DeletedAt == nil && p.Status == PaymentCompleted && p.Type == PaymentTypeDeposit
}
