package models

import "time"

// HoldTransaction is one append-only entry in a booking's hold audit log.
// A pending row and its terminal row share the same IdempotencyKey.
type HoldTransaction struct {
	ID             int64     `json:"id"`
	BookingID      int64     `json:"booking_id"`
	Purpose        string    `json:"purpose"`
	AmountCents    int64     `json:"amount_cents"`
	Status         string    `json:"status"`
	IntentID       string    `json:"intent_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reason         string    `json:"reason,omitempty"`
	Metadata       Metadata  `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsTerminal reports whether the row resolves an attempt.
func (t HoldTransaction) IsTerminal() bool {
	return t.Status != HoldTxPending
}
