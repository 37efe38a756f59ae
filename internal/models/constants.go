package models

import "time"

// Booking statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusPaid      = "paid"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusDisputed  = "disputed"
	StatusRejected  = "rejected"
	StatusNoShow    = "no_show"
)

// Billing statuses derived from the balance.
const (
	BillingUnpaid   = "unpaid"
	BillingPartial  = "partial"
	BillingPaid     = "paid"
	BillingOverpaid = "overpaid"
)

// Hold states tracked per booking, independent of the booking status.
const (
	HoldNone               = "no_hold"
	HoldVerificationPlaced = "verification_placed"
	HoldVerificationVoided = "verification_voided"
	HoldSecurityScheduled  = "security_scheduled"
	HoldSecurityPlaced     = "security_placed"
	HoldCapturedPartial    = "captured_partial"
	HoldCapturedFull       = "captured_full"
	HoldReleased           = "released"
)

// Deposit statuses shown on a booking.
const (
	DepositNone     = "none"
	DepositSecured  = "secured"
	DepositSettled  = "settled"
	DepositReleased = "released"
)

// Hold transaction purposes.
const (
	PurposeVerificationHold = "verification_hold"
	PurposeSecurityHold     = "security_hold"
	PurposeCapture          = "capture"
	PurposeRelease          = "release"
)

// Hold transaction statuses.
const (
	HoldTxPending   = "pending"
	HoldTxSucceeded = "succeeded"
	HoldTxCanceled  = "canceled"
	HoldTxFailed    = "failed"
)

// Payment types and statuses.
const (
	PaymentTypeInvoice = "invoice"
	PaymentTypeDeposit = "deposit"

	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
	PaymentVoided    = "voided"
)

// Verification and insurance verdicts.
const (
	VerdictPending  = "pending"
	VerdictApproved = "approved"
	VerdictRejected = "rejected"
)

// Notification queue statuses.
const (
	QueuePending    = "pending"
	QueueRetry      = "retry"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

const (
	// DefaultSecurityHoldLead is how long before rental start the security hold is placed.
	DefaultSecurityHoldLead = 48 * time.Hour

	// DefaultVerificationHoldCents is the amount authorized to prove a payment method.
	DefaultVerificationHoldCents = 100

	// DefaultTaxRateBps is 15%.
	DefaultTaxRateBps = 1500

	// DefaultBookingPrefix prefixes human-readable booking numbers.
	DefaultBookingPrefix = "UDR"

	// MaxAlternativeWindows caps suggestions returned with a conflict.
	MaxAlternativeWindows = 3
)

// ExcludedFromAvailability lists statuses that never block equipment.
var ExcludedFromAvailability = []string{StatusCancelled, StatusRejected, StatusNoShow}
