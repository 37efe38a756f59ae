package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetadata_Helpers(t *testing.T) {
	now := time.Now()
	meta := Metadata{
		"int64":  int64(123),
		"int":    123,
		"float":  123.45,
		"string": "hello",
		"time":   "2025-01-01T10:00:00Z",
		"time_t": now,
	}

	t.Run("NilMetadata", func(t *testing.T) {
		var empty Metadata
		assert.Equal(t, int64(0), empty.GetInt64("any"))
		assert.Equal(t, "", empty.GetString("any"))
		assert.True(t, empty.GetTime("any").IsZero())
	})

	t.Run("GetInt64", func(t *testing.T) {
		assert.Equal(t, int64(123), meta.GetInt64("int64"))
		assert.Equal(t, int64(123), meta.GetInt64("int"))
		assert.Equal(t, int64(123), meta.GetInt64("float"))
		assert.Equal(t, int64(0), meta.GetInt64("string"))
	})

	t.Run("GetTime", func(t *testing.T) {
		assert.Equal(t, 2025, meta.GetTime("time").Year())
		assert.Equal(t, now, meta.GetTime("time_t"))
		assert.True(t, meta.GetTime("string").IsZero())
	})

	t.Run("EncodeDecode", func(t *testing.T) {
		assert.Equal(t, "{}", Metadata{}.Encode())
		decoded := DecodeMetadata(`{"a":"b"}`)
		assert.Equal(t, "b", decoded.GetString("a"))
		assert.Empty(t, DecodeMetadata("not json"))
	})

	t.Run("Merge", func(t *testing.T) {
		merged := Metadata{"a": "1", "b": "2"}.Merge(Metadata{"b": "3"})
		assert.Equal(t, "1", merged.GetString("a"))
		assert.Equal(t, "3", merged.GetString("b"))
	})
}

func TestCompletionSteps(t *testing.T) {
	steps := CompletionSteps{ContractSigned: true, InsuranceApproved: true}
	assert.False(t, steps.All())
	assert.Equal(t, []string{"identity_verified", "invoice_paid", "deposit_secured"}, steps.Missing())

	steps.IdentityVerified, steps.InvoicePaid, steps.DepositSecured = true, true, true
	assert.True(t, steps.All())
	assert.Empty(t, steps.Missing())
}

func TestBooking_Overlaps(t *testing.T) {
	noon := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	b := &Booking{StartAt: noon.Add(-24 * time.Hour), EndAt: noon, Status: StatusPending}

	assert.False(t, b.Overlaps(noon, noon.Add(24*time.Hour)), "touching boundary is not a conflict")
	assert.True(t, b.Overlaps(noon.Add(-time.Hour), noon.Add(time.Hour)))
	assert.True(t, b.BlocksAvailability())

	b.Status = StatusNoShow
	assert.False(t, b.BlocksAvailability())
}

func TestPayment_Counts(t *testing.T) {
	now := time.Now()
	p := Payment{Type: PaymentTypeInvoice, Status: PaymentCompleted}
	assert.True(t, p.CountsTowardBalance())
	assert.False(t, p.SecuresDeposit())

	p.DeletedAt = &now
	assert.False(t, p.CountsTowardBalance())
}
