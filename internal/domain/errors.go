package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"rentflow/internal/models"
)

// Kind classifies failures for callers and transports.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindConflict           Kind = "conflict"
	KindNotFound           Kind = "not_found"
	KindGateway            Kind = "gateway"
	KindGatewayUnavailable Kind = "gateway_unavailable"
	KindReconciliation     Kind = "reconciliation_required"
	KindInvariant          Kind = "invariant_violation"
	KindInternal           Kind = "internal"
)

// Error is the domain error shared by services and the API layer.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Fields holds field-level validation messages.
	Fields map[string]string
	// Conflicts and Alternatives are set for availability conflicts.
	Conflicts    []*models.Booking
	Alternatives []models.TimeWindow
	Err          error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a domain error, KindInternal otherwise.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FieldErrors accumulates field-level validation messages.
type FieldErrors map[string]string

func (f FieldErrors) Add(field, msg string) {
	if _, exists := f[field]; !exists {
		f[field] = msg
	}
}

// Err returns a validation error or nil when empty.
func (f FieldErrors) Err() error {
	if len(f) == 0 {
		return nil
	}
	return &Error{Kind: KindValidation, Message: "invalid request", Fields: f}
}

func Validation(field, msg string) error {
	return &Error{Kind: KindValidation, Message: "invalid request", Fields: map[string]string{field: msg}}
}

func Conflict(code, msg string) error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

func AvailabilityConflict(conflicts []*models.Booking, alternatives []models.TimeWindow) error {
	return &Error{
		Kind:         KindConflict,
		Code:         "equipment_unavailable",
		Message:      "equipment is already booked for the requested period",
		Conflicts:    conflicts,
		Alternatives: alternatives,
	}
}

func NotFound(what string, id int64) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %d not found", what, id)}
}

func Gateway(msg string, err error) error {
	return &Error{Kind: KindGateway, Message: msg, Err: err}
}

func GatewayUnavailable(err error) error {
	return &Error{Kind: KindGatewayUnavailable, Message: "payment provider is temporarily unavailable, try again later", Err: err}
}

func ReconciliationRequired(msg string, err error) error {
	return &Error{Kind: KindReconciliation, Message: msg, Err: err}
}

func Invariant(code, msg string) error {
	return &Error{Kind: KindInvariant, Code: code, Message: msg}
}

func InvalidTransition(from, to string) error {
	return &Error{Kind: KindConflict, Code: "invalid_transition", Message: fmt.Sprintf("cannot move booking from %s to %s", from, to)}
}
