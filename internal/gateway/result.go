package gateway

import (
	"encoding/json"

	"rentflow/internal/models"
)

// Kind tags which call produced a Result.
type Kind string

const (
	KindAuthorized Kind = "authorized"
	KindCaptured   Kind = "captured"
	KindVoided     Kind = "voided"
	KindStatus     Kind = "status"
)

// IntentStatus is the processor-side state of a hold.
type IntentStatus string

const (
	IntentRequiresCapture IntentStatus = "requires_capture"
	IntentProcessing      IntentStatus = "processing"
	IntentSucceeded       IntentStatus = "succeeded"
	IntentCanceled        IntentStatus = "canceled"
	IntentFailed          IntentStatus = "failed"
)

// Result is a processor response. Fields the client does not model are kept
// verbatim in Unknown so they survive into the audit log.
type Result struct {
	Kind          Kind                       `json:"kind"`
	IntentID      string                     `json:"intent_id"`
	Status        IntentStatus               `json:"status"`
	AmountCents   int64                      `json:"amount_cents"`
	CapturedCents int64                      `json:"captured_cents"`
	SettledID     string                     `json:"settled_id,omitempty"`
	DeclineCode   string                     `json:"decline_code,omitempty"`
	Message       string                     `json:"message,omitempty"`
	Unknown       map[string]json.RawMessage `json:"-"`
}

var knownResultFields = map[string]bool{
	"kind": true, "intent_id": true, "status": true, "amount_cents": true,
	"captured_cents": true, "settled_id": true, "decline_code": true, "message": true,
}

func (r *Result) UnmarshalJSON(data []byte) error {
	type plain Result
	var known plain
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*r = Result(known)
	for k, v := range all {
		if knownResultFields[k] {
			continue
		}
		if r.Unknown == nil {
			r.Unknown = make(map[string]json.RawMessage)
		}
		r.Unknown[k] = v
	}
	return nil
}

func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	raw, err := json.Marshal(plain(r))
	if err != nil || len(r.Unknown) == 0 {
		return raw, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Unknown {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Held reports whether funds are authorized and not yet settled or released.
func (r *Result) Held() bool {
	return r != nil && r.Status == IntentRequiresCapture
}

// Metadata flattens the result for storage on a hold transaction or payment.
func (r *Result) Metadata() models.Metadata {
	if r == nil {
		return models.Metadata{}
	}
	m := models.Metadata{
		"gateway_kind":   string(r.Kind),
		"gateway_status": string(r.Status),
	}
	if r.SettledID != "" {
		m["settled_id"] = r.SettledID
	}
	if r.DeclineCode != "" {
		m["decline_code"] = r.DeclineCode
	}
	if r.Message != "" {
		m["gateway_message"] = r.Message
	}
	if len(r.Unknown) > 0 {
		unknown := make(map[string]any, len(r.Unknown))
		for k, v := range r.Unknown {
			unknown[k] = v
		}
		m["unknown"] = unknown
	}
	return m
}
