package models

import (
	"encoding/json"
	"time"
)

// Metadata is free-form JSON attached to payments and hold transactions.
type Metadata map[string]any

func (m Metadata) GetInt64(key string) int64 {
	if m == nil {
		return 0
	}
	val, ok := m[key]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func (m Metadata) GetTime(key string) time.Time {
	if m == nil {
		return time.Time{}
	}
	val, ok := m[key]
	if !ok {
		return time.Time{}
	}
	switch v := val.(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return t
	default:
		return time.Time{}
	}
}

func (m Metadata) GetString(key string) string {
	if m == nil {
		return ""
	}
	if str, ok := m[key].(string); ok {
		return str
	}
	return ""
}

// Merge returns a copy of m with other's keys layered on top.
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Encode renders metadata as a JSON object, "{}" when empty.
func (m Metadata) Encode() string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// DecodeMetadata parses a JSON object; invalid input yields empty metadata.
func DecodeMetadata(raw string) Metadata {
	if raw == "" {
		return Metadata{}
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}
	}
	return m
}
