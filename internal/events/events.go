package events

import (
	"encoding/json"
	"sync"
	"time"

	"rentflow/internal/models"
)

const (
	EventBookingCreated       = "booking.created"
	EventBookingStatusChanged = "booking.status_changed"
	EventBookingCancelled     = "booking.cancelled"
	EventBookingDisputed      = "booking.disputed"
	EventBookingCompleted     = "booking.completed"
	EventPaymentRecorded      = "payment.recorded"
	EventPaymentReversed      = "payment.reversed"
	EventBalanceChanged       = "balance.changed"
	EventHoldPlaced           = "hold.placed"
	EventHoldScheduled        = "hold.scheduled"
	EventHoldFailed           = "hold.failed"
	EventHoldCaptured         = "hold.captured"
	EventHoldReleased         = "hold.released"

	// EventAll subscribes a handler to every event type.
	EventAll = "*"
)

// BookingEventPayload describes the minimal booking snapshot for event consumers.
type BookingEventPayload struct {
	BookingID      int64     `json:"booking_id"`
	Number         string    `json:"number"`
	CustomerID     int64     `json:"customer_id"`
	EquipmentID    int64     `json:"equipment_id"`
	EquipmentName  string    `json:"equipment_name"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	HoldState      string    `json:"hold_state,omitempty"`
	BalanceCents   *int64    `json:"balance_cents,omitempty"`
	AmountCents    int64     `json:"amount_cents,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ChangedBy      string    `json:"changed_by,omitempty"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
}

// NewBookingPayload snapshots a booking.
func NewBookingPayload(b *models.Booking) BookingEventPayload {
	return BookingEventPayload{
		BookingID:     b.ID,
		Number:        b.Number,
		CustomerID:    b.CustomerID,
		EquipmentID:   b.EquipmentID,
		EquipmentName: b.EquipmentName,
		Status:        b.Status,
		HoldState:     b.HoldState,
		BalanceCents:  b.BalanceCents,
		StartAt:       b.StartAt,
		EndAt:         b.EndAt,
	}
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
	Processed bool
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	onError     func(event *Event, err error)
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type, or EventAll.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// OnError sets a callback for handler failures.
func (b *EventBus) OnError(fn func(event *Event, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[EventAll]...)
	onError := b.onError
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil && onError != nil {
			onError(event, err)
		}
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
