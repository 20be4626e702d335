package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Lifecycle events emitted by the booking engine. Out-of-scope consumers
// (notifications, chat, admin feeds) subscribe to these.
const (
	EventBookingRequested = "booking_requested"
	EventBookingApproved  = "booking_approved"
	EventBookingDeclined  = "booking_declined"
	EventBookingConfirmed = "booking_confirmed"
	EventBookingCancelled = "booking_cancelled"
	EventBookingCompleted = "booking_completed"
	EventPaymentFailed    = "payment_failed"
	EventEscrowReleased   = "escrow_released"
	EventBookingReminder  = "booking_reminder"
	EventReviewReminder   = "review_reminder"
)

// BookingEventPayload is the minimal booking snapshot for consumers.
type BookingEventPayload struct {
	BookingID   int64      `json:"booking_id"`
	RenterID    int64      `json:"renter_id"`
	PropertyID  int64      `json:"property_id"`
	UnitIDs     []int64    `json:"unit_ids,omitempty"`
	AmountMinor int64      `json:"amount_minor"`
	Status      string     `json:"status"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	Reference   string     `json:"reference,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	ChangedBy   int64      `json:"changed_by,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for lifecycle events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type. Handlers run
// synchronously; the caller decides the concurrency model.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		_ = handler(event)
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
