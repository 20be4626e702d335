package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishJSONReachesSubscribers(t *testing.T) {
	bus := NewEventBus()

	var received []BookingEventPayload
	bus.Subscribe(EventBookingConfirmed, func(event *Event) error {
		var payload BookingEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		received = append(received, payload)
		return nil
	})

	err := bus.PublishJSON(EventBookingConfirmed, BookingEventPayload{
		BookingID: 5, RenterID: 7, AmountMinor: 100_000_00, Status: "confirmed",
	})
	require.NoError(t, err)

	require.Len(t, received, 1)
	assert.Equal(t, int64(5), received[0].BookingID)
	assert.Equal(t, int64(100_000_00), received[0].AmountMinor)
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewEventBus()
	err := bus.PublishJSON(EventEscrowReleased, BookingEventPayload{BookingID: 1})
	assert.NoError(t, err)
}

func TestSubscribersAreIsolatedByType(t *testing.T) {
	bus := NewEventBus()

	confirmed := 0
	declined := 0
	bus.Subscribe(EventBookingConfirmed, func(*Event) error { confirmed++; return nil })
	bus.Subscribe(EventBookingDeclined, func(*Event) error { declined++; return nil })

	require.NoError(t, bus.PublishJSON(EventBookingConfirmed, BookingEventPayload{BookingID: 1}))

	assert.Equal(t, 1, confirmed)
	assert.Equal(t, 0, declined)
}
