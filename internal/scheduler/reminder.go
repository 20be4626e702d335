package scheduler

import (
	"context"
	"time"

	"rentledger/internal/database"
	"rentledger/internal/events"
	"rentledger/internal/models"

	"github.com/rs/zerolog"
)

// ReminderScheduler fires daily reminder events: move-in reminders for
// bookings starting tomorrow and review prompts for stays completed
// yesterday. Delivery itself is a subscriber's problem.
type ReminderScheduler struct {
	db     *database.DB
	bus    *events.EventBus
	hour   int
	logger zerolog.Logger
}

func NewReminderScheduler(db *database.DB, bus *events.EventBus, hour int, logger zerolog.Logger) *ReminderScheduler {
	if hour < 0 || hour > 23 {
		hour = 9
	}
	return &ReminderScheduler{db: db, bus: bus, hour: hour, logger: logger}
}

// Start waits until the next reminder hour local time, then ticks every 24h.
func (r *ReminderScheduler) Start(ctx context.Context) {
	r.logger.Info().Int("hour", r.hour).Msg("reminder scheduler started")
	defer r.logger.Info().Msg("reminder scheduler stopped")

	timer := time.NewTimer(timeUntilNextHour(r.hour))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.runOnce(ctx)
			timer.Reset(24 * time.Hour)
		}
	}
}

func (r *ReminderScheduler) runOnce(ctx context.Context) {
	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	starting, err := r.db.GetBookingsStartingBetween(ctx, today.Add(24*time.Hour), today.Add(48*time.Hour))
	if err != nil {
		r.logger.Error().Err(err).Msg("reminder: fetch upcoming bookings failed")
	} else {
		for _, b := range starting {
			if b.Status != models.BookingConfirmed {
				continue
			}
			r.publish(events.EventBookingReminder, b)
		}
	}

	completed, err := r.db.GetBookingsCompletedBetween(ctx, today.Add(-24*time.Hour), today)
	if err != nil {
		r.logger.Error().Err(err).Msg("reminder: fetch completed bookings failed")
		return
	}
	for _, b := range completed {
		r.publish(events.EventReviewReminder, b)
	}
}

func (r *ReminderScheduler) publish(eventType string, b *models.Booking) {
	payload := events.BookingEventPayload{
		BookingID:   b.ID,
		RenterID:    b.RenterID,
		PropertyID:  b.PropertyID,
		AmountMinor: b.AmountMinor,
		Status:      b.Status,
		StartDate:   b.StartDate,
	}
	if err := r.bus.PublishJSON(eventType, payload); err != nil {
		r.logger.Error().Err(err).Int64("booking_id", b.ID).Str("event", eventType).Msg("reminder: publish failed")
	}
}

func timeUntilNextHour(hour int) time.Duration {
	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
