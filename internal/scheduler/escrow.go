package scheduler

import (
	"context"
	"time"

	"rentledger/internal/database"

	"github.com/rs/zerolog"
)

// EscrowReleaser sweeps completed bookings whose funds have sat in
// escrow past the grace period and pays the owner's share out.
type EscrowReleaser struct {
	db          *database.DB
	bookings    EscrowService
	interval    time.Duration
	gracePeriod time.Duration
	logger      zerolog.Logger
}

// EscrowService releases the held funds for one booking.
type EscrowService interface {
	ReleaseEscrow(ctx context.Context, bookingID int64, reason string) error
}

func NewEscrowReleaser(db *database.DB, bookings EscrowService, interval, gracePeriod time.Duration, logger zerolog.Logger) *EscrowReleaser {
	if interval <= 0 {
		interval = time.Hour
	}
	if gracePeriod <= 0 {
		gracePeriod = 24 * time.Hour
	}
	return &EscrowReleaser{
		db:          db,
		bookings:    bookings,
		interval:    interval,
		gracePeriod: gracePeriod,
		logger:      logger,
	}
}

// Start runs the release loop until ctx is done.
func (e *EscrowReleaser) Start(ctx context.Context) {
	e.logger.Info().Dur("interval", e.interval).Dur("grace_period", e.gracePeriod).Msg("escrow releaser started")
	defer e.logger.Info().Msg("escrow releaser stopped")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runOnce(ctx)
		}
	}
}

func (e *EscrowReleaser) runOnce(ctx context.Context) {
	cutoff := time.Now().Add(-e.gracePeriod)
	bookings, err := e.db.GetEscrowEligibleBookings(ctx, cutoff)
	if err != nil {
		e.logger.Error().Err(err).Msg("fetch escrow-eligible bookings failed")
		return
	}
	if len(bookings) == 0 {
		return
	}

	e.logger.Info().Int("count", len(bookings)).Msg("releasing escrow holds")
	for _, booking := range bookings {
		if err := e.bookings.ReleaseEscrow(ctx, booking.ID, "escrow grace period elapsed"); err != nil {
			// Another instance winning the release race lands here too;
			// the sweep just moves on.
			e.logger.Error().Err(err).Int64("booking_id", booking.ID).Msg("escrow release failed")
		}
	}
}
