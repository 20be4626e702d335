package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rentledger/internal/database"
	"rentledger/internal/domain"
	"rentledger/internal/events"
	"rentledger/internal/gateway"
	"rentledger/internal/metrics"
	"rentledger/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrVerificationPending signals that the gateway still reports the
// transaction as in flight. Retryable.
var ErrVerificationPending = errors.New("gateway still reports transaction pending")

// BookingService drives the booking-payment state machine. All status
// writes go through conditional updates in the repository; the service
// never holds locks.
type BookingService struct {
	repo             domain.Repository
	gateway          domain.PaymentGateway
	eventBus         domain.EventPublisher
	currency         string
	platformShareBps int
	callbackURL      string
	logger           *zerolog.Logger
}

func NewBookingService(repo domain.Repository, gw domain.PaymentGateway, eventBus domain.EventPublisher, platformShareBps int, callbackURL string, logger *zerolog.Logger) *BookingService {
	if platformShareBps <= 0 {
		platformShareBps = 500
	}
	return &BookingService{
		repo:             repo,
		gateway:          gw,
		eventBus:         eventBus,
		currency:         models.DefaultCurrency,
		platformShareBps: platformShareBps,
		callbackURL:      callbackURL,
		logger:           logger,
	}
}

// CreateBookingRequest validates the property and requested units,
// computes the per-period rate and creates the booking in
// pending_approval with the units claimed.
func (s *BookingService) CreateBookingRequest(ctx context.Context, renterID, propertyID int64, unitIDs []int64) (*models.Booking, error) {
	property, err := s.repo.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if !property.IsActive {
		return nil, database.ErrNotBookable
	}

	var rate int64
	if property.TotalUnits > 0 {
		if len(unitIDs) == 0 {
			return nil, fmt.Errorf("%w: property has units, at least one must be requested", database.ErrNotAvailable)
		}
		units, err := s.repo.GetUnits(ctx, unitIDs)
		if err != nil {
			return nil, err
		}
		for _, u := range units {
			if u.PropertyID != propertyID {
				return nil, fmt.Errorf("%w: unit %d does not belong to property %d", database.ErrNotFound, u.ID, propertyID)
			}
			if u.Status != models.UnitAvailable || u.BookingID != nil {
				return nil, database.ErrNotAvailable
			}
			rate += u.PriceMinor
		}
	} else {
		if len(unitIDs) > 0 {
			return nil, fmt.Errorf("%w: property has no declared units", database.ErrNotFound)
		}
		rate = property.PriceMinor
	}
	if rate <= 0 {
		return nil, database.ErrNotBookable
	}

	booking := &models.Booking{
		RenterID:    renterID,
		PropertyID:  propertyID,
		UnitIDs:     unitIDs,
		AmountMinor: rate,
	}
	// The availability pre-checks above are advisory; the conditional
	// unit claims inside this transaction are authoritative.
	if err := s.repo.CreateBookingRequest(ctx, booking); err != nil {
		return nil, err
	}

	s.publishEvent(events.EventBookingRequested, booking, "", renterID)
	return booking, nil
}

// RespondToBookingRequest records the host's decision. Only the property
// owner may respond, and only while the request awaits approval.
// Declining releases the claimed units.
func (s *BookingService) RespondToBookingRequest(ctx context.Context, bookingID, hostID int64, accept bool) (*models.Booking, error) {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	property, err := s.repo.GetProperty(ctx, booking.PropertyID)
	if err != nil {
		return nil, err
	}
	if property.OwnerID != hostID {
		return nil, database.ErrUnauthorized
	}

	if accept {
		if err := s.repo.UpdateBookingStatusFrom(ctx, bookingID, models.BookingPendingApproval, models.BookingPendingPayment); err != nil {
			return nil, err
		}
		booking.Status = models.BookingPendingPayment
		s.publishEvent(events.EventBookingApproved, booking, "", hostID)
		return booking, nil
	}

	// The decline flip and the unit release share one transaction, so a
	// declined booking can never keep units claimed.
	if err := s.repo.FinishBooking(ctx, bookingID, models.BookingPendingApproval, models.BookingDeclined); err != nil {
		return nil, err
	}
	booking.Status = models.BookingDeclined
	s.publishEvent(events.EventBookingDeclined, booking, "", hostID)
	return booking, nil
}

// CreateBooking runs the payment step of an approved request: in one
// storage transaction it fixes dates and total amount, flips the units to
// pending_booking and records the pending transaction, then asks the
// gateway for a payment URL. A gateway failure after the commit leaves
// the booking payable; the caller retries CreateBooking, which opens a
// fresh payment attempt under a new reference.
func (s *BookingService) CreateBooking(ctx context.Context, bookingID int64, payerContact string, start time.Time, durationMonths int) (*models.Booking, string, error) {
	if durationMonths < 1 {
		return nil, "", database.ErrInvalidDuration
	}
	if start.Before(time.Now().Truncate(24 * time.Hour)) {
		return nil, "", database.ErrPastDate
	}

	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, "", err
	}
	if booking.Status != models.BookingPendingPayment {
		return nil, "", database.ErrInvalidTransition
	}

	property, err := s.repo.GetProperty(ctx, booking.PropertyID)
	if err != nil {
		return nil, "", err
	}

	total := booking.AmountMinor * int64(durationMonths)
	end := start.AddDate(0, durationMonths, 0)

	txn := &models.Transaction{
		Reference:   newReference(),
		Type:        models.TxTypeRentPayment,
		AmountMinor: total,
		Currency:    s.currency,
		UserID:      booking.RenterID,
		Metadata: models.TransactionMetadata{
			SubaccountCode:   property.SubaccountCode,
			PlatformShareBps: s.platformShareBps,
		},
	}

	if err := s.repo.PrepareBookingPayment(ctx, bookingID, start, end, total, txn); err != nil {
		return nil, "", err
	}
	booking.AmountMinor = total
	booking.StartDate = &start
	booking.EndDate = &end

	result, err := s.gateway.InitializeSplitPayment(ctx, gateway.SplitPaymentRequest{
		PayerContact:     payerContact,
		AmountMinor:      total,
		Currency:         s.currency,
		Reference:        txn.Reference,
		SubaccountCode:   property.SubaccountCode,
		PlatformShareBps: s.platformShareBps,
		CallbackURL:      s.callbackURL,
	})
	if err != nil {
		// The ledger side committed; "reserved but not yet paid" is a
		// normal state. Surface the error so the caller retries.
		s.logger.Warn().Err(err).Str("reference", txn.Reference).Int64("booking_id", bookingID).
			Msg("payment initialization failed after ledger commit")
		return booking, "", fmt.Errorf("initialize payment: %w", err)
	}

	return booking, result.AuthorizationURL, nil
}

// ConfirmBookingPayment resolves one payment attempt. Called by the
// webhook worker and the reconciler; both paths re-verify with the
// gateway and converge on the same first-committer-wins conditional
// update, so the slower resolver is a safe no-op.
func (s *BookingService) ConfirmBookingPayment(ctx context.Context, reference, source string) error {
	txn, err := s.repo.GetTransactionByReference(ctx, reference)
	if err != nil {
		return err
	}
	if txn.IsTerminal() {
		// Duplicate webhook or a race already settled; acknowledge.
		return nil
	}

	verified, err := s.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		return fmt.Errorf("verify transaction: %w", err)
	}

	switch verified.Status {
	case gateway.StatusSuccess:
		// fall through to amount check
	case gateway.StatusFailed, gateway.StatusAbandoned:
		reason := fmt.Sprintf("gateway reported %s", verified.Status)
		if err := s.repo.MarkTransactionFailed(ctx, reference, reason); err != nil {
			if errors.Is(err, database.ErrAlreadyResolved) {
				return nil
			}
			return err
		}
		s.publishTxEvent(events.EventPaymentFailed, txn, reason, source)
		return nil
	default:
		return ErrVerificationPending
	}

	if verified.AmountMinor != txn.AmountMinor {
		// Amount mismatch is never auto-resolved: the transaction stays
		// pending and is surfaced for manual review.
		txn.Metadata.FailureReason = fmt.Sprintf("amount mismatch: expected %d, gateway reports %d", txn.AmountMinor, verified.AmountMinor)
		if err := s.repo.UpdateTransactionMetadata(ctx, reference, txn.Metadata); err != nil {
			s.logger.Error().Err(err).Str("reference", reference).Msg("record amount mismatch failed")
		}
		s.logger.Error().Str("reference", reference).
			Int64("expected_minor", txn.AmountMinor).
			Int64("paid_minor", verified.AmountMinor).
			Msg("payment amount mismatch, held for manual review")
		return database.ErrAmountMismatch
	}

	txn.Metadata.GatewayReference = verified.GatewayReference
	if err := s.repo.UpdateTransactionMetadata(ctx, reference, txn.Metadata); err != nil {
		s.logger.Error().Err(err).Str("reference", reference).Msg("record gateway reference failed")
	}

	won, err := s.repo.CompletePayment(ctx, txn)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	metrics.IncConfirmation(source)
	if booking, err := s.repo.GetBooking(ctx, *txn.BookingID); err == nil {
		s.publishEvent(events.EventBookingConfirmed, booking, reference, 0)
	}
	s.logger.Info().Str("reference", reference).Str("source", source).
		Int64("booking_id", *txn.BookingID).Msg("payment confirmed")
	return nil
}

// UpdateBookingStatus applies the cancelled/completed transitions. The
// owner, the renter (cancel only) or the system (callerID 0) may call.
func (s *BookingService) UpdateBookingStatus(ctx context.Context, bookingID int64, status string, callerID int64) error {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	property, err := s.repo.GetProperty(ctx, booking.PropertyID)
	if err != nil {
		return err
	}

	var eventType string
	switch status {
	case models.BookingCancelled:
		if callerID != 0 && callerID != booking.RenterID && callerID != property.OwnerID {
			return database.ErrUnauthorized
		}
		eventType = events.EventBookingCancelled
	case models.BookingCompleted:
		if callerID != 0 && callerID != property.OwnerID {
			return database.ErrUnauthorized
		}
		eventType = events.EventBookingCompleted
	default:
		return database.ErrInvalidTransition
	}

	if err := s.repo.FinishBooking(ctx, bookingID, models.BookingConfirmed, status); err != nil {
		return err
	}

	booking.Status = status
	s.publishEvent(eventType, booking, "", callerID)
	return nil
}

// ReleaseEscrow releases the funds held for a completed booking and
// records the owner payout, both in one storage transaction. Safe to
// call repeatedly: only the first call flips the hold, and a failed
// release leaves the hold in place for the next sweep.
func (s *BookingService) ReleaseEscrow(ctx context.Context, bookingID int64, reason string) error {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.Status != models.BookingCompleted || booking.EscrowTransactionID == nil {
		return database.ErrInvalidTransition
	}

	property, err := s.repo.GetProperty(ctx, booking.PropertyID)
	if err != nil {
		return err
	}

	held, err := s.repo.GetTransaction(ctx, *booking.EscrowTransactionID)
	if err != nil {
		return err
	}
	ownerShare := held.AmountMinor - held.AmountMinor*int64(s.platformShareBps)/10000

	now := time.Now()
	bid := bookingID
	payout := &models.Transaction{
		Reference:   newReference(),
		Type:        models.TxTypePayout,
		AmountMinor: ownerShare,
		Currency:    held.Currency,
		Status:      models.TxCompleted,
		BookingID:   &bid,
		UserID:      property.OwnerID,
		Metadata: models.TransactionMetadata{
			GatewayReference: held.Metadata.GatewayReference,
			SubaccountCode:   property.SubaccountCode,
		},
		ProcessedAt: &now,
	}
	won, err := s.repo.ReleaseEscrowPayout(ctx, *booking.EscrowTransactionID, payout)
	if err != nil {
		return fmt.Errorf("release escrow: %w", err)
	}
	if !won {
		return nil
	}

	payload := events.BookingEventPayload{
		BookingID:   booking.ID,
		RenterID:    booking.RenterID,
		PropertyID:  booking.PropertyID,
		AmountMinor: ownerShare,
		Status:      booking.Status,
		Reference:   payout.Reference,
		Reason:      reason,
	}
	if err := s.eventBus.PublishJSON(events.EventEscrowReleased, payload); err != nil {
		s.logger.Error().Err(err).Int64("booking_id", bookingID).Msg("publish escrow release failed")
	}
	metrics.IncEscrowRelease()
	s.logger.Info().Int64("booking_id", bookingID).Str("reason", reason).
		Int64("owner_share_minor", ownerShare).Msg("escrow released")
	return nil
}

func (s *BookingService) publishEvent(eventType string, booking *models.Booking, reference string, changedBy int64) {
	if s.eventBus == nil {
		return
	}

	payload := events.BookingEventPayload{
		BookingID:   booking.ID,
		RenterID:    booking.RenterID,
		PropertyID:  booking.PropertyID,
		UnitIDs:     booking.UnitIDs,
		AmountMinor: booking.AmountMinor,
		Status:      booking.Status,
		StartDate:   booking.StartDate,
		Reference:   reference,
		ChangedBy:   changedBy,
	}

	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Int64("booking_id", booking.ID).Msg("publish event error")
	}
}

func (s *BookingService) publishTxEvent(eventType string, txn *models.Transaction, reason, source string) {
	if s.eventBus == nil || txn.BookingID == nil {
		return
	}
	payload := events.BookingEventPayload{
		BookingID:   *txn.BookingID,
		RenterID:    txn.UserID,
		AmountMinor: txn.AmountMinor,
		Reference:   txn.Reference,
		Reason:      reason,
	}
	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Str("reference", txn.Reference).Msg("publish event error")
	}
}

func newReference() string {
	return "rl_" + uuid.NewString()
}
