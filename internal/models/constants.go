package models

// Booking statuses. Transitions are enforced by the booking service;
// nothing else writes the status column directly.
const (
	BookingPendingApproval = "pending_approval"
	BookingPendingPayment  = "pending_payment"
	BookingDeclined        = "declined"
	BookingConfirmed       = "confirmed"
	BookingCancelled       = "cancelled"
	BookingCompleted       = "completed"
)

// Unit statuses.
const (
	UnitAvailable      = "available"
	UnitPendingBooking = "pending_booking"
	UnitRented         = "rented"
)

// Transaction statuses. Completed and failed are terminal.
const (
	TxPending   = "pending"
	TxCompleted = "completed"
	TxFailed    = "failed"
)

// Transaction types.
const (
	TxTypeRentPayment = "rent_payment"
	TxTypePlatformFee = "platform_fee"
	TxTypePayout      = "payout"
)

// Escrow sub-state of a rent payment transaction.
const (
	EscrowHeld     = "held"
	EscrowReleased = "released"
)

// Verify queue task statuses.
const (
	TaskPending   = "pending"
	TaskRetry     = "retry"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

const (
	// DefaultCurrency is the settlement currency for all ledger entries.
	DefaultCurrency = "NGN"

	// VerifyQueueSize is the in-memory fallback queue size for the worker.
	VerifyQueueSize = 1000
)
