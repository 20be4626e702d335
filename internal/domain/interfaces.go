package domain

import (
	"context"
	"time"

	"rentledger/internal/gateway"
	"rentledger/internal/models"
)

// Repository is the slice of the ledger store the state machine depends
// on. Every mutation that must be race-safe is a transactional,
// conditional write behind this interface. Schedulers and the HTTP
// surface take the concrete store for their sweep and read queries.
type Repository interface {
	GetProperty(ctx context.Context, id int64) (*models.Property, error)
	GetUnits(ctx context.Context, ids []int64) ([]*models.Unit, error)

	CreateBookingRequest(ctx context.Context, booking *models.Booking) error
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	UpdateBookingStatusFrom(ctx context.Context, id int64, from, to string) error
	FinishBooking(ctx context.Context, id int64, from, to string) error
	PrepareBookingPayment(ctx context.Context, bookingID int64, start, end time.Time, amountMinor int64, txn *models.Transaction) error
	CompletePayment(ctx context.Context, txn *models.Transaction) (bool, error)
	ReleaseEscrowPayout(ctx context.Context, transactionID int64, payout *models.Transaction) (bool, error)

	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
	MarkTransactionFailed(ctx context.Context, reference, reason string) error
	UpdateTransactionMetadata(ctx context.Context, reference string, m models.TransactionMetadata) error
}

// PaymentGateway is the narrow client contract over the external payment
// processor. Calls are idempotent keyed by reference and carry their own
// timeouts; retry policy lives with the callers.
type PaymentGateway interface {
	InitializeSplitPayment(ctx context.Context, req gateway.SplitPaymentRequest) (*gateway.InitializeResult, error)
	VerifyTransaction(ctx context.Context, reference string) (*gateway.VerifyResult, error)
	ResolveBankAccount(ctx context.Context, accountNumber, bankCode string) (string, error)
}

// EventPublisher fans lifecycle events out to out-of-scope consumers.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
