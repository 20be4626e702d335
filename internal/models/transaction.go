package models

import "time"

// Transaction is an immutable-once-terminal ledger entry for one money
// movement attempt. Reference is globally unique and is the idempotency
// key for every gateway interaction. A transaction moves
// pending -> completed or pending -> failed exactly once.
type Transaction struct {
	ID           int64               `json:"id"`
	Reference    string              `json:"reference"`
	Type         string              `json:"type"`
	AmountMinor  int64               `json:"amount_minor"`
	Currency     string              `json:"currency"`
	Status       string              `json:"status"`
	EscrowStatus string              `json:"escrow_status,omitempty"`
	BookingID    *int64              `json:"booking_id,omitempty"`
	UserID       int64               `json:"user_id"`
	Metadata     TransactionMetadata `json:"metadata"`
	ProcessedAt  *time.Time          `json:"processed_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// TransactionMetadata carries reconciliation state and gateway
// correlation fields. Persisted as a JSON blob on the transaction row.
type TransactionMetadata struct {
	RetryCount       int        `json:"retry_count"`
	LastRetryAt      *time.Time `json:"last_retry_at,omitempty"`
	GatewayReference string     `json:"gateway_reference,omitempty"`
	SubaccountCode   string     `json:"subaccount_code,omitempty"`
	PlatformShareBps int        `json:"platform_share_bps,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
}

// IsTerminal reports whether the transaction reached a final status.
func (t *Transaction) IsTerminal() bool {
	return t.Status == TxCompleted || t.Status == TxFailed
}
