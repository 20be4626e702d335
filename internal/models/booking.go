package models

import "time"

// Booking is a renter's claim on a property (optionally a subset of its
// units) for a date range. Dates stay nil until the payment step.
type Booking struct {
	ID                  int64      `json:"id"`
	RenterID            int64      `json:"renter_id"`
	PropertyID          int64      `json:"property_id"`
	UnitIDs             []int64    `json:"unit_ids,omitempty"`
	AmountMinor         int64      `json:"amount_minor"`
	Status              string     `json:"status"`
	StartDate           *time.Time `json:"start_date,omitempty"`
	EndDate             *time.Time `json:"end_date,omitempty"`
	EscrowTransactionID *int64     `json:"escrow_transaction_id,omitempty"`
	RespondedAt         *time.Time `json:"responded_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsTerminal reports whether no further status transition is legal.
func (b *Booking) IsTerminal() bool {
	switch b.Status {
	case BookingDeclined, BookingCancelled, BookingCompleted:
		return true
	}
	return false
}
