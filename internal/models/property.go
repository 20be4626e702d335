package models

import "time"

// Property is a rentable listing. PriceMinor is the flat rate per rental
// period in minor currency units, used when the property has no declared
// units. SubaccountCode is the gateway sub-account that receives the
// owner's share of split payments.
type Property struct {
	ID             int64     `yaml:"id" json:"id"`
	OwnerID        int64     `yaml:"owner_id" json:"owner_id"`
	Name           string    `yaml:"name" json:"name"`
	PriceMinor     int64     `yaml:"price_minor" json:"price_minor"`
	SubaccountCode string    `yaml:"subaccount_code" json:"subaccount_code"`
	TotalUnits     int64     `yaml:"total_units" json:"total_units"`
	AvailableUnits int64     `yaml:"available_units" json:"available_units"`
	IsActive       bool      `yaml:"is_active" json:"is_active"`
	CreatedAt      time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt      time.Time `yaml:"updated_at" json:"updated_at"`
}

// Unit is a bookable sub-entity of a property. BookingID is set while an
// active booking claims the unit; its status must reflect exactly one
// active booking at a time.
type Unit struct {
	ID         int64     `json:"id"`
	PropertyID int64     `json:"property_id"`
	Name       string    `json:"name"`
	PriceMinor int64     `json:"price_minor"`
	Status     string    `json:"status"`
	BookingID  *int64    `json:"booking_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
