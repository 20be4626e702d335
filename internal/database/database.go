package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"rentledger/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Ledger errors. Callers branch with errors.Is; none of these are
// retryable.
var (
	ErrNotFound               = errors.New("record not found")
	ErrNotAvailable           = errors.New("unit not available")
	ErrNotBookable            = errors.New("property is not bookable")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrUnauthorized           = errors.New("caller not authorized")
	ErrAmountMismatch         = errors.New("paid amount does not match expected amount")
	ErrAlreadyResolved        = errors.New("transaction already resolved")
	ErrPastDate               = errors.New("start date is in the past")
	ErrInvalidDuration        = errors.New("duration must be at least one period")
)

// DB is the single source of truth for bookings, units, properties and
// transactions. All mutual exclusion happens through transactional,
// conditional writes; there is no lock manager.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if logger != nil {
		logger.Info().Str("path", path).Msg("ledger database initialized")
	}
	return &DB{DB: sqlDB, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS properties (
            id INTEGER PRIMARY KEY,
            owner_id INTEGER NOT NULL,
            name TEXT NOT NULL,
            price_minor INTEGER NOT NULL DEFAULT 0,
            subaccount_code TEXT NOT NULL DEFAULT '',
            total_units INTEGER NOT NULL DEFAULT 0,
            available_units INTEGER NOT NULL DEFAULT 0,
            is_active BOOLEAN NOT NULL DEFAULT 1,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS units (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            property_id INTEGER NOT NULL,
            name TEXT NOT NULL,
            price_minor INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'available',
            booking_id INTEGER,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS bookings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            renter_id INTEGER NOT NULL,
            property_id INTEGER NOT NULL,
            amount_minor INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending_approval',
            start_date DATETIME,
            end_date DATETIME,
            escrow_transaction_id INTEGER,
            responded_at DATETIME,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS booking_units (
            booking_id INTEGER NOT NULL,
            unit_id INTEGER NOT NULL,
            position INTEGER NOT NULL,
            PRIMARY KEY (booking_id, unit_id)
        )`,
		`CREATE TABLE IF NOT EXISTS transactions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            reference TEXT NOT NULL UNIQUE,
            type TEXT NOT NULL,
            amount_minor INTEGER NOT NULL,
            currency TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            escrow_status TEXT NOT NULL DEFAULT '',
            booking_id INTEGER,
            user_id INTEGER NOT NULL,
            metadata TEXT NOT NULL DEFAULT '{}',
            processed_at DATETIME,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS verify_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            reference TEXT NOT NULL,
            source TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            claimed_at DATETIME,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_units_property_id ON units(property_id)`,
		`CREATE INDEX IF NOT EXISTS idx_units_booking_id ON units(booking_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_renter_id ON bookings(renter_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_property_id ON bookings(property_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_booking_id ON transactions(booking_id)`,
		`CREATE INDEX IF NOT EXISTS idx_verify_queue_status ON verify_queue(status)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Seed upserts config-declared properties and their units. Existing unit
// rows are left untouched so live reservations survive restarts.
func (db *DB) Seed(ctx context.Context, props []models.Property, units map[int64][]models.Unit) error {
	for i := range props {
		p := &props[i]
		if err := db.UpsertProperty(ctx, p); err != nil {
			return err
		}
		for _, u := range units[p.ID] {
			u.PropertyID = p.ID
			if err := db.ensureUnit(ctx, &u); err != nil {
				return err
			}
		}
		if err := db.recountAvailableUnits(ctx, p.ID); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
