package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rentledger/internal/models"
)

func (db *DB) UpsertProperty(ctx context.Context, p *models.Property) error {
	query := `INSERT INTO properties (id, owner_id, name, price_minor, subaccount_code, total_units, available_units, is_active, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                  owner_id = excluded.owner_id,
                  name = excluded.name,
                  price_minor = excluded.price_minor,
                  subaccount_code = excluded.subaccount_code,
                  is_active = excluded.is_active,
                  updated_at = excluded.updated_at`
	now := time.Now()
	_, err := db.ExecContext(ctx, query,
		p.ID, p.OwnerID, p.Name, p.PriceMinor, p.SubaccountCode,
		p.TotalUnits, p.AvailableUnits, p.IsActive, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert property: %w", err)
	}
	return nil
}

func (db *DB) GetProperty(ctx context.Context, id int64) (*models.Property, error) {
	var p models.Property
	query := `SELECT id, owner_id, name, price_minor, subaccount_code, total_units, available_units, is_active, created_at, updated_at
              FROM properties WHERE id = ?`
	err := db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.OwnerID, &p.Name, &p.PriceMinor, &p.SubaccountCode,
		&p.TotalUnits, &p.AvailableUnits, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get property: %w", err)
	}
	return &p, nil
}

func (db *DB) GetActiveProperties(ctx context.Context) ([]*models.Property, error) {
	query := `SELECT id, owner_id, name, price_minor, subaccount_code, total_units, available_units, is_active, created_at, updated_at
              FROM properties WHERE is_active = 1 ORDER BY id`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get active properties: %w", err)
	}
	defer rows.Close()

	var props []*models.Property
	for rows.Next() {
		p := &models.Property{}
		if err := rows.Scan(
			&p.ID, &p.OwnerID, &p.Name, &p.PriceMinor, &p.SubaccountCode,
			&p.TotalUnits, &p.AvailableUnits, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan property: %w", err)
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

// ensureUnit inserts a unit by (property_id, name) if it does not exist
// yet. Existing rows keep their status and booking claim.
func (db *DB) ensureUnit(ctx context.Context, u *models.Unit) error {
	var existing int64
	err := db.QueryRowContext(ctx,
		`SELECT id FROM units WHERE property_id = ? AND name = ?`,
		u.PropertyID, u.Name,
	).Scan(&existing)
	if err == nil {
		_, err = db.ExecContext(ctx,
			`UPDATE units SET price_minor = ?, updated_at = ? WHERE id = ?`,
			u.PriceMinor, time.Now(), existing)
		if err != nil {
			return fmt.Errorf("failed to update unit price: %w", err)
		}
		u.ID = existing
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to look up unit: %w", err)
	}

	now := time.Now()
	result, err := db.ExecContext(ctx,
		`INSERT INTO units (property_id, name, price_minor, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.PropertyID, u.Name, u.PriceMinor, models.UnitAvailable, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert unit: %w", err)
	}
	u.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	return nil
}

// recountAvailableUnits resyncs the denormalized counters on the parent
// property from the unit rows.
func (db *DB) recountAvailableUnits(ctx context.Context, propertyID int64) error {
	query := `UPDATE properties SET
                  total_units = (SELECT COUNT(*) FROM units WHERE property_id = ?),
                  available_units = (SELECT COUNT(*) FROM units WHERE property_id = ? AND status = ?),
                  updated_at = ?
              WHERE id = ?`
	_, err := db.ExecContext(ctx, query, propertyID, propertyID, models.UnitAvailable, time.Now(), propertyID)
	if err != nil {
		return fmt.Errorf("failed to recount available units: %w", err)
	}
	return nil
}
