package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rentledger/internal/models"
)

const transactionColumns = `id, reference, type, amount_minor, currency, status, escrow_status,
                 booking_id, user_id, metadata, processed_at, created_at, updated_at`

func marshalMetadata(m models.TransactionMetadata) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction metadata: %w", err)
	}
	return string(raw), nil
}

func scanTransaction(row interface{ Scan(...interface{}) error }) (*models.Transaction, error) {
	t := &models.Transaction{}
	var metadata string
	err := row.Scan(
		&t.ID, &t.Reference, &t.Type, &t.AmountMinor, &t.Currency, &t.Status, &t.EscrowStatus,
		&t.BookingID, &t.UserID, &metadata, &t.ProcessedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode transaction metadata: %w", err)
		}
	}
	return t, nil
}

// CreateTransaction records a standalone ledger entry (platform fees,
// manual adjustments). Rent payments are created inside
// PrepareBookingPayment and payouts inside ReleaseEscrowPayout instead.
func (db *DB) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	metadata, err := marshalMetadata(txn.Metadata)
	if err != nil {
		return err
	}
	now := time.Now()
	result, err := db.ExecContext(ctx,
		`INSERT INTO transactions (reference, type, amount_minor, currency, status, escrow_status, booking_id, user_id, metadata, processed_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.Reference, txn.Type, txn.AmountMinor, txn.Currency, txn.Status, txn.EscrowStatus,
		txn.BookingID, txn.UserID, metadata, txn.ProcessedAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	txn.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	txn.CreatedAt = now
	txn.UpdatedAt = now
	return nil
}

func (db *DB) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = ?`
	txn, err := scanTransaction(db.QueryRowContext(ctx, query, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

// MarkTransactionFailed moves a pending transaction to its terminal
// failed state, recording the reason in metadata. A transaction that
// already left pending is not touched.
func (db *DB) MarkTransactionFailed(ctx context.Context, reference, reason string) error {
	txn, err := db.GetTransactionByReference(ctx, reference)
	if err != nil {
		return err
	}
	txn.Metadata.FailureReason = reason
	metadata, err := marshalMetadata(txn.Metadata)
	if err != nil {
		return err
	}

	now := time.Now()
	result, err := db.ExecContext(ctx,
		`UPDATE transactions SET status = ?, metadata = ?, processed_at = ?, updated_at = ?
         WHERE reference = ? AND status = ?`,
		models.TxFailed, metadata, now, now, reference, models.TxPending)
	if err != nil {
		return fmt.Errorf("failed to mark transaction failed: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

// UpdateTransactionMetadata rewrites the metadata blob. Only the
// reconciler writes retry state, so no conditional guard is needed here.
func (db *DB) UpdateTransactionMetadata(ctx context.Context, reference string, m models.TransactionMetadata) error {
	metadata, err := marshalMetadata(m)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`UPDATE transactions SET metadata = ?, updated_at = ? WHERE reference = ?`,
		metadata, time.Now(), reference)
	if err != nil {
		return fmt.Errorf("failed to update transaction metadata: %w", err)
	}
	return nil
}

// GetStalePendingTransactions returns pending transactions created before
// the cutoff, oldest first. The grace window keeps the reconciler from
// racing the happy-path webhook.
func (db *DB) GetStalePendingTransactions(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
              WHERE status = ? AND created_at < ?
              ORDER BY created_at ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, models.TxPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get stale pending transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func (db *DB) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`
	txn, err := scanTransaction(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}
