package scheduler

import (
	"context"
	"errors"
	"time"

	"rentledger/internal/database"
	"rentledger/internal/metrics"
	"rentledger/internal/models"

	"github.com/rs/zerolog"
)

// PaymentConfirmer resolves one payment attempt by reference.
type PaymentConfirmer interface {
	ConfirmBookingPayment(ctx context.Context, reference, source string) error
}

// Reconciler periodically re-verifies payment attempts that stayed
// pending past the grace period, catching webhooks that never arrived.
type Reconciler struct {
	db          *database.DB
	bookings    PaymentConfirmer
	interval    time.Duration
	gracePeriod time.Duration
	maxRetries  int
	batchSize   int
	logger      zerolog.Logger
}

func NewReconciler(db *database.DB, bookings PaymentConfirmer, interval, gracePeriod time.Duration, maxRetries int, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Minute
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Reconciler{
		db:          db,
		bookings:    bookings,
		interval:    interval,
		gracePeriod: gracePeriod,
		maxRetries:  maxRetries,
		batchSize:   100,
		logger:      logger,
	}
}

// Start runs the reconciliation loop until ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info().Dur("interval", r.interval).Dur("grace_period", r.gracePeriod).Msg("reconciler started")
	defer r.logger.Info().Msg("reconciler stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	cutoff := time.Now().Add(-r.gracePeriod)
	txns, err := r.db.GetStalePendingTransactions(ctx, cutoff, r.batchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("fetch stale transactions failed")
		return
	}
	if len(txns) == 0 {
		return
	}

	r.logger.Info().Int("count", len(txns)).Msg("reconciling stale transactions")
	for _, txn := range txns {
		r.reconcile(ctx, txn)
	}
}

func (r *Reconciler) reconcile(ctx context.Context, txn *models.Transaction) {
	err := r.bookings.ConfirmBookingPayment(ctx, txn.Reference, "reconciler")
	switch {
	case err == nil:
		metrics.IncReconciler("resolved")
		return
	case errors.Is(err, database.ErrAmountMismatch):
		// Left pending on purpose: a human has to look at it.
		metrics.IncReconciler("mismatch")
		r.logger.Warn().Str("reference", txn.Reference).Msg("amount mismatch, transaction held for review")
		return
	}

	meta := txn.Metadata
	meta.RetryCount++
	now := time.Now()
	meta.LastRetryAt = &now

	if meta.RetryCount >= r.maxRetries {
		metrics.IncReconciler("exhausted")
		r.logger.Error().Err(err).Str("reference", txn.Reference).Int("retries", meta.RetryCount).
			Msg("reconciliation retries exhausted, failing transaction")
		if ferr := r.db.MarkTransactionFailed(ctx, txn.Reference, "reconciliation retries exhausted: "+err.Error()); ferr != nil && !errors.Is(ferr, database.ErrAlreadyResolved) {
			r.logger.Error().Err(ferr).Str("reference", txn.Reference).Msg("mark transaction failed error")
		}
		return
	}

	metrics.IncReconciler("retry")
	r.logger.Warn().Err(err).Str("reference", txn.Reference).Int("retry", meta.RetryCount).
		Msg("reconciliation attempt failed, will retry")
	if uerr := r.db.UpdateTransactionMetadata(ctx, txn.Reference, meta); uerr != nil {
		r.logger.Error().Err(uerr).Str("reference", txn.Reference).Msg("update transaction metadata failed")
	}
}
