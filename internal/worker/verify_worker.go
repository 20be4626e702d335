package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"rentledger/internal/database"
	"rentledger/internal/gateway"
	"rentledger/internal/metrics"
	"rentledger/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PaymentConfirmer resolves one payment attempt by reference.
type PaymentConfirmer interface {
	ConfirmBookingPayment(ctx context.Context, reference, source string) error
}

// VerifyWorker consumes verification tasks and drives them through the
// confirmer with bounded concurrency and exponential backoff. Tasks are
// durable: every task is a verify_queue row first, with redis as the
// fast path and an in-memory channel as the fallback when redis is down.
type VerifyWorker struct {
	db            *database.DB
	confirmer     PaymentConfirmer
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.VerifyTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	taskTimeout   time.Duration
	staleClaim    time.Duration
	batchSize     int
	concurrency   int
	logger        zerolog.Logger
}

func NewVerifyWorker(db *database.DB, confirmer PaymentConfirmer, redisClient *redis.Client, retry RetryPolicy, concurrency int, logger zerolog.Logger) *VerifyWorker {
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 5 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 2 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if concurrency <= 0 {
		concurrency = 5
	}

	return &VerifyWorker{
		db:            db,
		confirmer:     confirmer,
		redis:         redisClient,
		retryPolicy:   retry,
		queue:         make(chan models.VerifyTask, models.VerifyQueueSize),
		redisQueueKey: "verify:queue",
		deadLetterKey: "verify:deadletter",
		pollInterval:  2 * time.Second,
		taskTimeout:   30 * time.Second,
		staleClaim:    5 * time.Minute,
		batchSize:     20,
		concurrency:   concurrency,
		logger:        logger,
	}
}

// EnqueueVerification persists the task and schedules it via redis or the
// in-memory queue. Even if both fast paths fail the DB poller picks the
// row up, so an accepted webhook is never lost.
func (w *VerifyWorker) EnqueueVerification(ctx context.Context, reference, source string) error {
	if reference == "" {
		return errors.New("reference is required")
	}

	task := models.VerifyTask{
		Reference: reference,
		Source:    source,
		Status:    models.TaskPending,
		CreatedAt: time.Now(),
	}
	if err := w.db.CreateVerifyTask(ctx, &task); err != nil {
		return fmt.Errorf("persist verify task: %w", err)
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, task); err != nil {
			w.logger.Warn().Err(err).Msg("redis push failed, fallback to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("in-memory queue full, task left to polling")
	}
	return nil
}

// Start runs the worker pool until ctx is done, then drains in-flight
// tasks with a bounded wait.
func (w *VerifyWorker) Start(ctx context.Context) {
	w.logger.Info().Int("concurrency", w.concurrency).Msg("verify worker started")
	defer w.logger.Info().Msg("verify worker stopped")

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runLoop(ctx)
		}()
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.taskTimeout):
		w.logger.Warn().Msg("drain timeout exceeded, forcing worker stop")
	}
}

func (w *VerifyWorker) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		// Claims orphaned by a crashed process go back to the retry pool
		// before each poll, so no task is stranded in_progress forever.
		if n, err := w.db.RequeueStaleVerifyTasks(ctx, time.Now().Add(-w.staleClaim)); err != nil {
			w.logger.Error().Err(err).Msg("requeue stale verify tasks failed")
		} else if n > 0 {
			w.logger.Warn().Int64("count", n).Msg("requeued stale verify task claims")
		}

		tasks, err := w.db.GetPendingVerifyTasks(ctx, w.batchSize)
		if err != nil {
			w.logger.Error().Err(err).Msg("fetch pending verify tasks failed")
			w.sleep(ctx)
			continue
		}
		if len(tasks) == 0 {
			w.sleep(ctx)
			continue
		}

		for i := range tasks {
			w.processTask(ctx, &tasks[i])
		}
	}
}

func (w *VerifyWorker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

func (w *VerifyWorker) tryLocalQueue() (models.VerifyTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.VerifyTask{}, false
	}
}

func (w *VerifyWorker) tryRedis(ctx context.Context) (models.VerifyTask, bool) {
	if w.redis == nil {
		return models.VerifyTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return models.VerifyTask{}, false
		}
		w.logger.Error().Err(err).Msg("redis BRPOP error")
		return models.VerifyTask{}, false
	}
	if len(res) != 2 {
		return models.VerifyTask{}, false
	}
	var task models.VerifyTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("decode redis task failed")
		return models.VerifyTask{}, false
	}
	return task, true
}

func (w *VerifyWorker) processTask(ctx context.Context, task *models.VerifyTask) {
	// The DB claim is what keeps overlapping pollers and queue copies
	// from handing one task to two workers.
	claimed, err := w.db.ClaimVerifyTask(ctx, task.ID)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("claim verify task failed")
		return
	}
	if !claimed {
		return
	}

	// In-flight confirmations survive shutdown up to the task timeout.
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.taskTimeout)
	defer cancel()

	err = w.confirmer.ConfirmBookingPayment(taskCtx, task.Reference, task.Source)
	if err == nil {
		metrics.IncVerifyTask("completed")
		if err := w.db.UpdateVerifyTaskStatus(ctx, task.ID, models.TaskCompleted, "", nil); err != nil {
			w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark task completed failed")
		}
		return
	}

	if isTerminal(err) {
		w.failTask(ctx, task, err)
		return
	}
	w.retryOrFail(ctx, task, err)
}

// isTerminal reports errors that retrying cannot fix.
func isTerminal(err error) bool {
	return errors.Is(err, database.ErrAmountMismatch) ||
		errors.Is(err, gateway.ErrGatewayDeclined) ||
		errors.Is(err, database.ErrNotFound)
}

func (w *VerifyWorker) retryOrFail(ctx context.Context, task *models.VerifyTask, cause error) {
	attempt := task.RetryCount + 1
	if attempt >= w.retryPolicy.MaxAttempts {
		w.failTask(ctx, task, cause)
		return
	}

	nextTime := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	metrics.IncVerifyTask("retry")
	if err := w.db.UpdateVerifyTaskStatus(ctx, task.ID, models.TaskRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark task retry failed")
	}
}

func (w *VerifyWorker) failTask(ctx context.Context, task *models.VerifyTask, cause error) {
	metrics.IncVerifyTask("failed")
	w.logger.Error().Err(cause).Str("reference", task.Reference).Int("attempts", task.RetryCount+1).
		Msg("verification task failed permanently")
	if err := w.db.UpdateVerifyTaskStatus(ctx, task.ID, models.TaskFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark task failed failed")
	}
	w.pushDeadLetter(ctx, task)
}

func (w *VerifyWorker) pushRedis(ctx context.Context, task models.VerifyTask) error {
	if w.redis == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *VerifyWorker) pushDeadLetter(ctx context.Context, task *models.VerifyTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("encode deadletter failed")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("deadletter push failed")
	}
}
