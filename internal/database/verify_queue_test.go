package database

import (
	"context"
	"testing"
	"time"

	"rentledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyQueueLifecycle(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	task := models.VerifyTask{Reference: "rl_abc", Source: "webhook", Status: models.TaskPending}
	require.NoError(t, db.CreateVerifyTask(ctx, &task))
	require.NotZero(t, task.ID)

	pending, err := db.GetPendingVerifyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "rl_abc", pending[0].Reference)

	claimed, err := db.ClaimVerifyTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second poller loses the claim.
	claimed, err = db.ClaimVerifyTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	// In-progress tasks stay out of the poll results.
	pending, err = db.GetPendingVerifyTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, db.UpdateVerifyTaskStatus(ctx, task.ID, models.TaskCompleted, "", nil))
	pending, err = db.GetPendingVerifyTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestVerifyQueueRetryScheduling(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	task := models.VerifyTask{Reference: "rl_retry", Source: "callback", Status: models.TaskPending}
	require.NoError(t, db.CreateVerifyTask(ctx, &task))

	claimed, err := db.ClaimVerifyTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	future := time.Now().Add(time.Hour)
	require.NoError(t, db.UpdateVerifyTaskStatus(ctx, task.ID, models.TaskRetry, "gateway timeout", &future))

	// Not due yet.
	pending, err := db.GetPendingVerifyTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, db.UpdateVerifyTaskStatus(ctx, task.ID, models.TaskRetry, "gateway timeout", &past))

	pending, err = db.GetPendingVerifyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].RetryCount)
	require.NotNil(t, pending[0].LastError)
	assert.Equal(t, "gateway timeout", *pending[0].LastError)
}

func TestRequeueStaleVerifyTasks(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	stale := models.VerifyTask{Reference: "rl_orphan", Source: "webhook", Status: models.TaskPending}
	require.NoError(t, db.CreateVerifyTask(ctx, &stale))
	fresh := models.VerifyTask{Reference: "rl_active", Source: "webhook", Status: models.TaskPending}
	require.NoError(t, db.CreateVerifyTask(ctx, &fresh))

	for _, id := range []int64{stale.ID, fresh.ID} {
		claimed, err := db.ClaimVerifyTask(ctx, id)
		require.NoError(t, err)
		require.True(t, claimed)
	}

	// Simulate a claimant that died an hour ago.
	_, err := db.ExecContext(ctx, `UPDATE verify_queue SET claimed_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour), stale.ID)
	require.NoError(t, err)

	n, err := db.RequeueStaleVerifyTasks(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The orphan is pollable again; the live claim is untouched.
	pending, err := db.GetPendingVerifyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "rl_orphan", pending[0].Reference)

	claimed, err := db.ClaimVerifyTask(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestGetFailedVerifyTasks(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	task := models.VerifyTask{Reference: "rl_dead", Source: "webhook", Status: models.TaskPending}
	require.NoError(t, db.CreateVerifyTask(ctx, &task))
	require.NoError(t, db.UpdateVerifyTaskStatus(ctx, task.ID, models.TaskFailed, "attempts exhausted", nil))

	failed, err := db.GetFailedVerifyTasks(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "rl_dead", failed[0].Reference)
	assert.NotNil(t, failed[0].ProcessedAt)
}
