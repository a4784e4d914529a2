package workflow

import (
	"context"
	"testing"

	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(env *testEnv) *Engine {
	return &Engine{
		DB:        env.db,
		Logger:    env.logger,
		Files:     env.files,
		Processor: env.processor,
		Corrector: env.corrector,
	}
}

func TestHandleBatchJob_DuplicateDeliveryIsProcessedOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.upload(t, "scenario.csv", scenarioCSV)
	var job models.BatchJob
	require.NoError(t, env.db.Where("batch_id = ?", batch.ID).First(&job).Error)
	engine := newTestEngine(env)

	require.NoError(t, engine.HandleBatchJob(ctx, job.ToMessage(), "delivery-1"))
	require.NoError(t, engine.HandleBatchJob(ctx, job.ToMessage(), "delivery-2"))

	assert.Equal(t, int64(5), countRows(t, env.db, &models.AuditEntry{}, "action = ?", models.AuditActionIngest))
	var key models.IdempotencyKey
	require.NoError(t, env.db.Where("handler_name = ?", "batch:INGEST").First(&key).Error)
	assert.Equal(t, models.IdempotencyStatusSucceeded, key.Status)
	assert.Equal(t, batch.ID, key.BatchId)

	got, err := models.GetBatch(ctx, env.db, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, got.Status)
}

func TestHandleBatchJob_ReconcileMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.upload(t, "scenario.csv", scenarioCSV)
	engine := newTestEngine(env)
	require.NoError(t, engine.ProcessNow(ctx, batch.ID, config.BatchJobModeIngest))

	job, err := models.RequestBatchReconcile(ctx, env.db, batch.ID, "cid-1")
	require.NoError(t, err)
	require.NoError(t, engine.HandleBatchJob(ctx, job.ToMessage(), "delivery-1"))

	assert.Equal(t, int64(10), countRows(t, env.db, &models.AuditEntry{}, "action = ?", models.AuditActionReconcile))
	assert.Equal(t, int64(5), countRows(t, env.db, &models.ReconciliationResult{}, ""))
}

func TestHandleBatchJob_PoisonMessagesAreAcked(t *testing.T) {
	env := newTestEnv(t)
	engine := newTestEngine(env)
	ctx := context.Background()

	assert.NoError(t, engine.HandleBatchJob(ctx, config.BatchJobMessage{Mode: config.BatchJobModeIngest}, "d1"))
	assert.NoError(t, engine.HandleBatchJob(ctx, config.BatchJobMessage{BatchId: 1, Mode: "EXPORT"}, "d2"))
	// unknown batch: not found is permanent
	assert.NoError(t, engine.HandleBatchJob(ctx, config.BatchJobMessage{JobId: 77, BatchId: 404, Mode: config.BatchJobModeReconcile}, "d3"))
}

func TestHandleBatchJob_TransientFailureIsRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.upload(t, "scenario.csv", scenarioCSV)
	engine := newTestEngine(env)

	msg := config.BatchJobMessage{
		JobId:         900,
		BatchId:       batch.ID,
		Mode:          config.BatchJobModeIngest,
		SourceLocator: batch.SourceLocator + ".gone.csv",
		FieldMapping:  batch.FieldMapping.ToMap(),
	}
	require.Error(t, engine.HandleBatchJob(ctx, msg, "d1"))

	var key models.IdempotencyKey
	require.NoError(t, env.db.Where("message_id = ?", "900").First(&key).Error)
	assert.Equal(t, models.IdempotencyStatusFailed, key.Status)
	require.NotNil(t, key.LastError)

	// a failed key does not block the next attempt
	msg.SourceLocator = batch.SourceLocator
	require.NoError(t, engine.HandleBatchJob(ctx, msg, "d2"))
	require.NoError(t, env.db.Where("message_id = ?", "900").First(&key).Error)
	assert.Equal(t, models.IdempotencyStatusSucceeded, key.Status)
}
