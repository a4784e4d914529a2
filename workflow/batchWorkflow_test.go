package workflow

import (
	"context"
	"testing"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessBatch_Scenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.upload(t, "scenario.csv", scenarioCSV)

	require.NoError(t, env.processor.ProcessBatch(ctx, batch.ID, batch.SourceLocator, batch.FieldMapping))

	got, err := models.GetBatch(ctx, env.db, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, got.Status)
	assert.Equal(t, 5, got.RecordCount)
	assert.Equal(t, 1, got.SkippedRows)
	assert.Equal(t, 0, got.FailedRecords)
	assert.Nil(t, got.ErrorDetail)

	results := env.resultsByTx(t, batch.ID)
	assert.Equal(t, models.VerdictMatched, results["TRX4001"].Verdict)
	assert.Equal(t, models.VerdictPartiallyMatched, results["TRX4010"].Verdict)
	require.Len(t, results["TRX4010"].Mismatches, 1)
	assert.Equal(t, "3.00%", results["TRX4010"].Mismatches[0].Variance)
	assert.Equal(t, models.VerdictNotMatched, results["TRX9999"].Verdict)
	assert.Nil(t, results["TRX9999"].ReferenceRecordId)
	assert.Equal(t, models.VerdictDuplicate, results["TRX5000"].Verdict)

	counts, err := models.CountResultsByVerdict(ctx, env.db, &batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.VerdictDuplicate])
	assert.Equal(t, int64(1), counts[models.VerdictMatched])

	// one Ingest and one Reconcile entry per record
	assert.Equal(t, int64(5), countRows(t, env.db, &models.AuditEntry{}, "action = ?", models.AuditActionIngest))
	assert.Equal(t, int64(5), countRows(t, env.db, &models.AuditEntry{}, "action = ?", models.AuditActionReconcile))

	entries, err := models.ListRecordAudit(ctx, env.db, results["TRX9999"].RecordId)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditActionReconcile, entries[0].Action)
	assert.JSONEq(t, `null`, string(entries[0].PreviousValue))
	assert.JSONEq(t, `"NotMatched"`, string(entries[0].NewValue))
	assert.Nil(t, entries[0].ActorUserId)
	assert.Equal(t, models.AuditSourceSystem, entries[0].Source)
}

func TestProcessBatch_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.upload(t, "scenario.csv", scenarioCSV)

	require.NoError(t, env.processor.ProcessBatch(ctx, batch.ID, batch.SourceLocator, batch.FieldMapping))
	first := env.resultsByTx(t, batch.ID)
	firstCounts, err := models.CountResultsByVerdict(ctx, env.db, &batch.ID)
	require.NoError(t, err)

	require.NoError(t, env.processor.ProcessBatch(ctx, batch.ID, batch.SourceLocator, batch.FieldMapping))
	second := env.resultsByTx(t, batch.ID)
	secondCounts, err := models.CountResultsByVerdict(ctx, env.db, &batch.ID)
	require.NoError(t, err)

	assert.Equal(t, firstCounts, secondCounts)
	for tx, res := range first {
		assert.Equal(t, res.Verdict, second[tx].Verdict, tx)
	}
	assert.Equal(t, int64(5), countRows(t, env.db, &models.Record{}, "batch_id = ?", batch.ID))
	assert.Equal(t, int64(5), countRows(t, env.db, &models.ReconciliationResult{}, ""))
	// audit trail only grows
	assert.Equal(t, int64(20), countRows(t, env.db, &models.AuditEntry{}, ""))
}

func TestProcessBatch_MalformedRuleFailsBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// bypass ReplaceRules validation
	require.NoError(t, env.db.Exec("DELETE FROM rules").Error)
	require.NoError(t, env.db.Create(&models.Rule{Kind: models.RuleKindExact, Fields: []string{"iban"}}).Error)
	batch := env.upload(t, "scenario.csv", scenarioCSV)

	require.NoError(t, env.processor.ProcessBatch(ctx, batch.ID, batch.SourceLocator, batch.FieldMapping))

	got, err := models.GetBatch(ctx, env.db, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusFailed, got.Status)
	assert.Equal(t, 5, got.FailedRecords)
	require.NotNil(t, got.ErrorDetail)
	assert.Contains(t, *got.ErrorDetail, "5 record(s)")
	assert.Equal(t, int64(0), countRows(t, env.db, &models.ReconciliationResult{}, ""))
}

func TestProcessBatch_SourceFailureKeepsPriorResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.upload(t, "scenario.csv", scenarioCSV)
	require.NoError(t, env.processor.ProcessBatch(ctx, batch.ID, batch.SourceLocator, batch.FieldMapping))

	err := env.processor.ProcessBatch(ctx, batch.ID, batch.SourceLocator+".missing.csv", batch.FieldMapping)
	require.Error(t, err)

	got, err := models.GetBatch(ctx, env.db, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetail)
	assert.Equal(t, int64(5), countRows(t, env.db, &models.ReconciliationResult{}, ""))
}

func TestProcessBatch_InvalidMapping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.upload(t, "scenario.csv", scenarioCSV)

	err := env.processor.ProcessBatch(ctx, batch.ID, batch.SourceLocator, models.FieldMapping{TransactionId: "Txn"})
	require.ErrorIs(t, err, models.ErrValidation)
	assert.True(t, isPermanent(err))

	got, err := models.GetBatch(ctx, env.db, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.Status, got.Status)
	assert.Nil(t, got.ErrorDetail)
	assert.Equal(t, int64(0), countRows(t, env.db, &models.Record{}, "batch_id = ?", batch.ID))
}

func TestProcessBatch_UnknownBatch(t *testing.T) {
	env := newTestEnv(t)
	err := env.processor.ProcessBatch(context.Background(), 404, "x.csv", testMapping)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestReconcileBatch_MalformedRuleKeepsPriorResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.upload(t, "scenario.csv", scenarioCSV)
	require.NoError(t, env.processor.ProcessBatch(ctx, batch.ID, batch.SourceLocator, batch.FieldMapping))
	before := env.resultsByTx(t, batch.ID)

	// bypass ReplaceRules validation
	require.NoError(t, env.db.Exec("DELETE FROM rules").Error)
	require.NoError(t, env.db.Create(&models.Rule{Kind: models.RuleKindExact, Fields: []string{"iban"}}).Error)
	require.NoError(t, env.processor.ReconcileBatch(ctx, batch.ID))

	got, err := models.GetBatch(ctx, env.db, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetail)
	assert.Contains(t, *got.ErrorDetail, "iban")

	assert.Equal(t, int64(5), countRows(t, env.db, &models.ReconciliationResult{}, ""))
	after := env.resultsByTx(t, batch.ID)
	require.Len(t, after, len(before))
	for tx, r := range before {
		assert.Equal(t, r.ID, after[tx].ID, tx)
		assert.Equal(t, r.Verdict, after[tx].Verdict, tx)
	}
	assert.Equal(t, int64(5), countRows(t, env.db, &models.AuditEntry{}, "action = ?", models.AuditActionReconcile))
}

func TestReconcileBatch_UsesCurrentRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.upload(t, "scenario.csv", scenarioCSV)
	require.NoError(t, env.processor.ProcessBatch(ctx, batch.ID, batch.SourceLocator, batch.FieldMapping))
	before := env.resultsByTx(t, batch.ID)

	// Only a Duplicate rule remains: everything else becomes NotMatched.
	require.NoError(t, models.ReplaceRules(ctx, env.db, []models.Rule{
		{Kind: models.RuleKindDuplicate, Fields: []string{"transactionId"}},
	}))
	require.NoError(t, env.processor.ReconcileBatch(ctx, batch.ID))

	after := env.resultsByTx(t, batch.ID)
	assert.Equal(t, models.VerdictNotMatched, after["TRX4001"].Verdict)
	assert.Equal(t, models.VerdictNotMatched, after["TRX4010"].Verdict)
	assert.Equal(t, models.VerdictDuplicate, after["TRX5000"].Verdict)
	// records are kept
	assert.Equal(t, before["TRX4001"].RecordId, after["TRX4001"].RecordId)

	got, err := models.GetBatch(ctx, env.db, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, got.Status)
	assert.Equal(t, 1, got.SkippedRows)
	assert.Equal(t, int64(5), countRows(t, env.db, &models.AuditEntry{}, "action = ?", models.AuditActionIngest))
	assert.Equal(t, int64(10), countRows(t, env.db, &models.AuditEntry{}, "action = ?", models.AuditActionReconcile))
}
