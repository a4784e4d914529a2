package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/reconcile"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func processedScenario(t *testing.T) (*testEnv, *models.Batch) {
	t.Helper()
	env := newTestEnv(t)
	batch := env.upload(t, "scenario.csv", scenarioCSV)
	require.NoError(t, env.processor.ProcessBatch(context.Background(), batch.ID, batch.SourceLocator, batch.FieldMapping))
	return env, batch
}

func TestCorrect_RoundTrip(t *testing.T) {
	env, batch := processedScenario(t)
	ctx := context.Background()
	before := env.resultsByTx(t, batch.ID)["TRX9999"]

	got, err := env.corrector.Correct(ctx, before.ID, map[string]any{
		"transactionId": "TRX4002",
		"amount":        1500.0,
		"comment":       "ignored",
	}, 42)
	require.NoError(t, err)

	assert.Equal(t, before.ID, got.ID)
	assert.Equal(t, before.RecordId, got.RecordId)
	assert.Equal(t, before.Version+1, got.Version)
	assert.Equal(t, models.VerdictMatched, got.Verdict)
	require.NotNil(t, got.ReferenceRecordId)

	record, err := models.GetRecord(ctx, env.db, got.RecordId)
	require.NoError(t, err)
	assert.Equal(t, "TRX4002", record.TransactionId)
	assert.True(t, record.Amount.Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, "REF0000", record.ReferenceNumber)

	// same outcome as reconciling the stored record directly
	rules, err := models.LoadRuleSet(ctx, env.db)
	require.NoError(t, err)
	refs, err := models.ListReferenceRecords(ctx, env.db)
	require.NoError(t, err)
	batchRecords, err := models.ListBatchRecords(ctx, env.db, batch.ID)
	require.NoError(t, err)
	direct, err := reconcile.Reconcile(*record, reconcile.NewSnapshot(rules, refs, batchRecords))
	require.NoError(t, err)
	assert.Equal(t, direct.Verdict, got.Verdict)
	assert.Equal(t, *direct.ReferenceRecordId, *got.ReferenceRecordId)

	entries, err := models.ListRecordAudit(ctx, env.db, record.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	corr := entries[0]
	assert.Equal(t, models.AuditActionCorrection, corr.Action)
	require.NotNil(t, corr.ActorUserId)
	assert.Equal(t, 42, *corr.ActorUserId)
	assert.Equal(t, models.AuditSourceUser, corr.Source)

	var prev models.RecordValues
	require.NoError(t, json.Unmarshal(corr.PreviousValue, &prev))
	assert.Equal(t, "TRX9999", prev.TransactionId)
	assert.True(t, prev.Amount.Equal(decimal.NewFromInt(1)))

	var next models.CorrectionValue
	require.NoError(t, json.Unmarshal(corr.NewValue, &next))
	assert.Equal(t, "TRX4002", next.TransactionId)
	assert.Equal(t, models.VerdictMatched, next.Verdict)

	n, err := models.CountRecordAudit(ctx, env.db, record.ID, models.AuditActionCorrection)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCorrect_AmountOnlyKeepsOtherFields(t *testing.T) {
	env, batch := processedScenario(t)
	ctx := context.Background()
	before := env.resultsByTx(t, batch.ID)["TRX4010"]

	got, err := env.corrector.Correct(ctx, before.ID, map[string]any{"amount": "1000"}, 7)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPartiallyMatched, got.Verdict)
	require.Len(t, got.Mismatches, 1)
	assert.Equal(t, "0.00%", got.Mismatches[0].Variance)

	record, err := models.GetRecord(ctx, env.db, got.RecordId)
	require.NoError(t, err)
	assert.Equal(t, "TRX4010", record.TransactionId)
	assert.Equal(t, "REF4001", record.ReferenceNumber)
}

func TestCorrect_Errors(t *testing.T) {
	env, batch := processedScenario(t)
	ctx := context.Background()
	res := env.resultsByTx(t, batch.ID)["TRX9999"]

	_, err := env.corrector.Correct(ctx, 99999, map[string]any{"amount": 1.0}, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = env.corrector.Correct(ctx, res.ID, map[string]any{}, 1)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = env.corrector.Correct(ctx, res.ID, map[string]any{"note": "x"}, 1)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = env.corrector.Correct(ctx, res.ID, map[string]any{"amount": "abc"}, 1)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = env.corrector.Correct(ctx, res.ID, map[string]any{"referenceNumber": 12}, 1)
	assert.ErrorIs(t, err, models.ErrValidation)

	// nothing changed and nothing was audited
	after, err := models.GetResult(ctx, env.db, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Version, after.Version)
	n, err := models.CountRecordAudit(ctx, env.db, res.RecordId, models.AuditActionCorrection)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUpdateResultOutcome_StaleVersionConflicts(t *testing.T) {
	env, batch := processedScenario(t)
	ctx := context.Background()
	res := env.resultsByTx(t, batch.ID)["TRX9999"]

	_, err := env.corrector.Correct(ctx, res.ID, map[string]any{"referenceNumber": "REF4001"}, 1)
	require.NoError(t, err)

	_, err = models.UpdateResultOutcome(ctx, env.db, res.ID, res.Version, models.ResultOutcome{Verdict: models.VerdictMatched})
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestParseCorrection(t *testing.T) {
	patch, err := ParseCorrection(map[string]any{
		"amount":          json.Number("12.50"),
		"referenceNumber": "  REF1 ",
	})
	require.NoError(t, err)
	require.NotNil(t, patch.Amount)
	assert.Equal(t, "12.5", patch.Amount.String())
	require.NotNil(t, patch.ReferenceNumber)
	assert.Equal(t, "REF1", *patch.ReferenceNumber)
	assert.Nil(t, patch.TransactionId)

	_, err = ParseCorrection(map[string]any{"transactionId": " "})
	assert.ErrorIs(t, err, models.ErrValidation)
}
