package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func ref(id int, tx string, amount string, refNo string) models.Record {
	return models.Record{
		ID:              id,
		TransactionId:   tx,
		Amount:          decimal.RequireFromString(amount),
		ReferenceNumber: refNo,
		Date:            day,
		IsReference:     true,
	}
}

func upload(id, batch int, tx string, amount string, refNo string) models.Record {
	b := batch
	return models.Record{
		ID:              id,
		BatchId:         &b,
		TransactionId:   tx,
		Amount:          decimal.RequireFromString(amount),
		ReferenceNumber: refNo,
		Date:            day,
	}
}

func defaultRules() models.RuleSet {
	return models.NewRuleSet([]models.Rule{
		{ID: 1, Kind: models.RuleKindExact, Fields: []string{"transactionId", "amount"}},
		{ID: 2, Kind: models.RuleKindPartial, Fields: []string{"referenceNumber"}, Tolerance: decimal.RequireFromString("0.05")},
		{ID: 3, Kind: models.RuleKindDuplicate, Fields: []string{"transactionId"}},
	})
}

func TestReconcile_Scenario(t *testing.T) {
	refs := []models.Record{ref(1, "TRX4001", "1000", "REF4001")}
	batch := []models.Record{
		upload(10, 7, "TRX4001", "1000.00", "REF4001"),
		upload(11, 8, "TRX4001", "1030", "REF4001"),
		upload(12, 7, "TRX9999", "1", "REF0000"),
		upload(13, 7, "TRX5000", "250", "REF5000"),
		upload(14, 7, "TRX5000", "250", "REF5000"),
	}
	snap := NewSnapshot(defaultRules(), refs, batch)

	out, err := Reconcile(batch[0], snap)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictMatched, out.Verdict)
	require.NotNil(t, out.ReferenceRecordId)
	assert.Equal(t, 1, *out.ReferenceRecordId)
	assert.Empty(t, out.Mismatches)

	out, err = Reconcile(batch[1], snap)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPartiallyMatched, out.Verdict)
	require.Len(t, out.Mismatches, 1)
	assert.Equal(t, "amount", out.Mismatches[0].Field)
	assert.Equal(t, "3.00%", out.Mismatches[0].Variance)
	assert.True(t, out.Mismatches[0].UploadedValue.Equal(decimal.NewFromInt(1030)))
	assert.True(t, out.Mismatches[0].ReferenceValue.Equal(decimal.NewFromInt(1000)))

	out, err = Reconcile(batch[2], snap)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictNotMatched, out.Verdict)
	assert.Nil(t, out.ReferenceRecordId)
	assert.NotNil(t, out.Mismatches)
	assert.Empty(t, out.Mismatches)

	for _, r := range batch[3:] {
		out, err = Reconcile(r, snap)
		require.NoError(t, err)
		assert.Equal(t, models.VerdictDuplicate, out.Verdict, r.String())
	}
}

func TestReconcile_DuplicateOverridesMatchAndKeepsReference(t *testing.T) {
	refs := []models.Record{ref(1, "TRX4001", "1000", "REF4001")}
	batch := []models.Record{
		upload(10, 7, "TRX4001", "1000", "REF4001"),
		upload(11, 7, "TRX4001", "1000", "REF4001"),
	}
	snap := NewSnapshot(defaultRules(), refs, batch)

	out, err := Reconcile(batch[0], snap)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictDuplicate, out.Verdict)
	require.NotNil(t, out.ReferenceRecordId)
	assert.Equal(t, 1, *out.ReferenceRecordId)
}

func TestReconcile_DuplicateIsScopedToBatch(t *testing.T) {
	batch := []models.Record{
		upload(10, 7, "TRX5000", "1", "A"),
		upload(11, 8, "TRX5000", "1", "A"),
	}
	snap := NewSnapshot(defaultRules(), nil, batch)
	for _, r := range batch {
		out, err := Reconcile(r, snap)
		require.NoError(t, err)
		assert.Equal(t, models.VerdictNotMatched, out.Verdict)
	}
}

func TestReconcile_ZeroReferenceAmountIsSkipped(t *testing.T) {
	refs := []models.Record{
		ref(1, "TRX1", "0", "REF1"),
		ref(2, "TRX2", "100", "REF1"),
	}
	rec := upload(10, 7, "TRX3", "101", "REF1")
	snap := NewSnapshot(defaultRules(), refs, []models.Record{rec})

	out, err := Reconcile(rec, snap)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPartiallyMatched, out.Verdict)
	assert.Equal(t, 2, *out.ReferenceRecordId)
	assert.Equal(t, "1.00%", out.Mismatches[0].Variance)

	onlyZero := NewSnapshot(defaultRules(), refs[:1], []models.Record{rec})
	out, err = Reconcile(rec, onlyZero)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictNotMatched, out.Verdict)
}

func TestReconcile_LowestIdWins(t *testing.T) {
	refs := []models.Record{
		ref(9, "TRX1", "50", "R"),
		ref(4, "TRX1", "50", "R"),
		ref(6, "TRX1", "50", "R"),
	}
	rec := upload(10, 7, "TRX1", "50", "R")
	out, err := Reconcile(rec, NewSnapshot(defaultRules(), refs, []models.Record{rec}))
	require.NoError(t, err)
	assert.Equal(t, 4, *out.ReferenceRecordId)
}

func TestReconcile_PartialPicksFirstCandidateWithinTolerance(t *testing.T) {
	refs := []models.Record{
		ref(1, "A", "200", "R"), // 50% off
		ref(2, "B", "104", "R"),
		ref(3, "C", "100", "R"),
	}
	rec := upload(10, 7, "Z", "100", "R")
	out, err := Reconcile(rec, NewSnapshot(defaultRules(), refs, []models.Record{rec}))
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPartiallyMatched, out.Verdict)
	assert.Equal(t, 2, *out.ReferenceRecordId)
	assert.Equal(t, "3.85%", out.Mismatches[0].Variance)
}

func TestReconcile_ToleranceBoundaryIsInclusive(t *testing.T) {
	refs := []models.Record{ref(1, "A", "1000", "R")}
	rec := upload(10, 7, "Z", "1050", "R")
	out, err := Reconcile(rec, NewSnapshot(defaultRules(), refs, []models.Record{rec}))
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPartiallyMatched, out.Verdict)
	assert.Equal(t, "5.00%", out.Mismatches[0].Variance)

	rec = upload(10, 7, "Z", "1050.01", "R")
	out, err = Reconcile(rec, NewSnapshot(defaultRules(), refs, []models.Record{rec}))
	require.NoError(t, err)
	assert.Equal(t, models.VerdictNotMatched, out.Verdict)
}

func TestReconcile_MalformedRule(t *testing.T) {
	cases := map[string]models.Rule{
		"unknown field":  {ID: 1, Kind: models.RuleKindExact, Fields: []string{"iban"}},
		"empty fields":   {ID: 1, Kind: models.RuleKindDuplicate},
		"tolerance high": {ID: 1, Kind: models.RuleKindPartial, Fields: []string{"referenceNumber"}, Tolerance: decimal.RequireFromString("1.5")},
		"tolerance neg":  {ID: 1, Kind: models.RuleKindPartial, Fields: []string{"referenceNumber"}, Tolerance: decimal.RequireFromString("-0.1")},
	}
	rec := upload(10, 7, "Z", "1", "R")
	for name, rule := range cases {
		t.Run(name, func(t *testing.T) {
			snap := NewSnapshot(models.NewRuleSet([]models.Rule{rule}), nil, []models.Record{rec})
			_, err := Reconcile(rec, snap)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRule))
			assert.True(t, errors.Is(err, models.ErrValidation))
			assert.ErrorIs(t, snap.Err(), ErrMalformedRule)
		})
	}
}

func TestReconcile_NoRules(t *testing.T) {
	rec := upload(10, 7, "Z", "1", "R")
	snap := NewSnapshot(models.RuleSet{}, []models.Record{ref(1, "Z", "1", "R")}, nil)
	require.NoError(t, snap.Err())
	out, err := Reconcile(rec, snap)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictNotMatched, out.Verdict)
}

func TestVariance(t *testing.T) {
	v, ok := Variance(decimal.NewFromInt(1000), decimal.NewFromInt(970))
	require.True(t, ok)
	assert.Equal(t, "3.00%", FormatVariance(v))

	v, ok = Variance(decimal.NewFromInt(-200), decimal.NewFromInt(-210))
	require.True(t, ok)
	assert.Equal(t, "5.00%", FormatVariance(v))

	_, ok = Variance(decimal.Zero, decimal.NewFromInt(1))
	assert.False(t, ok)
}
