package workflow

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/ingest"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var testMapping = models.FieldMapping{
	TransactionId:   "Txn",
	Amount:          "Amt",
	ReferenceNumber: "Ref",
	Date:            "When",
}

// scenarioCSV holds one row per verdict plus one unusable row.
const scenarioCSV = `Txn,Amt,Ref,When
TRX4001,1000,REF4001,2024-11-01
TRX4010,1030,REF4001,2024-11-01
TRX9999,1,REF0000,2024-11-02
TRX5000,250,REF5000,2024-11-03
TRX5000,250,REF5000,2024-11-03
,5,REF1,2024-11-03
`

type testEnv struct {
	db        *gorm.DB
	files     *ingest.LocalStore
	logger    *logrus.Logger
	processor *BatchProcessor
	corrector *Corrector
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := config.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	require.NoError(t, models.MigrateTable(db))

	ctx := context.Background()
	require.NoError(t, models.ReplaceRules(ctx, db, []models.Rule{
		{Kind: models.RuleKindExact, Fields: []string{"transactionId", "amount"}},
		{Kind: models.RuleKindPartial, Fields: []string{"referenceNumber"}, Tolerance: decimal.RequireFromString("0.05")},
		{Kind: models.RuleKindDuplicate, Fields: []string{"transactionId"}},
	}))
	day := func(d int) time.Time { return time.Date(2024, 11, d, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, models.ReplaceReferenceRecords(ctx, db, []models.Record{
		{TransactionId: "TRX4001", Amount: decimal.NewFromInt(1000), ReferenceNumber: "REF4001", Date: day(1)},
		{TransactionId: "TRX4002", Amount: decimal.NewFromInt(1500), ReferenceNumber: "REF4002", Date: day(2)},
		{TransactionId: "TRX4003", Amount: decimal.NewFromInt(2000), ReferenceNumber: "REF4003", Date: day(3)},
		{TransactionId: "TRX3001", Amount: decimal.NewFromInt(1200), ReferenceNumber: "REF3001", Date: day(1)},
	}))

	logger := quietLogger()
	tracer := otel.Tracer("test")
	files := &ingest.LocalStore{Dir: t.TempDir()}
	return &testEnv{
		db:     db,
		files:  files,
		logger: logger,
		processor: &BatchProcessor{
			DB:           db,
			Logger:       logger,
			Files:        files,
			Tracer:       tracer,
			ChunkSize:    2,
			Workers:      4,
			StoreTimeout: 10 * time.Second,
			JobTimeout:   time.Minute,
			Now:          func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) },
		},
		corrector: &Corrector{
			DB:           db,
			Logger:       logger,
			Tracer:       tracer,
			StoreTimeout: 10 * time.Second,
		},
	}
}

// upload stores content and registers a batch for it, the way the upload endpoint does.
func (env *testEnv) upload(t *testing.T, name, content string) *models.Batch {
	t.Helper()
	ctx := context.Background()
	locator, err := env.files.Save(ctx, name, strings.NewReader(content))
	require.NoError(t, err)
	batch, reused, err := models.CreateBatch(ctx, env.db, models.NewBatch{
		OwnerUserId:   1,
		FileName:      name,
		Fingerprint:   ingest.Fingerprint([]byte(content)),
		FieldMapping:  testMapping,
		SourceLocator: locator,
	})
	require.NoError(t, err)
	require.False(t, reused)
	return batch
}

// resultsByTx keys the batch's results by transaction id; duplicates collapse to the last one.
func (env *testEnv) resultsByTx(t *testing.T, batchId int) map[string]models.ReconciliationResult {
	t.Helper()
	ctx := context.Background()
	records, err := models.ListBatchRecords(ctx, env.db, batchId)
	require.NoError(t, err)
	byId := map[int]models.Record{}
	for _, r := range records {
		byId[r.ID] = r
	}
	results, err := models.ListBatchResults(ctx, env.db, batchId)
	require.NoError(t, err)
	out := map[string]models.ReconciliationResult{}
	for _, res := range results {
		out[byId[res.RecordId].TransactionId] = res
	}
	return out
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}
