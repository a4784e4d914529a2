package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/recon_backend/appctx"
	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/ingest"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/reconcile"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// BatchProcessor loads a batch's rows and reconciles every record.
type BatchProcessor struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Files  ingest.FileStore
	Tracer trace.Tracer

	ChunkSize    int
	Workers      int
	StoreTimeout time.Duration
	JobTimeout   time.Duration
	Now          func() time.Time
}

// runStats is collected while matching. failures keeps the first few matcher errors.
type runStats struct {
	mu       sync.Mutex
	matched  int
	failed   int
	failures []error
}

func (s *runStats) addFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	if len(s.failures) < 3 {
		s.failures = append(s.failures, err)
	}
}

func (s *runStats) addMatched() {
	s.mu.Lock()
	s.matched++
	s.mu.Unlock()
}

func (s *runStats) failureDetail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%d record(s) could not be reconciled: %v", s.failed, errors.Join(s.failures...))
}

// ProcessBatch replaces the batch's records with the rows read from sourceLocator and
// reconciles them. Running it twice with the same input yields the same final state.
// Source problems are detected before anything is deleted.
func (p *BatchProcessor) ProcessBatch(ctx context.Context, batchId int, sourceLocator string, mapping models.FieldMapping) (err error) {
	ctx, cancel := p.jobContext(ctx)
	defer cancel()
	ctx, span := p.Tracer.Start(ctx, "BatchProcessor.ProcessBatch", trace.WithAttributes(attribute.Int("batch_id", batchId)))
	defer func() { endSpan(span, err) }()

	batch, err := p.getBatch(ctx, batchId)
	if err != nil {
		return err
	}
	// An unusable mapping leaves the batch as it was.
	if err := mapping.Validate(); err != nil {
		return err
	}
	if err := p.markProcessing(ctx, batchId); err != nil {
		return err
	}

	rows, err := ingest.ReadRows(ctx, p.Files, sourceLocator)
	if err != nil {
		return p.fail(ctx, batch, fmt.Errorf("read source: %w", err), models.BatchRunStats{RecordCount: batch.RecordCount})
	}
	records, warnings := ingest.Normalize(rows, mapping, p.now())
	skipped := 0
	for _, w := range warnings {
		if w.Skipped {
			skipped++
		}
		p.Logger.WithFields(appctx.LogFields(ctx, logrus.Fields{
			"field":    "BatchProcessor",
			"batch_id": batchId,
			"line":     w.Line,
			"column":   w.Field,
			"skipped":  w.Skipped,
		})).Warn("data quality: " + w.Reason)
	}

	err = p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.DeleteBatchRecords(ctx, tx, batchId); err != nil {
			return err
		}
		if err := models.InsertBatchRecords(ctx, tx, batchId, records, p.ChunkSize); err != nil {
			return err
		}
		return models.AppendIngestAudit(ctx, tx, records, p.ChunkSize)
	})
	stats := models.BatchRunStats{RecordCount: len(records), SkippedRows: skipped}
	if err != nil {
		return p.fail(ctx, batch, fmt.Errorf("replace records: %w", err), stats)
	}

	return p.reconcileAndFinish(ctx, batch, stats)
}

// ReconcileBatch recomputes the verdicts of the batch's stored records, e.g. after rules change.
func (p *BatchProcessor) ReconcileBatch(ctx context.Context, batchId int) (err error) {
	ctx, cancel := p.jobContext(ctx)
	defer cancel()
	ctx, span := p.Tracer.Start(ctx, "BatchProcessor.ReconcileBatch", trace.WithAttributes(attribute.Int("batch_id", batchId)))
	defer func() { endSpan(span, err) }()

	batch, err := p.getBatch(ctx, batchId)
	if err != nil {
		return err
	}
	if err := p.markProcessing(ctx, batchId); err != nil {
		return err
	}
	stats := models.BatchRunStats{RecordCount: batch.RecordCount, SkippedRows: batch.SkippedRows}

	// Check the rules before clearing anything so a bad rule keeps the previous results.
	var rules models.RuleSet
	if err := p.withStore(ctx, func(ctx context.Context) error {
		var err error
		rules, err = models.LoadRuleSet(ctx, p.DB)
		return err
	}); err != nil {
		return p.fail(ctx, batch, fmt.Errorf("load rules: %w", err), stats)
	}
	if err := reconcile.NewSnapshot(rules, nil, nil).Err(); err != nil {
		detail := err.Error()
		if err := p.withStore(ctx, func(ctx context.Context) error {
			return models.MarkBatchFailed(ctx, p.DB, batchId, detail, stats)
		}); err != nil {
			return err
		}
		p.Logger.WithFields(appctx.LogFields(ctx, logrus.Fields{
			"field":    "BatchProcessor",
			"batch_id": batchId,
		})).Error(detail)
		return nil
	}

	storeCtx, cancelStore := context.WithTimeout(ctx, p.StoreTimeout)
	_, err = models.DeleteBatchResults(storeCtx, p.DB, batchId)
	cancelStore()
	if err != nil {
		return p.fail(ctx, batch, fmt.Errorf("clear results: %w", err), stats)
	}
	return p.reconcileAndFinish(ctx, batch, stats)
}

func (p *BatchProcessor) reconcileAndFinish(ctx context.Context, batch *models.Batch, stats models.BatchRunStats) error {
	run, err := p.reconcileRecords(ctx, batch.ID)
	if run != nil {
		stats.FailedRecords = run.failed
	}
	if err != nil {
		return p.fail(ctx, batch, fmt.Errorf("reconcile: %w", err), stats)
	}
	defer models.InvalidateSummary(context.WithoutCancel(ctx))

	if run.failed > 0 {
		// Redelivery cannot fix a matcher failure, so the job itself succeeds.
		detail := run.failureDetail()
		if err := p.withStore(ctx, func(ctx context.Context) error {
			return models.MarkBatchFailed(ctx, p.DB, batch.ID, detail, stats)
		}); err != nil {
			return err
		}
		p.Logger.WithFields(appctx.LogFields(ctx, logrus.Fields{
			"field":          "BatchProcessor",
			"batch_id":       batch.ID,
			"failed_records": run.failed,
		})).Error(detail)
		return nil
	}

	if err := p.withStore(ctx, func(ctx context.Context) error {
		return models.MarkBatchCompleted(ctx, p.DB, batch.ID, stats)
	}); err != nil {
		return err
	}
	p.Logger.WithFields(appctx.LogFields(ctx, logrus.Fields{
		"field":        "BatchProcessor",
		"batch_id":     batch.ID,
		"record_count": stats.RecordCount,
		"skipped_rows": stats.SkippedRows,
	})).Info("batch completed")
	return nil
}

// reconcileRecords takes one snapshot of rules, references and batch records,
// then matches every record in parallel. Each result and its audit entry commit together.
// A store error stops the run; a matcher error only skips that record.
func (p *BatchProcessor) reconcileRecords(ctx context.Context, batchId int) (*runStats, error) {
	var (
		rules      models.RuleSet
		references []models.Record
		records    []models.Record
	)
	err := p.withStore(ctx, func(ctx context.Context) error {
		var err error
		if rules, err = models.LoadRuleSet(ctx, p.DB); err != nil {
			return err
		}
		if references, err = models.ListReferenceRecords(ctx, p.DB); err != nil {
			return err
		}
		records, err = models.ListBatchRecords(ctx, p.DB, batchId)
		return err
	})
	if err != nil {
		return nil, err
	}
	snap := reconcile.NewSnapshot(rules, references, records)

	run := &runStats{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for _, record := range records {
		record := record
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome, err := reconcile.Reconcile(record, snap)
			if err != nil {
				run.addFailure(fmt.Errorf("record %d: %w", record.ID, err))
				return nil
			}
			err = p.withStore(gctx, func(ctx context.Context) error {
				return p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
					if _, err := models.SaveResult(ctx, tx, record.ID, outcome); err != nil {
						return err
					}
					entry, err := models.NewAuditEntry(record.ID, models.AuditActionReconcile, nil, outcome.Verdict, nil)
					if err != nil {
						return err
					}
					return models.AppendAudit(ctx, tx, &entry)
				})
			})
			if err != nil {
				return fmt.Errorf("record %d: %w", record.ID, err)
			}
			run.addMatched()
			return nil
		})
	}
	return run, g.Wait()
}

func (p *BatchProcessor) getBatch(ctx context.Context, batchId int) (*models.Batch, error) {
	var batch *models.Batch
	err := p.withStore(ctx, func(ctx context.Context) error {
		var err error
		batch, err = models.GetBatch(ctx, p.DB, batchId)
		return err
	})
	return batch, err
}

func (p *BatchProcessor) markProcessing(ctx context.Context, batchId int) error {
	return p.withStore(ctx, func(ctx context.Context) error {
		return models.MarkBatchProcessing(ctx, p.DB, batchId)
	})
}

// fail records the error on the batch and returns it. When the job ran out of time
// the batch stays Processing so the redelivered job can finish it.
func (p *BatchProcessor) fail(ctx context.Context, batch *models.Batch, cause error, stats models.BatchRunStats) error {
	config.LogError(p.Logger, "BatchProcessor", "fail", fmt.Sprintf("batch %d", batch.ID), nil, cause)
	if ctx.Err() != nil && models.IsTimeout(cause) {
		return cause
	}
	// The job context may already be unusable; the failure write gets its own budget.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.StoreTimeout)
	defer cancel()
	if err := models.MarkBatchFailed(storeCtx, p.DB, batch.ID, cause.Error(), stats); err != nil {
		config.LogError(p.Logger, "BatchProcessor", "fail", "MarkBatchFailed", nil, err)
	}
	return cause
}

func (p *BatchProcessor) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	storeCtx, cancel := context.WithTimeout(ctx, p.StoreTimeout)
	defer cancel()
	return fn(storeCtx)
}

func (p *BatchProcessor) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.JobTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.JobTimeout)
}

func (p *BatchProcessor) workers() int {
	if p.Workers < 1 {
		return 1
	}
	return p.Workers
}

func (p *BatchProcessor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
