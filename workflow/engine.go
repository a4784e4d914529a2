package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/recon_backend/appctx"
	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/ingest"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

const tracerName = "github.com/mmdatafocus/recon_backend/workflow"

// ErrPoisonMessage marks a job that can never succeed; the queue should drop it.
var ErrPoisonMessage = errors.New("poison batch job")

// Engine holds the dependencies of the reconciliation engine. main builds one and
// hands it to the HTTP handlers and queue workers.
type Engine struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Locker     *redislock.Client
	Publisher  JobPublisher
	Files      ingest.FileStore
	Processor  *BatchProcessor
	Corrector  *Corrector
	Dispatcher *OutboxDispatcher

	cancelDispatcher context.CancelFunc
}

func NewEngine(db *gorm.DB, logger *logrus.Logger, locker *redislock.Client, publisher JobPublisher, files ingest.FileStore) *Engine {
	tracer := otel.Tracer(tracerName)
	return &Engine{
		DB:        db,
		Logger:    logger,
		Locker:    locker,
		Publisher: publisher,
		Files:     files,
		Processor: &BatchProcessor{
			DB:           db,
			Logger:       logger,
			Files:        files,
			Tracer:       tracer,
			ChunkSize:    config.InsertChunkSize(),
			Workers:      config.MatchWorkers(),
			StoreTimeout: config.StoreTimeout(),
			JobTimeout:   config.JobTimeout(),
		},
		Corrector: &Corrector{
			DB:           db,
			Logger:       logger,
			Tracer:       tracer,
			StoreTimeout: config.StoreTimeout(),
		},
		Dispatcher: NewOutboxDispatcher(db, logger, publisher),
	}
}

// StartDispatcher runs the outbox dispatcher until Close.
func (e *Engine) StartDispatcher(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelDispatcher = cancel
	go e.Dispatcher.Run(ctx)
}

func (e *Engine) Close() {
	if e.cancelDispatcher != nil {
		e.cancelDispatcher()
	}
	if closer, ok := e.Files.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			config.LogError(e.Logger, "Engine", "Close", "closing file store", nil, err)
		}
	}
}

func handlerName(mode string) string {
	return models.BatchJobHandlerName(mode)
}

// HandleBatchJob runs one queue delivery. It returns nil when the message should be acked:
// the run succeeded, already succeeded earlier, or can never succeed.
func (e *Engine) HandleBatchJob(ctx context.Context, msg config.BatchJobMessage, deliveryId string) error {
	logFields := logrus.Fields{
		"field":          "HandleBatchJob",
		"job_id":         msg.JobId,
		"batch_id":       msg.BatchId,
		"mode":           msg.Mode,
		"message_id":     deliveryId,
		"correlation_id": msg.CorrelationId,
	}
	if err := validateJob(msg); err != nil {
		e.Logger.WithFields(logFields).Error("dropping batch job: " + err.Error())
		return nil
	}

	correlationId := msg.CorrelationId
	if correlationId == "" {
		correlationId = deliveryId
	}
	ctx = appctx.Set(ctx, appctx.ContextKeyCorrelationId, correlationId)
	ctx = appctx.Set(ctx, appctx.ContextKeyBatchId, msg.BatchId)

	lock := e.obtainLock(ctx, msg.BatchId, logFields)
	defer func() {
		if lock == nil {
			return
		}
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			e.Logger.WithFields(logFields).Warn("failed to release redis lock: " + err.Error())
		}
	}()

	// Jobs started outside the outbox (CLI) carry no id and skip idempotency.
	messageId := ""
	if msg.JobId > 0 {
		messageId = strconv.Itoa(msg.JobId)
		skip, err := BeginIdempotency(e.DB.WithContext(ctx), handlerName(msg.Mode), messageId, msg.BatchId)
		if err != nil {
			return err
		}
		if skip {
			e.Logger.WithFields(logFields).Info("batch job already processed; acking duplicate delivery")
			return nil
		}
	}

	runErr := withBatchLock(ctx, e.DB, msg.BatchId, func() error { return e.runJob(ctx, msg) })
	if messageId != "" {
		var markErr error
		if runErr == nil || isPermanent(runErr) {
			markErr = MarkIdempotencySucceeded(e.DB.WithContext(context.WithoutCancel(ctx)), handlerName(msg.Mode), messageId)
		} else {
			markErr = MarkIdempotencyFailed(e.DB.WithContext(context.WithoutCancel(ctx)), handlerName(msg.Mode), messageId, runErr)
		}
		if markErr != nil {
			config.LogError(e.Logger, "Engine", "HandleBatchJob", "marking idempotency key", messageId, markErr)
		}
	}
	if runErr != nil {
		if isPermanent(runErr) {
			e.Logger.WithFields(logFields).Error("batch job failed permanently: " + runErr.Error())
			return nil
		}
		return runErr
	}
	return nil
}

func (e *Engine) runJob(ctx context.Context, msg config.BatchJobMessage) error {
	switch msg.Mode {
	case config.BatchJobModeIngest:
		return e.Processor.ProcessBatch(ctx, msg.BatchId, msg.SourceLocator, models.FieldMappingFromMap(msg.FieldMapping))
	case config.BatchJobModeReconcile:
		return e.Processor.ReconcileBatch(ctx, msg.BatchId)
	}
	return fmt.Errorf("mode %q: %w", msg.Mode, ErrPoisonMessage)
}

func validateJob(msg config.BatchJobMessage) error {
	if msg.BatchId <= 0 {
		return fmt.Errorf("batch_id required: %w", ErrPoisonMessage)
	}
	switch msg.Mode {
	case config.BatchJobModeIngest:
		if msg.SourceLocator == "" {
			return fmt.Errorf("source_locator required: %w", ErrPoisonMessage)
		}
	case config.BatchJobModeReconcile:
	default:
		return fmt.Errorf("unknown mode %q: %w", msg.Mode, ErrPoisonMessage)
	}
	return nil
}

// isPermanent reports errors that redelivery cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrPoisonMessage) ||
		errors.Is(err, models.ErrValidation) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, ingest.ErrUnsupportedFormat)
}

// obtainLock is best-effort: without Redis, or when another worker holds the lock,
// the job still runs and correctness rests on the idempotency key and delete-and-replace.
func (e *Engine) obtainLock(ctx context.Context, batchId int, fields logrus.Fields) *redislock.Lock {
	if e.Locker == nil {
		e.Logger.WithFields(fields).Warn("redis lock not ready; proceeding without redis lock")
		return nil
	}
	lock, err := e.Locker.Obtain(ctx, fmt.Sprintf("lock:batch:%d", batchId), 10*time.Minute, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(500*time.Millisecond), 10),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		e.Logger.WithFields(fields).Warn("could not obtain redis lock; proceeding without redis lock")
		return nil
	}
	if err != nil {
		e.Logger.WithFields(fields).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
		return nil
	}
	return lock
}

// ProcessNow runs a job synchronously, bypassing the queue. Used by the admin CLI.
func (e *Engine) ProcessNow(ctx context.Context, batchId int, mode string) error {
	batch, err := models.GetBatch(ctx, e.DB, batchId)
	if err != nil {
		return err
	}
	msg := config.BatchJobMessage{
		BatchId:       batch.ID,
		Mode:          mode,
		SourceLocator: batch.SourceLocator,
		FieldMapping:  batch.FieldMapping.ToMap(),
	}
	return withBatchLock(ctx, e.DB, batch.ID, func() error { return e.runJob(ctx, msg) })
}
