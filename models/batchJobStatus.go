package models

import (
	"context"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// JobProcessingStatus is the worker-side state of a batch job.
// It does not include publish states like SENT.
type JobProcessingStatus string

const (
	JobProcessingStatusPending    JobProcessingStatus = "PENDING"
	JobProcessingStatusProcessing JobProcessingStatus = "PROCESSING"
	JobProcessingStatusFailed     JobProcessingStatus = "FAILED"
	JobProcessingStatusDead       JobProcessingStatus = "DEAD"
	JobProcessingStatusSucceeded  JobProcessingStatus = "SUCCEEDED"
)

// BatchJobStatus is the latest outbox row for a batch joined with its worker progress.
type BatchJobStatus struct {
	JobId            int                 `json:"job_id"`
	BatchId          int                 `json:"batch_id"`
	Mode             string              `json:"mode"`
	PublishStatus    string              `json:"publish_status"`
	ProcessingStatus JobProcessingStatus `json:"processing_status"`
	PublishAttempts  int                 `json:"publish_attempts"`
	NextAttemptAt    *time.Time          `json:"next_attempt_at"`
	LastPublishError *string             `json:"last_publish_error"`
	LastProcessError *string             `json:"last_process_error"`
	CreatedAt        time.Time           `json:"created_at"`
	PublishedAt      *time.Time          `json:"published_at"`
	ProcessedAt      *time.Time          `json:"processed_at"`
}

// BatchJobHandlerName is the idempotency handler name for jobs of a mode.
func BatchJobHandlerName(mode string) string {
	return "batch:" + mode
}

// GetBatchJobStatus reports the most recent job requested for a batch.
func GetBatchJobStatus(ctx context.Context, tx *gorm.DB, batchId int) (*BatchJobStatus, error) {
	var job BatchJob
	if err := tx.WithContext(ctx).
		Where("batch_id = ?", batchId).
		Order("id DESC").
		Take(&job).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, notFound("batch job for batch", batchId)
		}
		return nil, storeErr("get batch job status", err)
	}

	status := &BatchJobStatus{
		JobId:            job.ID,
		BatchId:          job.BatchId,
		Mode:             job.Mode,
		PublishStatus:    job.PublishStatus,
		ProcessingStatus: JobProcessingStatusPending,
		PublishAttempts:  job.PublishAttempts,
		NextAttemptAt:    job.NextAttemptAt,
		LastPublishError: job.LastPublishError,
		CreatedAt:        job.CreatedAt,
		PublishedAt:      job.PublishedAt,
	}
	if job.PublishStatus == OutboxPublishStatusDead {
		status.ProcessingStatus = JobProcessingStatusDead
		return status, nil
	}

	var key IdempotencyKey
	err := tx.WithContext(ctx).
		Where("handler_name = ? AND message_id = ?", BatchJobHandlerName(job.Mode), strconv.Itoa(job.ID)).
		Take(&key).Error
	if isRecordNotFound(err) {
		return status, nil
	}
	if err != nil {
		return nil, storeErr("get batch job status", err)
	}
	status.LastProcessError = key.LastError
	switch key.Status {
	case IdempotencyStatusStarted:
		status.ProcessingStatus = JobProcessingStatusProcessing
	case IdempotencyStatusFailed:
		status.ProcessingStatus = JobProcessingStatusFailed
	case IdempotencyStatusSucceeded:
		status.ProcessingStatus = JobProcessingStatusSucceeded
		processedAt := key.UpdatedAt
		status.ProcessedAt = &processedAt
	}
	return status, nil
}
