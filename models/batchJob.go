package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/recon_backend/config"
	"gorm.io/gorm"
)

// Outbox publish states.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// BatchJob is the outbox row for one requested batch run.
// It is written in the same transaction as the batch change and published after commit by the dispatcher.
type BatchJob struct {
	ID               int               `gorm:"primary_key;index:idx_batch_job_dispatch,priority:3" json:"id"`
	BatchId          int               `gorm:"index;not null" json:"batch_id"`
	Mode             string            `gorm:"size:20;not null" json:"mode"`
	SourceLocator    string            `gorm:"size:1024" json:"source_locator"`
	FieldMapping     map[string]string `gorm:"serializer:json;type:text" json:"field_mapping"`
	PublishStatus    string            `gorm:"size:20;index;not null;default:'PENDING';index:idx_batch_job_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time        `gorm:"index" json:"published_at"`
	PubSubMessageId  *string           `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int               `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time        `gorm:"index;index:idx_batch_job_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time        `gorm:"index" json:"locked_at"`
	LockedBy         *string           `gorm:"size:100" json:"locked_by"`
	LastPublishError *string           `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string            `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func EnqueueBatchJob(ctx context.Context, tx *gorm.DB, batch Batch, mode string, correlationId string) (*BatchJob, error) {
	job := BatchJob{
		BatchId:       batch.ID,
		Mode:          mode,
		SourceLocator: batch.SourceLocator,
		FieldMapping:  batch.FieldMapping.ToMap(),
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationId,
	}
	if err := tx.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (job BatchJob) ToMessage() config.BatchJobMessage {
	return config.BatchJobMessage{
		JobId:         job.ID,
		BatchId:       job.BatchId,
		Mode:          job.Mode,
		SourceLocator: job.SourceLocator,
		FieldMapping:  job.FieldMapping,
		CorrelationId: job.CorrelationId,
		RequestedAt:   job.CreatedAt,
	}
}

func GetBatchJob(ctx context.Context, tx *gorm.DB, id int) (*BatchJob, error) {
	var job BatchJob
	if err := tx.WithContext(ctx).Where("id = ?", id).Take(&job).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, notFound("batch job", id)
		}
		return nil, storeErr("get batch job", err)
	}
	return &job, nil
}

// ResetDeadBatchJobs moves DEAD jobs back to PENDING so the dispatcher retries them.
func ResetDeadBatchJobs(ctx context.Context, tx *gorm.DB) (int64, error) {
	res := tx.WithContext(ctx).Model(&BatchJob{}).
		Where("publish_status = ?", OutboxPublishStatusDead).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusPending,
			"publish_attempts":   0,
			"next_attempt_at":    nil,
			"last_publish_error": nil,
		})
	return res.RowsAffected, storeErr("reset dead batch jobs", res.Error)
}
