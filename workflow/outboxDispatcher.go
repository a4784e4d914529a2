package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobPublisher delivers a batch job to the queue and returns the queue's message id.
type JobPublisher interface {
	PublishBatchJob(ctx context.Context, msg config.BatchJobMessage) (string, error)
}

// OutboxDispatcher publishes batch_jobs rows after their transaction committed.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Publisher    JobPublisher
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger, publisher JobPublisher) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		Publisher:      publisher,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    config.OutboxMaxAttempts(),
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims due jobs, publishes them and records the outcome. It returns how many were sent.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.DB == nil || d.Publisher == nil {
		return 0
	}
	now := time.Now().UTC()
	claimed, err := d.claim(ctx, now)
	if err != nil {
		config.LogError(d.Logger, "OutboxDispatcher", "DispatchOnce", "claim", nil, err)
		return 0
	}

	sent := 0
	for _, job := range claimed {
		if job.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		pubID, pubErr := d.Publisher.PublishBatchJob(ctx, job.ToMessage())
		if pubErr != nil {
			d.markPublishFailed(ctx, job, pubErr)
			continue
		}
		d.markPublishSent(ctx, job.ID, pubID, now)
		sent++
	}
	return sent
}

// claim moves due rows to PROCESSING. Due means PENDING/FAILED past next_attempt_at,
// or PROCESSING with a lock older than LockTimeout (the previous dispatcher died).
func (d *OutboxDispatcher) claim(ctx context.Context, now time.Time) ([]models.BatchJob, error) {
	staleBefore := now.Add(-d.LockTimeout)
	var claimed []models.BatchJob
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now, models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize)
		// SQLite has a single writer and no row locks.
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if d.MaxAttempts > 0 && claimed[i].PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].PublishStatus = models.OutboxPublishStatusDead
				if err := tx.Model(&models.BatchJob{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].PublishStatus = models.OutboxPublishStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &d.DispatcherID
			claimed[i].PublishAttempts++
			if err := tx.Model(&models.BatchJob{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     claimed[i].PublishStatus,
				"locked_at":          claimed[i].LockedAt,
				"locked_by":          claimed[i].LockedBy,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return claimed, err
}

func (d *OutboxDispatcher) markPublishSent(ctx context.Context, jobID int, pubsubMsgID string, now time.Time) {
	id := pubsubMsgID
	err := d.DB.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &id,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
	if err != nil {
		config.LogError(d.Logger, "OutboxDispatcher", "markPublishSent", fmt.Sprintf("job %d", jobID), nil, err)
	}
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, job models.BatchJob, err error) {
	db := d.DB.WithContext(ctx)
	msg := err.Error()
	attempt := job.PublishAttempts

	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		_ = db.Model(&models.BatchJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusDead,
				"last_publish_error": &msg,
				"next_attempt_at":    nil,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error
		d.Logger.WithFields(logrus.Fields{
			"field":    "OutboxDispatcher",
			"job_id":   job.ID,
			"batch_id": job.BatchId,
			"attempt":  attempt,
		}).Error("batch job moved to DEAD after max attempts: " + msg)
		return
	}

	next := time.Now().UTC().Add(d.backoff(attempt))
	_ = db.Model(&models.BatchJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"last_publish_error": &msg,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
	d.Logger.WithFields(logrus.Fields{
		"field":           "OutboxDispatcher",
		"job_id":          job.ID,
		"batch_id":        job.BatchId,
		"attempt":         attempt,
		"next_attempt_at": next.Format(time.RFC3339Nano),
	}).Error("batch job publish failed: " + msg)
}

// backoff doubles InitialBackoff per attempt, capped at MaxBackoff.
func (d *OutboxDispatcher) backoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if d.MaxBackoff > 0 && backoff >= d.MaxBackoff {
			return d.MaxBackoff
		}
	}
	return backoff
}
