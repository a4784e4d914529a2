package models

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/recon_backend/config"
	"gorm.io/gorm"
)

// FieldMapping maps each logical record field to a source column name. All four are mandatory.
type FieldMapping struct {
	TransactionId   string `json:"transactionId" validate:"required"`
	Amount          string `json:"amount" validate:"required"`
	ReferenceNumber string `json:"referenceNumber" validate:"required"`
	Date            string `json:"date" validate:"required"`
}

var validate = validator.New()

// Validate reports every missing mapping field in one error.
func (m FieldMapping) Validate() error {
	m.TransactionId = strings.TrimSpace(m.TransactionId)
	m.Amount = strings.TrimSpace(m.Amount)
	m.ReferenceNumber = strings.TrimSpace(m.ReferenceNumber)
	m.Date = strings.TrimSpace(m.Date)
	err := validate.Struct(m)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return NewValidationError("columnMapping", "%s", err.Error())
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, mappingJSONName(fe.Field()))
	}
	return NewValidationError("columnMapping", "missing mandatory mapping fields: %s", strings.Join(missing, ", "))
}

func mappingJSONName(structField string) string {
	switch structField {
	case "TransactionId":
		return FieldTransactionId
	case "Amount":
		return FieldAmount
	case "ReferenceNumber":
		return FieldReferenceNumber
	case "Date":
		return FieldDate
	}
	return structField
}

func (m FieldMapping) ToMap() map[string]string {
	return map[string]string{
		FieldTransactionId:   m.TransactionId,
		FieldAmount:          m.Amount,
		FieldReferenceNumber: m.ReferenceNumber,
		FieldDate:            m.Date,
	}
}

func FieldMappingFromMap(m map[string]string) FieldMapping {
	return FieldMapping{
		TransactionId:   m[FieldTransactionId],
		Amount:          m[FieldAmount],
		ReferenceNumber: m[FieldReferenceNumber],
		Date:            m[FieldDate],
	}
}

// Batch is one uploaded file. Fingerprint is the content hash used to dedupe uploads.
type Batch struct {
	ID            int          `gorm:"primary_key" json:"id"`
	OwnerUserId   int          `gorm:"index;not null" json:"owner_user_id"`
	FileName      string       `gorm:"size:255" json:"file_name"`
	Fingerprint   string       `gorm:"size:128;not null;uniqueIndex" json:"fingerprint"`
	FieldMapping  FieldMapping `gorm:"serializer:json;type:text" json:"field_mapping"`
	Status        BatchStatus  `gorm:"size:20;not null;index" json:"status"`
	SourceLocator string       `gorm:"size:1024" json:"source_locator"`
	ErrorDetail   *string      `gorm:"type:text" json:"error_detail"`
	RecordCount   int          `gorm:"not null;default:0" json:"record_count"`
	SkippedRows   int          `gorm:"not null;default:0" json:"skipped_rows"`
	FailedRecords int          `gorm:"not null;default:0" json:"failed_records"`
	LastRunAt     *time.Time   `json:"last_run_at"`
	CreatedAt     time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBatch struct {
	OwnerUserId   int
	FileName      string
	Fingerprint   string
	FieldMapping  FieldMapping
	SourceLocator string
	CorrelationId string
}

// BatchRunStats is what a finished run writes back onto the batch.
type BatchRunStats struct {
	RecordCount   int
	SkippedRows   int
	FailedRecords int
}

// FindBatchByFingerprint returns (nil, nil) when no batch has the fingerprint.
func FindBatchByFingerprint(ctx context.Context, tx *gorm.DB, fingerprint string) (*Batch, error) {
	var batch Batch
	err := tx.WithContext(ctx).Where("fingerprint = ?", fingerprint).Take(&batch).Error
	if err != nil {
		if isRecordNotFound(err) {
			return nil, nil
		}
		return nil, storeErr("find batch by fingerprint", err)
	}
	return &batch, nil
}

// CreateBatch registers an upload and enqueues its ingest job in the same transaction.
// An upload whose fingerprint is already known returns the existing batch with reused=true.
func CreateBatch(ctx context.Context, db *gorm.DB, input NewBatch) (batch *Batch, reused bool, err error) {
	if err := input.FieldMapping.Validate(); err != nil {
		return nil, false, err
	}
	if strings.TrimSpace(input.Fingerprint) == "" {
		return nil, false, NewValidationError("fingerprint", "is required")
	}
	if strings.TrimSpace(input.SourceLocator) == "" {
		return nil, false, NewValidationError("sourceLocator", "is required")
	}

	existing, err := FindBatchByFingerprint(ctx, db, input.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	created := Batch{
		OwnerUserId:   input.OwnerUserId,
		FileName:      input.FileName,
		Fingerprint:   input.Fingerprint,
		FieldMapping:  input.FieldMapping,
		Status:        BatchStatusProcessing,
		SourceLocator: input.SourceLocator,
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		_, err := EnqueueBatchJob(ctx, tx, created, config.BatchJobModeIngest, input.CorrelationId)
		return err
	})
	if err != nil {
		// Lost a race with an identical upload.
		if IsDuplicateKeyErr(err) {
			existing, ferr := FindBatchByFingerprint(ctx, db, input.Fingerprint)
			if ferr == nil && existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, storeErr("create batch", err)
	}
	return &created, false, nil
}

func GetBatch(ctx context.Context, tx *gorm.DB, id int) (*Batch, error) {
	var batch Batch
	if err := tx.WithContext(ctx).Where("id = ?", id).Take(&batch).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, notFound("batch", id)
		}
		return nil, storeErr("get batch", err)
	}
	return &batch, nil
}

// ListBatches returns batches newest first.
func ListBatches(ctx context.Context, tx *gorm.DB, limit int) ([]Batch, error) {
	var batches []Batch
	q := tx.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&batches).Error; err != nil {
		return nil, storeErr("list batches", err)
	}
	return batches, nil
}

// RemapBatch stores a corrected column mapping and enqueues a full re-ingest.
func RemapBatch(ctx context.Context, db *gorm.DB, id int, mapping FieldMapping, correlationId string) (*Batch, error) {
	if err := mapping.Validate(); err != nil {
		return nil, err
	}
	mappingJSON, err := json.Marshal(mapping)
	if err != nil {
		return nil, err
	}
	var batch *Batch
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := GetBatch(ctx, tx, id)
		if err != nil {
			return err
		}
		if strings.TrimSpace(b.SourceLocator) == "" {
			return NewValidationError("sourceLocator", "original file no longer available; re-upload")
		}
		if err := tx.Model(&Batch{}).Where("id = ?", id).Updates(map[string]interface{}{
			"field_mapping": string(mappingJSON),
			"status":        BatchStatusProcessing,
			"error_detail":  nil,
		}).Error; err != nil {
			return err
		}
		b.FieldMapping = mapping
		b.Status = BatchStatusProcessing
		b.ErrorDetail = nil
		if _, err := EnqueueBatchJob(ctx, tx, *b, config.BatchJobModeIngest, correlationId); err != nil {
			return err
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, storeErr("remap batch", err)
	}
	return batch, nil
}

// RequestBatchReconcile enqueues a reconcile-only run for an existing batch.
func RequestBatchReconcile(ctx context.Context, db *gorm.DB, id int, correlationId string) (*BatchJob, error) {
	var job *BatchJob
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := GetBatch(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := tx.Model(&Batch{}).Where("id = ?", id).Update("status", BatchStatusProcessing).Error; err != nil {
			return err
		}
		job, err = EnqueueBatchJob(ctx, tx, *b, config.BatchJobModeReconcile, correlationId)
		return err
	})
	if err != nil {
		return nil, storeErr("request batch reconcile", err)
	}
	return job, nil
}

func MarkBatchProcessing(ctx context.Context, tx *gorm.DB, id int) error {
	now := time.Now().UTC()
	err := tx.WithContext(ctx).Model(&Batch{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      BatchStatusProcessing,
		"last_run_at": &now,
	}).Error
	return storeErr("mark batch processing", err)
}

func MarkBatchCompleted(ctx context.Context, tx *gorm.DB, id int, stats BatchRunStats) error {
	err := tx.WithContext(ctx).Model(&Batch{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":         BatchStatusCompleted,
		"error_detail":   nil,
		"record_count":   stats.RecordCount,
		"skipped_rows":   stats.SkippedRows,
		"failed_records": stats.FailedRecords,
	}).Error
	return storeErr("mark batch completed", err)
}

func MarkBatchFailed(ctx context.Context, tx *gorm.DB, id int, detail string, stats BatchRunStats) error {
	err := tx.WithContext(ctx).Model(&Batch{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":         BatchStatusFailed,
		"error_detail":   &detail,
		"record_count":   stats.RecordCount,
		"skipped_rows":   stats.SkippedRows,
		"failed_records": stats.FailedRecords,
	}).Error
	return storeErr("mark batch failed", err)
}
