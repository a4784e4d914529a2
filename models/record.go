package models

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Logical record field names used by matching rules and column mappings.
const (
	FieldTransactionId   = "transactionId"
	FieldAmount          = "amount"
	FieldReferenceNumber = "referenceNumber"
	FieldDate            = "date"
)

var RecordFields = []string{FieldTransactionId, FieldAmount, FieldReferenceNumber, FieldDate}

// Record is either an uploaded row (BatchId set) or a reference row (IsReference, no batch).
// IsReference, BatchId and Date are fixed at insert; the write guard rejects updates to them.
type Record struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BatchId         *int            `gorm:"index:idx_records_batch_tx,priority:1" json:"batch_id"`
	TransactionId   string          `gorm:"size:255;not null;index:idx_records_batch_tx,priority:2" json:"transaction_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	ReferenceNumber string          `gorm:"size:255;not null;index" json:"reference_number"`
	Date            time.Time       `gorm:"not null" json:"date"`
	IsReference     bool            `gorm:"not null;index" json:"is_reference"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// RecordValues is the mutable part of a record, as written to the audit trail.
type RecordValues struct {
	TransactionId   string          `json:"transactionId"`
	Amount          decimal.Decimal `json:"amount"`
	ReferenceNumber string          `json:"referenceNumber"`
}

func (r Record) Values() RecordValues {
	return RecordValues{
		TransactionId:   r.TransactionId,
		Amount:          r.Amount,
		ReferenceNumber: r.ReferenceNumber,
	}
}

// FieldKey returns the canonical comparison key of a logical field.
// Amounts compare by value (1000 == 1000.00), dates by instant.
func (r Record) FieldKey(field string) (string, bool) {
	switch field {
	case FieldTransactionId:
		return r.TransactionId, true
	case FieldAmount:
		return r.Amount.String(), true
	case FieldReferenceNumber:
		return r.ReferenceNumber, true
	case FieldDate:
		return r.Date.UTC().Format(time.RFC3339Nano), true
	}
	return "", false
}

func IsRecordField(field string) bool {
	_, ok := Record{}.FieldKey(field)
	return ok
}

// DeleteBatchRecords removes the batch's results first, then its records,
// so no result outlives its record.
func DeleteBatchRecords(ctx context.Context, tx *gorm.DB, batchId int) (int64, error) {
	recordIds := tx.Model(&Record{}).Select("id").Where("batch_id = ?", batchId)
	if err := tx.WithContext(ctx).Where("record_id IN (?)", recordIds).Delete(&ReconciliationResult{}).Error; err != nil {
		return 0, storeErr("delete batch results", err)
	}
	res := tx.WithContext(ctx).Where("batch_id = ? AND is_reference = ?", batchId, false).Delete(&Record{})
	if res.Error != nil {
		return 0, storeErr("delete batch records", res.Error)
	}
	return res.RowsAffected, nil
}

// InsertBatchRecords tags records with the batch and inserts them chunkSize rows per statement.
func InsertBatchRecords(ctx context.Context, tx *gorm.DB, batchId int, records []Record, chunkSize int) error {
	if len(records) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	for i := range records {
		id := batchId
		records[i].ID = 0
		records[i].BatchId = &id
		records[i].IsReference = false
	}
	if err := tx.WithContext(ctx).CreateInBatches(&records, chunkSize).Error; err != nil {
		return storeErr("insert batch records", err)
	}
	return nil
}

// ListBatchRecords returns the batch's uploaded records ordered by id.
func ListBatchRecords(ctx context.Context, tx *gorm.DB, batchId int) ([]Record, error) {
	var records []Record
	err := tx.WithContext(ctx).
		Where("batch_id = ? AND is_reference = ?", batchId, false).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, storeErr("list batch records", err)
	}
	return records, nil
}

// ListReferenceRecords returns every reference record ordered by id.
func ListReferenceRecords(ctx context.Context, tx *gorm.DB) ([]Record, error) {
	var records []Record
	err := tx.WithContext(ctx).
		Where("is_reference = ?", true).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, storeErr("list reference records", err)
	}
	return records, nil
}

func GetRecord(ctx context.Context, tx *gorm.DB, id int) (*Record, error) {
	var record Record
	err := tx.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if err != nil {
		if isRecordNotFound(err) {
			return nil, notFound("record", id)
		}
		return nil, storeErr("get record", err)
	}
	return &record, nil
}

func GetRecordsByIds(ctx context.Context, tx *gorm.DB, ids []int) ([]Record, error) {
	var records []Record
	if len(ids) == 0 {
		return records, nil
	}
	if err := tx.WithContext(ctx).Where("id IN ?", ids).Find(&records).Error; err != nil {
		return nil, storeErr("get records", err)
	}
	return records, nil
}

// UpdateRecordValues writes the mutable fields of an uploaded record.
func UpdateRecordValues(ctx context.Context, tx *gorm.DB, id int, v RecordValues) error {
	res := tx.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND is_reference = ?", id, false).
		Updates(map[string]interface{}{
			"transaction_id":   v.TransactionId,
			"amount":           v.Amount,
			"reference_number": v.ReferenceNumber,
		})
	if res.Error != nil {
		return storeErr("update record", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("record", id)
	}
	return nil
}

// ReplaceReferenceRecords swaps the whole reference set. Existing results that
// pointed at old reference rows keep their ids; re-run reconciliation afterwards.
func ReplaceReferenceRecords(ctx context.Context, db *gorm.DB, records []Record) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("is_reference = ?", true).Delete(&Record{}).Error; err != nil {
			return storeErr("delete reference records", err)
		}
		if len(records) == 0 {
			return nil
		}
		for i := range records {
			records[i].ID = 0
			records[i].BatchId = nil
			records[i].IsReference = true
		}
		if err := tx.CreateInBatches(&records, 500).Error; err != nil {
			return storeErr("insert reference records", err)
		}
		return nil
	})
}

func (r Record) String() string {
	return fmt.Sprintf("record#%d(%s %s %s)", r.ID, r.TransactionId, r.Amount.String(), r.ReferenceNumber)
}
