package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Mismatch describes one field that differed from the chosen reference record.
type Mismatch struct {
	Field          string          `json:"field"`
	UploadedValue  decimal.Decimal `json:"uploadedValue"`
	ReferenceValue decimal.Decimal `json:"referenceValue"`
	Variance       string          `json:"variance,omitempty"`
}

// ReconciliationResult is the current verdict of one uploaded record.
// Version increases on every write and guards in-place corrections.
type ReconciliationResult struct {
	ID                int        `gorm:"primary_key" json:"id"`
	RecordId          int        `gorm:"not null;uniqueIndex" json:"record_id"`
	ReferenceRecordId *int       `gorm:"index" json:"reference_record_id"`
	Verdict           Verdict    `gorm:"size:20;not null;index" json:"verdict"`
	Mismatches        []Mismatch `gorm:"serializer:json;type:text" json:"mismatches"`
	Version           int        `gorm:"not null;default:1" json:"version"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ResultOutcome is the part of a result produced by the matcher.
type ResultOutcome struct {
	Verdict           Verdict    `json:"verdict"`
	ReferenceRecordId *int       `json:"referenceRecordId"`
	Mismatches        []Mismatch `json:"mismatches"`
}

func (r ReconciliationResult) Outcome() ResultOutcome {
	return ResultOutcome{
		Verdict:           r.Verdict,
		ReferenceRecordId: r.ReferenceRecordId,
		Mismatches:        r.Mismatches,
	}
}

// SaveResult writes the record's result. A second write for the same record
// overwrites the first and bumps its version.
func SaveResult(ctx context.Context, tx *gorm.DB, recordId int, outcome ResultOutcome) (*ReconciliationResult, error) {
	mismatches := outcome.Mismatches
	if mismatches == nil {
		mismatches = []Mismatch{}
	}
	result := ReconciliationResult{
		RecordId:          recordId,
		ReferenceRecordId: outcome.ReferenceRecordId,
		Verdict:           outcome.Verdict,
		Mismatches:        mismatches,
		Version:           1,
	}
	updates := append(
		clause.AssignmentColumns([]string{"reference_record_id", "verdict", "mismatches", "updated_at"}),
		clause.Assignments(map[string]interface{}{"version": gorm.Expr("reconciliation_results.version + 1")})...,
	)
	err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_id"}},
		DoUpdates: updates,
	}).Create(&result).Error
	if err != nil {
		return nil, storeErr("save result", err)
	}
	return &result, nil
}

// DeleteBatchResults drops every result of the batch's uploaded records and keeps the records.
func DeleteBatchResults(ctx context.Context, tx *gorm.DB, batchId int) (int64, error) {
	recordIds := tx.Model(&Record{}).Select("id").Where("batch_id = ?", batchId)
	res := tx.WithContext(ctx).Where("record_id IN (?)", recordIds).Delete(&ReconciliationResult{})
	if res.Error != nil {
		return 0, storeErr("delete batch results", res.Error)
	}
	return res.RowsAffected, nil
}

func GetResult(ctx context.Context, tx *gorm.DB, id int) (*ReconciliationResult, error) {
	var result ReconciliationResult
	if err := tx.WithContext(ctx).Where("id = ?", id).Take(&result).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, notFound("reconciliation result", id)
		}
		return nil, storeErr("get result", err)
	}
	return &result, nil
}

func GetResultByRecord(ctx context.Context, tx *gorm.DB, recordId int) (*ReconciliationResult, error) {
	var result ReconciliationResult
	if err := tx.WithContext(ctx).Where("record_id = ?", recordId).Take(&result).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, notFound("result for record", recordId)
		}
		return nil, storeErr("get result by record", err)
	}
	return &result, nil
}

// UpdateResultOutcome overwrites the result in place when its version still equals expectedVersion.
// It returns ErrConflict when another writer got there first.
func UpdateResultOutcome(ctx context.Context, tx *gorm.DB, id int, expectedVersion int, outcome ResultOutcome) (*ReconciliationResult, error) {
	mismatches := outcome.Mismatches
	if mismatches == nil {
		mismatches = []Mismatch{}
	}
	// map updates bypass the field serializer
	mismatchJSON, err := json.Marshal(mismatches)
	if err != nil {
		return nil, err
	}
	res := tx.WithContext(ctx).Model(&ReconciliationResult{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			"reference_record_id": outcome.ReferenceRecordId,
			"verdict":             outcome.Verdict,
			"mismatches":          string(mismatchJSON),
			"version":             gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, storeErr("update result", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := GetResult(ctx, tx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return GetResult(ctx, tx, id)
}

// ListBatchResults returns the batch's results ordered by record id.
func ListBatchResults(ctx context.Context, tx *gorm.DB, batchId int) ([]ReconciliationResult, error) {
	var results []ReconciliationResult
	err := tx.WithContext(ctx).
		Joins("JOIN records ON records.id = reconciliation_results.record_id").
		Where("records.batch_id = ?", batchId).
		Order("reconciliation_results.record_id ASC").
		Find(&results).Error
	if err != nil {
		return nil, storeErr("list batch results", err)
	}
	return results, nil
}

// CountResultsByVerdict counts results per verdict, for one batch or for all batches when batchId is nil.
// Every verdict is present in the map.
func CountResultsByVerdict(ctx context.Context, tx *gorm.DB, batchId *int) (map[Verdict]int64, error) {
	type row struct {
		Verdict Verdict
		Total   int64
	}
	var rows []row
	q := tx.WithContext(ctx).Model(&ReconciliationResult{}).
		Select("reconciliation_results.verdict AS verdict, COUNT(*) AS total")
	if batchId != nil {
		q = q.Joins("JOIN records ON records.id = reconciliation_results.record_id").
			Where("records.batch_id = ?", *batchId)
	}
	if err := q.Group("reconciliation_results.verdict").Scan(&rows).Error; err != nil {
		return nil, storeErr("count results", err)
	}
	counts := make(map[Verdict]int64, len(AllVerdicts))
	for _, v := range AllVerdicts {
		counts[v] = 0
	}
	for _, r := range rows {
		counts[r.Verdict] = r.Total
	}
	return counts, nil
}
