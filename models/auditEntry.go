package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AuditEntry is one immutable line of a record's history.
// The write guard rejects UPDATE and DELETE statements against this table.
type AuditEntry struct {
	ID            int         `gorm:"primary_key;index:idx_audit_record_created,priority:3" json:"id"`
	RecordId      int         `gorm:"not null;index:idx_audit_record_created,priority:1" json:"record_id"`
	Action        AuditAction `gorm:"size:20;not null;index" json:"action"`
	PreviousValue JSONValue   `gorm:"type:text" json:"previous_value"`
	NewValue      JSONValue   `gorm:"type:text" json:"new_value"`
	ActorUserId   *int        `gorm:"index" json:"actor_user_id"`
	Source        AuditSource `gorm:"size:20;not null" json:"source"`
	CreatedAt     time.Time   `gorm:"autoCreateTime;index;index:idx_audit_record_created,priority:2" json:"created_at"`
}

// JSONValue is a JSON document stored verbatim in a text column.
// A JSON null is kept as the text "null", never as SQL NULL.
type JSONValue json.RawMessage

func (v JSONValue) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	return v, nil
}

func (v *JSONValue) UnmarshalJSON(data []byte) error {
	*v = append((*v)[:0], data...)
	return nil
}

func (v JSONValue) Value() (driver.Value, error) {
	if len(v) == 0 {
		return "null", nil
	}
	return string(v), nil
}

func (v *JSONValue) Scan(src any) error {
	switch s := src.(type) {
	case nil:
		*v = JSONValue("null")
	case []byte:
		*v = append(JSONValue(nil), s...)
	case string:
		*v = JSONValue(s)
	default:
		return fmt.Errorf("audit value: unsupported column type %T", src)
	}
	return nil
}

// CorrectionValue is the newValue of a Correction entry: the corrected fields plus the new verdict.
type CorrectionValue struct {
	RecordValues
	Verdict Verdict `json:"verdict"`
}

// NewAuditEntry marshals the before/after values. A nil value is stored as JSON null.
// actorUserId nil marks a system action.
func NewAuditEntry(recordId int, action AuditAction, previous, next interface{}, actorUserId *int) (AuditEntry, error) {
	prev, err := json.Marshal(previous)
	if err != nil {
		return AuditEntry{}, err
	}
	nxt, err := json.Marshal(next)
	if err != nil {
		return AuditEntry{}, err
	}
	source := AuditSourceSystem
	if actorUserId != nil {
		source = AuditSourceUser
	}
	return AuditEntry{
		RecordId:      recordId,
		Action:        action,
		PreviousValue: prev,
		NewValue:      nxt,
		ActorUserId:   actorUserId,
		Source:        source,
	}, nil
}

func AppendAudit(ctx context.Context, tx *gorm.DB, entry *AuditEntry) error {
	entry.ID = 0
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return storeErr("append audit", err)
	}
	return nil
}

// AppendIngestAudit writes one Ingest entry per inserted record, chunkSize rows per statement.
func AppendIngestAudit(ctx context.Context, tx *gorm.DB, records []Record, chunkSize int) error {
	if len(records) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	entries := make([]AuditEntry, 0, len(records))
	for _, r := range records {
		e, err := NewAuditEntry(r.ID, AuditActionIngest, nil, r.Values(), nil)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if err := tx.WithContext(ctx).CreateInBatches(&entries, chunkSize).Error; err != nil {
		return storeErr("append ingest audit", err)
	}
	return nil
}

// ListRecentAudit returns the newest entries across all records.
func ListRecentAudit(ctx context.Context, tx *gorm.DB, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []AuditEntry
	err := tx.WithContext(ctx).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, storeErr("list audit", err)
	}
	return entries, nil
}

// ListRecordAudit returns the record's full history, newest first.
func ListRecordAudit(ctx context.Context, tx *gorm.DB, recordId int) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := tx.WithContext(ctx).
		Where("record_id = ?", recordId).
		Order("created_at DESC").Order("id DESC").
		Find(&entries).Error
	if err != nil {
		return nil, storeErr("list record audit", err)
	}
	return entries, nil
}

func CountRecordAudit(ctx context.Context, tx *gorm.DB, recordId int, action AuditAction) (int64, error) {
	var count int64
	q := tx.WithContext(ctx).Model(&AuditEntry{}).Where("record_id = ?", recordId)
	if action != "" {
		q = q.Where("action = ?", action)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, storeErr("count audit", err)
	}
	return count, nil
}

// ListAuditForRecords loads the histories of several records at once, newest first.
func ListAuditForRecords(ctx context.Context, tx *gorm.DB, recordIds []int) ([]AuditEntry, error) {
	var entries []AuditEntry
	if len(recordIds) == 0 {
		return entries, nil
	}
	err := tx.WithContext(ctx).
		Where("record_id IN ?", recordIds).
		Order("created_at DESC").Order("id DESC").
		Find(&entries).Error
	if err != nil {
		return nil, storeErr("list record audit", err)
	}
	return entries, nil
}
