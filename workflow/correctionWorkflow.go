package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/recon_backend/appctx"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/reconcile"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Corrector applies a user's fix to one uploaded record and re-reconciles it in place.
type Corrector struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Tracer       trace.Tracer
	StoreTimeout time.Duration
}

// RecordPatch holds only the fields a correction supplied.
type RecordPatch struct {
	TransactionId   *string
	Amount          *decimal.Decimal
	ReferenceNumber *string
}

func (p RecordPatch) apply(v models.RecordValues) models.RecordValues {
	if p.TransactionId != nil {
		v.TransactionId = *p.TransactionId
	}
	if p.Amount != nil {
		v.Amount = *p.Amount
	}
	if p.ReferenceNumber != nil {
		v.ReferenceNumber = *p.ReferenceNumber
	}
	return v
}

// ParseCorrection reads amount, referenceNumber and transactionId from fields.
// Other keys are ignored; at least one recognized key is required.
func ParseCorrection(fields map[string]any) (RecordPatch, error) {
	var patch RecordPatch
	recognized := 0
	for key, raw := range fields {
		switch key {
		case models.FieldAmount:
			d, err := toDecimal(raw)
			if err != nil {
				return RecordPatch{}, models.NewValidationError(key, "%v", err)
			}
			patch.Amount = &d
		case models.FieldReferenceNumber, models.FieldTransactionId:
			s, ok := raw.(string)
			if !ok {
				return RecordPatch{}, models.NewValidationError(key, "must be a string")
			}
			s = strings.TrimSpace(s)
			if key == models.FieldTransactionId {
				if s == "" {
					return RecordPatch{}, models.NewValidationError(key, "must not be empty")
				}
				patch.TransactionId = &s
			} else {
				patch.ReferenceNumber = &s
			}
		default:
			continue
		}
		recognized++
	}
	if recognized == 0 {
		return RecordPatch{}, models.NewValidationError("correctionData", "no correctable field supplied (amount, referenceNumber, transactionId)")
	}
	return patch, nil
}

func toDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case decimal.Decimal:
		return v, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Zero, fmt.Errorf("%q is not a number", v)
		}
		return d, nil
	}
	return decimal.Zero, fmt.Errorf("must be a number")
}

// Correct updates the record behind resultId, re-runs the matcher against fresh
// rules and references, and overwrites the result in place. The record update,
// the result update and the Correction audit entry commit together. A concurrent
// correction of the same result makes this one fail with ErrConflict.
func (c *Corrector) Correct(ctx context.Context, resultId int, fields map[string]any, actorUserId int) (result *models.ReconciliationResult, err error) {
	patch, err := ParseCorrection(fields)
	if err != nil {
		return nil, err
	}
	ctx, span := c.Tracer.Start(ctx, "Corrector.Correct", trace.WithAttributes(
		attribute.Int("result_id", resultId),
		attribute.Int("actor_user_id", actorUserId),
	))
	defer func() { endSpan(span, err) }()

	if c.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.StoreTimeout)
		defer cancel()
	}

	err = c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := models.GetResult(ctx, tx, resultId)
		if err != nil {
			return err
		}
		record, err := models.GetRecord(ctx, tx, current.RecordId)
		if err != nil {
			return err
		}
		if record.IsReference || record.BatchId == nil {
			return models.NewValidationError("resultId", "result %d does not belong to an uploaded record", resultId)
		}

		before := record.Values()
		after := patch.apply(before)
		if err := models.UpdateRecordValues(ctx, tx, record.ID, after); err != nil {
			return err
		}
		record.TransactionId = after.TransactionId
		record.Amount = after.Amount
		record.ReferenceNumber = after.ReferenceNumber

		rules, err := models.LoadRuleSet(ctx, tx)
		if err != nil {
			return err
		}
		references, err := models.ListReferenceRecords(ctx, tx)
		if err != nil {
			return err
		}
		batchRecords, err := models.ListBatchRecords(ctx, tx, *record.BatchId)
		if err != nil {
			return err
		}
		outcome, err := reconcile.Reconcile(*record, reconcile.NewSnapshot(rules, references, batchRecords))
		if err != nil {
			return err
		}

		result, err = models.UpdateResultOutcome(ctx, tx, current.ID, current.Version, outcome)
		if err != nil {
			return err
		}
		actor := actorUserId
		entry, err := models.NewAuditEntry(record.ID, models.AuditActionCorrection, before,
			models.CorrectionValue{RecordValues: after, Verdict: outcome.Verdict}, &actor)
		if err != nil {
			return err
		}
		return models.AppendAudit(ctx, tx, &entry)
	})
	if err != nil {
		return nil, err
	}

	models.InvalidateSummary(ctx)
	c.Logger.WithFields(appctx.LogFields(ctx, logrus.Fields{
		"field":         "Corrector",
		"result_id":     resultId,
		"record_id":     result.RecordId,
		"verdict":       result.Verdict,
		"actor_user_id": actorUserId,
	})).Info("correction applied")
	return result, nil
}
