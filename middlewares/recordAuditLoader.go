package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/recon_backend/models"
	"gorm.io/gorm"
)

type recordAuditReader struct {
	db *gorm.DB
}

func (r *recordAuditReader) getRecordAudits(ctx context.Context, recordIds []int) []*dataloader.Result[[]*models.AuditEntry] {
	results, err := models.ListAuditForRecords(ctx, r.db, recordIds)
	if err != nil {
		return handleError[[]*models.AuditEntry](len(recordIds), err)
	}
	return generateLoaderArrayResults(results, recordIds, func(e models.AuditEntry) int { return e.RecordId })
}

// GetRecordAudit returns the record's history, newest first.
func GetRecordAudit(ctx context.Context, recordId int) ([]*models.AuditEntry, error) {
	loaders := For(ctx)
	return loaders.recordAuditLoader.Load(ctx, recordId)()
}
