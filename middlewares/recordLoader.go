package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/recon_backend/models"
	"gorm.io/gorm"
)

type recordReader struct {
	db *gorm.DB
}

func (r *recordReader) getRecords(ctx context.Context, ids []int) []*dataloader.Result[*models.Record] {
	results, err := models.GetRecordsByIds(ctx, r.db, ids)
	if err != nil {
		return handleError[*models.Record](len(ids), err)
	}
	return generateLoaderResults("record", results, ids, func(rec models.Record) int { return rec.ID })
}

func GetRecord(ctx context.Context, id int) (*models.Record, error) {
	loaders := For(ctx)
	return loaders.recordLoader.Load(ctx, id)()
}

func GetRecords(ctx context.Context, ids []int) ([]*models.Record, []error) {
	loaders := For(ctx)
	return loaders.recordLoader.LoadMany(ctx, ids)()
}
