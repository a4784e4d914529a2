package middlewares

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/recon_backend/models"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch the per-result lookups of a results listing into one query per kind.
type Loaders struct {
	recordLoader      *dataloader.Loader[int, *models.Record]
	recordAuditLoader *dataloader.Loader[int, []*models.AuditEntry]
}

func NewLoaders(conn *gorm.DB) *Loaders {
	recordReader := &recordReader{db: conn}
	recordAuditReader := &recordAuditReader{db: conn}

	return &Loaders{
		recordLoader: dataloader.NewBatchedLoader(recordReader.getRecords,
			dataloader.WithWait[int, *models.Record](time.Millisecond)),
		recordAuditLoader: dataloader.NewBatchedLoader(recordAuditReader.getRecordAudits,
			dataloader.WithWait[int, []*models.AuditEntry](time.Millisecond)),
	}
}

func LoaderMiddleware(db func() *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(db())
		c.Request = c.Request.WithContext(WithLoaders(c.Request.Context(), loader))
		c.Next()
	}
}

func WithLoaders(ctx context.Context, loaders *Loaders) context.Context {
	return context.WithValue(ctx, loadersKey, loaders)
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// generateLoaderResults orders rows to match ids. Missing ids resolve to ErrNotFound.
func generateLoaderResults[T any](what string, results []T, ids []int, idOf func(T) int) []*dataloader.Result[*T] {
	resultMap := make(map[int]*T, len(results))
	for i := range results {
		resultMap[idOf(results[i])] = &results[i]
	}

	loaderResults := make([]*dataloader.Result[*T], 0, len(ids))
	for _, id := range ids {
		data, ok := resultMap[id]
		if !ok {
			loaderResults = append(loaderResults, &dataloader.Result[*T]{
				Error: fmt.Errorf("%s %d: %w", what, id, models.ErrNotFound),
			})
			continue
		}
		loaderResults = append(loaderResults, &dataloader.Result[*T]{Data: data})
	}
	return loaderResults
}

// each id has many related results
func generateLoaderArrayResults[T any](results []T, referenceIds []int, referenceOf func(T) int) []*dataloader.Result[[]*T] {
	resultMap := make(map[int][]*T)
	for i := range results {
		ref := referenceOf(results[i])
		resultMap[ref] = append(resultMap[ref], &results[i])
	}
	loaderResults := make([]*dataloader.Result[[]*T], 0, len(referenceIds))
	for _, id := range referenceIds {
		loaderResults = append(loaderResults, &dataloader.Result[[]*T]{Data: resultMap[id]})
	}
	return loaderResults
}
