package workflow

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/recon_backend/models"
	"gorm.io/gorm"
)

// batchLockWaitSeconds bounds how long GET_LOCK waits for another instance.
const batchLockWaitSeconds = 30

func batchLockName(batchId int) string {
	return fmt.Sprintf("recon:batch:%d", batchId)
}

// withBatchLock runs fn while holding a MySQL advisory lock for the batch.
// GET_LOCK is connection-scoped, so the lock is taken and released on one pinned connection.
// Other dialects run fn directly.
func withBatchLock(ctx context.Context, db *gorm.DB, batchId int, fn func() error) error {
	if db.Dialector.Name() != "mysql" {
		return fn()
	}
	return db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		name := batchLockName(batchId)
		var ok *int
		if err := conn.Raw("SELECT GET_LOCK(?, ?)", name, batchLockWaitSeconds).Scan(&ok).Error; err != nil {
			return fmt.Errorf("batch lock %s: %w: %w", name, models.ErrTransientStore, err)
		}
		if ok == nil || *ok != 1 {
			return fmt.Errorf("could not acquire batch lock %s: %w", name, models.ErrTransientStore)
		}
		defer func() {
			var released *int
			_ = conn.WithContext(context.WithoutCancel(ctx)).Raw("SELECT RELEASE_LOCK(?)", name).Scan(&released).Error
		}()
		return fn()
	})
}
