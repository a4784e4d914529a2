package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates or updates every table the engine uses.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Rule{},
		&Record{},
		&Batch{},
		&BatchJob{},
		&ReconciliationResult{},
		&AuditEntry{},
		&IdempotencyKey{},
	)
}
