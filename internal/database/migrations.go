package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wikiware/wikiware/backend/internal/pages"
)

const (
	migrationBackfillEditPermission = "2026-07-18_backfill_edit_permission"
	migrationDropExpiredSessions    = "2026-08-02_drop_expired_sessions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillEditPermission, apply: backfillEditPermission},
		{name: migrationDropExpiredSessions, apply: dropExpiredSessions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillEditPermission normalizes rows imported from deployments that
// predate the permission column.
func backfillEditPermission(db *gorm.DB) error {
	err := db.Model(&pages.Page{}).
		Where("edit_permission IS NULL OR edit_permission = ''").
		Update("edit_permission", string(pages.PermissionEverybody)).Error
	if err != nil {
		return err
	}
	return db.Model(&pages.HistoryEntry{}).
		Where("edit_permission IS NULL OR edit_permission = ''").
		Update("edit_permission", string(pages.PermissionEverybody)).Error
}

// dropExpiredSessions clears leases left behind by an unclean shutdown so
// rosters start from a clean slate.
func dropExpiredSessions(db *gorm.DB) error {
	return db.Exec("DELETE FROM edit_sessions WHERE lease_expires_at <= ?", time.Now().UTC()).Error
}
