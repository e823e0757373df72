package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDemoteOfflineActiveUsers = "2026-10-12_demote_offline_active_users"
	migrationCollapseDuplicateCursors = "2026-10-14_collapse_duplicate_cursors"
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
		{name: migrationDemoteOfflineActiveUsers, apply: demoteOfflineActiveUsers},
		{name: migrationCollapseDuplicateCursors, apply: collapseDuplicateCursors},
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
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// demoteOfflineActiveUsers restores active => online on rows written before
// disconnects cleared both flags.
func demoteOfflineActiveUsers(db *gorm.DB) error {
	return db.Model(&userRecord{}).
		Where("online = ? AND is_active = ?", false, true).
		Update("is_active", false).Error
}

// collapseDuplicateCursors keeps the newest cursor per identity in the legacy
// cursor_log table written by builds that inserted on every update, then drops it.
func collapseDuplicateCursors(db *gorm.DB) error {
	if !db.Migrator().HasTable(legacyCursorTable) {
		return nil
	}
	var legacy []legacyCursorRecord
	if err := db.Order("last_updated_us ASC").Find(&legacy).Error; err != nil {
		return err
	}
	latest := make(map[string]legacyCursorRecord, len(legacy))
	for _, record := range legacy {
		latest[record.Identity] = record
	}
	for identity, record := range latest {
		var existing cursorRecord
		err := db.Where("identity = ?", identity).Take(&existing).Error
		if err == nil && existing.LastUpdatedMicros >= record.LastUpdatedMicros {
			continue
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		merged := cursorRecord{
			Identity:          identity,
			X:                 record.X,
			Y:                 record.Y,
			LastUpdatedMicros: record.LastUpdatedMicros,
		}
		if err := db.Save(&merged).Error; err != nil {
			return err
		}
	}
	return db.Migrator().DropTable(legacyCursorTable)
}

const legacyCursorTable = "cursor_log"

type legacyCursorRecord struct {
	RowID             int64   `gorm:"column:row_id;primaryKey;autoIncrement"`
	Identity          string  `gorm:"column:identity;size:190;not null;index"`
	X                 float64 `gorm:"column:x;not null"`
	Y                 float64 `gorm:"column:y;not null"`
	LastUpdatedMicros int64   `gorm:"column:last_updated_us;not null"`
}

func (legacyCursorRecord) TableName() string {
	return legacyCursorTable
}
