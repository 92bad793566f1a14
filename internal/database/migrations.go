package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/noteroom/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const migrationNormalizeShareGrantees = "2026-10-01_normalize_share_grantees"

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
		{name: migrationNormalizeShareGrantees, apply: normalizeShareGrantees},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeShareGrantees rewrites email grantees to lower case, folding
// duplicates that only differed by case into one grant.
func normalizeShareGrantees(db *gorm.DB) error {
	var shares []notes.NoteShare
	if err := db.Where("grantee LIKE ?", "%@%").Find(&shares).Error; err != nil {
		return err
	}
	for _, share := range shares {
		normalized := notes.NormalizeGrantee(share.Grantee)
		if normalized == share.Grantee {
			continue
		}
		if err := db.Where("note_id = ? AND grantee = ?", share.NoteID, share.Grantee).Delete(&notes.NoteShare{}).Error; err != nil {
			return err
		}
		replacement := notes.NoteShare{
			NoteID:           share.NoteID,
			Grantee:          normalized,
			CreatedAtSeconds: share.CreatedAtSeconds,
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&replacement).Error; err != nil {
			return err
		}
	}
	return nil
}
