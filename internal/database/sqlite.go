package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/noteroom/internal/notes"
	"github.com/MarcoPoloResearchLab/noteroom/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingPath = errors.New("database: path is required")

// pragmas applied to every file-backed database. The relay and REST handlers
// write concurrently, so readers must not block on the single writer.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
}

// OpenSQLite opens the note store at path and brings its schema up to date.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errMissingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if !inMemory(path) {
		for _, pragma := range pragmas {
			if err := db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("database: %s: %w", pragma, err)
			}
		}
	}

	if err := Migrate(db, logger); err != nil {
		return nil, fmt.Errorf("database: migrate: %w", err)
	}
	logger.Info("database ready", zap.String("path", path))
	return db, nil
}

// Migrate creates the note, share and identity tables and applies pending
// data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&notes.Note{}, &notes.NoteShare{}, &users.Identity{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func inMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
