// Package store holds the gorm models and connection helpers for jobs,
// consultations and their history.
package store

import (
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Open connects to the configured database. driver is "mysql" or "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", driver, err)
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("store: sqlite handle: %w", err)
		}
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// AllModels lists every model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Job{},
		&Consultation{},
		&AnamnesisVersion{},
		&AuditLog{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("store: auto-migrate: %w", err)
	}
	return nil
}

// FindConsultation loads a consultation by id.
func FindConsultation(db *gorm.DB, id string) (*Consultation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var c Consultation
	if err := db.Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find consultation %s: %w", id, err)
	}
	return &c, nil
}

// LockConsultation loads a consultation inside tx and holds its row until
// the transaction ends. SQLite has no row locks and serializes writers
// instead.
func LockConsultation(tx *gorm.DB, id string) (*Consultation, error) {
	return FindConsultation(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

// pipelineColumns are the consultation fields a pipeline run owns.
var pipelineColumns = []string{
	"transcription", "anamnesis", "summary", "status",
	"current_step", "metadata", "audio_files", "updated_at",
}

// SaveConsultationResult persists the pipeline-owned fields of c in one
// statement.
func SaveConsultationResult(db *gorm.DB, c *Consultation) error {
	res := db.Model(c).Select(pipelineColumns).Updates(c)
	if res.Error != nil {
		return fmt.Errorf("store: save consultation %s: %w", c.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindJob loads a job by id.
func FindJob(db *gorm.DB, id string) (*Job, error) {
	var j Job
	if err := db.Where("id = ?", id).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find job %s: %w", id, err)
	}
	return &j, nil
}
