// Package storetest opens migrated in-memory databases for tests.
package storetest

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"anamnesis-pipeline-go/internal/store"
)

// Open returns a fresh in-memory SQLite database with every model migrated.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

// SeedConsultation inserts a consultation and returns it.
func SeedConsultation(t *testing.T, db *gorm.DB, c store.Consultation) *store.Consultation {
	t.Helper()
	if c.ID == "" {
		c.ID = "c-1"
	}
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("seed consultation: %v", err)
	}
	return &c
}
