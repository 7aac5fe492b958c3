// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"
	"time"

	"dripline/config"
	"dripline/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a migrated in-memory SQLite database that lives for the test.
//
// A single connection is used so every goroutine sees the same memory database;
// statements serialize on it.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := config.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// CreateLead inserts a contactable lead with the given email.
func CreateLead(t testing.TB, db *gorm.DB, email string) models.Lead {
	t.Helper()

	lead := models.Lead{
		Email:     email,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Company:   "Analytical Engines",
		Phone:     "+15550100",
	}
	if err := db.Create(&lead).Error; err != nil {
		t.Fatalf("create lead: %v", err)
	}
	return lead
}
