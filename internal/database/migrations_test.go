package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pagelift/coedit/backend/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsPurgesOrphanedOperations(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&documents.Document{}, &documents.OperationRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	live := documents.Document{
		DocumentID:  "doc-live",
		OwnerID:     "user-1",
		ContentHTML: "x",
		Version:     1,
	}
	if err := database.Create(&live).Error; err != nil {
		testContext.Fatalf("failed to insert document: %v", err)
	}
	operations := []documents.OperationRecord{
		{DocumentID: "doc-live", Sequence: 1, UserID: "user-1", PayloadJSON: "{}"},
		{DocumentID: "doc-gone", Sequence: 1, UserID: "user-1", PayloadJSON: "{}"},
	}
	if err := database.Create(&operations).Error; err != nil {
		testContext.Fatalf("failed to insert operations: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []documents.OperationRecord
	if err := database.Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload operations: %v", err)
	}
	if len(remaining) != 1 || remaining[0].DocumentID != "doc-live" {
		testContext.Fatalf("orphaned operations not purged: %v", remaining)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationPurgeOrphanedOperations).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "repeat.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second migration pass failed: %v", err)
	}
}
