package database

import (
	"context"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/spherify/collab/internal/documents"
	"github.com/spherify/collab/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigratedDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&documents.StoredDocument{}, &users.Identity{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsRepairsEmptyDocuments(testContext *testing.T) {
	database := openMigratedDatabase(testContext)
	if err := database.Create(&documents.StoredDocument{DocumentID: "doc1", ContentJSON: "", Revision: 1, UpdatedAtSeconds: 1}).Error; err != nil {
		testContext.Fatalf("failed to insert document: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	// Second run is a no-op.
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("failed to reapply migrations: %v", err)
	}

	store, err := documents.NewSQLStore(database, nil)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	content, err := store.Load(testingContext(testContext), "doc1")
	if err != nil {
		testContext.Fatalf("expected repaired document to load: %v", err)
	}
	if len(content.Ops) != 0 {
		testContext.Fatalf("expected empty document, got %#v", content.Ops)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one migration record, got %d", count)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRepairEmptyDocuments).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}

// testingContext stands in for testing.T.Context (Go 1.24+): the returned
// context is cancelled when the test finishes.
func testingContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
