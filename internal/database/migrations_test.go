package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/possel-client/internal/session"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesSessionBaseURLs(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&session.StoredToken{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := session.StoredToken{BaseURL: "https://chat.example.com/", Token: "legacy"}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert token: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored session.StoredToken
	if err := database.Where("base_url = ?", "https://chat.example.com").Take(&stored).Error; err != nil {
		testContext.Fatalf("expected normalized token row: %v", err)
	}
	if stored.Token != "legacy" {
		testContext.Fatalf("expected token to survive normalization, got %q", stored.Token)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeSessionBaseURLs).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected second run to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "client.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"session_tokens", "transcript_entries", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
