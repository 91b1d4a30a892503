package database

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowpbx/voicerelay/internal/database/models"
)

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, dbFileName)); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	for _, table := range []string{"schema_migrations", "project_configs"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db2.Close()

	var count int
	if err := db2.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if count != 1 {
		t.Errorf("migration count = %d, want 1", count)
	}
}

func TestProjectConfigRepository(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := NewProjectConfigRepository(db)

	missing, err := repo.GetByID(ctx, 42)
	if err != nil {
		t.Fatalf("GetByID missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("GetByID missing = %+v, want nil", missing)
	}

	p := &models.ProjectConfig{
		ID:             9999999901,
		Name:           "OutboundCall",
		Prompts:        "你是一位餐廳訂位助理",
		CustomSettings: json.RawMessage(`{"TWILIO_VOICE_SETTINGS":{"LANGUAGE":"zh-TW"}}`),
	}
	if err := repo.Upsert(ctx, p); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := repo.Upsert(ctx, &models.ProjectConfig{ID: 42, Name: "bistro", Prompts: "book a table"}); err != nil {
		t.Fatalf("Upsert second: %v", err)
	}

	got, err := repo.GetByID(ctx, 9999999901)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.Prompts != p.Prompts || got.Name != "OutboundCall" {
		t.Fatalf("GetByID = %+v", got)
	}
	var custom map[string]any
	if err := json.Unmarshal(got.CustomSettings, &custom); err != nil {
		t.Fatalf("custom settings not valid json: %v", err)
	}

	// Upsert replaces in place.
	p.Prompts = "updated"
	p.CustomSettings = nil
	if err := repo.Upsert(ctx, p); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	got, _ = repo.GetByID(ctx, 9999999901)
	if got.Prompts != "updated" || got.CustomSettings != nil {
		t.Errorf("after update = %+v", got)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].ID != 42 {
		t.Errorf("List = %+v", all)
	}

	if err := repo.Delete(ctx, 42); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := repo.GetByID(ctx, 42); got != nil {
		t.Error("project still present after delete")
	}

	if err := repo.Upsert(ctx, &models.ProjectConfig{ID: 1, CustomSettings: json.RawMessage(`{broken`)}); err == nil {
		t.Error("expected error for invalid custom settings")
	}
}
