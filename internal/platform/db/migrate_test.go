package db

import (
	"strings"
	"testing"
	"testing/fstest"
)

func sqlFiles(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, content := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(content)}
	}
	return fsys
}

func TestLoadMigrations(t *testing.T) {
	migrator := NewMigrator(nil, sqlFiles(map[string]string{
		"001_core.sql":    "CREATE TABLE batches (id SERIAL PRIMARY KEY);",
		"002_records.sql": "CREATE TABLE records (id SERIAL PRIMARY KEY);",
		"003_index.sql":   "CREATE INDEX idx ON records (id);",
	}))
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 {
		t.Errorf("expected version 1, got %d", migrations[0].Version)
	}
	if migrations[0].Name != "001_core.sql" {
		t.Errorf("expected name 001_core.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE batches (id SERIAL PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migrations[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	migrator := NewMigrator(nil, sqlFiles(map[string]string{
		"010_tables.sql": "SELECT 10;",
		"002_second.sql": "SELECT 2;",
		"001_first.sql":  "SELECT 1;",
		"005_middle.sql": "SELECT 5;",
	}))
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 4 {
		t.Fatalf("expected 4 migrations, got %d", len(migrations))
	}
	for i, expected := range []int{1, 2, 5, 10} {
		if migrations[i].Version != expected {
			t.Errorf("migration[%d]: expected version %d, got %d", i, expected, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_InvalidFilename(t *testing.T) {
	migrator := NewMigrator(nil, sqlFiles(map[string]string{
		"001_valid.sql":      "SELECT 1;",
		"readme.sql":         "-- this has no version prefix",
		"notes.txt":          "not a sql file",
		"abc_invalid.sql":    "-- non-numeric prefix",
		"002_also_valid.sql": "SELECT 2;",
	}))
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("unexpected versions %d, %d", migrations[0].Version, migrations[1].Version)
	}
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	migrator := NewMigrator(nil, fstest.MapFS{})
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations from empty dir, got %d", len(migrations))
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migrator := NewMigrator(nil, nil)
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if migrations[0].Version != 1 {
		t.Errorf("expected first embedded version 1, got %d", migrations[0].Version)
	}
	if !strings.Contains(migrations[0].SQL, "import_batch") {
		t.Error("expected first migration to create import_batch")
	}
}

func TestMigrationsTable_Quoted(t *testing.T) {
	if got := migrationsTable("intake"); got != `"intake"."_migrations"` {
		t.Errorf("unexpected table name %s", got)
	}
}

func TestValidateSchema(t *testing.T) {
	for _, schema := range []string{"public", "intake", "intake_2", "_staging"} {
		if err := ValidateSchema(schema); err != nil {
			t.Errorf("ValidateSchema(%q) = %v, want nil", schema, err)
		}
	}
	for _, schema := range []string{"", "2intake", "public; DROP TABLE x", "in-take", `"quoted"`} {
		if err := ValidateSchema(schema); err == nil {
			t.Errorf("ValidateSchema(%q) = nil, want error", schema)
		}
	}
}
