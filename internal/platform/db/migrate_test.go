package db

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0002_profiles.sql", "CREATE TABLE profiles ();")
	writeFile(t, dir, "0001_users.sql", "CREATE TABLE users ();")
	writeFile(t, dir, "0010_notifications.sql", "CREATE TABLE notifications ();")
	writeFile(t, dir, "README.md", "not a migration")
	writeFile(t, dir, "noversion.sql", "SELECT 1;")
	writeFile(t, dir, "abc_bad.sql", "SELECT 1;")

	m := NewMigrator(nil, dir)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("loaded %d migrations, want 3", len(migrations))
	}
	wantVersions := []int{1, 2, 10}
	for i, mig := range migrations {
		if mig.Version != wantVersions[i] {
			t.Errorf("migration[%d].Version = %d, want %d", i, mig.Version, wantVersions[i])
		}
		if mig.SQL == "" {
			t.Errorf("migration[%d] has empty SQL", i)
		}
	}
	if migrations[0].Name != "0001_users.sql" {
		t.Errorf("first migration = %q, want 0001_users.sql", migrations[0].Name)
	}
}

func TestLoadMigrationsMissingDir(t *testing.T) {
	m := NewMigrator(nil, filepath.Join(t.TempDir(), "absent"))
	if _, err := m.LoadMigrations(); err == nil {
		t.Error("expected error for missing directory")
	}
}
