package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("db:migrations_test - failed to write test file %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadMigrationFiles_SortOrder(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"0003_third.sql":  "THIRD",
		"0001_first.sql":  "FIRST",
		"0002_second.sql": "SECOND",
	})

	result, err := LoadMigrationFiles(dir)
	if err != nil {
		t.Fatalf("db:migrations_test - unexpected error: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("db:migrations_test - expected 3, got %d", len(result))
	}
	for i, want := range []string{"FIRST", "SECOND", "THIRD"} {
		if result[i].SQL != want {
			t.Errorf("db:migrations_test - expected %s at index %d, got %s", want, i, result[i].SQL)
		}
	}
	if result[0].Name != "0001_first.sql" {
		t.Errorf("db:migrations_test - expected name 0001_first.sql, got %s", result[0].Name)
	}
}

func TestLoadMigrationFiles_SkipsNonSQL(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"0001_create.sql": "CREATE TABLE t1;",
		"README.md":       "# Migrations",
		"0002_alter.sql":  "ALTER TABLE t1;",
	})
	if err := os.Mkdir(filepath.Join(dir, "subdir.sql"), 0755); err != nil {
		t.Fatalf("db:migrations_test - failed to create subdir: %v", err)
	}

	result, err := LoadMigrationFiles(dir)
	if err != nil {
		t.Fatalf("db:migrations_test - unexpected error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("db:migrations_test - expected 2 SQL files, got %d", len(result))
	}
}

func TestLoadMigrationFiles_NonExistentDir(t *testing.T) {
	if _, err := LoadMigrationFiles(filepath.Join(t.TempDir(), "nonexistent")); err == nil {
		t.Error("db:migrations_test - expected error for non-existent directory")
	}
}

func TestLoadMigrationFiles_RepoMigrations(t *testing.T) {
	result, err := LoadMigrationFiles(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("db:migrations_test - unexpected error: %v", err)
	}
	if len(result) == 0 || !strings.Contains(result[0].SQL, "CREATE TABLE IF NOT EXISTS incidents") {
		t.Errorf("db:migrations_test - expected the incidents table first, got %+v", result)
	}
}

func TestRunMigrations_SkipsApplied(t *testing.T) {
	q := &fakeQuerier{rows: map[string][][]any{
		"FROM schema_migrations": {{"0001_first.sql"}},
	}}
	migrations := []Migration{
		{Name: "0001_first.sql", SQL: "CREATE TABLE a ()"},
		{Name: "0002_second.sql", SQL: "CREATE TABLE b ()"},
	}

	n, err := RunMigrations(context.Background(), q, migrations)
	if err != nil {
		t.Fatalf("db:migrations_test - unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("db:migrations_test - expected 1 applied, got %d", n)
	}
	// create table, migration, record
	if len(q.execs) != 3 || q.execs[1] != "CREATE TABLE b ()" {
		t.Errorf("db:migrations_test - unexpected statements %q", q.execs)
	}
	if q.args[2][0] != "0002_second.sql" {
		t.Errorf("db:migrations_test - expected 0002_second.sql recorded, got %v", q.args[2])
	}
}

func TestRunMigrations_StopsOnFailure(t *testing.T) {
	q := &fakeQuerier{execErr: errors.New("relation exists")}

	_, err := RunMigrations(context.Background(), q, []Migration{{Name: "0001.sql", SQL: "X"}})
	if err == nil {
		t.Fatal("db:migrations_test - expected error")
	}
}

func TestMigrationStatus(t *testing.T) {
	q := &fakeQuerier{rows: map[string][][]any{
		"FROM schema_migrations": {{"0001_first.sql"}},
	}}
	states, err := MigrationStatus(context.Background(), q, []Migration{{Name: "0001_first.sql"}, {Name: "0002_second.sql"}})
	if err != nil {
		t.Fatalf("db:migrations_test - unexpected error: %v", err)
	}
	want := []MigrationState{{Name: "0001_first.sql", Applied: true}, {Name: "0002_second.sql", Applied: false}}
	if len(states) != 2 || states[0] != want[0] || states[1] != want[1] {
		t.Errorf("db:migrations_test - got %+v, want %+v", states, want)
	}
}
