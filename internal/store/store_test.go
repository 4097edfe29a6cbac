package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/epiwatch/epiwatch/pkg/plugin"
)

func testMigrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create test table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE test_items (id TEXT PRIMARY KEY, value INTEGER)`)
				return err
			},
		},
		{
			Version:     2,
			Description: "add name column",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`ALTER TABLE test_items ADD COLUMN name TEXT`)
				return err
			},
		},
	}
}

func TestNew_InMemory(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if s.DB() == nil {
		t.Fatal("DB returned nil")
	}
}

func TestMigrate_AppliesInOrder(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Migrate(ctx, "testplugin", testMigrations()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	// Both columns should exist after version 2.
	if _, err := s.DB().ExecContext(ctx,
		`INSERT INTO test_items (id, value, name) VALUES ('a', 1, 'first')`,
	); err != nil {
		t.Fatalf("insert after migrate: %v", err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Migrate(ctx, "testplugin", testMigrations()); err != nil {
			t.Fatalf("Migrate pass %d: %v", i, err)
		}
	}

	var count int
	err = s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _migrations WHERE plugin = 'testplugin'`,
	).Scan(&count)
	if err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Errorf("migration records = %d, want 2", count)
	}
}

func TestMigrate_SeparatePlugins(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Migrate(ctx, "alpha", []plugin.Migration{{
		Version:     1,
		Description: "alpha table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE alpha_t (id TEXT)`)
			return err
		},
	}}); err != nil {
		t.Fatalf("Migrate alpha: %v", err)
	}

	if err := s.Migrate(ctx, "beta", []plugin.Migration{{
		Version:     1,
		Description: "beta table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE beta_t (id TEXT)`)
			return err
		},
	}}); err != nil {
		t.Fatalf("Migrate beta: %v", err)
	}
}

func TestTx_RollsBackOnError(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Migrate(ctx, "testplugin", testMigrations()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	wantErr := sql.ErrNoRows // Arbitrary sentinel for the test
	err = s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO test_items (id, value) VALUES ('x', 1)`); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Tx error = %v, want %v", err, wantErr)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM test_items`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("rows after rollback = %d, want 0", count)
	}
}
