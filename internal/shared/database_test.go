package shared

import (
	"path/filepath"
	"testing"
)

func TestOpenDatabase(t *testing.T) {
	t.Run("migrates a file database", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mbingo.db")

		db, err := OpenDatabase(DatabaseConfig{Path: path, MaxOpenConns: 1, MaxIdleConns: 1})
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		if _, err := db.Exec("SELECT 1 FROM credentials LIMIT 1"); err != nil {
			t.Errorf("credentials table should exist: %v", err)
		}
	})

	t.Run("reopening is idempotent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mbingo.db")
		cfg := DatabaseConfig{Path: path, MaxOpenConns: 1, MaxIdleConns: 1}

		first, err := OpenDatabase(cfg)
		if err != nil {
			t.Fatalf("first open failed: %v", err)
		}
		first.Close()

		second, err := OpenDatabase(cfg)
		if err != nil {
			t.Fatalf("second open failed: %v", err)
		}
		defer second.Close()
	})
}
