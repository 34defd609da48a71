// Package storagetest opens throwaway databases for package tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"nightowl/internal/storage"
	logx "nightowl/pkg/logx"
)

// Open returns a migrated database in t.TempDir(), closed on cleanup.
func Open(t testing.TB) *storage.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.Open(context.Background(), storage.Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
