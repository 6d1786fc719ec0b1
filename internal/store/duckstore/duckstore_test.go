package duckstore

import (
	"path/filepath"
	"testing"

	"github.com/flowloom/sessionstore/internal/store"
	"github.com/flowloom/sessionstore/internal/store/storetest"
)

func newTestBackend(t *testing.T) store.Backend {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.duckdb")
	d, err := Open(store.Config{DSN: dbPath}, nil)
	if err != nil {
		t.Fatalf("open duckstore: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDuckStoreConformance(t *testing.T) {
	storetest.Suite(t, newTestBackend)
}

func TestOpenValidatesSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.duckdb")
	_, err := Open(store.Config{DSN: dbPath, Schema: "bad schema"}, nil)
	if err == nil {
		t.Fatal("expected error for invalid schema identifier")
	}
}
