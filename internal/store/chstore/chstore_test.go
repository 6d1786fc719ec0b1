package chstore

import (
	"os"
	"testing"

	"github.com/flowloom/sessionstore/internal/store"
	"github.com/flowloom/sessionstore/internal/store/storetest"
)

// TestChStoreConformance runs the shared backend conformance suite
// against a live ClickHouse instance named by CLICKHOUSE_TEST_DSN. It is
// skipped otherwise, the way an
// tests when no live server is configured.
func TestChStoreConformance(t *testing.T) {
	dsn := os.Getenv("CLICKHOUSE_TEST_DSN")
	if dsn == "" {
		t.Skip("CLICKHOUSE_TEST_DSN not set, skipping ClickHouse integration tests")
	}

	storetest.Suite(t, func(t *testing.T) store.Backend {
		t.Helper()
		c, err := Open(store.Config{DSN: dsn, Schema: "sessionstore_test"}, nil)
		if err != nil {
			t.Fatalf("open chstore: %v", err)
		}
		t.Cleanup(func() { c.Close() })
		return c
	})
}

func TestOpenValidatesSchema(t *testing.T) {
	_, err := Open(store.Config{DSN: "clickhouse://localhost:9000/default", Schema: "bad schema"}, nil)
	if err == nil {
		t.Fatal("expected error for invalid schema identifier")
	}
}
