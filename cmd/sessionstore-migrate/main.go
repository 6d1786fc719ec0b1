// Command sessionstore-migrate runs store.Backend.EnsureTables against
// the backend named by its environment configuration. It contains no
// business logic beyond that: an operator runs it once before pointing a
// workflow runtime at a fresh ClickHouse or DuckDB instance, and again
// after any schema change. Flag parsing and the command skeleton follow
// a cobra.Command with a PersistentPreRun for setup shared across
// subcommands, scaled down to this binary's single verb.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowloom/sessionstore/internal/store"
	"github.com/flowloom/sessionstore/internal/store/chstore"
	"github.com/flowloom/sessionstore/internal/store/duckstore"
)

var logger *slog.Logger

var rootCmd = &cobra.Command{
	Use:   "sessionstore-migrate",
	Short: "Create the sessionstore tables on a ClickHouse or DuckDB backend",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if strings.EqualFold(os.Getenv("SESSIONSTORE_LOG_LEVEL"), "debug") {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, backend, err := loadConfig()
		if err != nil {
			return err
		}

		b, err := open(backend, cfg, logger)
		if err != nil {
			return fmt.Errorf("open %s backend: %w", backend, err)
		}
		defer b.Close()

		if err := b.EnsureTables(context.Background()); err != nil {
			return fmt.Errorf("ensure tables on %s: %w", backend, err)
		}

		logger.Info("tables ensured", "backend", backend, "catalog", cfg.Catalog, "schema", cfg.Schema)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("migrate failed", "err", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// loadConfig reads store.Config and the backend selector from the
// environment, reading SESSIONSTORE_* variables with sensible defaults.
func loadConfig() (store.Config, string, error) {
	backend := os.Getenv("SESSIONSTORE_BACKEND")
	if backend == "" {
		backend = "duckdb"
	}
	if backend != "duckdb" && backend != "clickhouse" {
		return store.Config{}, "", fmt.Errorf("SESSIONSTORE_BACKEND must be %q or %q, got %q", "duckdb", "clickhouse", backend)
	}

	dsn := os.Getenv("SESSIONSTORE_DSN")
	if dsn == "" {
		return store.Config{}, "", fmt.Errorf("SESSIONSTORE_DSN is required")
	}

	cfg := store.Config{
		Catalog:      os.Getenv("SESSIONSTORE_CATALOG"),
		Schema:       os.Getenv("SESSIONSTORE_SCHEMA"),
		DSN:          dsn,
		SequenceBase: 1000,
	}
	if v := os.Getenv("SESSIONSTORE_SEQUENCE_BASE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return store.Config{}, "", fmt.Errorf("SESSIONSTORE_SEQUENCE_BASE: %w", err)
		}
		cfg.SequenceBase = n
	}
	return cfg, backend, nil
}

func open(backend string, cfg store.Config, logger *slog.Logger) (store.Backend, error) {
	if backend == "clickhouse" {
		return chstore.Open(cfg, logger)
	}
	return duckstore.Open(cfg, logger)
}
