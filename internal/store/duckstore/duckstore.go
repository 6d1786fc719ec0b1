// Package duckstore is the embedded-database store.Backend adapter,
// backed by DuckDB. It is the local/dev counterpart of chstore: same
// four tables and the same OCC-witness conditional-update contract, but
// with plain PRIMARY KEY constraints instead of ClickHouse's
// partition-and-merge-engine design.
package duckstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/flowloom/sessionstore/internal/sessiontypes"
	"github.com/flowloom/sessionstore/internal/store"
)

// DuckStore is a store.Backend backed by an embedded DuckDB database.
type DuckStore struct {
	conn   *sql.DB
	schema string
	cfg    store.Config
	guard  store.TableGuard
	logger *slog.Logger
}

// Open opens (or creates) the DuckDB file named by cfg.DSN. A DSN of
// ":memory:" yields a private, in-process database, the way an
// tests open SQLite against a temp-dir file rather than a shared one.
func Open(cfg store.Config, logger *slog.Logger) (*DuckStore, error) {
	schema := cfg.Schema
	if schema == "" {
		schema = "main"
	}
	if err := store.ValidateIdent("schema", schema); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("duckstore: open: %w", err)
	}
	// DuckDB's single-process writer model matches SQLite's: one
	// connection avoids the pool handing out concurrent writers that
	// would otherwise serialize behind file-level locking anyway.
	conn.SetMaxOpenConns(1)

	return &DuckStore{conn: conn, schema: schema, cfg: cfg, logger: logger}, nil
}

// Close releases the underlying connection.
func (d *DuckStore) Close() error {
	return d.conn.Close()
}

func (d *DuckStore) EnsureTables(ctx context.Context) error {
	return d.guard.Do(func() error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				app_name TEXT NOT NULL,
				user_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				state_json TEXT NOT NULL,
				created_time TIMESTAMP NOT NULL,
				update_time TIMESTAMP NOT NULL,
				version BIGINT NOT NULL,
				is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
				deleted_time TIMESTAMP,
				rewind_to_event_id TEXT,
				last_write_nonce TEXT,
				PRIMARY KEY (app_name, user_id, session_id)
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				app_name TEXT NOT NULL,
				user_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				event_id TEXT NOT NULL,
				invocation_id TEXT NOT NULL,
				author TEXT NOT NULL,
				sequence_num BIGINT NOT NULL,
				event_timestamp TIMESTAMP NOT NULL,
				event_data_json TEXT NOT NULL,
				state_delta_json TEXT,
				has_state_delta BOOLEAN NOT NULL DEFAULT FALSE,
				created_time TIMESTAMP NOT NULL,
				is_after_rewind BOOLEAN NOT NULL DEFAULT FALSE,
				PRIMARY KEY (app_name, user_id, session_id, event_id)
			)`,
			`CREATE TABLE IF NOT EXISTS app_states (
				app_name TEXT NOT NULL,
				state_json TEXT NOT NULL,
				update_time TIMESTAMP NOT NULL,
				version BIGINT NOT NULL,
				PRIMARY KEY (app_name)
			)`,
			`CREATE TABLE IF NOT EXISTS user_states (
				app_name TEXT NOT NULL,
				user_id TEXT NOT NULL,
				state_json TEXT NOT NULL,
				update_time TIMESTAMP NOT NULL,
				version BIGINT NOT NULL,
				PRIMARY KEY (app_name, user_id)
			)`,
		}
		for _, stmt := range stmts {
			if _, err := d.conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("duckstore: ensure tables: %w", err)
			}
		}
		return nil
	})
}

func (d *DuckStore) SelectSession(ctx context.Context, key sessiontypes.Key) (*sessiontypes.SessionRow, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT app_name, user_id, session_id, state_json,
		created_time, update_time, version, rewind_to_event_id, last_write_nonce
		FROM sessions WHERE app_name = ? AND user_id = ? AND session_id = ? AND is_deleted = FALSE`,
		key.App, key.User, key.Session)

	var r sessiontypes.SessionRow
	var rewindTo, nonce sql.NullString
	err := row.Scan(&r.App, &r.User, &r.Session, &r.StateJSON,
		&r.CreatedTime, &r.UpdateTime, &r.Version, &rewindTo, &nonce)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("duckstore: select session: %w", err)
	}
	if rewindTo.Valid {
		r.RewindToEventID = &rewindTo.String
	}
	if nonce.Valid {
		r.LastWriteNonce = &nonce.String
	}

	if !json.Valid([]byte(r.StateJSON)) {
		d.logger.Error("duckstore: corrupted session state, substituting empty state",
			"app", key.App, "user", key.User, "session", key.Session)
		r.StateJSON = "{}"
	}
	return &r, nil
}

func (d *DuckStore) SelectEvents(ctx context.Context, key sessiontypes.Key, filter store.EventFilter) ([]sessiontypes.EventRow, error) {
	query := `SELECT app_name, user_id, session_id, event_id, invocation_id, author,
		sequence_num, event_timestamp, event_data_json, state_delta_json, has_state_delta,
		created_time, is_after_rewind
		FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?`
	args := []any{key.App, key.User, key.Session}

	if !filter.IncludeAfterRewind {
		query += ` AND is_after_rewind = FALSE`
	}

	if !filter.AfterTimestamp.IsZero() {
		query += ` AND event_timestamp > ?`
		args = append(args, filter.AfterTimestamp)
	}

	if filter.NumRecentEvents > 0 {
		query += ` ORDER BY sequence_num DESC, created_time DESC, event_id DESC LIMIT ?`
		args = append(args, filter.NumRecentEvents)
	} else {
		query += ` ORDER BY sequence_num ASC, created_time ASC, event_id ASC`
	}

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("duckstore: select events: %w", err)
	}
	defer rows.Close()

	var out []sessiontypes.EventRow
	for rows.Next() {
		var e sessiontypes.EventRow
		var delta sql.NullString
		if err := rows.Scan(&e.App, &e.User, &e.Session, &e.EventID, &e.InvocationID, &e.Author,
			&e.SequenceNum, &e.EventTimestamp, &e.EventDataJSON, &delta, &e.HasStateDelta,
			&e.CreatedTime, &e.IsAfterRewind); err != nil {
			return nil, fmt.Errorf("duckstore: scan event: %w", err)
		}
		if delta.Valid {
			e.StateDeltaJSON = &delta.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.NumRecentEvents > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (d *DuckStore) SelectSessionSummaries(ctx context.Context, filter store.ListFilter) ([]sessiontypes.SessionSummary, error) {
	query := `SELECT app_name, user_id, session_id, state_json, created_time, update_time, version
		FROM sessions WHERE app_name = ? AND is_deleted = FALSE`
	args := []any{filter.App}
	if filter.User != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.User)
	}
	query += ` ORDER BY update_time DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("duckstore: list sessions: %w", err)
	}
	defer rows.Close()

	var out []sessiontypes.SessionSummary
	for rows.Next() {
		var s sessiontypes.SessionSummary
		var stateJSON string
		if err := rows.Scan(&s.App, &s.User, &s.Session, &stateJSON, &s.CreatedTime, &s.UpdateTime, &s.Version); err != nil {
			return nil, fmt.Errorf("duckstore: scan session summary: %w", err)
		}
		var state sessiontypes.State
		if json.Unmarshal([]byte(stateJSON), &state) != nil {
			d.logger.Error("duckstore: corrupted session state in listing, substituting empty state",
				"app", s.App, "user", s.User, "session", s.Session)
			state = sessiontypes.State{}
		}
		s.State = state
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *DuckStore) SelectAppState(ctx context.Context, app string) (sessiontypes.State, error) {
	var stateJSON string
	err := d.conn.QueryRowContext(ctx, `SELECT state_json FROM app_states WHERE app_name = ?`, app).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return sessiontypes.State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("duckstore: select app state: %w", err)
	}
	return decodeOrEmpty(d.logger, "app", app, "", stateJSON), nil
}

func (d *DuckStore) SelectUserState(ctx context.Context, app, user string) (sessiontypes.State, error) {
	var stateJSON string
	err := d.conn.QueryRowContext(ctx, `SELECT state_json FROM user_states WHERE app_name = ? AND user_id = ?`, app, user).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return sessiontypes.State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("duckstore: select user state: %w", err)
	}
	return decodeOrEmpty(d.logger, "user", app, user, stateJSON), nil
}

func decodeOrEmpty(logger *slog.Logger, scope, app, user, stateJSON string) sessiontypes.State {
	var state sessiontypes.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		logger.Error("duckstore: corrupted scoped state, substituting empty state",
			"scope", scope, "app", app, "user", user)
		return sessiontypes.State{}
	}
	return state
}

func (d *DuckStore) InsertSession(ctx context.Context, row sessiontypes.SessionRow) error {
	// DuckDB's PRIMARY KEY constraint rejects a second row at the natural
	// key, but a soft-deleted row at that key is still present and would
	// also collide — check for a live, non-deleted row explicitly so
	// store.ErrAlreadyExists is reported only for a genuine collision with
	// a non-deleted row at the same natural key, not every insert failure.
	existing, err := d.SelectSession(ctx, sessiontypes.Key{App: row.App, User: row.User, Session: row.Session})
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: session %s/%s/%s", store.ErrAlreadyExists, row.App, row.User, row.Session)
	}

	_, err = d.conn.ExecContext(ctx, `INSERT INTO sessions
		(app_name, user_id, session_id, state_json, created_time, update_time, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (app_name, user_id, session_id) DO UPDATE SET
			state_json = excluded.state_json, created_time = excluded.created_time,
			update_time = excluded.update_time, version = excluded.version,
			is_deleted = FALSE, deleted_time = NULL, rewind_to_event_id = NULL, last_write_nonce = NULL
		WHERE sessions.is_deleted = TRUE`,
		row.App, row.User, row.Session, row.StateJSON, row.CreatedTime, row.UpdateTime, row.Version)
	if err != nil {
		return fmt.Errorf("duckstore: insert session: %w", err)
	}
	return nil
}

func (d *DuckStore) UpdateSessionConditional(ctx context.Context, key sessiontypes.Key, expectedVersion int64, fields store.SessionFields) error {
	sets := []string{}
	args := []any{}

	if fields.StateJSON != nil {
		sets = append(sets, "state_json = ?")
		args = append(args, *fields.StateJSON)
	}
	if fields.UpdateTime != nil {
		sets = append(sets, "update_time = ?")
		args = append(args, *fields.UpdateTime)
	}
	if fields.Version != nil {
		sets = append(sets, "version = ?")
		args = append(args, *fields.Version)
	}
	if fields.LastWriteNonce != nil {
		sets = append(sets, "last_write_nonce = ?")
		args = append(args, *fields.LastWriteNonce)
	}
	if fields.RewindTarget != nil {
		sets = append(sets, "rewind_to_event_id = ?")
		args = append(args, *fields.RewindTarget)
	} else if fields.ClearRewind {
		sets = append(sets, "rewind_to_event_id = NULL")
	}
	if fields.IsDeleted != nil {
		sets = append(sets, "is_deleted = ?")
		args = append(args, *fields.IsDeleted)
	}
	if fields.DeletedTime != nil {
		sets = append(sets, "deleted_time = ?")
		args = append(args, *fields.DeletedTime)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE sessions SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE app_name = ? AND user_id = ? AND session_id = ? AND version = ?"
	args = append(args, key.App, key.User, key.Session, expectedVersion)

	if _, err := d.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("duckstore: conditional update: %w", err)
	}
	return nil
}

func (d *DuckStore) MergeEvent(ctx context.Context, row sessiontypes.EventRow) error {
	_, err := d.conn.ExecContext(ctx, `INSERT INTO events
		(app_name, user_id, session_id, event_id, invocation_id, author, sequence_num,
		 event_timestamp, event_data_json, state_delta_json, has_state_delta, created_time, is_after_rewind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (app_name, user_id, session_id, event_id) DO NOTHING`,
		row.App, row.User, row.Session, row.EventID, row.InvocationID, row.Author, row.SequenceNum,
		row.EventTimestamp, row.EventDataJSON, row.StateDeltaJSON, row.HasStateDelta, row.CreatedTime, row.IsAfterRewind)
	if err != nil {
		return fmt.Errorf("duckstore: merge event: %w", err)
	}
	return nil
}

func (d *DuckStore) UpsertAppState(ctx context.Context, app string, delta sessiontypes.State) error {
	current, err := d.SelectAppState(ctx, app)
	if err != nil {
		return err
	}
	merged := applyDelta(current, delta)
	stateJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("duckstore: marshal app state: %w", err)
	}
	now := time.Now().UTC()
	_, err = d.conn.ExecContext(ctx, `INSERT INTO app_states (app_name, state_json, update_time, version)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (app_name) DO UPDATE SET state_json = excluded.state_json,
			update_time = excluded.update_time, version = app_states.version + 1`,
		app, string(stateJSON), now)
	if err != nil {
		return fmt.Errorf("duckstore: upsert app state: %w", err)
	}
	return nil
}

func (d *DuckStore) UpsertUserState(ctx context.Context, app, user string, delta sessiontypes.State) error {
	current, err := d.SelectUserState(ctx, app, user)
	if err != nil {
		return err
	}
	merged := applyDelta(current, delta)
	stateJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("duckstore: marshal user state: %w", err)
	}
	now := time.Now().UTC()
	_, err = d.conn.ExecContext(ctx, `INSERT INTO user_states (app_name, user_id, state_json, update_time, version)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (app_name, user_id) DO UPDATE SET state_json = excluded.state_json,
			update_time = excluded.update_time, version = user_states.version + 1`,
		app, user, string(stateJSON), now)
	if err != nil {
		return fmt.Errorf("duckstore: upsert user state: %w", err)
	}
	return nil
}

func (d *DuckStore) UpdateEventsFlag(ctx context.Context, key sessiontypes.Key, afterSequence *int64, value bool) error {
	if afterSequence == nil {
		_, err := d.conn.ExecContext(ctx, `UPDATE events SET is_after_rewind = ?
			WHERE app_name = ? AND user_id = ? AND session_id = ?`,
			value, key.App, key.User, key.Session)
		if err != nil {
			return fmt.Errorf("duckstore: clear events flag: %w", err)
		}
		return nil
	}
	_, err := d.conn.ExecContext(ctx, `UPDATE events SET is_after_rewind = ?
		WHERE app_name = ? AND user_id = ? AND session_id = ? AND sequence_num > ?`,
		value, key.App, key.User, key.Session, *afterSequence)
	if err != nil {
		return fmt.Errorf("duckstore: set events flag: %w", err)
	}
	return nil
}

// applyDelta merges delta onto current, deleting keys whose delta value is
// sessiontypes.Delete or a decoded-JSON null. Defined locally (rather than
// imported from internal/projector) to keep duckstore free of a dependency
// on the session-scoping package, since app/user state has no prefix
// scoping of its own.
func applyDelta(current, delta sessiontypes.State) sessiontypes.State {
	delta = sessiontypes.NormalizeDelta(delta)
	merged := make(sessiontypes.State, len(current)+len(delta))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range delta {
		if sessiontypes.IsDelete(v) {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}
