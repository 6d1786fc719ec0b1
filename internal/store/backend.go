// Package store defines the backend adapter contract shared by the
// distributed columnar adapter (chstore, ClickHouse) and the embedded
// adapter (duckstore, DuckDB). Both implement Backend identically from
// the session service's point of view; their differences (conditional-
// update semantics, idempotent event insert, partitioning, identifier
// quoting) are adapter-internal.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowloom/sessionstore/internal/sessiontypes"
)

// Sentinel errors returned by Backend implementations. The session service
// maps these onto its own public error values; callers of store.Backend
// directly should compare against these with errors.Is.
var (
	// ErrNotFound names a lookup by natural key that finds no row. The
	// current adapters do not return it: SelectSession reports a missing
	// row as (nil, nil).
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned by InsertSession when a non-deleted row
	// with the same natural key is already present.
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrVersionConflict names a conditional update whose expected version
	// did not match. The current adapters do not return it:
	// UpdateSessionConditional returns nil and leaves the row unchanged,
	// and the session service detects the conflict by re-reading the nonce.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrCorruption is returned by an adapter that chooses to fail loudly
	// on undecodable state JSON rather than recover with an empty state.
	ErrCorruption = errors.New("store: corrupted state")
)

// EventFilter narrows SelectEvents. A zero value selects all events not
// excluded by the rewind pointer.
type EventFilter struct {
	// NumRecentEvents, if > 0, limits the result to the most recent N
	// events. The adapter fetches them in descending order internally and
	// reverses them, so the result is still in ascending canonical order.
	NumRecentEvents int
	// AfterTimestamp, if non-zero, excludes events with EventTimestamp at
	// or before this instant.
	AfterTimestamp time.Time
	// IncludeAfterRewind, if true, returns events regardless of
	// is_after_rewind. Set by the rewind/clear engine, which needs the
	// full history to replay from scratch, and by sequence-number
	// derivation, which counts every event at a version; read paths leave
	// this false to see only the currently-visible event list.
	IncludeAfterRewind bool
}

// ListFilter narrows SelectSessionSummaries.
type ListFilter struct {
	App    string
	User   string // empty means all users
	Limit  int
	Offset int
}

// SessionFields names the columns UpdateSessionConditional is allowed to
// set, so a single method can serve both the append path (state/version/
// nonce) and the rewind/clear/delete paths (state/version without a nonce,
// or the soft-delete fields) without the adapter needing several near-
// identical SQL statements.
type SessionFields struct {
	StateJSON      *string
	UpdateTime     *time.Time
	Version        *int64
	LastWriteNonce *string
	// RewindTarget, if non-nil, sets rewind_to_event_id to its value.
	// ClearRewind, if true, sets rewind_to_event_id to NULL. At most one
	// of the two is meaningful per call; leaving both unset/false leaves
	// the column unchanged.
	RewindTarget *string
	ClearRewind  bool
	IsDeleted    *bool
	DeletedTime  *time.Time
}

// Backend is the contract both adapters satisfy. Every method takes a
// context so the session service can propagate cancellation and deadlines
// down to network-capable backends; the embedded adapter honors ctx too,
// even though its calls are local, for interface uniformity.
type Backend interface {
	// EnsureTables creates the four tables if they do not already exist.
	// Idempotent and safe to call concurrently: implementations guard the
	// DDL with a single-flight latch (see singleflight.go).
	EnsureTables(ctx context.Context) error

	SelectSession(ctx context.Context, key sessiontypes.Key) (*sessiontypes.SessionRow, error)
	SelectEvents(ctx context.Context, key sessiontypes.Key, filter EventFilter) ([]sessiontypes.EventRow, error)
	SelectSessionSummaries(ctx context.Context, filter ListFilter) ([]sessiontypes.SessionSummary, error)
	SelectAppState(ctx context.Context, app string) (sessiontypes.State, error)
	SelectUserState(ctx context.Context, app, user string) (sessiontypes.State, error)

	InsertSession(ctx context.Context, row sessiontypes.SessionRow) error
	// UpdateSessionConditional applies fields to the row at key gated on
	// version == expectedVersion. Implementations must not rely on the
	// reported rowcount to determine success — the caller always re-reads
	// to verify against the write nonce it set.
	UpdateSessionConditional(ctx context.Context, key sessiontypes.Key, expectedVersion int64, fields SessionFields) error
	// MergeEvent inserts row if no row with the same natural key + EventID
	// exists yet. A duplicate EventID is silently ignored: no error, no
	// duplicate row, and the row that already existed is left unchanged.
	MergeEvent(ctx context.Context, row sessiontypes.EventRow) error
	UpsertAppState(ctx context.Context, app string, delta sessiontypes.State) error
	UpsertUserState(ctx context.Context, app, user string, delta sessiontypes.State) error
	// UpdateEventsFlag sets is_after_rewind to value for every event in
	// the session matching the sequence predicate (sequence_num > target
	// for Rewind, "all" for Clear — expressed as a nil *int64 target).
	UpdateEventsFlag(ctx context.Context, key sessiontypes.Key, afterSequence *int64, value bool) error

	// Close releases the backend's connection(s).
	Close() error
}

// Config carries the operator-supplied settings common to both adapters.
// An embedding application assembles one of these (typically from its own
// environment-variable loading, following whichever convention it already
// uses) and passes it to chstore.Open or duckstore.Open.
type Config struct {
	// Catalog and Schema are validated against identifier rules when an
	// adapter is opened (chstore checks both, duckstore only Schema). The
	// adapters do not qualify table names with them: the four tables are
	// created and queried in the connection's default database/schema.
	Catalog string
	Schema  string
	// DSN is the driver-specific data source name (a ClickHouse DSN for
	// chstore, a file path or ":memory:" for duckstore).
	DSN string
	// SequenceBase is the per-version multiplier an event's sequence
	// number is derived from. The service is what actually performs the
	// derivation (see session.WithSequenceBase); this field exists so a
	// Config assembled from one set of environment variables can supply
	// the same value to both the service and, in the future, an adapter
	// that wants to size a column or index around it. Neither adapter
	// reads it; sessionstore-migrate's environment loading defaults it to
	// 1000.
	SequenceBase int64
}
