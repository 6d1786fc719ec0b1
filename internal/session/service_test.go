package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowloom/sessionstore/internal/sessiontypes"
	"github.com/flowloom/sessionstore/internal/store"
	"github.com/flowloom/sessionstore/internal/store/duckstore"
)

func newTestService(t *testing.T) (*Service, store.Backend) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.duckdb")
	b, err := duckstore.Open(store.Config{DSN: dbPath}, nil)
	if err != nil {
		t.Fatalf("open duckstore: %v", err)
	}
	if err := b.EnsureTables(context.Background()); err != nil {
		t.Fatalf("ensure tables: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	s := New(b, WithSleeper(func(time.Duration) {}))
	return s, b
}

// Scenario A — create/append/read.
func TestScenarioA_CreateAppendRead(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	view, err := s.CreateSession(ctx, "A", "u1", "", sessiontypes.State{
		"app:g": float64(1), "user:p": "dark", "n": float64(0),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if view.Version != 1 {
		t.Fatalf("version = %d, want 1", view.Version)
	}
	if view.State["app:g"] != float64(1) || view.State["user:p"] != "dark" || view.State["n"] != float64(0) {
		t.Fatalf("state = %v", view.State)
	}

	key := sessiontypes.Key{App: "A", User: "u1", Session: view.Session}
	snap := Snapshot{Key: key, LastUpdateTime: view.UpdateTime}
	event := sessiontypes.Event{
		ID: "e1", InvocationID: "inv1", Author: "agent", Timestamp: time.Now(),
		Actions: sessiontypes.EventActions{StateDelta: sessiontypes.State{"n": float64(1)}},
	}
	if _, err := s.AppendEvent(ctx, snap, event); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetSession(ctx, key, store.EventFilter{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
	if got.State["app:g"] != float64(1) || got.State["user:p"] != "dark" || got.State["n"] != float64(1) {
		t.Fatalf("state = %v", got.State)
	}
	if len(got.Events) != 1 || got.Events[0].ID != "e1" {
		t.Fatalf("events = %v", got.Events)
	}
}

// Scenario B — deletion-on-None.
func TestScenarioB_DeletionOnNone(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	view, err := s.CreateSession(ctx, "A", "u1", "", sessiontypes.State{
		"app:g": float64(1), "user:p": "dark", "n": float64(0),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := sessiontypes.Key{App: "A", User: "u1", Session: view.Session}

	snap := Snapshot{Key: key, LastUpdateTime: view.UpdateTime}
	if _, err := s.AppendEvent(ctx, snap, sessiontypes.Event{
		ID: "e1", Timestamp: time.Now(),
		Actions: sessiontypes.EventActions{StateDelta: sessiontypes.State{"n": float64(1)}},
	}); err != nil {
		t.Fatalf("append e1: %v", err)
	}

	mid, err := s.GetSession(ctx, key, store.EventFilter{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	snap2 := Snapshot{Key: key, LastUpdateTime: mid.UpdateTime}
	if _, err := s.AppendEvent(ctx, snap2, sessiontypes.Event{
		ID: "e2", Timestamp: time.Now(),
		Actions: sessiontypes.EventActions{StateDelta: sessiontypes.NormalizeDelta(sessiontypes.State{"n": nil})},
	}); err != nil {
		t.Fatalf("append e2: %v", err)
	}

	got, err := s.GetSession(ctx, key, store.EventFilter{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := got.State["n"]; ok {
		t.Errorf("n should be deleted, got %v", got.State["n"])
	}
	if got.State["app:g"] != float64(1) || got.State["user:p"] != "dark" {
		t.Errorf("app/user state changed unexpectedly: %v", got.State)
	}
}

// Scenario C — idempotent retry.
func TestScenarioC_IdempotentEventMerge(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	view, err := s.CreateSession(ctx, "A", "u1", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := sessiontypes.Key{App: "A", User: "u1", Session: view.Session}

	event := sessiontypes.Event{ID: "e3", Timestamp: time.Now()}
	snap := Snapshot{Key: key, LastUpdateTime: view.UpdateTime}
	if _, err := s.AppendEvent(ctx, snap, event); err != nil {
		t.Fatalf("first append: %v", err)
	}

	mid, err := s.GetSession(ctx, key, store.EventFilter{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	snap2 := Snapshot{Key: key, LastUpdateTime: mid.UpdateTime}
	if _, err := s.AppendEvent(ctx, snap2, event); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	got, err := s.GetSession(ctx, key, store.EventFilter{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	count := 0
	for _, e := range got.Events {
		if e.ID == "e3" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one e3, got %d", count)
	}
}

// raceBackend wraps a store.Backend and runs onConditional just before
// the wrapped UpdateSessionConditional call, letting a test force a
// second writer to commit in between one attempt's read and its write —
// a genuine version race, as opposed to a snapshot that was already
// behind before the call even started.
type raceBackend struct {
	store.Backend
	onConditional func()
}

func (r *raceBackend) UpdateSessionConditional(ctx context.Context, key sessiontypes.Key, expectedVersion int64, fields store.SessionFields) error {
	if r.onConditional != nil {
		r.onConditional()
		r.onConditional = nil
	}
	return r.Backend.UpdateSessionConditional(ctx, key, expectedVersion, fields)
}

// Scenario D — concurrent append: writer Y reads the same version as
// writer X, loses the race at the conditional-update step, and gets a
// genuine VersionConflict (not a caller-supplied stale snapshot). The
// service retries internally against the refreshed row and succeeds.
func TestScenarioD_ConcurrentAppendRetrySucceeds(t *testing.T) {
	base, b := newTestService(t)
	ctx := context.Background()

	view, err := base.CreateSession(ctx, "A", "u1", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := sessiontypes.Key{App: "A", User: "u1", Session: view.Session}

	snapX := Snapshot{Key: key, LastUpdateTime: view.UpdateTime}
	snapY := Snapshot{Key: key, LastUpdateTime: view.UpdateTime}

	// Writer Y is forced to let writer X commit first, right after Y has
	// already read version 1 in its own attempt — this is what makes the
	// resulting conflict a genuine one rather than a pre-existing stale
	// read.
	raced := &raceBackend{Backend: b}
	s := New(raced, WithSleeper(func(time.Duration) {}))
	raced.onConditional = func() {
		if _, err := base.AppendEvent(ctx, snapX, sessiontypes.Event{ID: "eX", Timestamp: time.Now()}); err != nil {
			t.Errorf("writer X append: %v", err)
		}
	}

	if _, err := s.AppendEvent(ctx, snapY, sessiontypes.Event{ID: "eY", Timestamp: time.Now()}); err != nil {
		t.Fatalf("writer Y append should succeed after a version-conflict retry: %v", err)
	}

	row, err := b.SelectSession(ctx, key)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if row.Version != 3 {
		t.Fatalf("version = %d, want 3", row.Version)
	}

	got, err := s.GetSession(ctx, key, store.EventFilter{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got.Events))
	}
}

// Scenario E — rewind and clear.
func TestScenarioE_RewindAndClear(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	view, err := s.CreateSession(ctx, "A", "u1", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := sessiontypes.Key{App: "A", User: "u1", Session: view.Session}

	updateTime := view.UpdateTime
	for i := 1; i <= 5; i++ {
		snap := Snapshot{Key: key, LastUpdateTime: updateTime}
		eventID := []string{"", "e1", "e2", "e3", "e4", "e5"}[i]
		res, err := s.AppendEvent(ctx, snap, sessiontypes.Event{
			ID: eventID, Timestamp: time.Now(),
			Actions: sessiontypes.EventActions{StateDelta: sessiontypes.State{"k": float64(i)}},
		})
		if err != nil {
			t.Fatalf("append %s: %v", eventID, err)
		}
		_ = res
		mid, err := s.GetSession(ctx, key, store.EventFilter{})
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		updateTime = mid.UpdateTime
	}

	rewound, err := s.RewindSession(ctx, key, "e3")
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if rewound.State["k"] != float64(3) {
		t.Fatalf("k = %v, want 3", rewound.State["k"])
	}
	if len(rewound.Events) != 3 {
		t.Fatalf("expected 3 visible events after rewind, got %d", len(rewound.Events))
	}

	cleared, err := s.ClearRewind(ctx, key)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.State["k"] != float64(5) {
		t.Fatalf("k = %v, want 5", cleared.State["k"])
	}
	if len(cleared.Events) != 5 {
		t.Fatalf("expected 5 visible events after clear, got %d", len(cleared.Events))
	}
}

// Scenario F — staleness surfaces after retries are exhausted when the
// caller never refreshes its own snapshot between attempts.
func TestScenarioF_StaleSnapshotExhaustsRetries(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	view, err := s.CreateSession(ctx, "A", "u1", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := sessiontypes.Key{App: "A", User: "u1", Session: view.Session}

	// The snapshot is already behind the stored row before the call even
	// starts. AppendEvent never refreshes LastUpdateTime on ErrStale, so
	// every attempt sees the same stale snapshot and the error surfaces
	// once retries are exhausted.
	staleSnap := Snapshot{Key: key, LastUpdateTime: view.UpdateTime.Add(-time.Hour)}

	if _, err := s.AppendEvent(ctx, staleSnap, sessiontypes.Event{ID: "eF", Timestamp: time.Now()}); err == nil {
		t.Fatal("expected Stale error")
	}
}

func TestCreateSessionAlreadyExists(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "A", "u1", "fixed-id", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateSession(ctx, "A", "u1", "fixed-id", nil); err == nil {
		t.Fatal("expected AlreadyExists error")
	}
}

func TestDeleteSessionIsIdempotentAndHidesSession(t *testing.T) {
	s, b := newTestService(t)
	ctx := context.Background()

	view, err := s.CreateSession(ctx, "A", "u1", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := sessiontypes.Key{App: "A", User: "u1", Session: view.Session}

	snap := Snapshot{Key: key, LastUpdateTime: view.UpdateTime}
	if _, err := s.AppendEvent(ctx, snap, sessiontypes.Event{ID: "e1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.DeleteSession(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteSession(ctx, key); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}

	got, err := s.GetSession(ctx, key, store.EventFilter{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected deleted session to be invisible, got %+v", got)
	}

	// Events survive for audit even after soft delete.
	rows, err := b.SelectEvents(ctx, key, store.EventFilter{IncludeAfterRewind: true})
	if err != nil {
		t.Fatalf("direct event select: %v", err)
	}
	if len(rows) != 1 || rows[0].EventID != "e1" {
		t.Errorf("expected e1 to survive soft delete, got %+v", rows)
	}
}

func TestListSessionsOrderedByUpdateTimeDescending(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := s.CreateSession(ctx, "A", "u1", id, nil); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	rows, err := s.ListSessions(ctx, store.ListFilter{App: "A"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i-1].UpdateTime.Before(rows[i].UpdateTime) {
			t.Errorf("expected descending update_time order, got %+v", rows)
		}
	}
}

func TestAppendEventSkipsPartial(t *testing.T) {
	s, b := newTestService(t)
	ctx := context.Background()

	view, err := s.CreateSession(ctx, "A", "u1", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := sessiontypes.Key{App: "A", User: "u1", Session: view.Session}
	snap := Snapshot{Key: key, LastUpdateTime: view.UpdateTime}

	if _, err := s.AppendEvent(ctx, snap, sessiontypes.Event{ID: "partial1", Partial: true, Timestamp: time.Now()}); err != nil {
		t.Fatalf("append partial: %v", err)
	}

	row, err := b.SelectSession(ctx, key)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if row.Version != 1 {
		t.Errorf("partial event must not advance version, got %d", row.Version)
	}
}

func TestAppendEventNotFound(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	key := sessiontypes.Key{App: "A", User: "u1", Session: "missing"}
	snap := Snapshot{Key: key, LastUpdateTime: time.Now()}
	if _, err := s.AppendEvent(ctx, snap, sessiontypes.Event{ID: "e1", Timestamp: time.Now()}); err == nil {
		t.Fatal("expected NotFound error")
	}
}
