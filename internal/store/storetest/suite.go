// Package storetest holds a backend-agnostic conformance suite exercised
// against both the ClickHouse and DuckDB adapters, grounded on the
// teacher codebase's pattern of near-identical test files across its two
// SQL-backed packages (internal/db and internal/serverdb).
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/flowloom/sessionstore/internal/sessiontypes"
	"github.com/flowloom/sessionstore/internal/store"
)

// Suite runs the full backend conformance suite, calling newBackend once
// per subtest. newBackend is responsible for constructing a fresh, empty
// backend on each call and closing it afterward.
func Suite(t *testing.T, newBackend func(t *testing.T) store.Backend) {
	t.Run("EnsureTablesIdempotent", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		if err := b.EnsureTables(ctx); err != nil {
			t.Fatalf("first EnsureTables: %v", err)
		}
		if err := b.EnsureTables(ctx); err != nil {
			t.Fatalf("second EnsureTables: %v", err)
		}
	})

	t.Run("InsertAndSelectSession", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		mustEnsure(t, b)

		key := sessiontypes.Key{App: "A", User: "u1", Session: "s1"}
		now := time.Now().UTC().Truncate(time.Microsecond)
		row := sessiontypes.SessionRow{
			App: key.App, User: key.User, Session: key.Session,
			StateJSON: `{"n":0}`, CreatedTime: now, UpdateTime: now, Version: 1,
		}
		if err := b.InsertSession(ctx, row); err != nil {
			t.Fatalf("insert: %v", err)
		}

		got, err := b.SelectSession(ctx, key)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if got == nil {
			t.Fatal("expected a row, got nil")
		}
		if got.Version != 1 || got.StateJSON != `{"n":0}` {
			t.Errorf("got %+v", got)
		}

		if err := b.InsertSession(ctx, row); err == nil {
			t.Error("expected duplicate insert to fail")
		}
	})

	t.Run("SelectMissingSessionReturnsNil", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		mustEnsure(t, b)

		got, err := b.SelectSession(ctx, sessiontypes.Key{App: "A", User: "u1", Session: "nope"})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil, got %+v", got)
		}
	})

	t.Run("ConditionalUpdateGatesOnVersion", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		mustEnsure(t, b)

		key := sessiontypes.Key{App: "A", User: "u1", Session: "s1"}
		now := time.Now().UTC().Truncate(time.Microsecond)
		mustInsert(t, b, sessiontypes.SessionRow{
			App: key.App, User: key.User, Session: key.Session,
			StateJSON: `{}`, CreatedTime: now, UpdateTime: now, Version: 1,
		})

		state := `{"n":1}`
		nonce := "nonce-1"
		newVersion := int64(2)
		newTime := now.Add(time.Second)
		if err := b.UpdateSessionConditional(ctx, key, 1, store.SessionFields{
			StateJSON: &state, UpdateTime: &newTime, Version: &newVersion, LastWriteNonce: &nonce,
		}); err != nil {
			t.Fatalf("update: %v", err)
		}

		got, err := b.SelectSession(ctx, key)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if got.Version != 2 || got.LastWriteNonce == nil || *got.LastWriteNonce != "nonce-1" {
			t.Errorf("got %+v", got)
		}

		// Stale expected version: the spec requires the service — not the
		// adapter — to detect this by re-reading, but the adapter's WHERE
		// clause must still not apply the update at the wrong version.
		staleNonce := "nonce-2"
		if err := b.UpdateSessionConditional(ctx, key, 1, store.SessionFields{
			StateJSON: &state, UpdateTime: &newTime, Version: &newVersion, LastWriteNonce: &staleNonce,
		}); err != nil {
			t.Fatalf("stale update call itself must not error: %v", err)
		}
		got2, err := b.SelectSession(ctx, key)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if got2.Version != 2 || *got2.LastWriteNonce != "nonce-1" {
			t.Errorf("stale update must not have applied: got %+v", got2)
		}
	})

	t.Run("MergeEventIdempotent", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		mustEnsure(t, b)

		key := sessiontypes.Key{App: "A", User: "u1", Session: "s1"}
		now := time.Now().UTC().Truncate(time.Microsecond)
		ev := sessiontypes.EventRow{
			App: key.App, User: key.User, Session: key.Session,
			EventID: "e1", InvocationID: "inv1", Author: "agent",
			SequenceNum: 1000, EventTimestamp: now, EventDataJSON: `{}`,
			CreatedTime: now,
		}
		if err := b.MergeEvent(ctx, ev); err != nil {
			t.Fatalf("first merge: %v", err)
		}
		ev2 := ev
		ev2.SequenceNum = 1001
		ev2.EventDataJSON = `{"different":true}`
		if err := b.MergeEvent(ctx, ev2); err != nil {
			t.Fatalf("duplicate merge: %v", err)
		}

		rows, err := b.SelectEvents(ctx, key, store.EventFilter{})
		if err != nil {
			t.Fatalf("select events: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("expected exactly one event row, got %d", len(rows))
		}
		if rows[0].EventDataJSON != `{}` {
			t.Errorf("duplicate merge must not overwrite: %+v", rows[0])
		}
	})

	t.Run("EventOrderingAndRewindFlag", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		mustEnsure(t, b)

		key := sessiontypes.Key{App: "A", User: "u1", Session: "s1"}
		now := time.Now().UTC().Truncate(time.Microsecond)
		for i, id := range []string{"e1", "e2", "e3"} {
			ev := sessiontypes.EventRow{
				App: key.App, User: key.User, Session: key.Session,
				EventID: id, InvocationID: "inv", Author: "agent",
				SequenceNum: int64(1000 * (i + 1)), EventTimestamp: now.Add(time.Duration(i) * time.Second),
				EventDataJSON: `{}`, CreatedTime: now.Add(time.Duration(i) * time.Second),
			}
			if err := b.MergeEvent(ctx, ev); err != nil {
				t.Fatalf("merge %s: %v", id, err)
			}
		}

		target := int64(1000)
		if err := b.UpdateEventsFlag(ctx, key, &target, true); err != nil {
			t.Fatalf("flag: %v", err)
		}

		rows, err := b.SelectEvents(ctx, key, store.EventFilter{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(rows) != 1 || rows[0].EventID != "e1" {
			t.Fatalf("expected only e1 visible after rewind flag, got %+v", rows)
		}

		if err := b.UpdateEventsFlag(ctx, key, nil, false); err != nil {
			t.Fatalf("clear flag: %v", err)
		}
		rows, err = b.SelectEvents(ctx, key, store.EventFilter{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("expected all 3 events visible after clear, got %d", len(rows))
		}
		for i, id := range []string{"e1", "e2", "e3"} {
			if rows[i].EventID != id {
				t.Errorf("rows[%d] = %s, want %s (ascending sequence order)", i, rows[i].EventID, id)
			}
		}
	})

	t.Run("AppAndUserStateUpsertDeletion", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		mustEnsure(t, b)

		if err := b.UpsertAppState(ctx, "A", sessiontypes.State{"goal": float64(1)}); err != nil {
			t.Fatalf("upsert app: %v", err)
		}
		got, err := b.SelectAppState(ctx, "A")
		if err != nil {
			t.Fatalf("select app: %v", err)
		}
		if got["goal"] != float64(1) {
			t.Errorf("app state = %v", got)
		}

		if err := b.UpsertAppState(ctx, "A", sessiontypes.State{"goal": sessiontypes.Delete}); err != nil {
			t.Fatalf("delete app key: %v", err)
		}
		got, err = b.SelectAppState(ctx, "A")
		if err != nil {
			t.Fatalf("select app: %v", err)
		}
		if _, ok := got["goal"]; ok {
			t.Errorf("expected goal deleted, got %v", got)
		}

		if err := b.UpsertUserState(ctx, "A", "u1", sessiontypes.State{"pref": "dark"}); err != nil {
			t.Fatalf("upsert user: %v", err)
		}
		gotUser, err := b.SelectUserState(ctx, "A", "u1")
		if err != nil {
			t.Fatalf("select user: %v", err)
		}
		if gotUser["pref"] != "dark" {
			t.Errorf("user state = %v", gotUser)
		}
	})

	t.Run("SoftDeleteHidesFromSelect", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		mustEnsure(t, b)

		key := sessiontypes.Key{App: "A", User: "u1", Session: "s1"}
		now := time.Now().UTC().Truncate(time.Microsecond)
		mustInsert(t, b, sessiontypes.SessionRow{
			App: key.App, User: key.User, Session: key.Session,
			StateJSON: `{}`, CreatedTime: now, UpdateTime: now, Version: 1,
		})

		deleted := true
		deletedAt := now.Add(time.Minute)
		nextVersion := int64(2)
		if err := b.UpdateSessionConditional(ctx, key, 1, store.SessionFields{
			IsDeleted: &deleted, DeletedTime: &deletedAt, Version: &nextVersion,
		}); err != nil {
			t.Fatalf("soft delete: %v", err)
		}

		got, err := b.SelectSession(ctx, key)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if got != nil {
			t.Errorf("expected soft-deleted session to be invisible, got %+v", got)
		}
	})

	t.Run("ListSessionsOrdering", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		mustEnsure(t, b)

		base := time.Now().UTC().Truncate(time.Microsecond)
		for i, id := range []string{"s1", "s2", "s3"} {
			mustInsert(t, b, sessiontypes.SessionRow{
				App: "A", User: "u1", Session: id,
				StateJSON: `{}`, CreatedTime: base, UpdateTime: base.Add(time.Duration(i) * time.Minute), Version: 1,
			})
		}

		rows, err := b.SelectSessionSummaries(ctx, store.ListFilter{App: "A"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("expected 3 sessions, got %d", len(rows))
		}
		if rows[0].Session != "s3" || rows[2].Session != "s1" {
			t.Errorf("expected descending update_time order, got %+v", rows)
		}
	})
}

func mustEnsure(t *testing.T, b store.Backend) {
	t.Helper()
	if err := b.EnsureTables(context.Background()); err != nil {
		t.Fatalf("ensure tables: %v", err)
	}
}

func mustInsert(t *testing.T, b store.Backend, row sessiontypes.SessionRow) {
	t.Helper()
	if err := b.InsertSession(context.Background(), row); err != nil {
		t.Fatalf("insert session: %v", err)
	}
}
