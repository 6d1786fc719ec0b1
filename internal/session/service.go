// Package session implements the service that enforces every invariant
// around session creation, staleness detection, optimistic concurrency
// with a write nonce, idempotent event append, and rewind-pointer
// maintenance. All public operations of the store flow through Service.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowloom/sessionstore/internal/projector"
	"github.com/flowloom/sessionstore/internal/replay"
	"github.com/flowloom/sessionstore/internal/sessiontypes"
	"github.com/flowloom/sessionstore/internal/store"
)

const nonceIDPrefix = "occ_"

// newSessionID mints a session ID when the caller does not supply one.
// google/uuid's v4 generator mints it from a 128-bit uniform random
// source, the way the reference ClickHouse session service in the
// example pack mints a session ID with uuid.New().String() when the
// caller leaves one unset. Replaced in tests to control ID generation.
var newSessionID = func() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// newNonce mints the OCC witness token, the same shape as an
// idGenerator indirection: crypto/rand into a fixed-size byte slice,
// hex-encoded, with a short literal prefix. Replaced in tests to
// control nonce generation, e.g. to force a collision scenario.
var newNonce = func() (string, error) {
	b := make([]byte, 16) // 128 bits
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return nonceIDPrefix + hex.EncodeToString(b), nil
}

// Service is the single entry point for every session/event operation.
type Service struct {
	backend      store.Backend
	retry        RetryPolicy
	logger       *slog.Logger
	sleep        func(time.Duration)
	sequenceBase int64
}

// New constructs a Service over backend. It does not create tables —
// call backend.EnsureTables explicitly first, keeping connecting
// separate from running migrations.
func New(backend store.Backend, opts ...Option) *Service {
	s := &Service{
		backend:      backend,
		retry:        defaultRetryPolicy(),
		logger:       slog.Default(),
		sleep:        time.Sleep,
		sequenceBase: 1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot is the caller's view of a session as of its last read,
// required by AppendEvent to perform the staleness check.
type Snapshot struct {
	Key            sessiontypes.Key
	LastUpdateTime time.Time
}

// CreateSession creates a new session row, splitting initialState across
// the app/user/session scopes via the projector.
func (s *Service) CreateSession(ctx context.Context, app, user, sessionID string, initialState sessiontypes.State) (*sessiontypes.SessionView, error) {
	if sessionID == "" {
		id, err := newSessionID()
		if err != nil {
			return nil, fmt.Errorf("%w: generate session id: %v", ErrBackendIO, err)
		}
		sessionID = id
	}
	key := sessiontypes.Key{App: app, User: user, Session: sessionID}

	appDelta, userDelta, sessionDelta := projector.Split(initialState)

	if appDelta != nil {
		if err := s.backend.UpsertAppState(ctx, app, appDelta); err != nil {
			return nil, fmt.Errorf("%w: upsert app state: %v", ErrBackendIO, err)
		}
	}
	if userDelta != nil {
		if err := s.backend.UpsertUserState(ctx, app, user, userDelta); err != nil {
			return nil, fmt.Errorf("%w: upsert user state: %v", ErrBackendIO, err)
		}
	}

	sessionState := projector.Apply(sessiontypes.State{}, sessionDelta)
	stateJSON, err := json.Marshal(sessionState)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal session state: %v", ErrBackendIO, err)
	}

	now := time.Now().UTC()
	row := sessiontypes.SessionRow{
		App: app, User: user, Session: sessionID,
		StateJSON: string(stateJSON), CreatedTime: now, UpdateTime: now, Version: 1,
	}
	if err := s.backend.InsertSession(ctx, row); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: session %s/%s/%s", ErrAlreadyExists, app, user, sessionID)
		}
		return nil, fmt.Errorf("%w: insert session: %v", ErrBackendIO, err)
	}

	s.logger.Info("session created", "app", app, "user", user, "session", sessionID)

	return s.buildView(ctx, key, row.CreatedTime, row.UpdateTime, row.Version, sessionState, nil)
}

// GetSession loads a session and merges its three-scope state with its
// event history into a read-facing view.
func (s *Service) GetSession(ctx context.Context, key sessiontypes.Key, filter store.EventFilter) (*sessiontypes.SessionView, error) {
	row, err := s.backend.SelectSession(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrCorruption) {
			return nil, fmt.Errorf("%w: session %s/%s/%s", ErrCorruption, key.App, key.User, key.Session)
		}
		return nil, fmt.Errorf("%w: select session: %v", ErrBackendIO, err)
	}
	if row == nil {
		return nil, nil
	}

	var sessionState sessiontypes.State
	if err := json.Unmarshal([]byte(row.StateJSON), &sessionState); err != nil {
		sessionState = sessiontypes.State{}
	}

	eventRows, err := s.backend.SelectEvents(ctx, key, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: select events: %v", ErrBackendIO, err)
	}

	return s.buildView(ctx, key, row.CreatedTime, row.UpdateTime, row.Version, sessionState, eventRows)
}

// buildView assembles a SessionView: it merges app/user/session state via
// the projector and decodes each event row into the externally visible
// sessiontypes.Event shape.
func (s *Service) buildView(ctx context.Context, key sessiontypes.Key, created, updated time.Time, version int64, sessionState sessiontypes.State, eventRows []sessiontypes.EventRow) (*sessiontypes.SessionView, error) {
	appState, err := s.backend.SelectAppState(ctx, key.App)
	if err != nil {
		return nil, fmt.Errorf("%w: select app state: %v", ErrBackendIO, err)
	}
	userState, err := s.backend.SelectUserState(ctx, key.App, key.User)
	if err != nil {
		return nil, fmt.Errorf("%w: select user state: %v", ErrBackendIO, err)
	}

	events := make([]sessiontypes.Event, 0, len(eventRows))
	for _, er := range eventRows {
		events = append(events, sessiontypes.Event{
			ID: er.EventID, InvocationID: er.InvocationID, Author: er.Author,
			Timestamp: er.EventTimestamp,
			Actions:   sessiontypes.EventActions{StateDelta: replay.DecodeDelta(s.logger, er)},
		})
	}

	return &sessiontypes.SessionView{
		App: key.App, User: key.User, Session: key.Session,
		State:       projector.Merge(appState, userState, sessionState),
		Events:      events,
		CreatedTime: created, UpdateTime: updated, Version: version,
	}, nil
}

// ListSessions returns session summaries for an app/user pair, paginated
// by Limit/Offset.
func (s *Service) ListSessions(ctx context.Context, filter store.ListFilter) ([]sessiontypes.SessionSummary, error) {
	rows, err := s.backend.SelectSessionSummaries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: select session summaries: %v", ErrBackendIO, err)
	}

	out := make([]sessiontypes.SessionSummary, 0, len(rows))
	for _, r := range rows {
		appState, err := s.backend.SelectAppState(ctx, r.App)
		if err != nil {
			return nil, fmt.Errorf("%w: select app state: %v", ErrBackendIO, err)
		}
		userState, err := s.backend.SelectUserState(ctx, r.App, r.User)
		if err != nil {
			return nil, fmt.Errorf("%w: select user state: %v", ErrBackendIO, err)
		}
		r.State = projector.Merge(appState, userState, r.State)
		out = append(out, r)
	}
	return out, nil
}

// DeleteSession soft-deletes a session. Idempotent: deleting an
// already-deleted or nonexistent session is not an error.
func (s *Service) DeleteSession(ctx context.Context, key sessiontypes.Key) error {
	row, err := s.backend.SelectSession(ctx, key)
	if err != nil && !errors.Is(err, store.ErrCorruption) {
		return fmt.Errorf("%w: select session: %v", ErrBackendIO, err)
	}
	if row == nil {
		return nil
	}

	now := time.Now().UTC()
	deleted := true
	newVersion := row.Version + 1
	if err := s.backend.UpdateSessionConditional(ctx, key, row.Version, store.SessionFields{
		IsDeleted: &deleted, DeletedTime: &now, UpdateTime: &now, Version: &newVersion,
	}); err != nil {
		return fmt.Errorf("%w: soft delete: %v", ErrBackendIO, err)
	}

	s.logger.Info("session deleted", "app", key.App, "user", key.User, "session", key.Session)
	return nil
}

// AppendEvent runs the append protocol. A genuine VersionConflict —
// another writer winning the race between this attempt's read and its
// conditional update — is retried internally up to the configured retry
// policy. ErrStale means the caller's snapshot was already behind before
// this call started; it is never cured internally and surfaces once
// retries are exhausted, since re-reading is the caller's
// responsibility.
func (s *Service) AppendEvent(ctx context.Context, snap Snapshot, event sessiontypes.Event) (*sessiontypes.Event, error) {
	// Step 1: skip partial events entirely.
	if event.Partial {
		return &event, nil
	}

	// Step 2: strip temporary keys before persisting.
	appDelta, userDelta, sessionDelta := projector.Split(event.Actions.StateDelta)

	var lastErr error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		result, err := s.appendOnce(ctx, snap, event, appDelta, userDelta, sessionDelta)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrStale) && !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		// Both failures are retried after the policy's backoff. Only a
		// genuine ErrVersionConflict — a write that raced this attempt's
		// own read — refreshes the working snapshot to the row this
		// attempt just lost against. ErrStale means the caller's own
		// snapshot was already behind before this call started;
		// re-reading is the caller's responsibility, so the snapshot is
		// left as it is and the error surfaces once retries are exhausted
		// instead of being silently cured here.
		if attempt < s.retry.MaxAttempts-1 {
			s.logger.Warn("append retrying", "attempt", attempt+1, "error", err)
			s.sleep(s.retry.backoffFor(attempt))
			if errors.Is(err, ErrVersionConflict) {
				refreshed, refreshErr := s.backend.SelectSession(ctx, snap.Key)
				if refreshErr == nil && refreshed != nil {
					snap.LastUpdateTime = refreshed.UpdateTime
				}
			}
		}
	}
	return nil, lastErr
}

// appendOnce runs steps 3-12 once, without retrying.
func (s *Service) appendOnce(ctx context.Context, snap Snapshot, event sessiontypes.Event, appDelta, userDelta, sessionDelta sessiontypes.State) (*sessiontypes.Event, error) {
	key := snap.Key

	// Step 3: read current session row.
	row, err := s.backend.SelectSession(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrCorruption) {
			return nil, fmt.Errorf("%w: session %s/%s/%s", ErrCorruption, key.App, key.User, key.Session)
		}
		return nil, fmt.Errorf("%w: select session: %v", ErrBackendIO, err)
	}
	if row == nil {
		return nil, fmt.Errorf("%w: session %s/%s/%s", ErrNotFound, key.App, key.User, key.Session)
	}

	// Step 4: staleness check.
	if row.UpdateTime.After(snap.LastUpdateTime) {
		return nil, fmt.Errorf("%w: session %s/%s/%s", ErrStale, key.App, key.User, key.Session)
	}

	// Step 5: compute new session state locally.
	var currentState sessiontypes.State
	if err := json.Unmarshal([]byte(row.StateJSON), &currentState); err != nil {
		currentState = sessiontypes.State{}
	}
	newState := projector.Apply(currentState, sessionDelta)
	stateJSON, err := json.Marshal(newState)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal session state: %v", ErrBackendIO, err)
	}

	// Step 6: generate a write nonce, the OCC witness.
	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrBackendIO, err)
	}

	// Step 7: conditional update.
	now := time.Now().UTC()
	newVersion := row.Version + 1
	newStateJSON := string(stateJSON)
	if err := s.backend.UpdateSessionConditional(ctx, key, row.Version, store.SessionFields{
		StateJSON: &newStateJSON, UpdateTime: &now, Version: &newVersion, LastWriteNonce: &nonce,
	}); err != nil {
		return nil, fmt.Errorf("%w: conditional update: %v", ErrBackendIO, err)
	}

	// Step 8: verify OCC by re-reading at the expected new version.
	verify, err := s.backend.SelectSession(ctx, key)
	if err != nil && !errors.Is(err, store.ErrCorruption) {
		return nil, fmt.Errorf("%w: verify update: %v", ErrBackendIO, err)
	}
	if verify == nil || verify.Version != newVersion || verify.LastWriteNonce == nil || *verify.LastWriteNonce != nonce {
		return nil, fmt.Errorf("%w: session %s/%s/%s", ErrVersionConflict, key.App, key.User, key.Session)
	}

	// Step 9: derive the sequence number from the new version.
	seq, err := s.nextSequenceNum(ctx, key, newVersion)
	if err != nil {
		return nil, err
	}

	// Step 10: idempotent event merge.
	var deltaJSONPtr *string
	persisted := event
	hasDelta := event.Actions.StateDelta != nil
	if hasDelta {
		full := projector.Merge(appDelta, userDelta, sessionDelta)
		persisted.Actions.StateDelta = full
		fullJSON, err := json.Marshal(full)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal event delta: %v", ErrBackendIO, err)
		}
		deltaJSON := string(fullJSON)
		deltaJSONPtr = &deltaJSON
	}
	eventDataJSON, err := json.Marshal(persisted)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal event: %v", ErrBackendIO, err)
	}
	eventRow := sessiontypes.EventRow{
		App: key.App, User: key.User, Session: key.Session,
		EventID: event.ID, InvocationID: event.InvocationID, Author: event.Author,
		SequenceNum: seq, EventTimestamp: event.Timestamp, EventDataJSON: string(eventDataJSON),
		StateDeltaJSON: deltaJSONPtr, HasStateDelta: hasDelta, CreatedTime: now,
	}
	if err := s.backend.MergeEvent(ctx, eventRow); err != nil {
		return nil, fmt.Errorf("%w: merge event: %v", ErrBackendIO, err)
	}

	// Step 11: apply app/user deltas, deliberately last.
	if appDelta != nil {
		if err := s.backend.UpsertAppState(ctx, key.App, appDelta); err != nil {
			return nil, fmt.Errorf("%w: upsert app state: %v", ErrBackendIO, err)
		}
	}
	if userDelta != nil {
		if err := s.backend.UpsertUserState(ctx, key.App, key.User, userDelta); err != nil {
			return nil, fmt.Errorf("%w: upsert user state: %v", ErrBackendIO, err)
		}
	}

	s.logger.Debug("event appended", "session", key.Session, "version", newVersion, "sequence_num", seq)

	// Step 12: caller snapshot update is the caller's responsibility;
	// return the event as persisted.
	return &event, nil
}

// nextSequenceNum derives sequence_num = version * SequenceBase + offset,
// where offset is the count of events already recorded at this version's
// base.
func (s *Service) nextSequenceNum(ctx context.Context, key sessiontypes.Key, version int64) (int64, error) {
	base := version * s.sequenceBase

	events, err := s.backend.SelectEvents(ctx, key, store.EventFilter{IncludeAfterRewind: true})
	if err != nil {
		return 0, fmt.Errorf("%w: count events at version: %v", ErrBackendIO, err)
	}
	offset := int64(0)
	for _, e := range events {
		if e.SequenceNum >= base && e.SequenceNum < base+s.sequenceBase {
			offset++
		}
	}
	return base + offset, nil
}

// RewindSession marks an event as the rewind point and replays state
// from scratch up to that point.
func (s *Service) RewindSession(ctx context.Context, key sessiontypes.Key, targetEventID string) (*sessiontypes.SessionView, error) {
	allEvents, err := s.backend.SelectEvents(ctx, key, store.EventFilter{IncludeAfterRewind: true})
	if err != nil {
		return nil, fmt.Errorf("%w: select events: %v", ErrBackendIO, err)
	}

	var targetSeq int64
	found := false
	for _, e := range allEvents {
		if e.EventID == targetEventID {
			targetSeq = e.SequenceNum
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: event %s in session %s/%s/%s", ErrNotFound, targetEventID, key.App, key.User, key.Session)
	}

	var toReplay []sessiontypes.EventRow
	for _, e := range allEvents {
		if e.SequenceNum <= targetSeq {
			toReplay = append(toReplay, e)
		}
	}

	if err := s.backend.UpdateEventsFlag(ctx, key, &targetSeq, true); err != nil {
		return nil, fmt.Errorf("%w: flag events after rewind: %v", ErrBackendIO, err)
	}

	newState := replay.SessionScope(s.logger, toReplay)
	return s.persistReplay(ctx, key, newState, &targetEventID, false)
}

// ClearRewind clears a session's rewind marker and replays its full
// event history back into state.
func (s *Service) ClearRewind(ctx context.Context, key sessiontypes.Key) (*sessiontypes.SessionView, error) {
	allEvents, err := s.backend.SelectEvents(ctx, key, store.EventFilter{IncludeAfterRewind: true})
	if err != nil {
		return nil, fmt.Errorf("%w: select events: %v", ErrBackendIO, err)
	}

	if err := s.backend.UpdateEventsFlag(ctx, key, nil, false); err != nil {
		return nil, fmt.Errorf("%w: clear events flag: %v", ErrBackendIO, err)
	}

	newState := replay.SessionScope(s.logger, allEvents)
	return s.persistReplay(ctx, key, newState, nil, true)
}

// persistReplay writes the replayed session-scope state back, preserving
// app/user rows unchanged, and increments version. Both rewind and clear
// rewind restore only the session-scope projection.
func (s *Service) persistReplay(ctx context.Context, key sessiontypes.Key, newState sessiontypes.State, rewindTarget *string, clearRewind bool) (*sessiontypes.SessionView, error) {
	row, err := s.backend.SelectSession(ctx, key)
	if err != nil && !errors.Is(err, store.ErrCorruption) {
		return nil, fmt.Errorf("%w: select session: %v", ErrBackendIO, err)
	}
	if row == nil {
		return nil, fmt.Errorf("%w: session %s/%s/%s", ErrNotFound, key.App, key.User, key.Session)
	}

	stateJSON, err := json.Marshal(newState)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal replayed state: %v", ErrBackendIO, err)
	}
	now := time.Now().UTC()
	newVersion := row.Version + 1
	newStateJSON := string(stateJSON)

	fields := store.SessionFields{
		StateJSON: &newStateJSON, UpdateTime: &now, Version: &newVersion,
	}
	if clearRewind {
		fields.ClearRewind = true
	} else {
		fields.RewindTarget = rewindTarget
	}

	if err := s.backend.UpdateSessionConditional(ctx, key, row.Version, fields); err != nil {
		return nil, fmt.Errorf("%w: persist replay: %v", ErrBackendIO, err)
	}

	visibleFilter := store.EventFilter{}
	visibleEvents, err := s.backend.SelectEvents(ctx, key, visibleFilter)
	if err != nil {
		return nil, fmt.Errorf("%w: select events: %v", ErrBackendIO, err)
	}

	return s.buildView(ctx, key, row.CreatedTime, now, newVersion, newState, visibleEvents)
}
