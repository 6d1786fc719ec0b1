// Package sessiontypes defines the wire-independent data model shared by
// the state projector, the session service, and both backend adapters.
package sessiontypes

import (
	"encoding/json"
	"time"
)

// Namespace prefixes recognized by the state projector. A key not carrying
// one of AppPrefix or UserPrefix belongs to session scope; a key carrying
// TempPrefix is dropped before persistence.
const (
	AppPrefix  = "app:"
	UserPrefix = "user:"
	TempPrefix = "temp:"
)

// deleteSentinel is the distinguished value a state delta uses to mean
// "remove this key." It is compared by identity, never by value, so no
// ordinary state value can collide with it.
type deleteSentinel struct{}

// Delete is the null sentinel from spec invariant 5: a delta entry whose
// value is Delete removes the corresponding key from the target state.
var Delete any = deleteSentinel{}

// IsDelete reports whether v is the deletion sentinel, treating a decoded
// JSON null (v == nil) the same way: both mean "remove this key."
func IsDelete(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(deleteSentinel)
	return ok
}

// State is a flat key/value map. The same type represents both a resting
// state and a delta; NormalizeDelta distinguishes the two by substituting
// Delete for any decoded-JSON nil value in a delta.
type State map[string]any

// NormalizeDelta returns a copy of delta with every nil value (as produced
// by encoding/json when unmarshaling a JSON null) replaced by Delete, so
// that IsDelete is the only check the rest of the package needs to perform.
func NormalizeDelta(delta State) State {
	if delta == nil {
		return nil
	}
	out := make(State, len(delta))
	for k, v := range delta {
		if v == nil {
			out[k] = Delete
		} else {
			out[k] = v
		}
	}
	return out
}

// MarshalJSON encodes Delete sentinel values as JSON null, so a delta
// built with Delete round-trips through storage the same way a delta
// built by decoding a client-supplied {"k": null} payload does.
func (s State) MarshalJSON() ([]byte, error) {
	plain := make(map[string]any, len(s))
	for k, v := range s {
		if IsDelete(v) {
			plain[k] = nil
		} else {
			plain[k] = v
		}
	}
	return json.Marshal(plain)
}

// Key is the natural key shared by sessions, events, and user-scope state.
type Key struct {
	App     string
	User    string
	Session string
}

// SessionRow is the persisted representation of one sessions table row.
type SessionRow struct {
	App             string
	User            string
	Session         string
	StateJSON       string
	CreatedTime     time.Time
	UpdateTime      time.Time
	Version         int64
	IsDeleted       bool
	DeletedTime     *time.Time
	RewindToEventID *string
	LastWriteNonce  *string
}

// EventRow is the persisted representation of one events table row.
type EventRow struct {
	App             string
	User            string
	Session         string
	EventID         string
	InvocationID    string
	Author          string
	SequenceNum     int64
	EventTimestamp  time.Time
	EventDataJSON   string
	StateDeltaJSON  *string
	HasStateDelta   bool
	CreatedTime     time.Time
	IsAfterRewind   bool
}

// AppStateRow is the persisted representation of one app_states table row.
type AppStateRow struct {
	App        string
	StateJSON  string
	UpdateTime time.Time
	Version    int64
}

// UserStateRow is the persisted representation of one user_states table row.
type UserStateRow struct {
	App        string
	User       string
	StateJSON  string
	UpdateTime time.Time
	Version    int64
}

// Event is the externally visible event shape from the public contract.
// Actions carries the optional state delta the event contributes.
type Event struct {
	ID             string
	InvocationID   string
	Author         string
	Timestamp      time.Time
	Partial        bool
	Actions        EventActions
}

// EventActions carries the side effects an event applies to state.
type EventActions struct {
	StateDelta State
}

// SessionView is the merged, read-facing representation of a session:
// the three-scope state already merged by the projector, plus its events
// in canonical order.
type SessionView struct {
	App          string
	User         string
	Session      string
	State        State
	Events       []Event
	CreatedTime  time.Time
	UpdateTime   time.Time
	Version      int64
}

// SessionSummary is the lightweight, event-free representation returned
// by ListSessions.
type SessionSummary struct {
	App         string
	User        string
	Session     string
	State       State
	CreatedTime time.Time
	UpdateTime  time.Time
	Version     int64
}
