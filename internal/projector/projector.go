// Package projector implements the pure split/apply/merge logic that turns
// a flat state delta into three scoped sub-deltas (app, user, session) and
// reconstructs a merged read view from the three stored states.
package projector

import "github.com/flowloom/sessionstore/internal/sessiontypes"

// Split partitions delta by key prefix into app, user, and session scoped
// deltas. Keys in the temporary namespace are dropped entirely. Prefixes
// are stripped from the keys placed into the app and user sub-deltas.
// A nil or empty delta produces three nil sub-deltas.
func Split(delta sessiontypes.State) (app, user, session sessiontypes.State) {
	if len(delta) == 0 {
		return nil, nil, nil
	}
	for key, value := range delta {
		switch {
		case hasPrefix(key, sessiontypes.AppPrefix):
			if app == nil {
				app = sessiontypes.State{}
			}
			app[key[len(sessiontypes.AppPrefix):]] = value
		case hasPrefix(key, sessiontypes.UserPrefix):
			if user == nil {
				user = sessiontypes.State{}
			}
			user[key[len(sessiontypes.UserPrefix):]] = value
		case hasPrefix(key, sessiontypes.TempPrefix):
			// Temporary-namespace keys never reach storage.
		default:
			if session == nil {
				session = sessiontypes.State{}
			}
			session[key] = value
		}
	}
	return app, user, session
}

// hasPrefix is a case-sensitive, exact-match prefix check per the
// projector's edge-case policy.
func hasPrefix(key, prefix string) bool {
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}

// Apply returns a new state built by applying delta to current. A delta
// value that is the deletion sentinel (or nil, from a decoded JSON null)
// removes the key; any other value overwrites it. current is never
// mutated — callers get a fresh map safe to store independently.
func Apply(current, delta sessiontypes.State) sessiontypes.State {
	out := make(sessiontypes.State, len(current)+len(delta))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range delta {
		if sessiontypes.IsDelete(v) {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Merge reconstructs a read view from the three stored states: session
// scope keys are copied verbatim, then app and user scope keys are
// re-prefixed and overlaid on top. Session-scope keys never collide with
// re-prefixed ones, so overlay order does not matter for correctness; app
// is applied before user only to match the natural read order.
func Merge(app, user, session sessiontypes.State) sessiontypes.State {
	out := make(sessiontypes.State, len(app)+len(user)+len(session))
	for k, v := range session {
		out[k] = v
	}
	for k, v := range app {
		out[sessiontypes.AppPrefix+k] = v
	}
	for k, v := range user {
		out[sessiontypes.UserPrefix+k] = v
	}
	return out
}

// equal reports whether a and b contain the same keys and values. Values
// are compared with ==, which is sufficient for the JSON-decoded scalar
// and string types state deltas are expected to carry; it is not a deep
// structural comparison for nested maps or slices.
func equal(a, b sessiontypes.State) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || av != bv {
			return false
		}
	}
	return true
}
