// Package replay reconstructs session-scope state by replaying a
// session's event log, honoring the rewind pointer and deletion-on-None
// delta semantics. It is a read-side helper used both by rewind/clear and,
// in principle, by any future consistency-repair tooling.
package replay

import (
	"encoding/json"
	"log/slog"

	"github.com/flowloom/sessionstore/internal/projector"
	"github.com/flowloom/sessionstore/internal/sessiontypes"
)

// SessionScope replays events in canonical order, starting from an empty
// session-scope state, applying each event's session-scope sub-delta via
// the projector. Events are expected pre-sorted by
// (sequence_num, created_time, event_id) ascending, and pre-filtered to
// the set the caller wants replayed (e.g. sequence_num <= target).
//
// A malformed state_delta_json on one event degrades to "contributes no
// delta" rather than aborting the whole replay, logged at Warn.
func SessionScope(logger *slog.Logger, events []sessiontypes.EventRow) sessiontypes.State {
	state := sessiontypes.State{}
	for _, e := range events {
		delta := DecodeDelta(logger, e)
		if delta == nil {
			continue
		}
		_, _, sessionDelta := projector.Split(delta)
		state = projector.Apply(state, sessionDelta)
	}
	return state
}

// DecodeDelta decodes an event's state_delta_json, returning nil if the
// event carries no delta or it cannot be decoded. Shared by replay (a
// historical row might not decode) and by the session service's GetSession,
// which uses it to populate each returned event's Actions.StateDelta —
// the same degrade-gracefully policy applies to both call sites.
func DecodeDelta(logger *slog.Logger, e sessiontypes.EventRow) sessiontypes.State {
	if !e.HasStateDelta || e.StateDeltaJSON == nil {
		return nil
	}
	var delta sessiontypes.State
	if err := json.Unmarshal([]byte(*e.StateDeltaJSON), &delta); err != nil {
		if logger != nil {
			logger.Warn("replay: malformed state delta, event contributes no delta",
				"event_id", e.EventID, "session", e.Session, "error", err)
		}
		return nil
	}
	return sessiontypes.NormalizeDelta(delta)
}
