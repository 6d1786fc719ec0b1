// Package collab defines the interfaces the surrounding agent runtime
// implements against the session store, named here so this module
// compiles against those contracts without inventing a concrete
// orchestrator, executor, or telemetry sink. None of these are called
// by internal/session's core logic.
package collab

import (
	"context"
	"time"

	"github.com/flowloom/sessionstore/internal/sessiontypes"
)

// Executor runs one invocation's generated code out of process, in a
// separate job or process, and returns its result. The store never
// calls this; it exists so an embedding application's executor can be
// typed against a name this package agrees on.
type Executor interface {
	Run(ctx context.Context, invocationID string, code string) (ExecutionResult, error)
}

// ExecutionResult is the outcome of one Executor.Run call. Stdout/stderr
// are expected to be small inline previews; large payloads should be
// offloaded through a blobref.Store and referenced from the event
// payload instead.
type ExecutionResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Span is one telemetry record a TelemetrySink records. It is
// intentionally opaque beyond identity and timing — the store does not
// interpret event payloads semantically, and neither does this type.
type Span struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Attrs     map[string]string
}

// TelemetrySink receives spans from the surrounding runtime. The store
// does not emit any itself.
type TelemetrySink interface {
	Record(ctx context.Context, span Span)
}

// NoopTelemetry is a TelemetrySink that discards every span, so examples
// and tests that need a sink don't require a real one.
type NoopTelemetry struct{}

// Record implements TelemetrySink by doing nothing.
func (NoopTelemetry) Record(context.Context, Span) {}

// ChangeFeedIngestor is notified after an event is durably appended, so
// a downstream workflow can react to it. session.WithChangeFeed (see
// internal/session) decorates a *session.Service and calls Notify after
// every successful AppendEvent of a non-partial event.
type ChangeFeedIngestor interface {
	Notify(ctx context.Context, key sessiontypes.Key, eventID string)
}

// ArtifactStore is the external name for the blob-offloading
// collaborator; it is the same contract as blobref.Store.
type ArtifactStore interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}
