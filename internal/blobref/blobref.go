// Package blobref defines the blob-offloading collaborator: large event
// payloads (stdout/stderr, tool output) are referenced from an event's
// payload rather than embedded in it, so the events table stays small.
// The core session service never calls this package; callers that
// produce large payloads offload them before calling
// session.Service.AppendEvent and store the returned ref in the event's
// data instead of the raw bytes.
package blobref

import "context"

// Store puts and gets opaque blobs by reference. The ref format is
// implementation-defined; callers treat it as an opaque string.
type Store interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}
