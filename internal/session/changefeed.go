package session

import (
	"context"

	"github.com/flowloom/sessionstore/internal/collab"
	"github.com/flowloom/sessionstore/internal/sessiontypes"
)

// ChangeFeedService decorates a *Service and notifies a
// collab.ChangeFeedIngestor after every successful, non-partial
// AppendEvent, the way a best-effort webhook dispatch fires a callback
// after a successful local mutation without making the mutation itself
// depend on the callback succeeding. Notify returns no error, so the
// ingestor cannot fail the append it decorates; it is called
// synchronously, so a slow ingestor delays the return of AppendEvent.
type ChangeFeedService struct {
	*Service
	feed collab.ChangeFeedIngestor
}

// WithChangeFeed wraps svc so every successful AppendEvent also notifies
// feed. The returned value embeds *Service, so every other method call
// passes straight through unchanged.
func WithChangeFeed(svc *Service, feed collab.ChangeFeedIngestor) *ChangeFeedService {
	return &ChangeFeedService{Service: svc, feed: feed}
}

// AppendEvent calls through to the wrapped Service and, on success,
// notifies the change-feed ingestor with the session's natural key and
// the appended event's ID. The notification happens after the append has
// already committed, so a downstream workflow only ever reacts to a
// durable write.
func (c *ChangeFeedService) AppendEvent(ctx context.Context, snap Snapshot, event sessiontypes.Event) (*sessiontypes.Event, error) {
	result, err := c.Service.AppendEvent(ctx, snap, event)
	if err != nil {
		return nil, err
	}
	if c.feed != nil && !result.Partial {
		c.feed.Notify(ctx, snap.Key, result.ID)
	}
	return result, nil
}
