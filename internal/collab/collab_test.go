package collab

import (
	"context"
	"testing"
	"time"
)

func TestNoopTelemetryRecordDoesNotPanic(t *testing.T) {
	var sink TelemetrySink = NoopTelemetry{}
	sink.Record(context.Background(), Span{
		Name:      "test-span",
		StartTime: time.Unix(0, 0),
		EndTime:   time.Unix(1, 0),
		Attrs:     map[string]string{"k": "v"},
	})
}
