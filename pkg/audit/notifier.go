package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/keywarden/keywarden/pkg/contextkeys"
	"github.com/keywarden/keywarden/pkg/observability"
)

// Notifier receives lifecycle audit events. Implementations must be safe
// for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, event *Event) error
}

// Prepare stamps an event with its timestamp and request context
func Prepare(ctx context.Context, event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = contextkeys.GetRequestID(ctx)
	}
}

// LogNotifier writes audit events to the structured service log. Used in
// deployments where a log pipeline is the audit sink of record.
type LogNotifier struct {
	logger *observability.Logger
}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the event at info level
func (n *LogNotifier) Notify(ctx context.Context, event *Event) error {
	if event.Action == "" {
		return fmt.Errorf("audit action is required")
	}
	Prepare(ctx, event)

	n.logger.WithFields(map[string]interface{}{
		"audit":      true,
		"action":     string(event.Action),
		"actor":      event.Actor,
		"target_id":  event.TargetID,
		"changes":    event.Changes,
		"metadata":   event.Metadata,
		"request_id": event.RequestID,
	}).Info("audit event")

	return nil
}

// NopNotifier discards events. Useful in tests.
type NopNotifier struct{}

// Notify discards the event
func (NopNotifier) Notify(ctx context.Context, event *Event) error {
	Prepare(ctx, event)
	return nil
}
