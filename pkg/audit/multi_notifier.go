package audit

import (
	"context"
	"fmt"
	"strings"
)

// MultiNotifier fans an event out to several notifiers. Every notifier is
// attempted even if an earlier one fails; failures are aggregated.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a fan-out notifier
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify delivers the event to every underlying notifier
func (m *MultiNotifier) Notify(ctx context.Context, event *Event) error {
	Prepare(ctx, event)

	var failures []string
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			failures = append(failures, err.Error())
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("audit delivery failed for %d of %d notifiers: %s",
			len(failures), len(m.notifiers), strings.Join(failures, "; "))
	}
	return nil
}
