package workflow

import "context"

// Notifier delivers a Notify step's outbound side effect (spec.md §4.3:
// "Notify ... issue an outbound side effect") before the step waits using
// WaitForEvent semantics. internal/notify.Dispatcher is the production
// implementation; Engine works with a nil Notifier by skipping delivery
// and proceeding straight to the wait, so a workflow can declare Notify
// steps even when no outbound channel is configured.
type Notifier interface {
	Notify(ctx context.Context, channel, target, message string) error
}
