// Package notify delivers engine events to the outside world. Every notifier is
// best effort: failures are logged and never reach the caller.
package notify

import (
	"mlsync/internal/library"
	"mlsync/internal/model"
)

// LogNotifier writes every event to the log.
type LogNotifier struct {
	logger library.Logger
}

var _ library.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger library.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements library.Notifier.
func (n *LogNotifier) Notify(event model.Event) {
	args := []any{"source", event.SourcePath}
	if event.DestinationPath != "" {
		args = append(args, "destination", event.DestinationPath)
	}
	if event.Reason != "" {
		args = append(args, "reason", event.Reason)
	}
	if event.Error != "" {
		args = append(args, "error", event.Error)
	}
	n.logger.Debug(string(event.Type), args...)
}

// MultiNotifier fans an event out to several notifiers in order.
type MultiNotifier []library.Notifier

var _ library.Notifier = MultiNotifier(nil)

// Notify implements library.Notifier.
func (m MultiNotifier) Notify(event model.Event) {
	for _, n := range m {
		n.Notify(event)
	}
}
