package testutil

import (
	"context"
	"sync"

	"mlsync/internal/library"
	"mlsync/internal/model"
)

// RecordingNotifier keeps every event it receives. Safe for concurrent use.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

var _ library.Notifier = (*RecordingNotifier)(nil)

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (n *RecordingNotifier) Notify(e model.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

// Events returns a copy of everything received so far.
func (n *RecordingNotifier) Events() []model.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Event(nil), n.events...)
}

// OfType returns the received events of one type.
func (n *RecordingNotifier) OfType(typ model.EventType) []model.Event {
	var out []model.Event
	for _, e := range n.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// RecordingRefresher records refreshed directories.
type RecordingRefresher struct {
	mu   sync.Mutex
	dirs []string
}

var _ library.Refresher = (*RecordingRefresher)(nil)

func (r *RecordingRefresher) Refresh(_ context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, dir)
	return nil
}

// Dirs returns the refreshed directories in call order.
func (r *RecordingRefresher) Dirs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dirs...)
}

// RecordingLogger keeps log messages by level.
type RecordingLogger struct {
	mu       sync.Mutex
	Messages []string // "LEVEL msg"
}

var _ library.Logger = (*RecordingLogger)(nil)

func (l *RecordingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, level+" "+msg)
}

func (l *RecordingLogger) Debug(msg string, _ ...any) { l.record("DEBUG", msg) }
func (l *RecordingLogger) Info(msg string, _ ...any)  { l.record("INFO", msg) }
func (l *RecordingLogger) Warn(msg string, _ ...any)  { l.record("WARN", msg) }
func (l *RecordingLogger) Error(msg string, _ ...any) { l.record("ERROR", msg) }

// Count returns how many messages were logged.
func (l *RecordingLogger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Messages)
}
