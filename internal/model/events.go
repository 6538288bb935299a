package model

import "time"

// EventType identifies a notification emitted by the engine.
type EventType string

const (
	EventFileAdded   EventType = "file_added"
	EventFileDeleted EventType = "file_deleted"
	EventFileFailed  EventType = "file_failed"
)

// Event is a best-effort notification payload. Fields that do not apply to the
// event type are left empty.
type Event struct {
	Type            EventType         `json:"type"`
	SourcePath      string            `json:"source_path"`
	DestinationPath string            `json:"destination_path,omitempty"`
	Identifiers     map[string]string `json:"identifiers,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Error           string            `json:"error,omitempty"`
	At              time.Time         `json:"at"`
}

// AddedEvent builds the notification for a newly linked record.
func AddedEvent(r *Record, at time.Time) Event {
	return Event{
		Type:            EventFileAdded,
		SourcePath:      r.SourcePath,
		DestinationPath: r.Destination(),
		Identifiers:     r.Identifiers(),
		At:              at,
	}
}
