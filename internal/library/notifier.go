package library

import (
	"context"

	"mlsync/internal/model"
)

// Notifier delivers engine events to external listeners.
// Notify must not block and must never fail the caller.
type Notifier interface {
	Notify(event model.Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(model.Event) {}

// Refresher asks a media server to rescan the directory holding a new link.
type Refresher interface {
	Refresh(ctx context.Context, dir string) error
}

// MountProber answers whether a path is backed by a mounted, responsive filesystem.
type MountProber interface {
	IsUnderMount(path string) (bool, error)
	ProbeHealth(path string) error
}
