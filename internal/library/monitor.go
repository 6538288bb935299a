package library

import (
	"path/filepath"
	"sync"
)

// MountState is the health of a watched directory's backing mount.
type MountState string

const (
	MountDisabled  MountState = "disabled" // monitoring off; always treated as healthy
	MountHealthy   MountState = "healthy"
	MountUnhealthy MountState = "unhealthy"
)

// Usable reports whether scanning may proceed.
func (s MountState) Usable() bool {
	return s != MountUnhealthy
}

// MountMonitor tracks mount health per watched directory and logs only transitions.
type MountMonitor struct {
	prober  MountProber
	logger  Logger
	enabled bool

	mu     sync.Mutex
	states map[string]MountState
}

// NewMountMonitor creates a MountMonitor. With enabled false every check reports
// MountDisabled without probing.
func NewMountMonitor(prober MountProber, logger Logger, enabled bool) *MountMonitor {
	return &MountMonitor{
		prober:  prober,
		logger:  logger,
		enabled: enabled,
		states:  make(map[string]MountState),
	}
}

// Check probes dir and returns its new state.
func (m *MountMonitor) Check(dir string) MountState {
	if !m.enabled {
		return MountDisabled
	}
	dir = filepath.Clean(dir)

	next := MountHealthy
	var cause error
	under, err := m.prober.IsUnderMount(dir)
	switch {
	case err != nil:
		next, cause = MountUnhealthy, err
	case !under:
		next = MountUnhealthy
	default:
		if err := m.prober.ProbeHealth(dir); err != nil {
			next, cause = MountUnhealthy, err
		}
	}

	m.mu.Lock()
	prev, ok := m.states[dir]
	if !ok {
		prev = MountHealthy
	}
	m.states[dir] = next
	m.mu.Unlock()

	if prev != next {
		if next == MountUnhealthy {
			m.logger.Warn("mount unhealthy, pausing scans", "dir", dir, "mounted", under, "error", cause)
		} else {
			m.logger.Info("mount healthy again, resuming scans", "dir", dir)
		}
	}
	return next
}

// State returns the last observed state of dir.
func (m *MountMonitor) State(dir string) MountState {
	if !m.enabled {
		return MountDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[filepath.Clean(dir)]; ok {
		return s
	}
	return MountHealthy
}
