package library

import "errors"

// ErrDestinationOccupied is returned when a regular file or directory sits where a link
// should be created. It is never overwritten.
var ErrDestinationOccupied = errors.New("destination occupied by a non-symlink")

// ErrMountUnhealthy is returned when an operation would judge sources on a watched
// directory whose mount is currently unhealthy.
var ErrMountUnhealthy = errors.New("mount unhealthy")
