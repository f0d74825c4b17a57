package store

import "errors"

// ErrNotFound is returned when a requested job, node or token does not exist.
var ErrNotFound = errors.New("store: record not found")

// ErrInvalidStatus is returned when a caller supplies a status value outside
// the recognised enum.
var ErrInvalidStatus = errors.New("store: invalid status")
