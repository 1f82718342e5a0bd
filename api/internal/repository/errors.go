package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidTransition indicates a status change the state machine forbids,
// including any mutation of a terminal record.
var ErrInvalidTransition = errors.New("repository: invalid status transition")

// ErrConflict indicates the write collides with an existing record.
var ErrConflict = errors.New("repository: conflict")
