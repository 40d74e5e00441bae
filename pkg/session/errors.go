package session

import "errors"

// Domain-level error values returned by session stores and game engines.
var (
	ErrNoActiveSession = errors.New("no active session")
	ErrUnknownSession  = errors.New("unknown session")
	ErrStateConflict   = errors.New("session state conflict")
	ErrAlreadyActive   = errors.New("session already active")
	ErrAlreadyJoined   = errors.New("already joined")
	ErrNotJoined       = errors.New("not joined")
	ErrInvalidKind     = errors.New("invalid session kind")
	ErrInvalidPayload  = errors.New("invalid session payload")
)
