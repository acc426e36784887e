package useaid

import "errors"

// ErrSessionNotFound is returned for operations on a connection that has no
// in-memory context and no persisted mapping. The transport reports it as a
// JSON-RPC error with the message "Session not found".
var ErrSessionNotFound = errors.New("Session not found")

// ErrAlreadySealed is returned when an operation would append to a chain
// whose terminal record is a session_seal.
var ErrAlreadySealed = errors.New("session already ended")

// ErrMilestoneNotFound is returned when a delete names an unknown
// milestone id.
var ErrMilestoneNotFound = errors.New("milestone not found")
