package conn

import "fmt"

// ViolationError is raised when a peer breaks the wire protocol's rules:
// requesting a piece we don't have, requesting while we're choking it, or
// a handshake that doesn't match the torrent we expected. The connection
// is always closed alongside this error.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("conn: protocol violation: %s", e.Reason)
}

func violationf(format string, args ...interface{}) error {
	return &ViolationError{Reason: fmt.Sprintf(format, args...)}
}

// Error wraps a non-protocol connection failure (send on a closed or
// overflowing connection).
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("conn: %s", e.Reason)
}

func errf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}
