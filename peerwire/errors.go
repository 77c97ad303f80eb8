package peerwire

import "fmt"

// ProtocolError is a wire-level violation: a malformed frame, an oversize
// message, or a handshake that doesn't match what was expected.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("peerwire: %s", e.Reason)
}

func errf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
