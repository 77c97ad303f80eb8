package choke

import "fmt"

// Error reports a choke-algorithm failure, such as a peer rejecting a
// choke-state change.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("choke: %s", e.Reason)
}

func errf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}
