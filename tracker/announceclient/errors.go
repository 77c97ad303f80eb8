package announceclient

import "fmt"

// Error reports an announce failure: a malformed response, a rejected
// request, or a transport error surfaced by a concrete Client.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("announceclient: %s", e.Reason)
}

func errf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// FailureError wraps a tracker's own "failure reason" string from a
// well-formed but rejected announce response.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("tracker rejected announce: %s", e.Reason)
}
