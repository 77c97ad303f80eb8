package eventbus

import "fmt"

// Error is the eventbus package's error type. No Bus method returns it:
// Unsubscribe of an unknown handle is a no-op and Publish never blocks.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("eventbus: %s", e.Reason)
}

func errf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}
