package engine

import "fmt"

// Error is the engine package's error type: a short, stable reason string
// any caller can match on without parsing prose.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

func errf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf("engine: "+format, args...)}
}
