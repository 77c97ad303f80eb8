package discovery

import "fmt"

// Error reports a malformed PEX payload or other discovery-source failure.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("discovery: %s", e.Reason)
}

func errf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}
