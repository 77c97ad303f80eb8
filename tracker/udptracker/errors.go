package udptracker

import "fmt"

// Error reports a BEP 15 UDP tracker failure: a transport error, a
// malformed datagram, or a transaction/action mismatch.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("udptracker: %s", e.Reason)
}

func errf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}
