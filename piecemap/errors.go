package piecemap

import "fmt"

// Error is a piecemap operation failure: an out-of-bounds piece/block index,
// a write against an already-completed piece, or a block length mismatch.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("piecemap: %s", e.Reason)
}

func errf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}
