package mse

import "fmt"

// EncryptionError is raised when an MSE/PE negotiation fails at a given
// stage: "initiate", "accept", "skey" (no torrent matched the peer's SKEY
// hash), or "negotiate" (policy rejected the peer's chosen method).
type EncryptionError struct {
	Stage string
	Cause error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("mse: %s: %s", e.Stage, e.Cause)
}

func (e *EncryptionError) Unwrap() error {
	return e.Cause
}
