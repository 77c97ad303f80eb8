package core

import "fmt"

// MetadataError reports why a .torrent blob could not be parsed into valid
// Metainfo: a missing/mistyped key, a hash-length mismatch, an invalid
// path, or a piece-count inconsistency (spec §4.2).
type MetadataError struct {
	Reason string
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata: %s", e.Reason)
}

func errMetadata(format string, args ...interface{}) error {
	return &MetadataError{Reason: fmt.Sprintf(format, args...)}
}
