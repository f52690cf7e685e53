package discovery

import "errors"

var (
	// ErrNodeStopped is the join failure reported when Stop is called before
	// the local node managed to join.
	ErrNodeStopped = errors.New("local node is stopped")

	// ErrSegmented is the join failure reported when the coordination store
	// session is lost before the local node managed to join.
	ErrSegmented = errors.New("local node is segmented")

	// ErrChecksumMismatch means a persisted event log payload failed its
	// integrity check.
	ErrChecksumMismatch = errors.New("event log checksum mismatch")
)
