package zkclient

import (
	"errors"

	"github.com/go-zookeeper/zk"
)

var (
	// ErrClientFailed is returned from every operation once the client has
	// permanently lost its session, and from all subsequent calls.
	ErrClientFailed = errors.New("zookeeper client failed")

	// ErrNoNode is returned when the requested node does not exist.
	ErrNoNode = zk.ErrNoNode

	// ErrNodeExists is returned when a node cannot be created because it
	// already exists.
	ErrNodeExists = zk.ErrNodeExists
)

// retryable tells whether an operation that failed with the given error can
// be transparently retried once the connection is restored. Only plain
// connection loss qualifies: a moved or expired session invalidates
// ephemerals, so retrying would hide a membership change.
func retryable(err error) bool {
	return errors.Is(err, zk.ErrConnectionClosed)
}
