package discovery

import (
	"fmt"

	"github.com/google/uuid"
)

// Node is a single cluster member as seen by discovery.
type Node struct {
	// ID is the permanent unique identifier of the node.
	ID uuid.UUID `codec:"id"`

	// InternalID is the sequence number of the node's alive entry, assigned
	// by the coordination store. Stable for the node's lifetime.
	InternalID int `codec:"internalId"`

	// Order is the topology version at which the node joined. Orders are
	// unique and monotone over the cluster lifetime.
	Order int64 `codec:"order"`

	// Local is true on the node instance describing the current process.
	Local bool `codec:"local"`

	// Attributes is the opaque application payload attached to the node at
	// startup, visible to every member.
	Attributes []byte `codec:"attributes"`

	// Attachment is a consumer-supplied value kept with the local view of the
	// node. Never serialized or shared.
	Attachment any `codec:"-"`
}

func (n *Node) String() string {
	return fmt.Sprintf("Node [id=%s, order=%d, internalId=%d, local=%v]", n.ID, n.Order, n.InternalID, n.Local)
}
