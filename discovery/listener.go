package discovery

// EventType is the kind of a discovery notification.
type EventType int

const (
	// EventNodeJoined is delivered when a node joins the topology, including
	// the local node's own join.
	EventNodeJoined EventType = iota + 1

	// EventNodeFailed is delivered when a node's session is gone and the
	// coordinator declared it failed.
	EventNodeFailed

	// EventCustom is delivered for application-level messages sent through
	// SendCustomMessage.
	EventCustom

	// EventSegmented is delivered at most once, when the local node has lost
	// its coordination store session for good.
	EventSegmented
)

func (t EventType) String() string {
	switch t {
	case EventNodeJoined:
		return "NODE_JOINED"
	case EventNodeFailed:
		return "NODE_FAILED"
	case EventCustom:
		return "CUSTOM_EVENT"
	case EventSegmented:
		return "NODE_SEGMENTED"
	default:
		return ""
	}
}

// Listener receives discovery notifications. Every member that has joined the
// cluster observes the same sequence of notifications with the same topology
// versions. Calls are made from the discovery event loop and must not block.
//
// The node argument is the subject of the event: the joined or failed node,
// the sender of a custom message, or the local node for segmentation. The
// snapshot is the topology ordered by node order, taken just after the event
// was applied. The msg argument carries the custom message payload and is nil
// for other event types.
type Listener interface {
	OnDiscovery(evt EventType, topVer int64, node Node, snapshot []Node, msg []byte)
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(evt EventType, topVer int64, node Node, snapshot []Node, msg []byte)

func (f ListenerFunc) OnDiscovery(evt EventType, topVer int64, node Node, snapshot []Node, msg []byte) {
	f(evt, topVer, node, snapshot, msg)
}
