package discovery

import "github.com/google/uuid"

// DataBag carries application data exchanged during a node join. Payloads are
// opaque to discovery and keyed by an application-defined component id.
type DataBag struct {
	// NodeID is the joining node the bag relates to, on both collect and
	// exchange.
	NodeID uuid.UUID

	// JoiningData is the payload supplied by a joining node for the rest of
	// the cluster.
	JoiningData map[int][]byte

	// CommonData is the payload collected on the coordinator and delivered to
	// the joining node.
	CommonData map[int][]byte
}

// Exchange lets the application contribute data to the join handshake.
// Collect fills the bag with local data before it is published; OnExchange
// absorbs data received from another node.
type Exchange interface {
	Collect(bag *DataBag)
	OnExchange(bag *DataBag)
}

// NoopExchange is an Exchange that contributes and absorbs nothing.
type NoopExchange struct{}

func (NoopExchange) Collect(*DataBag)    {}
func (NoopExchange) OnExchange(*DataBag) {}
