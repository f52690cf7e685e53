package discovery

import (
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// topology indexes the current cluster membership three ways: by node id, by
// internal id and by topology order. It is mutated only on the discovery
// event loop; snapshots taken there are safe to hand out.
type topology struct {
	byID         map[uuid.UUID]*Node
	byInternalID map[int]*Node
	byOrder      map[int64]*Node
}

func newTopology() *topology {
	return &topology{
		byID:         make(map[uuid.UUID]*Node),
		byInternalID: make(map[int]*Node),
		byOrder:      make(map[int64]*Node),
	}
}

func (t *topology) addNode(n *Node) {
	t.byID[n.ID] = n
	t.byInternalID[n.InternalID] = n
	t.byOrder[n.Order] = n
}

func (t *topology) removeNode(internalID int) *Node {
	n, ok := t.byInternalID[internalID]
	if !ok {
		return nil
	}

	delete(t.byID, n.ID)
	delete(t.byInternalID, n.InternalID)
	delete(t.byOrder, n.Order)

	return n
}

func (t *topology) nodeByID(id uuid.UUID) (*Node, bool) {
	n, ok := t.byID[id]
	return n, ok
}

func (t *topology) size() int {
	return len(t.byOrder)
}

// snapshot returns a copy of the membership ordered by topology order.
func (t *topology) snapshot() []Node {
	orders := maps.Keys(t.byOrder)
	slices.Sort(orders)

	nodes := make([]Node, 0, len(orders))
	for _, order := range orders {
		nodes = append(nodes, *t.byOrder[order])
	}

	return nodes
}

// internalIDs returns the internal ids of the current members in ascending
// order.
func (t *topology) internalIDs() []int {
	ids := maps.Keys(t.byInternalID)
	slices.Sort(ids)

	return ids
}
