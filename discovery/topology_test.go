package discovery

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestTopology_AddRemove(t *testing.T) {
	top := newTopology()

	n1 := &Node{ID: uuid.New(), InternalID: 0, Order: 1}
	n2 := &Node{ID: uuid.New(), InternalID: 1, Order: 2}

	top.addNode(n1)
	top.addNode(n2)

	require.Equal(t, 2, top.size())

	got, ok := top.nodeByID(n2.ID)
	require.True(t, ok)
	require.Same(t, n2, got)

	removed := top.removeNode(n1.InternalID)
	require.Same(t, n1, removed)
	require.Equal(t, 1, top.size())

	_, ok = top.nodeByID(n1.ID)
	require.False(t, ok)

	require.Nil(t, top.removeNode(n1.InternalID))
}

func TestTopology_SnapshotOrdered(t *testing.T) {
	top := newTopology()

	// Insertion order deliberately differs from topology order.
	n3 := &Node{ID: uuid.New(), InternalID: 5, Order: 3}
	n1 := &Node{ID: uuid.New(), InternalID: 0, Order: 1}
	n2 := &Node{ID: uuid.New(), InternalID: 2, Order: 2}

	top.addNode(n3)
	top.addNode(n1)
	top.addNode(n2)

	snapshot := top.snapshot()
	require.Len(t, snapshot, 3)
	require.Equal(t, []int64{1, 2, 3}, []int64{snapshot[0].Order, snapshot[1].Order, snapshot[2].Order})

	// The snapshot holds copies: mutating it does not affect the index.
	snapshot[0].Order = 99
	require.Equal(t, int64(1), top.byOrder[1].Order)

	require.Equal(t, []int{0, 2, 5}, top.internalIDs())
}
