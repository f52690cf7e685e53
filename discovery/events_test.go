package discovery

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEventsData_Codec(t *testing.T) {
	marsh := NewMsgpackMarshaller()

	evts := newEventsData(1234567890)
	evts.TopVer = 3
	evts.EvtIDGen = 2
	evts.ProcCustEvt = 0

	evts.addEvent(&eventRecord{
		ID:         1,
		Kind:       eventKindNodeJoined,
		TopVer:     2,
		NodeID:     uuid.New(),
		InternalID: 1,
	})
	evts.addEvent(&eventRecord{
		ID:     2,
		Kind:   eventKindCustom,
		TopVer: 2,
		NodeID: uuid.New(),

		CustomPath: "someuuid|0000000000",
		customMsg:  []byte("in-memory only"),
	})

	body, err := marsh.Marshal(evts)
	require.NoError(t, err)

	decoded := new(eventsData)
	require.NoError(t, marsh.Unmarshal(body, decoded))

	require.Equal(t, evts.GridStartTime, decoded.GridStartTime)
	require.Equal(t, evts.TopVer, decoded.TopVer)
	require.Equal(t, evts.EvtIDGen, decoded.EvtIDGen)
	require.Equal(t, evts.ProcCustEvt, decoded.ProcCustEvt)
	require.Len(t, decoded.Events, 2)

	require.Equal(t, evts.Events[0].ID, decoded.Events[0].ID)
	require.Equal(t, evts.Events[0].NodeID, decoded.Events[0].NodeID)
	require.Equal(t, evts.Events[1].CustomPath, decoded.Events[1].CustomPath)

	// Coordinator-local payloads never make it into the persisted form.
	require.Nil(t, decoded.Events[1].customMsg)
}

func TestEventsFrame_RoundTrip(t *testing.T) {
	body := []byte("events payload")

	framed := frameEvents(body)
	require.Len(t, framed, len(body)+checksumSize)

	got, err := unframeEvents(framed)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestEventsFrame_Corrupted(t *testing.T) {
	framed := frameEvents([]byte("events payload"))
	framed[len(framed)-1] ^= 0xff

	_, err := unframeEvents(framed)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	_, err = unframeEvents([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestEventsData_TailAfter(t *testing.T) {
	evts := newEventsData(0)

	for i := int64(1); i <= 5; i++ {
		evts.addEvent(&eventRecord{ID: i, Kind: eventKindNodeFailed, TopVer: i})
	}

	tail := evts.tailAfter(2)
	require.Len(t, tail, 3)
	require.EqualValues(t, 3, tail[0].ID)

	require.Empty(t, evts.tailAfter(5))
	require.Empty(t, evts.tailAfter(100))
	require.Len(t, evts.tailAfter(-1), 5)
}

// Replaying an already processed log produces no notifications.
func TestDiscovery_ReplayIdempotent(t *testing.T) {
	store := newFakeStore()

	a := newTestNode(t, store, "a")
	a.join(t)

	b := newTestNode(t, store, "b")
	b.join(t)

	bEvents := b.listener.waitLen(t, 1)

	done := make(chan struct{})

	b.disc.invoke(func() {
		defer close(done)

		if err := b.disc.onEventsUpdate(b.disc.evts); err != nil {
			t.Error(err)
		}
	})

	<-done

	require.Equal(t, len(bEvents), len(b.listener.list()))
}
