package discovery

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/twmb/murmur3"
)

// eventKind distinguishes the record variants of the event log.
type eventKind int

const (
	eventKindNodeJoined eventKind = iota + 1
	eventKindNodeFailed
	eventKindCustom
)

// eventRecord is a single entry of the event log. Join and custom records
// carry the raw payload in memory on the coordinator that generated them, to
// spare it a store round-trip when notifying itself; the persisted form
// carries identifiers only and other members fetch payloads from the per
// event side paths.
type eventRecord struct {
	ID     int64     `codec:"id"`
	Kind   eventKind `codec:"kind"`
	TopVer int64     `codec:"topVer"`

	// NodeID is the joined node for join records and the sender for custom
	// records.
	NodeID uuid.UUID `codec:"nodeId"`

	// InternalID is the joined node's internal id for join records and the
	// failed node's internal id for fail records.
	InternalID int `codec:"internalId"`

	// CustomPath is the name of the custom event node under the custom
	// events dir, set on custom records only.
	CustomPath string `codec:"customPath"`

	// Coordinator-local payloads, never persisted.
	joiningData *joiningNodeData
	customMsg   []byte
}

func (r *eventRecord) String() string {
	return fmt.Sprintf("Event [id=%d, kind=%d, topVer=%d]", r.ID, r.Kind, r.TopVer)
}

// eventsData is the authoritative event history of a cluster lineage,
// persisted as a single payload at the events path. The coordinator is its
// only writer.
type eventsData struct {
	// GridStartTime is the wall-clock creation time of the cluster lineage,
	// in milliseconds.
	GridStartTime int64 `codec:"gridStartTime"`

	// TopVer is the current topology version. Starts at 1 and grows by one
	// with every join or fail event.
	TopVer int64 `codec:"topVer"`

	// EvtIDGen is the id of the latest event.
	EvtIDGen int64 `codec:"evtIdGen"`

	// ProcCustEvt is the highest custom-event sequence already absorbed into
	// the log.
	ProcCustEvt int `codec:"procCustEvt"`

	// Events is ordered by event id. It may be pruned from the low end but
	// is never reordered.
	Events []*eventRecord `codec:"events"`
}

func newEventsData(gridStartTime int64) *eventsData {
	return &eventsData{
		GridStartTime: gridStartTime,
		TopVer:        1,
		ProcCustEvt:   -1,
	}
}

func (e *eventsData) addEvent(r *eventRecord) {
	e.Events = append(e.Events, r)
}

// tailAfter returns the records with an id strictly greater than the given
// one, in event id order.
func (e *eventsData) tailAfter(id int64) []*eventRecord {
	for i, r := range e.Events {
		if r.ID > id {
			return e.Events[i:]
		}
	}

	return nil
}

// The persisted envelope is framed with a murmur3 checksum of the body, so
// that a member never replays a corrupted log.
const checksumSize = 8

func frameEvents(body []byte) []byte {
	buf := make([]byte, checksumSize+len(body))
	binary.BigEndian.PutUint64(buf, murmur3.Sum64(body))
	copy(buf[checksumSize:], body)

	return buf
}

func unframeEvents(buf []byte) ([]byte, error) {
	if len(buf) < checksumSize {
		return nil, fmt.Errorf("%w: payload too short", ErrChecksumMismatch)
	}

	body := buf[checksumSize:]

	if binary.BigEndian.Uint64(buf) != murmur3.Sum64(body) {
		return nil, ErrChecksumMismatch
	}

	return body, nil
}

// joiningNodeData is the payload a joining node publishes under the join
// data dir: its own descriptor plus the application data collected by the
// Exchange.
type joiningNodeData struct {
	Node          Node           `codec:"node"`
	DiscoveryData map[int][]byte `codec:"discoveryData"`
}

// joinEventDataForJoined is persisted under a join event's "joined" child: a
// snapshot of the topology just before the join plus the common application
// data collected on the coordinator.
type joinEventDataForJoined struct {
	Topology      []Node         `codec:"topology"`
	DiscoveryData map[int][]byte `codec:"discoveryData"`
}
