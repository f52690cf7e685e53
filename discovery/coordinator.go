package discovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/maxpoletaev/zkcluster/zkclient"
)

// onBecomeCoordinator is entered exactly once per member, when the election
// determines the local node owns the smallest alive sequence. From this point
// on the local node is the only writer of the event log.
func (d *Discovery) onBecomeCoordinator(locInternalID int) error {
	data, err := d.client.Data(d.paths.evtsPath)
	if err != nil {
		return err
	}

	if len(data) > 0 {
		if err := d.onEventsUpdateBytes(data); err != nil {
			return err
		}
	}

	d.crd = true
	isCoordinator.Set(1)

	if d.joined {
		level.Info(d.logger).Log("msg", "node is new discovery coordinator", "node_id", d.locNode.ID)
	} else {
		level.Info(d.logger).Log("msg", "node is first cluster node", "node_id", d.locNode.ID)

		if err := d.newClusterStarted(locInternalID); err != nil {
			return err
		}
	}

	d.client.ChildrenAsync(d.paths.aliveNodesDir, d.watchEvent, d.childrenCallback)
	d.client.ChildrenAsync(d.paths.customEvtsDir, d.watchEvent, d.childrenCallback)

	return nil
}

// newClusterStarted begins a fresh cluster lineage: leftovers of the previous
// one are destroyed and the local node becomes the sole member at topology
// version 1.
func (d *Discovery) newClusterStarted(locInternalID int) error {
	if err := d.cleanupPreviousClusterData(); err != nil {
		return fmt.Errorf("cleanup previous cluster data: %w", err)
	}

	d.joined = true

	gridStartTime := time.Now().UnixMilli()
	d.gridStartTime.Store(gridStartTime)

	d.evts = newEventsData(gridStartTime)

	d.locNode.InternalID = locInternalID
	d.locNode.Order = 1

	d.top.addNode(d.locNode)

	d.notifyListener(EventNodeJoined, 1, *d.locNode, nil)
	d.completeJoin(nil)

	return nil
}

func (d *Discovery) cleanupPreviousClusterData() error {
	if err := d.client.SetData(d.paths.evtsPath, nil, -1); err != nil {
		return err
	}

	evtChildren, err := d.client.Children(d.paths.evtsPath)
	if err != nil {
		return err
	}

	for _, child := range evtChildren {
		if err := d.removeChildren(d.paths.evtsPath + "/" + child); err != nil {
			return err
		}
	}

	if err := d.client.DeleteAll(d.paths.evtsPath, evtChildren, -1); err != nil {
		return err
	}

	custChildren, err := d.client.Children(d.paths.customEvtsDir)
	if err != nil {
		return err
	}

	for _, child := range custChildren {
		path := d.paths.customEvtsDir + "/" + child

		if err := d.removeChildren(path); err != nil {
			return err
		}

		if err := d.client.DeleteIfExists(path, -1); err != nil {
			return err
		}
	}

	return nil
}

func (d *Discovery) removeChildren(path string) error {
	children, err := d.client.Children(path)
	if err != nil {
		return err
	}

	return d.client.DeleteAll(path, children, -1)
}

// generateTopologyEvents diffs the alive set against the known topology and
// turns the difference into join and fail events. Runs on every alive
// children change observed by the coordinator.
func (d *Discovery) generateTopologyEvents(aliveNodes []string) error {
	level.Info(d.logger).Log("msg", "processing alive nodes change", "alive", fmt.Sprint(aliveNodes))

	alives := make(map[int]string, len(aliveNodes))

	for _, child := range aliveNodes {
		internalID, err := aliveInternalID(child)
		if err != nil {
			return err
		}

		alives[internalID] = child
	}

	curTop := make(map[int64]*Node, len(d.top.byOrder))
	for order, node := range d.top.byOrder {
		curTop[order] = node
	}

	evtCnt := len(d.evts.Events)

	// Joins are processed in ascending internal id order so that every
	// coordinator generation assigns the same orders to the same nodes.
	joinedIDs := make([]int, 0, len(alives))

	for internalID := range alives {
		if _, ok := d.top.byInternalID[internalID]; !ok {
			joinedIDs = append(joinedIDs, internalID)
		}
	}

	slices.Sort(joinedIDs)

	for _, internalID := range joinedIDs {
		if err := d.generateNodeJoin(curTop, internalID, alives[internalID]); err != nil {
			return err
		}
	}

	failedIDs := make([]int, 0)

	for internalID := range d.top.byInternalID {
		if _, ok := alives[internalID]; !ok {
			failedIDs = append(failedIDs, internalID)
		}
	}

	slices.Sort(failedIDs)

	for _, internalID := range failedIDs {
		d.generateNodeFail(curTop, d.top.byInternalID[internalID])
	}

	if len(d.evts.Events) > evtCnt {
		return d.saveAndProcessEvents()
	}

	return nil
}

// generateNodeJoin reads the joining node's data and appends a join event. A
// missing payload means the joiner is already gone; an unreadable payload
// means the joiner is refused. Neither aborts the coordinator.
func (d *Discovery) generateNodeJoin(curTop map[int64]*Node, internalID int, aliveName string) error {
	nodeID, err := aliveNodeID(aliveName)
	if err != nil {
		return err
	}

	joinSeq, err := aliveJoinSeq(aliveName)
	if err != nil {
		return err
	}

	joinDataPath := d.paths.joinDataPath(nodeID, joinSeq)

	joinBytes, err := d.client.Data(joinDataPath)
	if errors.Is(err, zkclient.ErrNoNode) {
		level.Warn(d.logger).Log(
			"msg", "joining node data not found, node left before join finished",
			"node_id", nodeID,
		)

		return nil
	} else if err != nil {
		return err
	}

	joiningData := new(joiningNodeData)

	if err := d.marsh.Unmarshal(joinBytes, joiningData); err != nil {
		level.Warn(d.logger).Log(
			"msg", "failed to unmarshal joining node data, join refused",
			"node_id", nodeID,
			"err", err,
		)

		return nil
	}

	if joiningData.Node.ID != nodeID {
		level.Warn(d.logger).Log(
			"msg", "joining node data id mismatch, join refused",
			"node_id", nodeID,
			"data_node_id", joiningData.Node.ID,
		)

		return nil
	}

	d.evts.TopVer++
	d.evts.EvtIDGen++

	node := joiningData.Node
	node.Local = false
	node.Order = d.evts.TopVer
	node.InternalID = internalID
	joiningData.Node = node

	d.exchange.OnExchange(&DataBag{
		NodeID:      nodeID,
		JoiningData: joiningData.DiscoveryData,
	})

	collectBag := &DataBag{NodeID: nodeID, CommonData: make(map[int][]byte)}
	d.exchange.Collect(collectBag)

	dataForJoined := &joinEventDataForJoined{
		Topology:      orderedNodes(curTop),
		DiscoveryData: collectBag.CommonData,
	}

	curTop[node.Order] = &node

	rec := &eventRecord{
		ID:          d.evts.EvtIDGen,
		Kind:        eventKindNodeJoined,
		TopVer:      d.evts.TopVer,
		NodeID:      node.ID,
		InternalID:  internalID,
		joiningData: joiningData,
	}

	d.evts.addEvent(rec)

	joinedBytes, err := d.marsh.Marshal(dataForJoined)
	if err != nil {
		return fmt.Errorf("marshal join event data: %w", err)
	}

	evtDataPath := d.paths.eventDataPath(rec.ID)

	if _, err := d.client.Create(evtDataPath, joinBytes, zkclient.ModePersistent); err != nil {
		return err
	}

	if _, err := d.client.Create(evtDataPath+"/joined", joinedBytes, zkclient.ModePersistent); err != nil {
		return err
	}

	level.Info(d.logger).Log(
		"msg", "generated NODE_JOINED event",
		"top_ver", rec.TopVer,
		"node_id", node.ID,
	)

	return nil
}

func (d *Discovery) generateNodeFail(curTop map[int64]*Node, failedNode *Node) {
	delete(curTop, failedNode.Order)

	d.evts.TopVer++
	d.evts.EvtIDGen++

	rec := &eventRecord{
		ID:         d.evts.EvtIDGen,
		Kind:       eventKindNodeFailed,
		TopVer:     d.evts.TopVer,
		InternalID: failedNode.InternalID,
	}

	d.evts.addEvent(rec)

	level.Info(d.logger).Log(
		"msg", "generated NODE_FAILED event",
		"top_ver", rec.TopVer,
		"node_id", failedNode.ID,
	)
}

// generateCustomEvents absorbs custom event nodes with a sequence above the
// high-water mark into the event log, in sequence order. Messages from nodes
// outside the topology are discarded.
func (d *Discovery) generateCustomEvents(customEvtNodes []string) error {
	type customEvt struct {
		seq  int
		name string
	}

	pending := make([]customEvt, 0, len(customEvtNodes))

	for _, name := range customEvtNodes {
		seq, err := customEventSeq(name)
		if err != nil {
			return err
		}

		if seq > d.evts.ProcCustEvt {
			pending = append(pending, customEvt{seq: seq, name: name})
		}
	}

	if len(pending) == 0 {
		return nil
	}

	slices.SortFunc(pending, func(a, b customEvt) int {
		return a.seq - b.seq
	})

	for _, evt := range pending {
		sndNodeID, err := customEventSenderID(evt.name)
		if err != nil {
			return err
		}

		evtDataPath := d.paths.customEvtsDir + "/" + evt.name

		if _, ok := d.top.nodeByID(sndNodeID); !ok {
			level.Warn(d.logger).Log("msg", "ignoring custom event from unknown node", "node_id", sndNodeID)

			if err := d.client.DeleteIfExists(evtDataPath, -1); err != nil {
				return err
			}

			d.evts.ProcCustEvt = evt.seq

			continue
		}

		msg, err := d.client.Data(evtDataPath)
		if err != nil {
			return err
		}

		d.evts.EvtIDGen++

		rec := &eventRecord{
			ID:         d.evts.EvtIDGen,
			Kind:       eventKindCustom,
			TopVer:     d.evts.TopVer,
			NodeID:     sndNodeID,
			CustomPath: evt.name,
			customMsg:  msg,
		}

		d.evts.addEvent(rec)

		level.Info(d.logger).Log("msg", "generated CUSTOM event", "top_ver", rec.TopVer, "event_id", rec.ID)

		d.evts.ProcCustEvt = evt.seq
	}

	return d.saveAndProcessEvents()
}

// saveAndProcessEvents persists the event log and replays the appended tail
// locally. Other members receive it through their data watches.
func (d *Discovery) saveAndProcessEvents() error {
	body, err := d.marsh.Marshal(d.evts)
	if err != nil {
		return fmt.Errorf("marshal events data: %w", err)
	}

	start := time.Now()

	if err := d.client.SetData(d.paths.evtsPath, frameEvents(body), -1); err != nil {
		return err
	}

	level.Info(d.logger).Log(
		"msg", "discovery coordinator saved new topology events",
		"top_ver", d.evts.TopVer,
		"save_time", time.Since(start),
	)

	return d.onEventsUpdate(d.evts)
}

// orderedNodes flattens a working topology map into a value snapshot ordered
// by node order.
func orderedNodes(byOrder map[int64]*Node) []Node {
	orders := maps.Keys(byOrder)
	slices.Sort(orders)

	nodes := make([]Node, 0, len(orders))
	for _, order := range orders {
		nodes = append(nodes, *byOrder[order])
	}

	return nodes
}
