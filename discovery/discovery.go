package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/maxpoletaev/zkcluster/internal/generic"
	"github.com/maxpoletaev/zkcluster/zkclient"
)

// Discovery is a single cluster member. It keeps an ephemeral alive marker in
// the coordination store, elects the coordinator through predecessor watches,
// replays the shared event log and turns it into Listener notifications.
//
// All watch deliveries and async completions are routed onto a single event
// loop goroutine that owns the topology, the event log and the join state.
// External threads may only call the public methods, which go straight to the
// store client or read atomic snapshots.
type Discovery struct {
	conf     Config
	logger   log.Logger
	paths    zkPaths
	marsh    Marshaller
	exchange Exchange
	lsnr     Listener

	locNode *Node
	client  Client

	runq     chan func()
	stopped  chan struct{}
	stopOnce sync.Once

	joinOnce sync.Once
	joinDone chan struct{}
	joinErr  error

	startOnce   sync.Once
	connStarted chan struct{}

	gridStartTime atomic.Int64

	// Event-loop-owned state. Touched only by functions running on the loop.
	top         *topology
	evts        *eventsData
	lastProcEvt int64
	joined      bool
	crd         bool

	ackFuts generic.SyncMap[int64, *eventAckFuture]
	topView generic.Atomic[[]Node]
}

// New creates a discovery instance for the given local node. The node's ID is
// generated when unset. No network activity happens until JoinTopology.
func New(conf Config, localNode Node) (*Discovery, error) {
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if conf.Exchange == nil {
		conf.Exchange = NoopExchange{}
	}

	if conf.Marshaller == nil {
		conf.Marshaller = NewMsgpackMarshaller()
	}

	if conf.Dialer == nil {
		conf.Dialer = defaultDialer
	}

	if conf.Logger == nil {
		conf.Logger = log.NewNopLogger()
	}

	logger := conf.Logger
	if conf.InstanceName != "" {
		logger = log.With(logger, "instance", conf.InstanceName)
	}

	if localNode.ID == uuid.Nil {
		localNode.ID = uuid.New()
	}

	localNode.Local = true

	registerMetrics()

	return &Discovery{
		conf:        conf,
		logger:      logger,
		paths:       newZkPaths(conf.BasePath, conf.ClusterName),
		marsh:       conf.Marshaller,
		exchange:    conf.Exchange,
		lsnr:        conf.Listener,
		locNode:     &localNode,
		runq:        make(chan func(), 64),
		stopped:     make(chan struct{}),
		joinDone:    make(chan struct{}),
		connStarted: make(chan struct{}),
		top:         newTopology(),
		lastProcEvt: -1,
	}, nil
}

// LocalNode returns the local node descriptor. InternalID and Order are only
// meaningful after the join completed.
func (d *Discovery) LocalNode() Node {
	return *d.locNode
}

// GridStartTime returns the creation timestamp of the cluster lineage, in
// milliseconds, or zero before the join completed.
func (d *Discovery) GridStartTime() int64 {
	return d.gridStartTime.Load()
}

// Node returns the member with the given id from the latest observed
// topology snapshot.
func (d *Discovery) Node(id uuid.UUID) (Node, bool) {
	for _, n := range d.topView.Load() {
		if n.ID == id {
			return n, true
		}
	}

	return Node{}, false
}

// RemoteNodes returns every member of the latest observed topology snapshot
// except the local node.
func (d *Discovery) RemoteNodes() []Node {
	snapshot := d.topView.Load()

	nodes := make([]Node, 0, len(snapshot))
	for _, n := range snapshot {
		if n.ID != d.locNode.ID {
			nodes = append(nodes, n)
		}
	}

	return nodes
}

// PingNode tells whether the node is present in the latest observed topology
// snapshot.
func (d *Discovery) PingNode(id uuid.UUID) bool {
	_, ok := d.Node(id)
	return ok
}

// KnownNode checks the store's alive set for a member with the given id.
func (d *Discovery) KnownNode(id uuid.UUID) (bool, error) {
	children, err := d.client.Children(d.paths.aliveNodesDir)
	if err != nil {
		return false, fmt.Errorf("list alive nodes: %w", err)
	}

	for _, name := range children {
		nodeID, err := aliveNodeID(name)
		if err != nil {
			continue
		}

		if nodeID == id {
			return true, nil
		}
	}

	return false, nil
}

// SendCustomMessage publishes an application-level message to the cluster.
// The message is delivered to every member, including the sender, as an
// EventCustom notification in the same order relative to topology changes.
func (d *Discovery) SendCustomMessage(payload []byte) error {
	prefix := d.paths.customEvtsDir + "/" + customEventPrefix(d.locNode.ID)

	if _, err := d.client.Create(prefix, payload, zkclient.ModePersistentSequential); err != nil {
		return fmt.Errorf("publish custom message: %w", err)
	}

	customMessagesSent.Inc()

	return nil
}

// JoinTopology publishes the local node's join data and alive marker, then
// blocks until the cluster-wide join event is observed, the context is
// cancelled, or the node fails. A diagnostic is logged every 10 seconds while
// waiting.
func (d *Discovery) JoinTopology(ctx context.Context) error {
	bag := &DataBag{NodeID: d.locNode.ID, JoiningData: make(map[int][]byte)}
	d.exchange.Collect(bag)

	joinBytes, err := d.marsh.Marshal(&joiningNodeData{
		Node:          *d.locNode,
		DiscoveryData: bag.JoiningData,
	})
	if err != nil {
		return fmt.Errorf("marshal joining node data: %w", err)
	}

	client, err := d.conf.Dialer(zkclient.Config{
		ConnectString:  d.conf.ConnectString,
		SessionTimeout: d.conf.SessionTimeout,
		InstanceName:   d.conf.InstanceName,
		OnConnLost:     d.onConnectionLost,
		Logger:         d.conf.Logger,
	})
	if err != nil {
		return fmt.Errorf("create store client: %w", err)
	}

	d.client = client

	go d.run()

	if err := d.initStoreNodes(); err != nil {
		d.Stop()
		return fmt.Errorf("initialize store nodes: %w", err)
	}

	if err := d.startJoin(joinBytes); err != nil {
		d.Stop()
		return fmt.Errorf("start join: %w", err)
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.joinDone:
			return d.joinErr
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			level.Warn(d.logger).Log("msg", "waiting for local join event", "node_id", d.locNode.ID)
		}
	}
}

// WaitConnectStart blocks until the join publications have been issued.
// Intended for tests.
func (d *Discovery) WaitConnectStart() {
	<-d.connStarted
}

// Stop shuts the member down. The ephemeral alive marker disappears with the
// session, which is how the rest of the cluster learns about the departure.
func (d *Discovery) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)

		if d.client != nil {
			d.client.Close()
		}

		d.completeJoin(ErrNodeStopped)
	})
}

// initStoreNodes idempotently creates the cluster's directory tree. The alive
// dir is created last, so its existence implies the rest are in place.
func (d *Discovery) initStoreNodes() error {
	ok, err := d.client.Exists(d.paths.aliveNodesDir)
	if err != nil {
		return err
	}

	if ok {
		return nil
	}

	for _, path := range []string{
		d.paths.basePath,
		d.paths.clusterDir,
		d.paths.evtsPath,
		d.paths.joinDataDir,
		d.paths.customEvtsDir,
		d.paths.aliveNodesDir,
	} {
		if _, err := d.client.Create(path, nil, zkclient.ModePersistent); err != nil {
			return err
		}
	}

	return nil
}

// startJoin arms the events watch and publishes the join data and alive
// entries. The sequence assigned to the alive entry becomes the node's
// internal id.
func (d *Discovery) startJoin(joinBytes []byte) error {
	d.client.DataAsync(d.paths.evtsPath, d.watchEvent, d.dataCallback)

	path, err := d.client.Create(
		d.paths.joinDataDir+"/"+customEventPrefix(d.locNode.ID),
		joinBytes,
		zkclient.ModeEphemeralSequential,
	)
	if err != nil {
		return err
	}

	joinSeq, err := seqFromCreatedPath(path)
	if err != nil {
		return err
	}

	_, err = d.client.Create(
		d.paths.aliveNodesDir+"/"+aliveNodePrefix(d.locNode.ID, joinSeq),
		nil,
		zkclient.ModeEphemeralSequential,
	)
	if err != nil {
		return err
	}

	d.client.ChildrenAsync(d.paths.aliveNodesDir, nil, func(err error, _ string, children []string) {
		d.invoke(func() {
			if err != nil {
				d.onFatalError(err)
				return
			}

			d.checkIsCoordinator(children)
		})
	})

	d.startOnce.Do(func() {
		close(d.connStarted)
	})

	return nil
}

func (d *Discovery) run() {
	for {
		select {
		case fn := <-d.runq:
			fn()
		case <-d.stopped:
			return
		}
	}
}

// invoke posts fn onto the event loop. Calls made after Stop are dropped.
func (d *Discovery) invoke(fn func()) {
	select {
	case d.runq <- fn:
	case <-d.stopped:
	}
}

func (d *Discovery) completeJoin(err error) {
	d.joinOnce.Do(func() {
		d.joinErr = err
		close(d.joinDone)
	})
}

// onFatalError handles an unexpected failure in event processing. The node
// cannot continue safely: anybody waiting on the join observes the error, and
// the caller is responsible for shutting the node down.
func (d *Discovery) onFatalError(err error) {
	if errors.Is(err, zkclient.ErrClientFailed) {
		// Session loss is reported through the lost-connection callback.
		level.Warn(d.logger).Log("msg", "discovery operation aborted, session lost", "err", err)
		return
	}

	level.Error(d.logger).Log("msg", "failed to process discovery event, stopping the node", "err", err)

	d.completeJoin(err)
}

// onConnectionLost is invoked by the store client exactly once when the
// session is permanently gone.
func (d *Discovery) onConnectionLost() {
	d.invoke(func() {
		level.Warn(d.logger).Log("msg", "coordination store connection lost, local node is segmented")

		if d.joined {
			var topVer int64
			if d.evts != nil {
				topVer = d.evts.TopVer
			}

			d.lsnr.OnDiscovery(EventSegmented, topVer, *d.locNode, nil, nil)
		} else {
			d.completeJoin(ErrSegmented)
		}
	})
}

// watchEvent is the shared watcher for the events path, the alive dir and
// the custom events dir. It re-arms the corresponding read on the loop.
func (d *Discovery) watchEvent(ev zkclient.WatchEvent) {
	d.invoke(func() {
		d.processWatchEvent(ev)
	})
}

func (d *Discovery) processWatchEvent(ev zkclient.WatchEvent) {
	switch ev.Type {
	case zkclient.EventNodeDataChanged:
		if ev.Path != d.paths.evtsPath {
			level.Warn(d.logger).Log("msg", "data change for unexpected path", "path", ev.Path)
			return
		}

		// The coordinator replays its own copy right after persisting it.
		if !d.crd {
			d.client.DataAsync(ev.Path, d.watchEvent, d.dataCallback)
		}

	case zkclient.EventNodeChildrenChanged:
		switch ev.Path {
		case d.paths.aliveNodesDir, d.paths.customEvtsDir:
			d.client.ChildrenAsync(ev.Path, d.watchEvent, d.childrenCallback)
		default:
			level.Warn(d.logger).Log("msg", "children change for unexpected path", "path", ev.Path)
		}
	}
}

func (d *Discovery) dataCallback(err error, path string, data []byte) {
	d.invoke(func() {
		if err != nil {
			d.onFatalError(err)
			return
		}

		if path != d.paths.evtsPath {
			level.Warn(d.logger).Log("msg", "data callback for unexpected path", "path", path)
			return
		}

		if !d.crd {
			if err := d.onEventsUpdateBytes(data); err != nil {
				d.onFatalError(err)
			}
		}
	})
}

func (d *Discovery) childrenCallback(err error, path string, children []string) {
	d.invoke(func() {
		if err != nil {
			d.onFatalError(err)
			return
		}

		switch path {
		case d.paths.aliveNodesDir:
			if err := d.generateTopologyEvents(children); err != nil {
				d.onFatalError(err)
			}
		case d.paths.customEvtsDir:
			if err := d.generateCustomEvents(children); err != nil {
				d.onFatalError(err)
			}
		default:
			level.Warn(d.logger).Log("msg", "children callback for unexpected path", "path", path)
		}
	})
}

// checkIsCoordinator runs the election: the alive member with the smallest
// internal id is the coordinator; everybody else watches its direct
// predecessor, forming a chain with no herd effect.
func (d *Discovery) checkIsCoordinator(aliveNodes []string) {
	alives := make(map[int]string, len(aliveNodes))

	locInternalID := -1

	for _, name := range aliveNodes {
		internalID, err := aliveInternalID(name)
		if err != nil {
			d.onFatalError(err)
			return
		}

		alives[internalID] = name

		if locInternalID < 0 {
			nodeID, err := aliveNodeID(name)
			if err != nil {
				d.onFatalError(err)
				return
			}

			if nodeID == d.locNode.ID {
				locInternalID = internalID
			}
		}
	}

	if locInternalID < 0 {
		d.onFatalError(fmt.Errorf("local alive node is not present in %v", aliveNodes))
		return
	}

	ids := maps.Keys(alives)
	slices.Sort(ids)

	crdInternalID := ids[0]

	if crdInternalID == locInternalID {
		if err := d.onBecomeCoordinator(locInternalID); err != nil {
			d.onFatalError(err)
		}

		return
	}

	prev := -1

	for _, id := range ids {
		if id < locInternalID && id > prev {
			prev = id
		}
	}

	prevPath := d.paths.aliveNodesDir + "/" + alives[prev]

	level.Info(d.logger).Log(
		"msg", "discovery coordinator already exists, watching previous node",
		"node_id", d.locNode.ID,
		"prev_path", prevPath,
	)

	watcher := func(ev zkclient.WatchEvent) {
		if ev.Type == zkclient.EventNodeDeleted {
			d.invoke(func() {
				d.onPreviousNodeFail(crdInternalID, locInternalID)
			})
		}
	}

	d.client.ExistsAsync(prevPath, watcher, func(err error, _ string, exists bool) {
		d.invoke(func() {
			if err != nil {
				d.onFatalError(err)
				return
			}

			if !exists {
				d.onPreviousNodeFail(crdInternalID, locInternalID)
			}
		})
	})
}

func (d *Discovery) onPreviousNodeFail(crdInternalID, locInternalID int) {
	if locInternalID == crdInternalID+1 {
		level.Info(d.logger).Log("msg", "previous discovery coordinator failed", "node_id", d.locNode.ID)

		if err := d.onBecomeCoordinator(locInternalID); err != nil {
			d.onFatalError(err)
		}

		return
	}

	level.Info(d.logger).Log("msg", "previous node failed, rechecking coordinator", "node_id", d.locNode.ID)

	d.client.ChildrenAsync(d.paths.aliveNodesDir, nil, func(err error, _ string, children []string) {
		d.invoke(func() {
			if err != nil {
				d.onFatalError(err)
				return
			}

			d.checkIsCoordinator(children)
		})
	})
}

// onEventsUpdateBytes decodes a persisted event log payload and replays it.
func (d *Discovery) onEventsUpdateBytes(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	body, err := unframeEvents(data)
	if err != nil {
		return err
	}

	evts := new(eventsData)
	if err := d.marsh.Unmarshal(body, evts); err != nil {
		return fmt.Errorf("unmarshal events data: %w", err)
	}

	if err := d.onEventsUpdate(evts); err != nil {
		return err
	}

	d.evts = evts

	return nil
}

// onEventsUpdate replays every event past the local high-water mark. Until
// the local node has joined, only its own join event is of interest; the
// events preceding it belong to a topology the node was never part of.
func (d *Discovery) onEventsUpdate(evts *eventsData) error {
	for _, rec := range evts.tailAfter(d.lastProcEvt) {
		if !d.joined {
			if rec.Kind != eventKindNodeJoined || rec.NodeID != d.locNode.ID {
				continue
			}

			if err := d.processLocalJoin(evts, rec); err != nil {
				return err
			}
		} else {
			level.Debug(d.logger).Log("msg", "new discovery event", "event", rec)

			switch rec.Kind {
			case eventKindNodeJoined:
				if err := d.processNodeJoined(rec); err != nil {
					return err
				}
			case eventKindNodeFailed:
				if err := d.processNodeFailed(rec); err != nil {
					return err
				}
			case eventKindCustom:
				if err := d.processCustomEvent(rec); err != nil {
					return err
				}
			default:
				return fmt.Errorf("invalid event kind: %d", rec.Kind)
			}
		}

		if d.joined {
			d.lastProcEvt = rec.ID
		}
	}

	return nil
}

// processLocalJoin performs the join bootstrap: load the topology snapshot
// and common data prepared by the coordinator, assign the local identifiers
// and deliver the very first notification.
func (d *Discovery) processLocalJoin(evts *eventsData, rec *eventRecord) error {
	level.Info(d.logger).Log("msg", "local join event received", "event", rec)

	data, err := d.client.Data(d.paths.eventDataPathForJoined(rec.ID))
	if err != nil {
		return err
	}

	dataForJoined := new(joinEventDataForJoined)
	if err := d.marsh.Unmarshal(data, dataForJoined); err != nil {
		return fmt.Errorf("unmarshal join event data: %w", err)
	}

	d.gridStartTime.Store(evts.GridStartTime)

	d.locNode.InternalID = rec.InternalID
	d.locNode.Order = rec.TopVer

	d.exchange.OnExchange(&DataBag{
		NodeID:     d.locNode.ID,
		CommonData: dataForJoined.DiscoveryData,
	})

	for i := range dataForJoined.Topology {
		node := dataForJoined.Topology[i]
		node.Local = false
		d.top.addNode(&node)
	}

	d.top.addNode(d.locNode)

	d.joined = true

	d.notifyListener(EventNodeJoined, rec.TopVer, *d.locNode, nil)
	d.completeJoin(nil)

	return nil
}

func (d *Discovery) processNodeJoined(rec *eventRecord) error {
	var joiningData *joiningNodeData

	if d.crd {
		if rec.joiningData == nil {
			return fmt.Errorf("missing in-memory joining data: %s", rec)
		}

		joiningData = rec.joiningData
	} else {
		data, err := d.client.Data(d.paths.eventDataPath(rec.ID))
		if err != nil {
			return err
		}

		joiningData = new(joiningNodeData)
		if err := d.marsh.Unmarshal(data, joiningData); err != nil {
			return fmt.Errorf("unmarshal joining node data: %w", err)
		}

		d.exchange.OnExchange(&DataBag{
			NodeID:      rec.NodeID,
			JoiningData: joiningData.DiscoveryData,
		})
	}

	node := joiningData.Node
	node.Local = false
	node.Order = rec.TopVer
	node.InternalID = rec.InternalID

	d.top.addNode(&node)

	d.notifyListener(EventNodeJoined, rec.TopVer, node, nil)

	return nil
}

func (d *Discovery) processNodeFailed(rec *eventRecord) error {
	failed := d.top.removeNode(rec.InternalID)
	if failed == nil {
		return fmt.Errorf("failed node is not in topology: %s", rec)
	}

	d.notifyListener(EventNodeFailed, rec.TopVer, *failed, nil)

	if d.crd {
		d.ackFuts.Range(func(_ int64, fut *eventAckFuture) bool {
			fut.onNodeFail(failed.InternalID)
			return true
		})
	}

	return nil
}

func (d *Discovery) processCustomEvent(rec *eventRecord) error {
	var msg []byte

	if d.crd {
		msg = rec.customMsg
	} else {
		data, err := d.client.Data(d.paths.customEvtsDir + "/" + rec.CustomPath)
		if err != nil {
			return err
		}

		msg = data
	}

	sndNode, ok := d.top.nodeByID(rec.NodeID)
	if !ok {
		return fmt.Errorf("custom event from node outside of topology: %s", rec)
	}

	d.notifyListener(EventCustom, rec.TopVer, *sndNode, msg)

	if d.crd {
		fut := newEventAckFuture(d, d.paths.customEvtsDir+"/"+rec.CustomPath, rec.ID)
		if !fut.done {
			d.ackFuts.Store(rec.ID, fut)
		}
	} else {
		ackPath := fmt.Sprintf("%s/%s/%d", d.paths.customEvtsDir, rec.CustomPath, d.locNode.InternalID)
		d.client.CreateAsync(ackPath, nil, zkclient.ModePersistent, nil)
	}

	return nil
}

// notifyListener delivers a notification with a topology snapshot taken just
// after the event was applied.
func (d *Discovery) notifyListener(evt EventType, topVer int64, node Node, msg []byte) {
	snapshot := d.top.snapshot()
	d.topView.Store(snapshot)

	clusterSize.Set(float64(len(snapshot)))
	topologyVersion.Set(float64(topVer))
	eventsProcessed.WithLabelValues(evt.String()).Inc()

	d.lsnr.OnDiscovery(evt, topVer, node, snapshot, msg)
}
