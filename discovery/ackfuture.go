package discovery

import (
	"strconv"

	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/zkcluster/zkclient"
)

// eventAckFuture tracks the acknowledgement of a single custom event on the
// coordinator. Members confirm delivery by creating a child named after
// their internal id under the custom event node; the future completes once
// every member present at event creation, other than the coordinator itself,
// has either acknowledged or left the cluster. All state is owned by the
// discovery event loop.
type eventAckFuture struct {
	d         *Discovery
	eventID   int64
	path      string
	remaining map[int]struct{}
	done      bool
}

func newEventAckFuture(d *Discovery, path string, eventID int64) *eventAckFuture {
	fut := &eventAckFuture{
		d:         d,
		eventID:   eventID,
		path:      path,
		remaining: make(map[int]struct{}),
	}

	for _, internalID := range d.top.internalIDs() {
		if internalID != d.locNode.InternalID {
			fut.remaining[internalID] = struct{}{}
		}
	}

	if len(fut.remaining) == 0 {
		fut.complete()
	} else {
		fut.watch()
	}

	return fut
}

func (fut *eventAckFuture) watch() {
	fut.d.client.ChildrenAsync(fut.path, fut.watchEvent, fut.childrenCallback)
}

func (fut *eventAckFuture) watchEvent(ev zkclient.WatchEvent) {
	if ev.Type != zkclient.EventNodeChildrenChanged {
		return
	}

	fut.d.invoke(func() {
		if !fut.done {
			fut.watch()
		}
	})
}

func (fut *eventAckFuture) childrenCallback(err error, _ string, children []string) {
	fut.d.invoke(func() {
		if fut.done {
			return
		}

		if err != nil {
			fut.d.onFatalError(err)
			return
		}

		fut.onAcksReceived(children)
	})
}

func (fut *eventAckFuture) onAcksReceived(ackNames []string) {
	for _, name := range ackNames {
		internalID, err := strconv.Atoi(name)
		if err != nil {
			continue
		}

		delete(fut.remaining, internalID)
	}

	fut.checkComplete()
}

// onNodeFail discounts a failed member: its acknowledgement is never coming.
func (fut *eventAckFuture) onNodeFail(internalID int) {
	delete(fut.remaining, internalID)
	fut.checkComplete()
}

func (fut *eventAckFuture) checkComplete() {
	if !fut.done && len(fut.remaining) == 0 {
		fut.complete()
	}
}

// complete finishes the future and garbage collects the custom event node
// together with its ack children, keeping the custom events dir bounded.
func (fut *eventAckFuture) complete() {
	fut.done = true

	fut.d.ackFuts.Delete(fut.eventID)

	d := fut.d

	children, err := d.client.Children(fut.path)
	if err == nil {
		if err := d.client.DeleteAll(fut.path, children, -1); err != nil {
			level.Warn(d.logger).Log("msg", "failed to remove custom event acks", "path", fut.path, "err", err)
		}
	}

	if err := d.client.DeleteIfExists(fut.path, -1); err != nil {
		level.Warn(d.logger).Log("msg", "failed to remove custom event node", "path", fut.path, "err", err)
	}

	level.Info(d.logger).Log("msg", "custom event acknowledged by all nodes", "event_id", fut.eventID)
}
