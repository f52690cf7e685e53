package zkclient

import (
	"errors"

	"github.com/go-kit/log/level"
	"github.com/go-zookeeper/zk"
)

// asyncOp is a queued asynchronous operation. Each operation record holds its
// own inputs so it can be re-executed verbatim after a reconnect.
type asyncOp interface {
	execute(c *Client)
}

type existsOp struct {
	path    string
	watcher Watcher
	cb      StatCallback
}

type childrenOp struct {
	path    string
	watcher Watcher
	cb      ChildrenCallback
}

type dataOp struct {
	path    string
	watcher Watcher
	cb      DataCallback
}

type createOp struct {
	path string
	data []byte
	mode CreateMode
	cb   CreateCallback
}

// ExistsAsync checks node existence in the background. When watcher is
// non-nil, a one-shot watch is armed on the path (it fires on creation or
// deletion).
func (c *Client) ExistsAsync(path string, watcher Watcher, cb StatCallback) {
	op := &existsOp{path: path, watcher: watcher, cb: cb}

	go op.execute(c)
}

// ChildrenAsync lists the node's children in the background. When watcher is
// non-nil, a one-shot watch is armed for child changes.
func (c *Client) ChildrenAsync(path string, watcher Watcher, cb ChildrenCallback) {
	op := &childrenOp{path: path, watcher: watcher, cb: cb}

	go op.execute(c)
}

// DataAsync reads the node's payload in the background. When watcher is
// non-nil, a one-shot watch is armed for data changes.
func (c *Client) DataAsync(path string, watcher Watcher, cb DataCallback) {
	op := &dataOp{path: path, watcher: watcher, cb: cb}

	go op.execute(c)
}

// CreateAsync creates a node in the background. An already existing node is
// swallowed as success without invoking the callback.
func (c *Client) CreateAsync(path string, data []byte, mode CreateMode, cb CreateCallback) {
	op := &createOp{path: path, data: data, mode: mode, cb: cb}

	go op.execute(c)
}

func (op *existsOp) execute(c *Client) {
	var (
		exists bool
		wch    <-chan zk.Event
		err    error
	)

	if op.watcher != nil {
		exists, _, wch, err = c.conn.ExistsW(op.path)
	} else {
		exists, _, err = c.conn.Exists(op.path)
	}

	if c.handleAsyncError(op, op.path, err) {
		return
	}

	if err == nil && op.watcher != nil {
		go c.forwardWatch(wch, op.watcher)
	}

	if op.cb != nil {
		op.cb(err, op.path, exists)
	}
}

func (op *childrenOp) execute(c *Client) {
	var (
		children []string
		wch      <-chan zk.Event
		err      error
	)

	if op.watcher != nil {
		children, _, wch, err = c.conn.ChildrenW(op.path)
	} else {
		children, _, err = c.conn.Children(op.path)
	}

	if c.handleAsyncError(op, op.path, err) {
		return
	}

	if err == nil && op.watcher != nil {
		go c.forwardWatch(wch, op.watcher)
	}

	if op.cb != nil {
		op.cb(err, op.path, children)
	}
}

func (op *dataOp) execute(c *Client) {
	var (
		data []byte
		wch  <-chan zk.Event
		err  error
	)

	if op.watcher != nil {
		data, _, wch, err = c.conn.GetW(op.path)
	} else {
		data, _, err = c.conn.Get(op.path)
	}

	if c.handleAsyncError(op, op.path, err) {
		return
	}

	if err == nil && op.watcher != nil {
		go c.forwardWatch(wch, op.watcher)
	}

	if op.cb != nil {
		op.cb(err, op.path, data)
	}
}

func (op *createOp) execute(c *Client) {
	name, err := c.conn.Create(op.path, op.data, op.mode.zkFlags(), zkACL)

	if errors.Is(err, zk.ErrNodeExists) {
		return
	}

	if c.handleAsyncError(op, op.path, err) {
		return
	}

	if op.cb != nil {
		op.cb(err, op.path, name)
	}
}

// handleAsyncError returns true when the operation's result must not reach
// the callback: connection loss puts the operation onto the retry queue, and
// session expiry is only logged since the session state machine reports it
// through the lost-connection callback.
func (c *Client) handleAsyncError(op asyncOp, path string, err error) bool {
	switch {
	case err == nil:
		return false

	case retryable(err):
		c.mut.Lock()

		if c.closed || c.state == StateLost {
			c.mut.Unlock()
			level.Warn(c.logger).Log("msg", "dropping async operation, client is closed", "path", path)

			return true
		}

		c.retryq = append(c.retryq, op)
		c.mut.Unlock()

		asyncRequeues.Inc()

		level.Warn(c.logger).Log(
			"msg", "async operation failed, will retry after connection restore",
			"path", path,
		)

		return true

	case errors.Is(err, zk.ErrSessionExpired):
		level.Warn(c.logger).Log("msg", "async operation failed, session expired", "path", path)

		return true

	default:
		return false
	}
}

// forwardWatch relays the single node event from a zk watch channel to the
// registered watcher, dropping session noise.
func (c *Client) forwardWatch(wch <-chan zk.Event, watcher Watcher) {
	ev, ok := <-wch
	if !ok {
		return
	}

	var evType EventType

	switch ev.Type {
	case zk.EventNodeCreated:
		evType = EventNodeCreated
	case zk.EventNodeDeleted:
		evType = EventNodeDeleted
	case zk.EventNodeDataChanged:
		evType = EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		evType = EventNodeChildrenChanged
	default:
		return
	}

	watcher(WatchEvent{Type: evType, Path: ev.Path})
}
