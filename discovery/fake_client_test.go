package discovery

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/maxpoletaev/zkcluster/zkclient"
)

// fakeStore is an in-memory stand-in for the coordination store shared by
// several fake clients. It implements the parts discovery depends on:
// persistent and ephemeral nodes, per-parent sequence counters, one-shot
// data/children/exists watches, and ephemeral cleanup on session end.
type fakeStore struct {
	mut     sync.Mutex
	nodes   map[string]*fakeZnode
	nextSes int

	dataWatches   map[string][]zkclient.Watcher
	childWatches  map[string][]zkclient.Watcher
	existsWatches map[string][]zkclient.Watcher
}

type fakeZnode struct {
	data    []byte
	owner   int // session id for ephemerals, 0 for persistent
	nextSeq int
}

func newFakeStore() *fakeStore {
	s := &fakeStore{
		nodes:         make(map[string]*fakeZnode),
		dataWatches:   make(map[string][]zkclient.Watcher),
		childWatches:  make(map[string][]zkclient.Watcher),
		existsWatches: make(map[string][]zkclient.Watcher),
	}

	s.nodes["/"] = &fakeZnode{}

	return s
}

func (s *fakeStore) client() *fakeClient {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.nextSes++

	return &fakeClient{store: s, session: s.nextSes}
}

func parentPath(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}

	return path[:idx]
}

func (s *fakeStore) childrenLocked(path string) []string {
	var children []string

	prefix := path + "/"

	for p := range s.nodes {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			children = append(children, p[len(prefix):])
		}
	}

	sort.Strings(children)

	return children
}

// takeWatches pops the one-shot watches registered for a path.
func takeWatches(reg map[string][]zkclient.Watcher, path string) []zkclient.Watcher {
	watches := reg[path]
	delete(reg, path)

	return watches
}

// fire delivers an event to each popped watcher on its own goroutine, the
// way the real client dispatches watch deliveries off the caller's path.
func fire(watches []zkclient.Watcher, ev zkclient.WatchEvent) {
	for _, w := range watches {
		go w(ev)
	}
}

func (s *fakeStore) create(session int, path string, data []byte, mode zkclient.CreateMode) (string, error) {
	s.mut.Lock()

	parent := parentPath(path)

	parentNode, ok := s.nodes[parent]
	if !ok {
		s.mut.Unlock()
		return "", zkclient.ErrNoNode
	}

	sequential := mode == zkclient.ModePersistentSequential || mode == zkclient.ModeEphemeralSequential
	ephemeral := mode == zkclient.ModeEphemeral || mode == zkclient.ModeEphemeralSequential

	if sequential {
		path = fmt.Sprintf("%s%010d", path, parentNode.nextSeq)
		parentNode.nextSeq++
	} else if _, ok := s.nodes[path]; ok {
		s.mut.Unlock()
		return path, nil // already-exists is swallowed at the client level
	}

	node := &fakeZnode{data: data}
	if ephemeral {
		node.owner = session
	}

	s.nodes[path] = node

	childWatches := takeWatches(s.childWatches, parent)
	existsWatches := takeWatches(s.existsWatches, path)
	s.mut.Unlock()

	fire(childWatches, zkclient.WatchEvent{Type: zkclient.EventNodeChildrenChanged, Path: parent})
	fire(existsWatches, zkclient.WatchEvent{Type: zkclient.EventNodeCreated, Path: path})

	return path, nil
}

func (s *fakeStore) delete(path string) error {
	s.mut.Lock()

	if _, ok := s.nodes[path]; !ok {
		s.mut.Unlock()
		return zkclient.ErrNoNode
	}

	delete(s.nodes, path)

	parent := parentPath(path)

	childWatches := takeWatches(s.childWatches, parent)
	existsWatches := takeWatches(s.existsWatches, path)
	dataWatches := takeWatches(s.dataWatches, path)
	s.mut.Unlock()

	fire(childWatches, zkclient.WatchEvent{Type: zkclient.EventNodeChildrenChanged, Path: parent})
	fire(existsWatches, zkclient.WatchEvent{Type: zkclient.EventNodeDeleted, Path: path})
	fire(dataWatches, zkclient.WatchEvent{Type: zkclient.EventNodeDeleted, Path: path})

	return nil
}

func (s *fakeStore) setData(path string, data []byte) error {
	s.mut.Lock()

	node, ok := s.nodes[path]
	if !ok {
		s.mut.Unlock()
		return zkclient.ErrNoNode
	}

	node.data = data

	dataWatches := takeWatches(s.dataWatches, path)
	s.mut.Unlock()

	fire(dataWatches, zkclient.WatchEvent{Type: zkclient.EventNodeDataChanged, Path: path})

	return nil
}

// endSession removes every ephemeral owned by the session, firing watches
// the same way the real store does on session end.
func (s *fakeStore) endSession(session int) {
	s.mut.Lock()

	var owned []string

	for path, node := range s.nodes {
		if node.owner == session {
			owned = append(owned, path)
		}
	}

	s.mut.Unlock()

	for _, path := range owned {
		_ = s.delete(path)
	}
}

// fakeClient implements the discovery Client interface on top of a shared
// fakeStore. Transient retry behavior is out of scope here: operations either
// succeed or fail the way an already-wrapped client would.
type fakeClient struct {
	store   *fakeStore
	session int

	mut    sync.Mutex
	closed bool
	onLost func()
}

func (c *fakeClient) failed() bool {
	c.mut.Lock()
	defer c.mut.Unlock()

	return c.closed
}

// expireSession simulates a session expiry: ephemerals disappear and the
// lost-connection callback fires.
func (c *fakeClient) expireSession() {
	c.mut.Lock()

	if c.closed {
		c.mut.Unlock()
		return
	}

	c.closed = true
	onLost := c.onLost
	c.mut.Unlock()

	c.store.endSession(c.session)

	if onLost != nil {
		onLost()
	}
}

func (c *fakeClient) Close() {
	c.mut.Lock()

	if c.closed {
		c.mut.Unlock()
		return
	}

	c.closed = true
	c.mut.Unlock()

	c.store.endSession(c.session)
}

func (c *fakeClient) Exists(path string) (bool, error) {
	if c.failed() {
		return false, zkclient.ErrClientFailed
	}

	c.store.mut.Lock()
	defer c.store.mut.Unlock()

	_, ok := c.store.nodes[path]

	return ok, nil
}

func (c *fakeClient) Children(path string) ([]string, error) {
	if c.failed() {
		return nil, zkclient.ErrClientFailed
	}

	c.store.mut.Lock()
	defer c.store.mut.Unlock()

	if _, ok := c.store.nodes[path]; !ok {
		return nil, zkclient.ErrNoNode
	}

	return c.store.childrenLocked(path), nil
}

func (c *fakeClient) Data(path string) ([]byte, error) {
	if c.failed() {
		return nil, zkclient.ErrClientFailed
	}

	c.store.mut.Lock()
	defer c.store.mut.Unlock()

	node, ok := c.store.nodes[path]
	if !ok {
		return nil, zkclient.ErrNoNode
	}

	return node.data, nil
}

func (c *fakeClient) Create(path string, data []byte, mode zkclient.CreateMode) (string, error) {
	if c.failed() {
		return "", zkclient.ErrClientFailed
	}

	return c.store.create(c.session, path, data, mode)
}

func (c *fakeClient) SetData(path string, data []byte, _ int32) error {
	if c.failed() {
		return zkclient.ErrClientFailed
	}

	return c.store.setData(path, data)
}

func (c *fakeClient) Delete(path string, _ int32) error {
	if c.failed() {
		return zkclient.ErrClientFailed
	}

	return c.store.delete(path)
}

func (c *fakeClient) DeleteIfExists(path string, version int32) error {
	err := c.Delete(path, version)
	if err == zkclient.ErrNoNode {
		return nil
	}

	return err
}

func (c *fakeClient) DeleteAll(parent string, names []string, version int32) error {
	for _, name := range names {
		if err := c.DeleteIfExists(parent+"/"+name, version); err != nil {
			return err
		}
	}

	return nil
}

func (c *fakeClient) ExistsAsync(path string, watcher zkclient.Watcher, cb zkclient.StatCallback) {
	go func() {
		if c.failed() {
			if cb != nil {
				cb(zkclient.ErrClientFailed, path, false)
			}

			return
		}

		c.store.mut.Lock()
		_, ok := c.store.nodes[path]

		if watcher != nil {
			c.store.existsWatches[path] = append(c.store.existsWatches[path], watcher)
		}
		c.store.mut.Unlock()

		if cb != nil {
			cb(nil, path, ok)
		}
	}()
}

func (c *fakeClient) ChildrenAsync(path string, watcher zkclient.Watcher, cb zkclient.ChildrenCallback) {
	go func() {
		if c.failed() {
			if cb != nil {
				cb(zkclient.ErrClientFailed, path, nil)
			}

			return
		}

		c.store.mut.Lock()

		if _, ok := c.store.nodes[path]; !ok {
			c.store.mut.Unlock()

			if cb != nil {
				cb(zkclient.ErrNoNode, path, nil)
			}

			return
		}

		children := c.store.childrenLocked(path)

		if watcher != nil {
			c.store.childWatches[path] = append(c.store.childWatches[path], watcher)
		}
		c.store.mut.Unlock()

		if cb != nil {
			cb(nil, path, children)
		}
	}()
}

func (c *fakeClient) DataAsync(path string, watcher zkclient.Watcher, cb zkclient.DataCallback) {
	go func() {
		if c.failed() {
			if cb != nil {
				cb(zkclient.ErrClientFailed, path, nil)
			}

			return
		}

		c.store.mut.Lock()

		node, ok := c.store.nodes[path]
		if !ok {
			c.store.mut.Unlock()

			if cb != nil {
				cb(zkclient.ErrNoNode, path, nil)
			}

			return
		}

		data := node.data

		if watcher != nil {
			c.store.dataWatches[path] = append(c.store.dataWatches[path], watcher)
		}
		c.store.mut.Unlock()

		if cb != nil {
			cb(nil, path, data)
		}
	}()
}

func (c *fakeClient) CreateAsync(path string, data []byte, mode zkclient.CreateMode, cb zkclient.CreateCallback) {
	go func() {
		name, err := c.Create(path, data, mode)

		if cb != nil && err == nil {
			cb(nil, path, name)
		}
	}()
}
