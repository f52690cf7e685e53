package zkclient

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-zookeeper/zk"
)

// retryTimeout is the longest a synchronous operation sleeps between retry
// attempts while the connection is down. Reconnection interrupts the sleep.
const retryTimeout = 1 * time.Second

// State is the connection state of the client session.
type State int

const (
	// StateDisconnected means the session is not currently usable but may
	// still recover within the connection-loss timeout.
	StateDisconnected State = iota + 1

	// StateConnected means the session is established and operations are
	// executed immediately.
	StateConnected

	// StateLost is terminal: the session expired or the connection could not
	// be restored in time. Every operation fails with ErrClientFailed.
	StateLost
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateLost:
		return "lost"
	default:
		return ""
	}
}

// CreateMode determines the lifetime and naming of a created node.
type CreateMode int

const (
	ModePersistent CreateMode = iota
	ModePersistentSequential
	ModeEphemeral
	ModeEphemeralSequential
)

func (m CreateMode) zkFlags() int32 {
	switch m {
	case ModePersistentSequential:
		return zk.FlagSequence
	case ModeEphemeral:
		return zk.FlagEphemeral
	case ModeEphemeralSequential:
		return zk.FlagEphemeral | zk.FlagSequence
	default:
		return 0
	}
}

// EventType is the kind of node change delivered to a Watcher.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
)

// WatchEvent is a single node change observed by a registered watch. Watches
// are one-shot: an operation must be re-issued to keep watching.
type WatchEvent struct {
	Type EventType
	Path string
}

// Watcher receives a single watch event. It is invoked from an internal
// goroutine and must not block for long.
type Watcher func(ev WatchEvent)

// Callbacks for asynchronous operations. The err argument is nil on success;
// transient connection loss never reaches a callback, the operation is
// retried internally instead.
type (
	StatCallback     func(err error, path string, exists bool)
	ChildrenCallback func(err error, path string, children []string)
	DataCallback     func(err error, path string, data []byte)
	CreateCallback   func(err error, path string, name string)
)

// Config carries the client settings.
type Config struct {
	// ConnectString is a comma-separated list of ZooKeeper server addresses.
	ConnectString string

	// SessionTimeout is the ZooKeeper session timeout. It also bounds how
	// long the client waits out a disconnect before giving up: once a
	// disconnect lasts longer than this, the client transitions to StateLost.
	SessionTimeout time.Duration

	// InstanceName is used to tag log records of this client.
	InstanceName string

	// OnConnLost is invoked exactly once when the client transitions to
	// StateLost. May be called from an internal goroutine.
	OnConnLost func()

	// Logger is a go-kit logger. Defaults to a nop logger.
	Logger log.Logger
}

// conn is the subset of *zk.Conn the client uses, extracted so tests can
// substitute a fake connection.
type conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	Multi(ops ...interface{}) ([]zk.MultiResponse, error)
	Close()
}

// Client is a resilient wrapper around a single ZooKeeper session. Transient
// connection loss is hidden from callers: synchronous operations are retried
// until the connection recovers or the loss timeout elapses, and asynchronous
// operations are queued and re-issued on reconnect. Once the session is lost
// for good, every operation fails with ErrClientFailed and the OnConnLost
// callback fires exactly once.
type Client struct {
	logger          log.Logger
	onLost          func()
	connLossTimeout time.Duration

	mut          sync.Mutex
	conn         conn
	state        State
	connStart    time.Time
	reconnected  chan struct{}
	lossTimer    *time.Timer
	retryq       []asyncOp
	lostNotified bool
	closed       bool
	done         chan struct{}
}

// Connect establishes a new ZooKeeper session and starts tracking its state.
func Connect(conf Config) (*Client, error) {
	if conf.Logger == nil {
		conf.Logger = log.NewNopLogger()
	}

	servers := strings.Split(conf.ConnectString, ",")
	for i := range servers {
		servers[i] = strings.TrimSpace(servers[i])
	}

	zconn, events, err := zk.Connect(
		servers,
		conf.SessionTimeout,
		zk.WithLogger(printfAdapter{conf.Logger}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to zookeeper: %w", err)
	}

	c := newClient(zconn, events, conf)

	return c, nil
}

// newClient wires a client around an established connection and its session
// event stream. Split from Connect for testing.
func newClient(zconn conn, events <-chan zk.Event, conf Config) *Client {
	logger := conf.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	if conf.InstanceName != "" {
		logger = log.With(logger, "instance", conf.InstanceName)
	}

	c := &Client{
		logger:          logger,
		onLost:          conf.OnConnLost,
		connLossTimeout: conf.SessionTimeout,
		conn:            zconn,
		state:           StateDisconnected,
		connStart:       time.Now(),
		reconnected:     make(chan struct{}),
		done:            make(chan struct{}),
	}

	registerMetrics()

	c.armLossTimerLocked()

	go c.sessionLoop(events)

	return c
}

// State returns the current session state.
func (c *Client) State() State {
	c.mut.Lock()
	defer c.mut.Unlock()

	return c.state
}

// Close shuts the session down. Pending synchronous operations fail with
// ErrClientFailed. Closing an already closed client is a no-op.
func (c *Client) Close() {
	c.mut.Lock()

	if c.closed {
		c.mut.Unlock()
		level.Debug(c.logger).Log("msg", "zookeeper client already closed")

		return
	}

	c.closed = true

	c.stopLossTimerLocked()
	c.conn.Close()
	close(c.done)
	c.mut.Unlock()
}

func (c *Client) sessionLoop(events <-chan zk.Event) {
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}

		c.processSessionEvent(ev.State)
	}
}

func (c *Client) processSessionEvent(zkState zk.State) {
	c.mut.Lock()

	if c.state == StateLost || c.closed {
		c.mut.Unlock()
		level.Warn(c.logger).Log("msg", "session event after connection was lost", "zk_state", zkState)

		return
	}

	var newState State

	switch zkState {
	case zk.StateHasSession:
		newState = StateConnected
	case zk.StateDisconnected:
		newState = StateDisconnected
	case zk.StateExpired, zk.StateAuthFailed:
		newState = StateLost
	case zk.StateConnecting, zk.StateConnected, zk.StateConnectedReadOnly:
		// Intermediate states: the session is not usable yet, but the
		// disconnect that preceded them has already been accounted for.
		c.mut.Unlock()
		return
	default:
		level.Error(c.logger).Log("msg", "unexpected zookeeper session state, closing", "zk_state", zkState)

		newState = StateLost
	}

	if newState == c.state {
		c.mut.Unlock()
		return
	}

	level.Info(c.logger).Log("msg", "zookeeper client state changed", "from", c.state, "to", newState)

	stateTransitions.WithLabelValues(newState.String()).Inc()

	switch newState {
	case StateDisconnected:
		c.state = StateDisconnected
		c.connStart = time.Now()
		c.reconnected = make(chan struct{})
		c.armLossTimerLocked()
		c.mut.Unlock()

	case StateConnected:
		c.state = StateConnected
		c.stopLossTimerLocked()
		close(c.reconnected)

		retryq := c.retryq
		c.retryq = nil
		c.mut.Unlock()

		for _, op := range retryq {
			go op.execute(c)
		}

	case StateLost:
		c.toLostLocked()
		c.mut.Unlock()
		c.notifyLost()
	}
}

// toLostLocked performs the terminal transition. The caller must hold the
// state mutex and invoke notifyLost after releasing it.
func (c *Client) toLostLocked() {
	c.state = StateLost
	c.retryq = nil

	c.stopLossTimerLocked()
	c.conn.Close()

	if !c.closed {
		c.closed = true
		close(c.done)
	}

	connectionLosses.Inc()
}

func (c *Client) notifyLost() {
	c.mut.Lock()

	if c.lostNotified || c.onLost == nil {
		c.mut.Unlock()
		return
	}

	c.lostNotified = true
	c.mut.Unlock()

	c.onLost()
}

func (c *Client) armLossTimerLocked() {
	if c.lossTimer != nil {
		c.lossTimer.Stop()
	}

	start := c.connStart

	c.lossTimer = time.AfterFunc(c.connLossTimeout, func() {
		c.onLossTimeout(start)
	})
}

func (c *Client) stopLossTimerLocked() {
	if c.lossTimer != nil {
		c.lossTimer.Stop()
		c.lossTimer = nil
	}
}

func (c *Client) onLossTimeout(start time.Time) {
	c.mut.Lock()

	if c.state != StateDisconnected || !c.connStart.Equal(start) {
		c.mut.Unlock()
		return
	}

	level.Warn(c.logger).Log(
		"msg", "failed to establish zookeeper connection, closing client",
		"timeout", c.connLossTimeout,
	)

	c.toLostLocked()
	c.mut.Unlock()

	c.notifyLost()
}

// connStartTime snapshots the moment the current or most recent disconnect
// began; a reconnect does not reset it. Synchronous operations capture it
// before each attempt to
// detect whether the connection flapped while the attempt was in flight.
func (c *Client) connStartTime() time.Time {
	c.mut.Lock()
	defer c.mut.Unlock()

	return c.connStart
}

// onOpError decides what to do after a failed synchronous attempt. A nil
// return means the caller should retry; a non-nil return is terminal and
// must be surfaced as is.
func (c *Client) onOpError(prevStart time.Time, opErr error) error {
	c.mut.Lock()

	level.Warn(c.logger).Log("msg", "zookeeper operation failed", "err", opErr, "state", c.state)

	if c.closed || c.state == StateLost {
		c.mut.Unlock()
		return fmt.Errorf("%w: %v", ErrClientFailed, opErr)
	}

	if !retryable(opErr) {
		level.Error(c.logger).Log("msg", "operation failed with unexpected error, closing client", "err", opErr)

		c.toLostLocked()
		c.mut.Unlock()

		c.notifyLost()

		return fmt.Errorf("%w: %v", ErrClientFailed, opErr)
	}

	var remaining time.Duration

	if c.state == StateConnected {
		if !c.connStart.Equal(prevStart) {
			// Reconnected while the attempt was in flight: retry right away.
			c.mut.Unlock()
			return nil
		}

		c.state = StateDisconnected
		c.connStart = time.Now()
		c.reconnected = make(chan struct{})
		c.armLossTimerLocked()

		remaining = c.connLossTimeout
	} else {
		remaining = c.connLossTimeout - time.Since(c.connStart)

		if remaining <= 0 {
			c.toLostLocked()
			c.mut.Unlock()

			c.notifyLost()

			return fmt.Errorf("%w: %v", ErrClientFailed, opErr)
		}
	}

	level.Warn(c.logger).Log(
		"msg", "zookeeper operation will be retried",
		"err", opErr,
		"retry_timeout", retryTimeout,
		"remaining_wait_time", remaining,
	)

	syncRetries.Inc()

	reconnected := c.reconnected
	c.mut.Unlock()

	timer := time.NewTimer(retryTimeout)
	defer timer.Stop()

	select {
	case <-reconnected:
	case <-timer.C:
	case <-c.done:
	}

	return nil
}

// printfAdapter exposes a go-kit logger through the Printf interface the zk
// library logs with.
type printfAdapter struct {
	logger log.Logger
}

func (a printfAdapter) Printf(format string, args ...interface{}) {
	level.Debug(a.logger).Log("msg", fmt.Sprintf(format, args...), "source", "zk")
}
