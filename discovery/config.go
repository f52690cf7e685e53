package discovery

import (
	"fmt"
	"time"

	"github.com/go-kit/log"

	"github.com/maxpoletaev/zkcluster/zkclient"
)

// Client is the coordination store client discovery talks to. It is
// implemented by *zkclient.Client; tests substitute an in-memory fake.
type Client interface {
	Exists(path string) (bool, error)
	Children(path string) ([]string, error)
	Data(path string) ([]byte, error)
	Create(path string, data []byte, mode zkclient.CreateMode) (string, error)
	SetData(path string, data []byte, version int32) error
	Delete(path string, version int32) error
	DeleteIfExists(path string, version int32) error
	DeleteAll(parent string, names []string, version int32) error

	ExistsAsync(path string, watcher zkclient.Watcher, cb zkclient.StatCallback)
	ChildrenAsync(path string, watcher zkclient.Watcher, cb zkclient.ChildrenCallback)
	DataAsync(path string, watcher zkclient.Watcher, cb zkclient.DataCallback)
	CreateAsync(path string, data []byte, mode zkclient.CreateMode, cb zkclient.CreateCallback)

	Close()
}

// Dialer opens a store client session. The default dialer connects through
// zkclient.Connect.
type Dialer func(conf zkclient.Config) (Client, error)

func defaultDialer(conf zkclient.Config) (Client, error) {
	return zkclient.Connect(conf)
}

// Config carries the discovery settings.
type Config struct {
	// BasePath is the root under which all clusters live. Must be a valid
	// absolute store path.
	BasePath string

	// ClusterName names the cluster under BasePath. Must not be empty.
	ClusterName string

	// ConnectString is a comma-separated list of ZooKeeper servers.
	ConnectString string

	// SessionTimeout is the store session timeout. A disconnect lasting
	// longer than this segments the local node.
	SessionTimeout time.Duration

	// InstanceName tags log records of this discovery instance.
	InstanceName string

	// Listener receives discovery notifications. Required.
	Listener Listener

	// Exchange contributes application data to the join handshake. Defaults
	// to NoopExchange.
	Exchange Exchange

	// Marshaller encodes persisted envelopes. All members of a cluster must
	// use the same one. Defaults to the msgpack marshaller.
	Marshaller Marshaller

	// Dialer opens the store session. Defaults to zkclient.Connect.
	Dialer Dialer

	// Logger is a go-kit logger. Defaults to a nop logger.
	Logger log.Logger
}

// DefaultConfig returns a Config with reasonable defaults filled in. The
// caller still has to set ClusterName, ConnectString and Listener.
func DefaultConfig() Config {
	return Config{
		BasePath:       "/zkcluster",
		SessionTimeout: 10 * time.Second,
		Exchange:       NoopExchange{},
		Marshaller:     NewMsgpackMarshaller(),
		Dialer:         defaultDialer,
		Logger:         log.NewNopLogger(),
	}
}

func (conf *Config) validate() error {
	if conf.ClusterName == "" {
		return fmt.Errorf("cluster name is empty")
	}

	if err := validatePath(conf.BasePath); err != nil {
		return fmt.Errorf("invalid base path: %w", err)
	}

	if conf.Listener == nil {
		return fmt.Errorf("listener is not set")
	}

	if conf.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}

	return nil
}
