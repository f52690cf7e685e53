package zkclient

import (
	"errors"

	"github.com/go-kit/log/level"
	"github.com/go-zookeeper/zk"
)

var zkACL = zk.WorldACL(zk.PermAll)

// Exists tells whether the given node exists.
func (c *Client) Exists(path string) (bool, error) {
	for {
		start := c.connStartTime()

		ok, _, err := c.conn.Exists(path)
		if err == nil {
			return ok, nil
		}

		if err := c.onOpError(start, err); err != nil {
			return false, err
		}
	}
}

// Children returns the names of the node's children.
func (c *Client) Children(path string) ([]string, error) {
	for {
		start := c.connStartTime()

		children, _, err := c.conn.Children(path)
		if err == nil {
			return children, nil
		}

		if err := c.onOpError(start, err); err != nil {
			return nil, err
		}
	}
}

// Data returns the node's payload. Fails with ErrNoNode when the node does
// not exist.
func (c *Client) Data(path string) ([]byte, error) {
	for {
		start := c.connStartTime()

		data, _, err := c.conn.Get(path)
		if err == nil {
			return data, nil
		}

		if errors.Is(err, zk.ErrNoNode) {
			return nil, err
		}

		if err := c.onOpError(start, err); err != nil {
			return nil, err
		}
	}
}

// Create creates a node with the given payload and mode, returning the final
// path (which differs from the requested one for sequential modes). Creating
// an already existing node is not an error: the requested path is returned.
func (c *Client) Create(path string, data []byte, mode CreateMode) (string, error) {
	for {
		start := c.connStartTime()

		name, err := c.conn.Create(path, data, mode.zkFlags(), zkACL)
		if err == nil {
			return name, nil
		}

		if errors.Is(err, zk.ErrNodeExists) {
			level.Info(c.logger).Log("msg", "node already exists", "path", path)
			return path, nil
		}

		if err := c.onOpError(start, err); err != nil {
			return "", err
		}
	}
}

// SetData replaces the node's payload. A negative version matches any
// version.
func (c *Client) SetData(path string, data []byte, version int32) error {
	for {
		start := c.connStartTime()

		_, err := c.conn.Set(path, data, version)
		if err == nil {
			return nil
		}

		if err := c.onOpError(start, err); err != nil {
			return err
		}
	}
}

// Delete removes the node. Fails with ErrNoNode when it does not exist.
func (c *Client) Delete(path string, version int32) error {
	for {
		start := c.connStartTime()

		err := c.conn.Delete(path, version)
		if err == nil {
			return nil
		}

		if errors.Is(err, zk.ErrNoNode) {
			return err
		}

		if err := c.onOpError(start, err); err != nil {
			return err
		}
	}
}

// DeleteIfExists removes the node, treating a missing node as success.
func (c *Client) DeleteIfExists(path string, version int32) error {
	err := c.Delete(path, version)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}

	return err
}

// DeleteAll removes the named children of parent in a single multi-op.
func (c *Client) DeleteAll(parent string, names []string, version int32) error {
	if len(names) == 0 {
		return nil
	}

	ops := make([]interface{}, 0, len(names))
	for _, name := range names {
		ops = append(ops, &zk.DeleteRequest{Path: parent + "/" + name, Version: version})
	}

	for {
		start := c.connStartTime()

		_, err := c.conn.Multi(ops...)
		if err == nil {
			return nil
		}

		if err := c.onOpError(start, err); err != nil {
			return err
		}
	}
}
