package client

import (
	"context"
	"encoding/json"
)

// Typed convenience wrappers over Client.Call, grounded on cluster/basic.go's
// BasicNode/BasicCluster pattern: a thin typed layer over a minimal-footprint
// generic interface.

// GetPid returns the caller's own PID as seen by the host.
func (c *Client) GetPid(ctx context.Context) (int, error) {
	raw, err := c.Call(ctx, "getPid")
	if err != nil {
		return 0, err
	}
	var pid int
	return pid, json.Unmarshal(raw, &pid)
}

// StartChild asks the host to spawn a new process parented under the
// caller, from the given URL/binary reference.
func (c *Client) StartChild(ctx context.Context, url string) (int, error) {
	raw, err := c.Call(ctx, "start", url)
	if err != nil {
		return 0, err
	}
	var pid int
	return pid, json.Unmarshal(raw, &pid)
}

// Exit asks the host to tear down target. target is always sent; to exit
// the caller itself, pass its own PID.
func (c *Client) Exit(ctx context.Context, target int) error {
	_, err := c.Call(ctx, "exit", target)
	return err
}

// Children lists target's direct children, or every root process if target
// is nil.
func (c *Client) Children(ctx context.Context, target *int) ([]int, error) {
	var raw json.RawMessage
	var err error
	if target == nil {
		raw, err = c.Call(ctx, "children")
	} else {
		raw, err = c.Call(ctx, "children", *target)
	}
	if err != nil {
		return nil, err
	}
	var children []int
	return children, json.Unmarshal(raw, &children)
}

// Parent returns target's parent PID, or nil if target is a root process.
func (c *Client) Parent(ctx context.Context, target int) (*int, error) {
	raw, err := c.Call(ctx, "parent", target)
	if err != nil {
		return nil, err
	}
	var parent *int
	return parent, json.Unmarshal(raw, &parent)
}

// Reparent moves target under newParent.
func (c *Client) Reparent(ctx context.Context, target, newParent int) error {
	_, err := c.Call(ctx, "reparent", target, newParent)
	return err
}

// Send posts data to target's root channel, stamped with the caller's PID.
func (c *Client) Send(ctx context.Context, target int, data any) error {
	_, err := c.Call(ctx, "send", target, data)
	return err
}

// Name attempts to claim the first unclaimed name in options.
func (c *Client) Name(ctx context.Context, options []string) (string, bool, error) {
	raw, err := c.Call(ctx, "name", options)
	if err != nil {
		return "", false, err
	}
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, err
	}
	name, ok := result.(string)
	return name, ok, nil
}

// Find returns the PID currently holding the first claimed option, if any.
func (c *Client) Find(ctx context.Context, options []string) (string, int, bool, error) {
	raw, err := c.Call(ctx, "find", options)
	if err != nil {
		return "", 0, false, err
	}
	var result []any
	if err := json.Unmarshal(raw, &result); err != nil || len(result) != 2 {
		return "", 0, false, nil
	}
	name, _ := result[0].(string)
	pidF, _ := result[1].(float64)
	return name, int(pidF), true, nil
}

// Wait blocks until name is claimed, returning the claiming PID.
func (c *Client) Wait(ctx context.Context, name string) (int, error) {
	raw, err := c.Call(ctx, "wait", name)
	if err != nil {
		return 0, err
	}
	var pid int
	return pid, json.Unmarshal(raw, &pid)
}
