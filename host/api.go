package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/procmux/procmux/ipc"
	"github.com/procmux/procmux/proctable"
)

// coreAPITable builds the process-lifecycle calls bound to pid as the
// implicit caller, per spec.md §4.E's authority table. New logic -- the
// teacher has no authority model -- grounded on spec.md §4.E directly;
// style (closures binding pid, returned as a CallTable) follows the
// teacher's functional-options construction in agent/agent.go.
func (h *Host) coreAPITable(pid proctable.PID) ipc.CallTable {
	return ipc.CallTable{
		"start":    h.callStart(pid),
		"exit":     h.callExit(pid),
		"children": h.callChildren(pid),
		"parent":   h.callParent(pid),
		"reparent": h.callReparent(pid),
		"getPid":   h.callGetPid(pid),
		"send":     h.callSend(pid),
		"name":     h.callName(pid),
		"find":     h.callFind(pid),
		"wait":     h.callWait(pid),
	}
}

// start(child): always permitted; the new process is parented under pid.
func (h *Host) callStart(pid proctable.PID) ipc.Handler {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		var child string
		if len(args) > 0 {
			if err := json.Unmarshal(args[0], &child); err != nil {
				return nil, fmt.Errorf("%w: decoding start child: %s", ipc.ErrProtocolViolation, err)
			}
		}
		newPID, _, err := h.table.Start(ctx, h.spawn, child, &pid, h.installAPI)
		if err != nil {
			return nil, err
		}
		return newPID, nil
	}
}

// targetOrSelf decodes an optional leading PID argument, defaulting to
// caller when absent -- every authority-checked call's "target=pid" shape
// from spec.md §4.E's table.
func targetOrSelf(args []json.RawMessage, caller proctable.PID) (proctable.PID, error) {
	if len(args) == 0 {
		return caller, nil
	}
	var target proctable.PID
	if err := json.Unmarshal(args[0], &target); err != nil {
		return 0, fmt.Errorf("%w: decoding target pid: %s", ipc.ErrProtocolViolation, err)
	}
	return target, nil
}

// exit(target=pid): requires is-in-subtree(target, pid).
func (h *Host) callExit(pid proctable.PID) ipc.Handler {
	return func(_ context.Context, args []json.RawMessage) (any, error) {
		target, err := targetOrSelf(args, pid)
		if err != nil {
			return nil, err
		}
		if !h.table.IsInSubtree(target, pid) {
			return nil, ipc.ErrNotDescendant
		}
		return nil, h.table.Exit(target)
	}
}

// children(target=pid): requires is-in-subtree(target, pid).
func (h *Host) callChildren(pid proctable.PID) ipc.Handler {
	return func(_ context.Context, args []json.RawMessage) (any, error) {
		target, err := targetOrSelf(args, pid)
		if err != nil {
			return nil, err
		}
		if !h.table.IsInSubtree(target, pid) {
			return nil, ipc.ErrNotDescendant
		}
		return h.table.Children(&target)
	}
}

// parent(target=pid): requires is-in-subtree(target, pid).
func (h *Host) callParent(pid proctable.PID) ipc.Handler {
	return func(_ context.Context, args []json.RawMessage) (any, error) {
		target, err := targetOrSelf(args, pid)
		if err != nil {
			return nil, err
		}
		if !h.table.IsInSubtree(target, pid) {
			return nil, ipc.ErrNotDescendant
		}
		return h.table.Parent(target)
	}
}

// reparent(target, new-parent=pid): requires is-in-subtree(target, pid) and
// not is-in-subtree(new-parent, target) -- no cycle.
func (h *Host) callReparent(pid proctable.PID) ipc.Handler {
	return func(_ context.Context, args []json.RawMessage) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: reparent requires a target pid", ipc.ErrProtocolViolation)
		}
		var target proctable.PID
		if err := json.Unmarshal(args[0], &target); err != nil {
			return nil, fmt.Errorf("%w: decoding target pid: %s", ipc.ErrProtocolViolation, err)
		}
		if !h.table.IsInSubtree(target, pid) {
			return nil, ipc.ErrNotDescendant
		}

		var newParent *proctable.PID
		switch {
		case len(args) <= 1:
			newParent = &pid
		case string(args[1]) == "null":
			newParent = nil
		default:
			var np proctable.PID
			if err := json.Unmarshal(args[1], &np); err != nil {
				return nil, fmt.Errorf("%w: decoding new-parent pid: %s", ipc.ErrProtocolViolation, err)
			}
			newParent = &np
		}
		if newParent != nil && h.table.IsInSubtree(*newParent, target) {
			return nil, ipc.ErrTopologyViolation
		}
		return nil, h.table.Reparent(target, newParent)
	}
}

// getPid(): returns pid.
func (h *Host) callGetPid(pid proctable.PID) ipc.Handler {
	return func(_ context.Context, _ []json.RawMessage) (any, error) {
		return pid, nil
	}
}

// send(target, data): posts {message:data, from:pid} on target's root
// channel. Unrestricted by subtree authority -- spec.md §4.E's table
// places no caller-authority rule on send, since it carries no lifecycle
// or query power over target.
func (h *Host) callSend(pid proctable.PID) ipc.Handler {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: send requires a target pid and data", ipc.ErrProtocolViolation)
		}
		var target proctable.PID
		if err := json.Unmarshal(args[0], &target); err != nil {
			return nil, fmt.Errorf("%w: decoding target pid: %s", ipc.ErrProtocolViolation, err)
		}
		ch, err := h.table.Channel(target)
		if err != nil {
			return nil, err
		}
		from := int(pid)
		return nil, ch.Send(ctx, ipc.Frame{Message: args[1], From: &from})
	}
}

// name/find/wait: unrestricted per spec.md §4.E's table.
func (h *Host) callName(pid proctable.PID) ipc.Handler {
	return func(_ context.Context, args []json.RawMessage) (any, error) {
		var options []string
		if len(args) > 0 {
			if err := json.Unmarshal(args[0], &options); err != nil {
				return nil, fmt.Errorf("%w: decoding name options: %s", ipc.ErrProtocolViolation, err)
			}
		}
		name, ok, err := h.table.Name(pid, options)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		return name, nil
	}
}

func (h *Host) callFind(_ proctable.PID) ipc.Handler {
	return func(_ context.Context, args []json.RawMessage) (any, error) {
		var options []string
		if len(args) > 0 {
			if err := json.Unmarshal(args[0], &options); err != nil {
				return nil, fmt.Errorf("%w: decoding find options: %s", ipc.ErrProtocolViolation, err)
			}
		}
		name, pid, ok := h.table.Find(options)
		if !ok {
			return false, nil
		}
		return [2]any{name, pid}, nil
	}
}

func (h *Host) callWait(_ proctable.PID) ipc.Handler {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: wait requires a name", ipc.ErrProtocolViolation)
		}
		var name string
		if err := json.Unmarshal(args[0], &name); err != nil {
			return nil, fmt.Errorf("%w: decoding wait name: %s", ipc.ErrProtocolViolation, err)
		}
		return h.table.Wait(ctx, name)
	}
}
