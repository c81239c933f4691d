package proctable

import (
	"context"

	"github.com/procmux/procmux/ipc"
)

// Names is the name registry: a bijection name -> PID for currently-named
// processes, plus pending wait() resolvers per unclaimed name.
type Names struct {
	holders   map[string]PID
	resolvers map[string][]chan PID
}

func newNames() Names {
	return Names{
		holders:   make(map[string]PID),
		resolvers: make(map[string][]chan PID),
	}
}

// release removes a name->pid binding, called from Exit/reassignment. Caller
// holds t.mu.
func (n *Names) release(name string, pid PID) {
	if held, ok := n.holders[name]; ok && held == pid {
		delete(n.holders, name)
	}
}

// Name iterates options in order, claiming the first currently-unclaimed
// one for pid. On success it releases pid's prior name and fires every
// pending wait() resolver for the newly-claimed name, in registration order.
// If every option is already claimed, it returns (_, false, nil) and pid
// retains whatever name it held before -- spec.md §9's mandated resolution
// of the "all options taken" Open Question.
func (t *Table) Name(pid PID, options []string) (string, bool, error) {
	t.mu.Lock()
	rec, ok := t.records[pid]
	if !ok {
		t.mu.Unlock()
		return "", false, ipc.ErrNotFound
	}

	var claimed string
	found := false
	for _, opt := range options {
		if _, taken := t.names.holders[opt]; !taken {
			claimed = opt
			found = true
			break
		}
	}
	if !found {
		t.mu.Unlock()
		return "", false, nil
	}

	if rec.Name != nil {
		t.names.release(*rec.Name, pid)
	}
	t.names.holders[claimed] = pid
	rec.Name = &claimed

	waiters := t.names.resolvers[claimed]
	delete(t.names.resolvers, claimed)
	t.mu.Unlock()

	for _, w := range waiters {
		w <- pid
		close(w)
	}
	return claimed, true, nil
}

// Find returns the first option currently held, and its PID, or false if
// none are held.
func (t *Table) Find(options []string) (string, PID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, opt := range options {
		if pid, ok := t.names.holders[opt]; ok {
			return opt, pid, true
		}
	}
	return "", 0, false
}

// Wait returns the PID currently holding name, or blocks (cancelable via
// ctx) until the next successful Name() call claims it.
func (t *Table) Wait(ctx context.Context, name string) (PID, error) {
	t.mu.Lock()
	if pid, ok := t.names.holders[name]; ok {
		t.mu.Unlock()
		return pid, nil
	}
	resolved := make(chan PID, 1)
	t.names.resolvers[name] = append(t.names.resolvers[name], resolved)
	t.mu.Unlock()

	select {
	case pid := <-resolved:
		return pid, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
