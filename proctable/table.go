// Package proctable implements the process table: a named, hierarchical
// registry of processes with parent/child lifetimes, reparenting,
// subtree-scoped authority, and asynchronous name resolution (spec.md §3/§4.D).
package proctable

import (
	"context"
	"fmt"
	"sync"

	"github.com/procmux/procmux/ipc"
	"go.uber.org/zap"
)

// PID is a process identifier: a small positive integer, locally unique
// within a host, reused only after the process holding it has exited.
type PID int

// SpawnFunc is the injected get-port(url) collaborator (spec.md §6): how to
// turn a URL/binary reference into a live Target. Concrete backends live in
// package spawn.
type SpawnFunc func(ctx context.Context, url string) (ipc.Target, error)

// Record is everything the host retains for one live PID (spec.md §3).
type Record struct {
	Port       *ipc.Channel
	Parent     *PID
	Children   map[PID]struct{}
	Name       *string
	DisableAPI func()
}

// Table is the PID -> Record registry plus the name registry, guarded by a
// single mutex. The original is single-threaded by construction (spec.md
// §5); this reimplementation serializes concurrent goroutine access instead,
// since each accepted connection runs its own dispatch goroutine.
type Table struct {
	log     *zap.SugaredLogger
	mu      sync.Mutex
	records map[PID]*Record
	nextPID PID

	names Names
}

// New returns an empty process table.
func New(log *zap.SugaredLogger) *Table {
	return &Table{
		log:     log,
		records: make(map[PID]*Record),
		nextPID: 1,
		names:   newNames(),
	}
}

// allocPID advances a rolling counter past any occupied slot. Must be called
// with mu held.
func (t *Table) allocPID() PID {
	for {
		if _, occupied := t.records[t.nextPID]; !occupied {
			pid := t.nextPID
			t.nextPID++
			return pid
		}
		t.nextPID++
	}
}

// Start records a new process. child is either a URL string (resolved via
// spawn) or an already-live ipc.Target (the "adopt an existing port" case).
// If parent is given and absent from the table, Start fails with
// ErrNotFound.
func (t *Table) Start(ctx context.Context, spawn SpawnFunc, child any, parent *PID, installAPI func(pid PID, ch *ipc.Channel) func()) (PID, *ipc.Channel, error) {
	var target ipc.Target
	switch c := child.(type) {
	case string:
		spawned, err := spawn(ctx, c)
		if err != nil {
			return 0, nil, fmt.Errorf("spawning %q: %w", c, err)
		}
		target = spawned
	case ipc.Target:
		target = c
	default:
		return 0, nil, fmt.Errorf("%w: start requires a URL string or an ipc.Target", ipc.ErrProtocolViolation)
	}

	t.mu.Lock()
	if parent != nil {
		if _, ok := t.records[*parent]; !ok {
			t.mu.Unlock()
			return 0, nil, ipc.ErrNotFound
		}
	}
	pid := t.allocPID()
	rec := &Record{Parent: parent, Children: make(map[PID]struct{})}
	t.records[pid] = rec
	if parent != nil {
		t.records[*parent].Children[pid] = struct{}{}
	}
	t.mu.Unlock()

	ch := ipc.New(t.log.Named(fmt.Sprintf("pid-%d", pid)), target)
	rec.Port = ch
	if installAPI != nil {
		rec.DisableAPI = installAPI(pid, ch)
	}
	return pid, ch, nil
}

// Exit removes pid and every descendant, depth-first, tearing down each
// process's API server and transport along the way.
func (t *Table) Exit(pid PID) error {
	t.mu.Lock()
	rec, ok := t.records[pid]
	if !ok {
		t.mu.Unlock()
		return ipc.ErrNotFound
	}
	children := make([]PID, 0, len(rec.Children))
	for c := range rec.Children {
		children = append(children, c)
	}
	t.mu.Unlock()

	for _, c := range children {
		// Child may have already been removed by a concurrent exit; ignore
		// ErrNotFound from the recursive call in that case.
		if err := t.Exit(c); err != nil && err != ipc.ErrNotFound {
			return err
		}
	}

	t.mu.Lock()
	rec, ok = t.records[pid]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	if rec.Parent != nil {
		if parentRec, ok := t.records[*rec.Parent]; ok {
			delete(parentRec.Children, pid)
		}
	}
	if rec.Name != nil {
		t.names.release(*rec.Name, pid)
	}
	delete(t.records, pid)
	t.mu.Unlock()

	if rec.DisableAPI != nil {
		rec.DisableAPI()
	}
	if rec.Port != nil {
		if term, ok := rec.Port.Underlying().(ipc.Terminator); ok {
			_ = term.Terminate()
		}
		_ = rec.Port.Close()
	}
	return nil
}

// Reparent detaches pid from its current parent (if any) and attaches it to
// newParent (if given). The acyclicity check -- newParent must not already
// be in pid's own subtree -- is a table invariant, so it lives here; the
// caller-authority half of spec.md §4.E's rule is enforced by package host.
func (t *Table) Reparent(pid PID, newParent *PID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[pid]
	if !ok {
		return ipc.ErrNotFound
	}
	if newParent != nil {
		if _, ok := t.records[*newParent]; !ok {
			return ipc.ErrNotFound
		}
		if t.isInSubtreeLocked(*newParent, pid) {
			return ipc.ErrTopologyViolation
		}
	}

	if rec.Parent != nil {
		if oldParentRec, ok := t.records[*rec.Parent]; ok {
			delete(oldParentRec.Children, pid)
		}
	}
	rec.Parent = newParent
	if newParent != nil {
		t.records[*newParent].Children[pid] = struct{}{}
	}
	return nil
}

// Children returns pid's direct children, or every root (parent-less)
// process if pid is nil -- the only way to enumerate the forest.
func (t *Table) Children(pid *PID) ([]PID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pid == nil {
		var roots []PID
		for p, rec := range t.records {
			if rec.Parent == nil {
				roots = append(roots, p)
			}
		}
		return roots, nil
	}

	rec, ok := t.records[*pid]
	if !ok {
		return nil, ipc.ErrNotFound
	}
	out := make([]PID, 0, len(rec.Children))
	for c := range rec.Children {
		out = append(out, c)
	}
	return out, nil
}

// Parent returns pid's parent, or nil if pid is a root process.
func (t *Table) Parent(pid PID) (*PID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[pid]
	if !ok {
		return nil, ipc.ErrNotFound
	}
	return rec.Parent, nil
}

// IsInSubtree walks parent pointers from pid up, reporting whether root is
// encountered. Used for every subtree-authority check in package host.
func (t *Table) IsInSubtree(pid, root PID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isInSubtreeLocked(pid, root)
}

func (t *Table) isInSubtreeLocked(pid, root PID) bool {
	cur := pid
	for {
		if cur == root {
			return true
		}
		rec, ok := t.records[cur]
		if !ok || rec.Parent == nil {
			return false
		}
		cur = *rec.Parent
	}
}

// Exists reports whether pid is currently live.
func (t *Table) Exists(pid PID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[pid]
	return ok
}

// Channel returns pid's root channel, for host-side dispatch plumbing like
// the send() call.
func (t *Table) Channel(pid PID) (*ipc.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[pid]
	if !ok {
		return nil, ipc.ErrNotFound
	}
	return rec.Port, nil
}
