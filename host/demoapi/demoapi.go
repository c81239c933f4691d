// Package demoapi is a stub HostAPI collaborator table, illustrating the
// external-collaborator extension point (spec.md §6) without
// respecifying the out-of-scope DOM-side helpers (iframe navigation,
// favicon/title, history) that spec.md §1 explicitly excludes.
package demoapi

import (
	"sync"

	"github.com/procmux/procmux/ipc"
	"github.com/procmux/procmux/proctable"
	"github.com/procmux/procmux/property"
	"go.uber.org/zap"
)

// New returns a host.HostAPI-shaped table exposing a single writable
// "title" property per pid (getTitle/trackTitle/setTitle), a worked
// example of installing a property.Server collaborator alongside the
// core process-lifecycle table (spec.md §4.C/§6).
func New(log *zap.SugaredLogger) func(pid proctable.PID, root *ipc.Channel) ipc.CallTable {
	var mu sync.Mutex
	servers := make(map[proctable.PID]*property.Server[string])

	return func(pid proctable.PID, root *ipc.Channel) ipc.CallTable {
		mu.Lock()
		srv, ok := servers[pid]
		if !ok {
			srv = property.New(log, "title", "", property.Writable[string]())
			servers[pid] = srv
		}
		mu.Unlock()

		table := make(ipc.CallTable)
		srv.Install(root, table)
		return table
	}
}
