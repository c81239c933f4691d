package host

import (
	"time"

	"github.com/procmux/procmux/proctable"
)

// startHeartbeatSweep starts a goroutine that exits any process whose root
// channel hasn't carried a frame within heartbeatTimeout. Grounded verbatim
// on agent.NodeAgent.startHeartbeatCheck (agent/agent.go), adapted from
// "shut this node down" to "exit this one process" -- a transport may go
// silent without ever posting the close frame spec.md §4.A's convention
// relies on, and this sweep is the backstop for that case.
func (h *Host) startHeartbeatSweep() {
	go func() {
		ticker := time.NewTicker(h.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.closed:
				return
			case <-ticker.C:
			}
			h.sweepOnce()
		}
	}()
}

func (h *Host) sweepOnce() {
	now := time.Now()
	h.mu.Lock()
	var stale []proctable.PID
	for pid, seen := range h.lastSeen {
		if seen.Add(h.heartbeatTimeout).Before(now) {
			stale = append(stale, pid)
		}
	}
	h.mu.Unlock()

	for _, pid := range stale {
		h.log.Infow("exiting process after heartbeat timeout", "PID", pid)
		if err := h.table.Exit(pid); err != nil {
			h.log.Debugw("heartbeat exit failed", "PID", pid, "Error", err)
		}
	}
}
