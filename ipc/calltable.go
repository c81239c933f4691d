package ipc

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// Handler is a server-side call implementation. Args are the raw JSON
// arguments from the request frame, already positionally decoded is left to
// the handler (mirroring the dynamic-language original's "spread args").
// The transfer list accompanying the request is available via GetTransfer
// for the synchronous prefix of the call.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// CallTable is a server's set of named, invocable entries. In the dynamic
// original, non-callable table entries are silently ignored by
// make-server; in Go every CallTable entry is by construction a Handler, so
// that filtering step has nothing left to do -- CallTable already only
// contains callables.
type CallTable map[string]Handler

// Names returns the call names in this table, the payload of the built-in
// help call.
func (t CallTable) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	return names
}

// Merge overlays other onto t, returning a new table. Used to combine the
// core process-lifecycle calls with a host-supplied collaborator table
// (spec.md §6's host-api(pid) extension point). Panics if other tries to
// shadow a core name -- per spec.md §6, the collaborator table is
// "forbidden to shadow the core names."
func (t CallTable) Merge(other CallTable) CallTable {
	out := make(CallTable, len(t)+len(other))
	for n, h := range t {
		out[n] = h
	}
	for n, h := range other {
		if _, exists := t[n]; exists {
			panic("ipc: host API attempted to shadow core call " + n)
		}
		out[n] = h
	}
	return out
}

type transferKey struct{}

func withTransfer(ctx context.Context, transfer []Transferable) context.Context {
	return context.WithValue(ctx, transferKey{}, transfer)
}

// GetTransfer reads the transfer list that arrived with the request
// currently being dispatched on ctx. The dispatcher stashes the list on the
// handler's ctx, so it stays readable through any ctx derived from it, for
// the whole handler call and in goroutines the handler starts; it is not
// cleared when the handler blocks. Called with a ctx that did not come from
// a handler dispatch, it logs and returns nil rather than panicking, per
// spec.md §7.
func GetTransfer(ctx context.Context, log *zap.SugaredLogger) []Transferable {
	v, ok := ctx.Value(transferKey{}).([]Transferable)
	if !ok {
		if log != nil {
			log.Warn("get-transfer called outside an active handler invocation")
		}
		return nil
	}
	return v
}
