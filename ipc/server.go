package ipc

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// helpCall is the built-in introspection call every server exposes,
// per spec.md §4.B/§6.
const helpCall = "help"

// Server dispatches request frames arriving on a root channel (and,
// recursively, on every sub-channel it offers) against a CallTable. Grounded
// on agent/process/server.go's accept-and-dispatch loop.
type Server struct {
	log   *zap.SugaredLogger
	table CallTable
	sync  bool

	cancelFns []func()
}

// MakeServer installs table (plus a synthesized help entry) on ch. When
// sync is false (the default), every inbound sub-channel offer also gets the
// same table installed recursively, giving callers the sub-channel-call
// discipline. Returns a cancel closure that tears down every installed
// dispatch loop.
func MakeServer(log *zap.SugaredLogger, ch *Channel, table CallTable, sync bool) func() {
	full := make(CallTable, len(table)+1)
	for n, h := range table {
		full[n] = h
	}
	full[helpCall] = func(ctx context.Context, _ []json.RawMessage) (any, error) {
		// table, not full: per spec.md §8 property 7, help's own name is
		// synthesized and does not list itself.
		return table.Names(), nil
	}

	s := &Server{log: log, table: full, sync: sync}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serveLoop(ctx, ch)
	}()

	// Sub-channel offers always arrive on the root channel, so only the
	// root's server registers the offer handler; a server installed on a
	// sub-channel must not replace it.
	if !sync && ch.ID() == "" {
		ch.OnSubchannelOffer(func(sub *Channel) {
			subCancel := MakeServer(log, sub, table, sync)
			s.cancelFns = append(s.cancelFns, subCancel)
			// Recorded so a collaborator (e.g. the property protocol) can
			// later claim this sub-channel exclusively via StopDispatch,
			// rather than leaving this dispatch loop to compete with it
			// for the same inbox.
			sub.registerDispatchCancel(subCancel)
		})
	}

	return func() {
		cancel()
		<-done
		for _, f := range s.cancelFns {
			f()
		}
	}
}

func (s *Server) serveLoop(ctx context.Context, ch *Channel) {
	for {
		f, err := ch.Recv(ctx)
		if err != nil {
			return
		}
		if f.IsClose() {
			return
		}
		if !f.IsRequest() {
			// Neither a request nor a close frame on a stream meant for
			// requests: a protocol violation from a misbehaving peer.
			// Per spec.md §7, the host does not attempt recovery beyond
			// ignoring it.
			s.log.Debugw("ignoring non-request frame on call channel", "Frame", f)
			continue
		}
		go s.dispatch(ctx, ch, f)
	}
}

func (s *Server) dispatch(ctx context.Context, ch *Channel, f Frame) {
	handler, ok := s.table[f.Call]
	if !ok {
		s.reply(ctx, ch, Frame{Error: fmt.Sprintf("%s: %s", ErrNoSuchCall, f.Call)})
		return
	}

	transfer := make([]Transferable, len(f.Transfer))
	for i, raw := range f.Transfer {
		transfer[i] = raw
	}
	hctx := withTransfer(ctx, transfer)

	result, err := handler(hctx, f.Args)
	if err != nil {
		s.reply(ctx, ch, Frame{Error: err.Error()})
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		s.reply(ctx, ch, Frame{Error: fmt.Sprintf("marshaling result: %s", err)})
		return
	}
	s.reply(ctx, ch, Frame{Result: raw})
}

func (s *Server) reply(ctx context.Context, ch *Channel, f Frame) {
	if err := ch.Send(ctx, f); err != nil {
		s.log.Debugw("failed to send reply", "Error", err)
	}
}

// CallInBand posts a request directly on ch and awaits the next frame as its
// reply. Cheap, but disallows interleaving: the caller must not issue
// another in-band call before this one completes (spec.md §4.B/§5).
func CallInBand(ctx context.Context, ch *Channel, name string, args ...any) (json.RawMessage, error) {
	return call(ctx, ch, name, args)
}

// Call opens a sub-channel, issues the request there, awaits the reply, then
// closes the sub-channel. This is the default, concurrency-safe call
// discipline (spec.md §4.B).
func Call(ctx context.Context, ch *Channel, name string, args ...any) (json.RawMessage, error) {
	sub, err := ch.OpenSubchannel(ctx)
	if err != nil {
		return nil, err
	}
	defer sub.Close()
	return call(ctx, sub, name, args)
}

func call(ctx context.Context, ch *Channel, name string, args []any) (json.RawMessage, error) {
	encodedArgs, err := MarshalArgs(args...)
	if err != nil {
		return nil, fmt.Errorf("marshaling call args: %w", err)
	}
	if err := ch.Send(ctx, Frame{Call: name, Args: encodedArgs}); err != nil {
		return nil, fmt.Errorf("sending call %q: %w", name, err)
	}
	reply, err := GetOneMessage(ctx, ch)
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%s", reply.Error)
	}
	return reply.Result, nil
}

// Help performs the help introspection call, returning the server's
// registered call names.
func Help(ctx context.Context, ch *Channel) ([]string, error) {
	raw, err := Call(ctx, ch, helpCall)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decoding help reply: %w", err)
	}
	return names, nil
}
