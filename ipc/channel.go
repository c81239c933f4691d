package ipc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channel is a logical bidirectional stream over a Target: either the root
// stream identifying a process (spec.md's "root port"), or a sub-channel
// multiplexed over the same underlying transport (SPEC_FULL.md's
// translation of a transferred MessagePort). Only the root Channel owns the
// Target and its receive loop; sub-channels share it, tagged by id.
type Channel struct {
	target Target
	log    *zap.SugaredLogger

	subID string   // "" for the root channel
	root  *Channel // nil for the root channel itself

	inbox chan Frame

	mu     sync.Mutex
	err    error
	closed chan struct{}

	// root-only state
	subs           map[string]*Channel
	offerHandler   func(*Channel)
	frameHandler   func(Frame)
	dispatchCancel map[string]func() // subID -> cancel for an auto-installed MakeServer dispatch loop
}

const inboxBuffer = 32

// New wraps target as a root Channel and starts its receive loop.
func New(log *zap.SugaredLogger, target Target) *Channel {
	c := &Channel{
		target: target,
		log:    log,
		inbox:  make(chan Frame, inboxBuffer),
		closed: make(chan struct{}),
		subs:   make(map[string]*Channel),
	}
	go c.recvLoop()
	return c
}

// OnSubchannelOffer registers the callback invoked (from the receive-loop
// goroutine) whenever the peer offers a new sub-channel. Only meaningful on
// the root channel; used by MakeServer to recursively install handler
// tables on inbound sub-channels per spec.md §4.B.
func (c *Channel) OnSubchannelOffer(f func(*Channel)) {
	c.rootOf().mu.Lock()
	c.rootOf().offerHandler = f
	c.rootOf().mu.Unlock()
}

// ID returns this channel's sub-stream id, or "" for the root channel.
func (c *Channel) ID() string { return c.subID }

// Done returns a channel closed once this Channel's transport has torn
// down, for callers that need to react to an unexpected disconnect (e.g.
// host exiting a process whose root channel died without a close frame).
func (c *Channel) Done() <-chan struct{} { return c.closed }

// OnFrame registers a callback invoked (from the receive-loop goroutine, so
// it must not block) for every frame arriving on the root channel, before
// sub-channel demultiplexing. Used for liveness tracking; only meaningful
// on the root channel.
func (c *Channel) OnFrame(f func(Frame)) {
	c.rootOf().mu.Lock()
	c.rootOf().frameHandler = f
	c.rootOf().mu.Unlock()
}

// Underlying returns the Target backing the root channel this Channel
// belongs to, so callers can type-assert for capabilities like Terminator.
func (c *Channel) Underlying() Target { return c.rootOf().target }

// registerDispatchCancel records the cancel closure for a MakeServer
// dispatch loop auto-installed on this sub-channel (ipc.MakeServer's
// sync=false recursive install, triggered whenever a peer offers a
// sub-channel). Root-only storage, keyed by sub-channel id.
func (c *Channel) registerDispatchCancel(cancel func()) {
	root := c.rootOf()
	root.mu.Lock()
	if root.dispatchCancel == nil {
		root.dispatchCancel = make(map[string]func())
	}
	root.dispatchCancel[c.subID] = cancel
	root.mu.Unlock()
}

// StopDispatch cancels the call-dispatch loop MakeServer auto-installed on
// this sub-channel when its offer arrived, if any. A no-op if none was
// installed (e.g. called on the root channel, or an already-stopped
// sub-channel). Used by the property protocol to claim a client-offered
// sub-channel exclusively as a tracker stream before its generic
// call-dispatch loop can compete with the tracker loop for the same inbox
// (spec.md §4.C).
func (c *Channel) StopDispatch() {
	root := c.rootOf()
	root.mu.Lock()
	cancel := root.dispatchCancel[c.subID]
	delete(root.dispatchCancel, c.subID)
	root.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Channel) rootOf() *Channel {
	if c.root != nil {
		return c.root
	}
	return c
}

func (c *Channel) recvLoop() {
	for {
		f, recvErr := c.target.Recv(context.Background())
		if recvErr != nil {
			c.teardown(recvErr)
			return
		}
		c.mu.Lock()
		onFrame := c.frameHandler
		c.mu.Unlock()
		if onFrame != nil {
			onFrame(f)
		}
		if f.Subchannel != "" && f.Sub == "" {
			sub := c.registerSub(f.Subchannel)
			c.mu.Lock()
			handler := c.offerHandler
			c.mu.Unlock()
			if handler != nil {
				handler(sub)
			}
			continue
		}
		dest := c
		if f.Sub != "" {
			c.mu.Lock()
			sub, ok := c.subs[f.Sub]
			c.mu.Unlock()
			if !ok {
				// Unknown sub-stream: either stale or belongs to another
				// handler entirely. Per spec.md §7, unrecognized frames are
				// silently ignored by dispatch.
				continue
			}
			dest = sub
		}
		select {
		case dest.inbox <- f:
		case <-dest.closed:
		}
	}
}

// registerSub creates (or returns the existing) local sub-channel object for
// a peer-offered or self-minted subchannel id. Must be called on the root.
func (c *Channel) registerSub(id string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[id]; ok {
		return sub
	}
	sub := &Channel{
		target: c.target,
		log:    c.log,
		subID:  id,
		root:   c,
		inbox:  make(chan Frame, inboxBuffer),
		closed: make(chan struct{}),
	}
	c.subs[id] = sub
	return sub
}

// LookupSubchannel returns the local sub-channel object for id, if one has
// been offered (by either side) and registered. Used by the property
// protocol to resolve a trackN call's subchannel argument into the Channel
// the server should subscribe as a tracker.
func (c *Channel) LookupSubchannel(id string) (*Channel, bool) {
	root := c.rootOf()
	root.mu.Lock()
	defer root.mu.Unlock()
	sub, ok := root.subs[id]
	return sub, ok
}

// OpenSubchannel mints a fresh sub-channel and offers it to the peer. This is
// the canonical mechanism for concurrent calls over one logical connection
// (spec.md §4.A).
func (c *Channel) OpenSubchannel(ctx context.Context) (*Channel, error) {
	root := c.rootOf()
	id := uuid.NewString()
	sub := root.registerSub(id)
	if err := root.Send(ctx, Frame{Subchannel: id}); err != nil {
		return nil, fmt.Errorf("offering sub-channel: %w", err)
	}
	return sub, nil
}

// Send posts a frame on this logical stream, tagging it with this channel's
// sub id if it isn't the root.
func (c *Channel) Send(ctx context.Context, f Frame, transfer ...Transferable) error {
	f.Sub = c.subID
	if len(transfer) > 0 && f.Transfer == nil {
		anyTransfer := make([]any, len(transfer))
		for i, t := range transfer {
			anyTransfer[i] = t
		}
		encoded, err := MarshalArgs(anyTransfer...)
		if err != nil {
			return fmt.Errorf("marshaling transfer list: %w", err)
		}
		f.Transfer = encoded
	}
	return c.target.Send(ctx, f, transfer...)
}

// Recv blocks for the next frame addressed to this logical stream. It
// returns close frames as-is; callers that need spec.md §4.A's
// get-one-message translation (close => ErrChannelClosedPrematurely) should
// call GetOneMessage instead.
func (c *Channel) Recv(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-c.inbox:
		if !ok {
			return Frame{}, c.errOrDefault()
		}
		return f, nil
	case <-c.closed:
		return Frame{}, c.errOrDefault()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Channel) errOrDefault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrChannelClosedPrematurely
}

// teardown is called once by the root's recvLoop when the underlying
// transport dies, and propagates the failure to every live sub-channel.
func (c *Channel) teardown(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	subs := make([]*Channel, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	closeChanOnce(c.closed)
	for _, s := range subs {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		closeChanOnce(s.closed)
	}
}

func closeChanOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Close implements spec.md §4.A's closure-signaling convention: best-effort
// post {channel:"close"} on this stream, then close it locally. Failures
// posting the close frame are swallowed -- the peer, or the underlying
// transport, may already be gone.
func (c *Channel) Close() error {
	ctx := context.Background()
	_ = c.Send(ctx, CloseFrame(c.subID))
	c.teardown(ErrChannelClosedPrematurely)
	if c.root == nil {
		return c.target.Close()
	}
	c.root.mu.Lock()
	delete(c.root.subs, c.subID)
	c.root.mu.Unlock()
	return nil
}

// GetOneMessage resolves the next inbound frame on ch, translating a close
// frame into ErrChannelClosedPrematurely per spec.md §4.A.
func GetOneMessage(ctx context.Context, ch *Channel) (Frame, error) {
	f, err := ch.Recv(ctx)
	if err != nil {
		return Frame{}, err
	}
	if f.IsClose() {
		return Frame{}, ErrChannelClosedPrematurely
	}
	return f, nil
}
