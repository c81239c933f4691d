// Package ipc implements the wire-level channel and call-transport protocol:
// a symmetric request/reply RPC over point-to-point bidirectional message
// channels, with sub-channel-per-call concurrency and a channel-closure
// signaling convention.
package ipc

import "errors"

// Sentinel errors making up the protocol's error taxonomy. These cross a
// process boundary as the string form of an {error} reply frame, so callers
// on the far side compare by message the way a JS caller compares
// err.message; on the originating side they support errors.Is.
var (
	ErrNotFound                  = errors.New("not-found")
	ErrNotDescendant             = errors.New("not-descendant")
	ErrTopologyViolation         = errors.New("topology-violation")
	ErrChannelClosedPrematurely  = errors.New("channel-closed-prematurely")
	ErrPropertyNotSet            = errors.New("property-not-set")
	ErrProtocolViolation         = errors.New("protocol-violation")
	ErrNoSuchCall                = errors.New("no-such-call")
)
