// Package property implements the reactive tracked-value subprotocol layered
// on top of ipc's call transport (spec.md §4.C / SPEC_FULL.md Module C).
package property

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/procmux/procmux/ipc"
	"go.uber.org/zap"
)

// Validator approves or rejects an incoming value. A nil Validator means the
// property is read-only; Writable returns a Validator that accepts anything.
type Validator[T any] func(T) error

// Writable returns a Validator that accepts any value, making a property
// writable with no server-side constraint.
func Writable[T any]() Validator[T] {
	return func(T) error { return nil }
}

// Server is the authoritative, server-side half of a tracked property.
// Grounded on agent/command/ws.go's wsJSONWriter (a near-duplicate of
// agent/process/ws.go left unused by the teacher), adapted here from a
// stdout/stderr chunk writer into a tracker-broadcast writer.
type Server[T any] struct {
	log       *zap.SugaredLogger
	name      string
	validator Validator[T] // nil => read-only

	mu       sync.Mutex
	value    T
	trackers []*ipc.Channel
}

// New constructs a property server for name, seeded with initial, and
// installs validator as its write rule (nil for read-only).
func New[T any](log *zap.SugaredLogger, name string, initial T, validator Validator[T]) *Server[T] {
	return &Server[T]{
		log:       log.Named("property." + name),
		name:      name,
		validator: validator,
		value:     initial,
	}
}

// Get returns the current authoritative value.
func (s *Server[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set attempts a write, running it through the validator (failing outright
// on a read-only property). On success, it commits and broadcasts to every
// tracker, including the one that requested this write if any.
func (s *Server[T]) Set(v T) error {
	if s.validator == nil {
		return ipc.ErrPropertyNotSet
	}
	if err := s.validator(v); err != nil {
		return fmt.Errorf("%w: %s", ipc.ErrPropertyNotSet, err)
	}
	s.commitAndBroadcast(v)
	return nil
}

// ForcePush commits v unconditionally -- the "ignore-read-only" authoritative
// push path for server-local writers (spec.md §4.C).
func (s *Server[T]) ForcePush(v T) {
	s.commitAndBroadcast(v)
}

func (s *Server[T]) commitAndBroadcast(v T) {
	s.mu.Lock()
	s.value = v
	trackers := make([]*ipc.Channel, len(s.trackers))
	copy(trackers, s.trackers)
	s.mu.Unlock()

	raw, err := json.Marshal(v)
	if err != nil {
		s.log.Errorw("marshaling property value for broadcast", "Error", err)
		return
	}
	for _, t := range trackers {
		if err := t.Send(context.Background(), ipc.Frame{Value: raw}); err != nil {
			s.log.Debugw("broadcast to tracker failed", "Error", err)
		}
	}
}

// Install adds this property's calls (getN, trackN, and setN when writable)
// into table, and arranges for trackN to subscribe a sub-channel the client
// previously offered on root. root must be the process's root channel: per
// ipc's sub-channel design, OpenSubchannel offers always register against
// the root regardless of which logical stream the offering call itself rode
// on.
func (s *Server[T]) Install(root *ipc.Channel, table ipc.CallTable) {
	suffix := capitalize(s.name)

	table["get"+suffix] = func(ctx context.Context, _ []json.RawMessage) (any, error) {
		return s.Get(), nil
	}

	table["track"+suffix] = func(ctx context.Context, args []json.RawMessage) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: trackN requires a sub-channel id argument", ipc.ErrProtocolViolation)
		}
		var subID string
		if err := json.Unmarshal(args[0], &subID); err != nil {
			return nil, fmt.Errorf("%w: decoding sub-channel id: %s", ipc.ErrProtocolViolation, err)
		}
		sub, ok := root.LookupSubchannel(subID)
		if !ok {
			return nil, fmt.Errorf("%w: unknown sub-channel %s", ipc.ErrProtocolViolation, subID)
		}
		s.addTracker(sub)
		return nil, nil
	}

	if s.validator != nil {
		table["set"+suffix] = func(ctx context.Context, args []json.RawMessage) (any, error) {
			var v T
			if len(args) > 0 {
				if err := json.Unmarshal(args[0], &v); err != nil {
					return nil, fmt.Errorf("%w: decoding value: %s", ipc.ErrProtocolViolation, err)
				}
			}
			return nil, s.Set(v)
		}
	}
}

func (s *Server[T]) addTracker(tracker *ipc.Channel) {
	// The offer that created this sub-channel also triggered MakeServer's
	// recursive auto-install of a call-dispatch loop on it (ipc/server.go);
	// left running, it would race trackerLoop below to read the same
	// inbox. Claim the sub-channel exclusively before subscribing it.
	tracker.StopDispatch()

	s.mu.Lock()
	s.trackers = append(s.trackers, tracker)
	current := s.value
	s.mu.Unlock()

	raw, err := json.Marshal(current)
	if err == nil {
		_ = tracker.Send(context.Background(), ipc.Frame{Value: raw})
	}

	go s.trackerLoop(tracker)
}

func (s *Server[T]) trackerLoop(tracker *ipc.Channel) {
	ctx := context.Background()
	defer s.removeTracker(tracker)
	for {
		f, err := tracker.Recv(ctx)
		if err != nil {
			return
		}
		if f.IsClose() {
			_ = tracker.Close()
			return
		}
		if f.Value == nil {
			continue
		}
		var v T
		if err := json.Unmarshal(f.Value, &v); err != nil {
			s.log.Debugw("bad value frame from tracker", "Error", err)
			continue
		}
		if err := s.Set(v); err != nil {
			raw, _ := json.Marshal(s.Get())
			_ = tracker.Send(ctx, ipc.Frame{Error: err.Error(), Value: raw})
		}
	}
}

func (s *Server[T]) removeTracker(tracker *ipc.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.trackers {
		if t == tracker {
			s.trackers = append(s.trackers[:i], s.trackers[i+1:]...)
			return
		}
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
