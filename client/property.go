package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/procmux/procmux/ipc"
)

// trackedProperty is the client-side synthesis of a server property,
// per spec.md §4.C/§4.F: a locally cached value kept current by a tracker
// sub-channel, optionally writable.
type trackedProperty struct {
	name     string
	writable bool

	ch *ipc.Channel

	mu    sync.RWMutex
	value json.RawMessage
	err   error
}

// discoverProperties scans names for every trackX with a matching getX
// (spec.md §4.C/§9's prefix-matching convention), opens a tracker
// sub-channel and calls trackX for each, and awaits every initial {value}
// before returning -- so callers never observe an uninitialized cache.
func discoverProperties(ctx context.Context, root *ipc.Channel, names []string) (map[string]*trackedProperty, error) {
	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}

	props := make(map[string]*trackedProperty)
	for _, n := range names {
		if !strings.HasPrefix(n, "track") || len(n) <= len("track") {
			continue
		}
		prop := n[len("track"):]
		if !nameSet["get"+prop] {
			continue
		}
		props[prop] = &trackedProperty{
			name:     prop,
			writable: nameSet["set"+prop],
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(props))
	for prop, tp := range props {
		wg.Add(1)
		go func(prop string, tp *trackedProperty) {
			defer wg.Done()
			if err := tp.init(ctx, root); err != nil {
				errCh <- fmt.Errorf("initializing property %s: %w", prop, err)
			}
		}(prop, tp)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		return nil, err
	}
	return props, nil
}

func (tp *trackedProperty) init(ctx context.Context, root *ipc.Channel) error {
	sub, err := root.OpenSubchannel(ctx)
	if err != nil {
		return err
	}
	tp.ch = sub

	if _, err := ipc.Call(ctx, root, "track"+tp.name, sub.ID()); err != nil {
		return err
	}

	first, err := ipc.GetOneMessage(ctx, sub)
	if err != nil {
		return err
	}
	tp.mu.Lock()
	tp.value = first.Value
	tp.mu.Unlock()

	go tp.pump()
	return nil
}

func (tp *trackedProperty) pump() {
	ctx := context.Background()
	for {
		f, err := tp.ch.Recv(ctx)
		if err != nil {
			tp.mu.Lock()
			tp.err = err
			tp.mu.Unlock()
			return
		}
		if f.IsClose() {
			return
		}
		if f.Value == nil {
			continue
		}
		tp.mu.Lock()
		tp.value = f.Value
		if f.Error != "" {
			tp.err = fmt.Errorf("%s", f.Error)
		}
		tp.mu.Unlock()
	}
}

// Raw returns the cached value's raw JSON encoding.
func (tp *trackedProperty) Raw() json.RawMessage {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.value
}

// Set posts a new value upstream on the tracker channel. The cache updates
// optimistically; if the server rejects the write, the next pumped frame
// corrects it and records the rejection (observable via Err).
func (tp *trackedProperty) Set(ctx context.Context, v any) error {
	if !tp.writable {
		return ipc.ErrPropertyNotSet
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tp.mu.Lock()
	tp.value = raw
	tp.mu.Unlock()
	return tp.ch.Send(ctx, ipc.Frame{Value: raw})
}

func (tp *trackedProperty) Err() error {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.err
}
