package ipc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l.Sugar()
}

func newPairedChannels(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	log := testLogger(t)
	a, b := NewLocalChannelPair()
	return New(log.Named("a"), a), New(log.Named("b"), b)
}

func TestCallRoundTrip(t *testing.T) {
	server, client := newPairedChannels(t)
	log := testLogger(t)

	table := CallTable{
		"echo": func(ctx context.Context, args []json.RawMessage) (any, error) {
			var s string
			require.NoError(t, json.Unmarshal(args[0], &s))
			return s, nil
		},
	}
	cancel := MakeServer(log, server, table, false)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	raw, err := Call(ctx, client, "echo", "hello")
	require.NoError(t, err)

	var got string
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "hello", got)
}

func TestHelpListsCallableKeys(t *testing.T) {
	server, client := newPairedChannels(t)
	log := testLogger(t)

	table := CallTable{
		"a": func(context.Context, []json.RawMessage) (any, error) { return nil, nil },
		"b": func(context.Context, []json.RawMessage) (any, error) { return nil, nil },
	}
	cancel := MakeServer(log, server, table, false)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	names, err := Help(ctx, client)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestCallErrorPropagates(t *testing.T) {
	server, client := newPairedChannels(t)
	log := testLogger(t)

	table := CallTable{
		"boom": func(context.Context, []json.RawMessage) (any, error) {
			return nil, ErrNotFound
		},
	}
	cancel := MakeServer(log, server, table, false)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	_, err := Call(ctx, client, "boom")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not-found")
}

func TestInBandCall(t *testing.T) {
	server, client := newPairedChannels(t)
	log := testLogger(t)

	table := CallTable{
		"ping": func(context.Context, []json.RawMessage) (any, error) { return "pong", nil },
	}
	cancel := MakeServer(log, server, table, true)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	raw, err := CallInBand(ctx, client, "ping")
	require.NoError(t, err)

	var got string
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "pong", got)
}

func TestPrematureCloseRejectsInBandCall(t *testing.T) {
	server, client := newPairedChannels(t)
	log := testLogger(t)
	_ = log

	go func() {
		// Simulate the server closing before replying.
		_, _ = server.Recv(context.Background())
		_ = server.Close()
	}()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	_, err := CallInBand(ctx, client, "foo")
	require.ErrorIs(t, err, ErrChannelClosedPrematurely)
}
