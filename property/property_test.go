package property

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/procmux/procmux/ipc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l.Sugar()
}

// serverTable installs a writable "title" property on root's table via
// Install, plus help, mirroring how host.installAPI wires a collaborator
// table onto a process's root channel (host/host.go).
func serverTable(log *zap.SugaredLogger, root *ipc.Channel, srv *Server[string]) func() {
	table := make(ipc.CallTable)
	srv.Install(root, table)
	return ipc.MakeServer(log, root, table, false)
}

func TestPropertyTrackRoundTrip(t *testing.T) {
	log := testLogger(t)
	a, b := ipc.NewLocalChannelPair()
	server := ipc.New(log.Named("server"), a)
	client := ipc.New(log.Named("client"), b)

	srv := New(log, "title", "untitled", Writable[string]())
	cancel := serverTable(log, server, srv)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	sub, err := client.OpenSubchannel(ctx)
	require.NoError(t, err)
	defer sub.Close()

	_, err = ipc.Call(ctx, client, "trackTitle", sub.ID())
	require.NoError(t, err)

	first, err := ipc.GetOneMessage(ctx, sub)
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(first.Value, &got))
	require.Equal(t, "untitled", got)

	// A server-side ForcePush (e.g. a DOM-side title change) broadcasts to
	// every tracker, including this one.
	srv.ForcePush("server pushed")
	pushed, err := ipc.GetOneMessage(ctx, sub)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(pushed.Value, &got))
	require.Equal(t, "server pushed", got)

	// A client write on the tracker sub-channel must reach trackerLoop, not
	// get silently dropped by a competing dispatch loop (the double-drain
	// this sub-channel would otherwise be exposed to once MakeServer's
	// recursive offer-install installs a serveLoop on it too).
	raw, err := json.Marshal("client set")
	require.NoError(t, err)
	require.NoError(t, sub.Send(ctx, ipc.Frame{Value: raw}))

	require.Eventually(t, func() bool {
		return srv.Get() == "client set"
	}, 2*time.Second, 10*time.Millisecond)

	getRaw, err := ipc.Call(ctx, client, "getTitle")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(getRaw, &got))
	require.Equal(t, "client set", got)
}

func TestPropertyReadOnlyRejectsSet(t *testing.T) {
	log := testLogger(t)
	a, b := ipc.NewLocalChannelPair()
	server := ipc.New(log.Named("server"), a)
	client := ipc.New(log.Named("client"), b)

	srv := New(log, "title", "fixed", nil)
	cancel := serverTable(log, server, srv)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	names, err := ipc.Help(ctx, client)
	require.NoError(t, err)
	require.Contains(t, names, "getTitle")
	require.Contains(t, names, "trackTitle")
	require.NotContains(t, names, "setTitle")

	require.ErrorIs(t, srv.Set("nope"), ipc.ErrPropertyNotSet)
}

func TestPropertyValidatorRejectsBadValue(t *testing.T) {
	log := testLogger(t)
	srv := New(log, "count", 0, func(v int) error {
		if v < 0 {
			return ipc.ErrProtocolViolation
		}
		return nil
	})

	require.NoError(t, srv.Set(5))
	require.Equal(t, 5, srv.Get())

	err := srv.Set(-1)
	require.Error(t, err)
	require.Equal(t, 5, srv.Get())
}
