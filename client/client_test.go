package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/procmux/procmux/host"
	"github.com/procmux/procmux/host/demoapi"
	"github.com/procmux/procmux/ipc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func noSpawn(context.Context, string) (ipc.Target, error) {
	return nil, errors.New("spawn not exercised by this test")
}

// startTestHost brings up a real host.Host on an ephemeral loopback port,
// with demoapi's writable "title" property installed as its HostAPI
// collaborator, and returns the ws:// URL for its /connect endpoint.
func startTestHost(t *testing.T) string {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	sugared := log.Sugar()

	h, err := host.New(noSpawn,
		host.WithLogger(sugared),
		host.WithListenAddr("127.0.0.1:0"),
		host.WithHostAPI(demoapi.New(sugared)),
	)
	require.NoError(t, err)

	go func() {
		_ = h.Run()
	}()
	t.Cleanup(func() { _ = h.Stop() })

	return fmt.Sprintf("ws://%s/connect", h.Addr().String())
}

func TestClientConnectDiscoversCoreCallsAndProperty(t *testing.T) {
	url := startTestHost(t)

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	c, err := Connect(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	require.Contains(t, c.Names(), "getPid")
	require.Contains(t, c.Names(), "trackTitle")

	raw, ok := c.Property("Title")
	require.True(t, ok)
	var title string
	require.NoError(t, json.Unmarshal(raw, &title))
	require.Equal(t, "", title)

	pidRaw, err := c.Call(ctx, "getPid")
	require.NoError(t, err)
	var pid int
	require.NoError(t, json.Unmarshal(pidRaw, &pid))
	require.Equal(t, 1, pid)
}

func TestClientSetPropertyRoundTrips(t *testing.T) {
	url := startTestHost(t)

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	c, err := Connect(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetProperty(ctx, "Title", "hello from client"))

	require.Eventually(t, func() bool {
		raw, ok := c.Property("Title")
		if !ok {
			return false
		}
		var got string
		if err := json.Unmarshal(raw, &got); err != nil {
			return false
		}
		return got == "hello from client"
	}, 2*time.Second, 10*time.Millisecond)
}
