package proctable

import (
	"context"
	"testing"
	"time"

	"github.com/procmux/procmux/ipc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	return New(log.Sugar())
}

// adoptSpawn returns one half of an in-memory pair and keeps a live peer
// reading the other half, so frames written by the table (such as Exit's
// close frame) are consumed as they would be by a real peer.
func adoptSpawn(ctx context.Context, _ string) (ipc.Target, error) {
	a, b := ipc.NewLocalChannelPair()
	ipc.New(zap.NewNop().Sugar(), b)
	return a, nil
}

func TestStartRecordsParentChild(t *testing.T) {
	tbl := testTable(t)
	ctx := context.Background()

	pid1, _, err := tbl.Start(ctx, adoptSpawn, "u1", nil, nil)
	require.NoError(t, err)

	pid2, _, err := tbl.Start(ctx, adoptSpawn, "u2", &pid1, nil)
	require.NoError(t, err)

	children, err := tbl.Children(&pid1)
	require.NoError(t, err)
	require.Equal(t, []PID{pid2}, children)

	parent, err := tbl.Parent(pid2)
	require.NoError(t, err)
	require.Equal(t, pid1, *parent)
}

func TestExitRemovesDescendants(t *testing.T) {
	tbl := testTable(t)
	ctx := context.Background()

	pid1, _, err := tbl.Start(ctx, adoptSpawn, "u1", nil, nil)
	require.NoError(t, err)
	pid2, _, err := tbl.Start(ctx, adoptSpawn, "u2", &pid1, nil)
	require.NoError(t, err)
	pid3, _, err := tbl.Start(ctx, adoptSpawn, "u3", &pid2, nil)
	require.NoError(t, err)

	require.NoError(t, tbl.Exit(pid1))

	require.False(t, tbl.Exists(pid1))
	require.False(t, tbl.Exists(pid2))
	require.False(t, tbl.Exists(pid3))
}

func TestReparentCycleRejected(t *testing.T) {
	tbl := testTable(t)
	ctx := context.Background()

	pid1, _, err := tbl.Start(ctx, adoptSpawn, "u1", nil, nil)
	require.NoError(t, err)
	pid2, _, err := tbl.Start(ctx, adoptSpawn, "u2", &pid1, nil)
	require.NoError(t, err)
	pid3, _, err := tbl.Start(ctx, adoptSpawn, "u3", &pid2, nil)
	require.NoError(t, err)

	err = tbl.Reparent(pid1, &pid3)
	require.ErrorIs(t, err, ipc.ErrTopologyViolation)
}

func TestNameAndFind(t *testing.T) {
	tbl := testTable(t)
	ctx := context.Background()

	pid, _, err := tbl.Start(ctx, adoptSpawn, "u1", nil, nil)
	require.NoError(t, err)

	name, ok, err := tbl.Name(pid, []string{"db"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "db", name)

	foundName, foundPID, ok := tbl.Find([]string{"db"})
	require.True(t, ok)
	require.Equal(t, "db", foundName)
	require.Equal(t, pid, foundPID)
}

func TestNameAllTakenRetainsPrior(t *testing.T) {
	tbl := testTable(t)
	ctx := context.Background()

	pid1, _, err := tbl.Start(ctx, adoptSpawn, "u1", nil, nil)
	require.NoError(t, err)
	pid2, _, err := tbl.Start(ctx, adoptSpawn, "u2", nil, nil)
	require.NoError(t, err)

	_, ok, err := tbl.Name(pid1, []string{"taken"})
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = tbl.Name(pid2, []string{"other"})
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = tbl.Name(pid2, []string{"taken"})
	require.NoError(t, err)
	require.False(t, ok)

	name, foundPID, ok := tbl.Find([]string{"other"})
	require.True(t, ok)
	require.Equal(t, "other", name)
	require.Equal(t, pid2, foundPID)
}

func TestWaitResolvesOnLaterName(t *testing.T) {
	tbl := testTable(t)
	ctx := context.Background()

	resolved := make(chan PID, 1)
	go func() {
		pid, err := tbl.Wait(context.Background(), "db")
		require.NoError(t, err)
		resolved <- pid
	}()

	time.Sleep(20 * time.Millisecond)

	pid, _, err := tbl.Start(ctx, adoptSpawn, "u1", nil, nil)
	require.NoError(t, err)
	_, ok, err := tbl.Name(pid, []string{"db"})
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case got := <-resolved:
		require.Equal(t, pid, got)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not resolve")
	}
}
