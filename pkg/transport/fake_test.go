package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/storj-labs/replicamanager/pkg/directory"
	"github.com/storj-labs/replicamanager/pkg/transport"
)

func TestFakeBackupEnforcesOpenBeforeWrite(t *testing.T) {
	backup := transport.NewFakeBackup()
	ctx := context.Background()

	err := backup.Write(ctx, "host-a", transport.WriteRequest{SegmentId: 1, Offset: 0, Data: []byte("x")})
	require.ErrorIs(t, err, transport.ErrSegmentNotOpen)

	require.NoError(t, backup.Open(ctx, "host-a", transport.OpenRequest{SegmentId: 1, Data: []byte("ab")}))
	err = backup.Open(ctx, "host-a", transport.OpenRequest{SegmentId: 1, Data: []byte("ab")})
	require.ErrorIs(t, err, transport.ErrSegmentAlreadyOpen)
}

func TestFakeBackupEnforcesStrictByteOrdering(t *testing.T) {
	backup := transport.NewFakeBackup()
	ctx := context.Background()
	require.NoError(t, backup.Open(ctx, "host-a", transport.OpenRequest{SegmentId: 1, Data: []byte("ab")}))

	err := backup.Write(ctx, "host-a", transport.WriteRequest{SegmentId: 1, Offset: 5, Data: []byte("x")})
	require.ErrorIs(t, err, transport.ErrSegmentOutOfOrder)

	require.NoError(t, backup.Write(ctx, "host-a", transport.WriteRequest{SegmentId: 1, Offset: 2, Data: []byte("cd"), Close: true}))
	require.EqualValues(t, 4, backup.CommittedLength("host-a", 1))
	require.True(t, backup.IsClosed("host-a", 1))
}

func TestFakeBackupDownReturnsUnreachable(t *testing.T) {
	backup := transport.NewFakeBackup()
	backup.SetDown("host-a", true)

	err := backup.Open(context.Background(), "host-a", transport.OpenRequest{SegmentId: 1})
	require.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestFakeCoordinatorEnlistAndHint(t *testing.T) {
	dir := directory.New()
	coordinator := transport.NewFakeCoordinator(dir)
	ctx := context.Background()

	id, err := coordinator.Enlist(ctx, transport.EnlistRequest{Services: directory.BackupService, Locator: "backup-a"})
	require.NoError(t, err)

	entries, err := coordinator.RequestServerList(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, coordinator.HintServerDown(ctx, id))
	require.Equal(t, []directory.ServerId{id}, coordinator.Hints())

	entries, err = coordinator.RequestServerList(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 0)
}

func TestFakePingReportsConfiguredVersion(t *testing.T) {
	ping := transport.NewFakePing()
	ping.SetVersion(7)

	echoed, version, err := ping.Ping(context.Background(), "host-a", 42)
	require.NoError(t, err)
	require.EqualValues(t, 42, echoed)
	require.EqualValues(t, 7, version)

	ping.SetDown("host-a", true)
	_, _, err = ping.Ping(context.Background(), "host-a", 42)
	require.ErrorIs(t, err, transport.ErrUnreachable)
}
