package faildetector_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/storj-labs/replicamanager/pkg/directory"
	"github.com/storj-labs/replicamanager/pkg/faildetector"
	"github.com/storj-labs/replicamanager/pkg/transport"
)

func setup(t *testing.T) (*directory.Directory, directory.ServerId, *transport.FakeCoordinator, *transport.FakePing) {
	t.Helper()
	dir := directory.New()
	self := dir.Add(directory.PingService, "self", 0, 0)
	coordinator := transport.NewFakeCoordinator(dir)
	ping := transport.NewFakePing()
	return dir, self, coordinator, ping
}

func runFor(t *testing.T, d *faildetector.Detector, d2 time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d2)
	defer cancel()
	_ = d.Run(ctx)
}

func TestSuspectsStaleWhenPeerReportsHigherVersion(t *testing.T) {
	dir, self, coordinator, ping := setup(t)
	dir.Add(directory.PingService, "peer", 0, 0)
	ping.SetVersion(dir.Version() + 100)

	d := faildetector.New(nil, self, dir, ping, coordinator, faildetector.Config{
		ProbeInterval: time.Millisecond,
		ProbeTimeout:  50 * time.Millisecond,
		StaleTimeout:  time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.Eventually(t, d.IsSuspectingStale, time.Second, time.Millisecond)
}

func TestSuspicionDropsWhenLocalVersionCatchesUp(t *testing.T) {
	dir, self, coordinator, ping := setup(t)
	dir.Add(directory.PingService, "peer", 0, 0)
	ping.SetVersion(dir.Version() + 100)

	d := faildetector.New(nil, self, dir, ping, coordinator, faildetector.Config{
		ProbeInterval: time.Millisecond,
		ProbeTimeout:  50 * time.Millisecond,
		StaleTimeout:  time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.Eventually(t, d.IsSuspectingStale, time.Second, time.Millisecond)

	// Bring the local directory up past whatever the peer reports and
	// suspicion must drop on the next probe.
	ping.SetVersion(0)
	dir.Add(directory.PingService, "another", 0, 0)

	require.Eventually(t, func() bool { return !d.IsSuspectingStale() }, time.Second, time.Millisecond)
}

func TestStaleTimeoutTriggersRefreshAndDropsSuspicion(t *testing.T) {
	dir, self, coordinator, ping := setup(t)
	dir.Add(directory.PingService, "peer", 0, 0)
	ping.SetVersion(dir.Version() + 100)

	d := faildetector.New(nil, self, dir, ping, coordinator, faildetector.Config{
		ProbeInterval: time.Millisecond,
		ProbeTimeout:  50 * time.Millisecond,
		StaleTimeout:  10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.Eventually(t, d.IsSuspectingStale, time.Second, time.Millisecond)

	// Suspicion must resolve (drop) once StaleTimeout elapses, regardless
	// of what request_server_list returns, since the peer keeps reporting
	// a higher version forever.
	require.Eventually(t, func() bool { return !d.IsSuspectingStale() }, 2*time.Second, time.Millisecond)
}

func TestHintServerDownCalledOnUnreachablePeer(t *testing.T) {
	dir, self, coordinator, ping := setup(t)
	peer := dir.Add(directory.PingService, "peer", 0, 0)
	entry, err := dir.Get(peer)
	require.NoError(t, err)
	ping.SetDown(entry.Locator, true)

	d := faildetector.New(nil, self, dir, ping, coordinator, faildetector.Config{
		ProbeInterval: time.Millisecond,
		ProbeTimeout:  20 * time.Millisecond,
		StaleTimeout:  time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, h := range coordinator.Hints() {
			if h == peer {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestNoPingPeerIsANoOp(t *testing.T) {
	dir, self, coordinator, ping := setup(t)

	d := faildetector.New(nil, self, dir, ping, coordinator, faildetector.Config{
		ProbeInterval: time.Millisecond,
		ProbeTimeout:  20 * time.Millisecond,
		StaleTimeout:  time.Hour,
	})

	runFor(t, d, 50*time.Millisecond)
	require.False(t, d.IsSuspectingStale())
}
