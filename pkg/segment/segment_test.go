package segment_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/storj-labs/replicamanager/internal/sync2"
	"github.com/storj-labs/replicamanager/pkg/directory"
	"github.com/storj-labs/replicamanager/pkg/scheduler"
	"github.com/storj-labs/replicamanager/pkg/segment"
	"github.com/storj-labs/replicamanager/pkg/transport"
)

// fakeOwner is a minimal segment.Owner: it assigns the first backup of a
// fixed pool that is not in the exclude set, rather than running a real backupselector.Selector, keeping
// these tests focused on the replica state machine.
type fakeOwner struct {
	mu           sync.Mutex
	pool         []directory.ServerId
	locators     map[directory.ServerId]string
	backupClient transport.BackupClient
	limiter      *sync2.Limiter
	scheduler    *scheduler.Scheduler
	numReplicas  int
	maxPayload   int

	destroyed []uint64
}

func newFakeOwner(backup transport.BackupClient, numReplicas int, locators map[directory.ServerId]string) *fakeOwner {
	pool := make([]directory.ServerId, 0, len(locators))
	for id := range locators {
		pool = append(pool, id)
	}
	return &fakeOwner{
		pool:         pool,
		locators:     locators,
		backupClient: backup,
		limiter:      sync2.NewLimiter(8),
		scheduler:    scheduler.New(),
		numReplicas:  numReplicas,
		maxPayload:   0,
	}
}

func (o *fakeOwner) choose(exclude map[directory.ServerId]bool) (directory.ServerId, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range o.pool {
		if !exclude[id] {
			return id, nil
		}
	}
	return directory.InvalidServerId, fmt.Errorf("no backup available")
}

func (o *fakeOwner) ChoosePrimary(ctx context.Context, exclude map[directory.ServerId]bool, segmentBytes int64) (directory.ServerId, error) {
	return o.choose(exclude)
}

func (o *fakeOwner) ChooseSecondary(ctx context.Context, exclude map[directory.ServerId]bool) (directory.ServerId, error) {
	return o.choose(exclude)
}

func (o *fakeOwner) ReleasePrimary(id directory.ServerId) {}

func (o *fakeOwner) Locator(id directory.ServerId) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	locator, ok := o.locators[id]
	if !ok {
		return "", fmt.Errorf("unknown backup %v", id)
	}
	return locator, nil
}

func (o *fakeOwner) BackupClient() transport.BackupClient { return o.backupClient }
func (o *fakeOwner) WriteLimiter() *sync2.Limiter         { return o.limiter }
func (o *fakeOwner) Schedule(task scheduler.Task)         { o.scheduler.Schedule(task) }
func (o *fakeOwner) Proceed(ctx context.Context)          { o.scheduler.Proceed() }
func (o *fakeOwner) NumReplicas() int                     { return o.numReplicas }
func (o *fakeOwner) MaxWritePayloadBytes() int             { return o.maxPayload }

func (o *fakeOwner) DestroyAndFree(seg *segment.ReplicatedSegment) {
	o.mu.Lock()
	o.destroyed = append(o.destroyed, seg.ID())
	o.mu.Unlock()
}

func locatorPool(n int) map[directory.ServerId]string {
	locators := make(map[directory.ServerId]string, n)
	for i := 0; i < n; i++ {
		id := directory.NewServerId(uint32(i+1), 0)
		locators[id] = fmt.Sprintf("backup-%d", i)
	}
	return locators
}

func TestOpenWriteSyncReplicatesToEveryBackup(t *testing.T) {
	backup := transport.NewFakeBackup()
	owner := newFakeOwner(backup, 2, locatorPool(3))

	data := []byte("hello replicated world")
	openLen := int64(5)
	seg := segment.Open(nil, owner, directory.NewServerId(99, 0), 1, data, openLen, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, seg.Sync(ctx, int64(len(data))))

	for _, r := range seg.Replicas() {
		require.Equal(t, int64(len(data)), r.Cursor)
		locator, err := owner.Locator(r.Backup)
		require.NoError(t, err)
		require.EqualValues(t, len(data), backup.CommittedLength(locator, seg.ID()))
	}
}

func TestCloseAndFreeReachesFullyFreed(t *testing.T) {
	backup := transport.NewFakeBackup()
	owner := newFakeOwner(backup, 2, locatorPool(3))

	data := []byte("closing segment")
	seg := segment.Open(nil, owner, directory.NewServerId(99, 0), 1, data, int64(len(data)), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, seg.CloseAndSync(ctx))

	for _, r := range seg.Replicas() {
		locator, err := owner.Locator(r.Backup)
		require.NoError(t, err)
		require.True(t, backup.IsClosed(locator, seg.ID()))
	}

	seg.Free()
	require.Eventually(t, func() bool {
		owner.Schedule(seg)
		owner.Proceed(ctx)
		return seg.IsFullyFreed()
	}, 5*time.Second, time.Millisecond)

	require.Contains(t, owner.destroyed, seg.ID())
}

func TestSuccessorWaitsForPredecessorClose(t *testing.T) {
	backup := transport.NewFakeBackup()
	owner := newFakeOwner(backup, 1, locatorPool(2))

	predecessor := segment.Open(nil, owner, directory.NewServerId(99, 0), 1, []byte("aaaa"), 4, nil)
	successor := segment.Open(nil, owner, directory.NewServerId(99, 0), 2, []byte("bbbb"), 4, predecessor)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Drive the scheduler a few rounds without closing the predecessor:
	// the successor's replicas must not reach OPEN_ACKED yet (I7).
	for i := 0; i < 5; i++ {
		owner.Proceed(ctx)
		time.Sleep(time.Millisecond)
	}
	for _, r := range successor.Replicas() {
		require.NotEqual(t, segment.OpenAcked, r.State)
	}

	require.NoError(t, predecessor.CloseAndSync(ctx))
	require.NoError(t, successor.Sync(ctx, 4))
}

func TestPanicsOnCommittedLengthRegression(t *testing.T) {
	backup := transport.NewFakeBackup()
	owner := newFakeOwner(backup, 1, locatorPool(1))
	seg := segment.Open(nil, owner, directory.NewServerId(99, 0), 1, []byte("abcd"), 4, nil)

	require.Panics(t, func() {
		seg.CommittedLength(1)
	})
}

func TestDoubleFreePanics(t *testing.T) {
	backup := transport.NewFakeBackup()
	owner := newFakeOwner(backup, 1, locatorPool(1))
	seg := segment.Open(nil, owner, directory.NewServerId(99, 0), 1, []byte("abcd"), 4, nil)

	seg.Free()
	require.PanicsWithValue(t, segment.ErrAlreadyFreed, func() {
		seg.Free()
	})
}
